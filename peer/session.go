package peer

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tonk-labs/tonk-core/docstore"
	"github.com/tonk-labs/tonk-core/transport"
	"github.com/tonk-labs/tonk-core/vfserrors"
)

// ProtocolVersion is the only Hello protocol version this driver speaks.
const ProtocolVersion = 1

// State is a peer session's place in the Handshake/Synchronizing/
// Reconnecting/Closed state machine described for the Peer Protocol Driver.
type State int

const (
	StateHandshake State = iota
	StateSynchronizing
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateSynchronizing:
		return "synchronizing"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes the reconnect and idle-timeout behavior of a Session.
type Options struct {
	// PeerID is this process's stable identity, sent in our Hello.
	PeerID string
	// InterestedDocuments seeds the Hello's known-document list.
	InterestedDocuments []string
	// IdleTimeout is how long a Synchronizing session tolerates silence
	// before dropping to Reconnecting.
	IdleTimeout time.Duration
	// InitialBackoff, MaxBackoff and BackoffJitter shape the exponential
	// backoff used between reconnect attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffJitter  float64
	// MaxReconnectAttempts bounds how many backoff rounds a Reconnecting
	// session waits through before giving up and moving to Closed.
	MaxReconnectAttempts int
	// MaxBufferedDeltas caps how many locally committed deltas a Reconnecting
	// session buffers before starting to drop the oldest.
	MaxBufferedDeltas int
}

func (o *Options) setDefaults() {
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.InitialBackoff == 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.BackoffJitter == 0 {
		o.BackoffJitter = 0.2
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 8
	}
	if o.MaxBufferedDeltas == 0 {
		o.MaxBufferedDeltas = 256
	}
}

// Dialer reconnects a session after its transport drops. It returns a
// fresh Transport to the same peer, or an error if no reconnection was
// possible this attempt.
type Dialer func(ctx context.Context) (transport.Transport, error)

type bufferedDelta struct {
	documentID string
	delta      []byte
}

// Session is the per-peer state machine described for the Peer Protocol
// Driver: it frames Document Store changes over one Transport at a time,
// multiplexes them across every document of mutual interest, and survives
// brief disconnects by buffering and resuming.
type Session struct {
	store   *docstore.Store
	dial    Dialer
	opts    Options
	log     *zap.Logger
	peerCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	state       State
	transport   transport.Transport
	remotePeer  string
	interested  map[string]bool
	buffered    []bufferedDelta
	backoff     time.Duration
	attempt     int
	subs        map[string]*docstore.Subscription
	lastLiveness time.Time

	done chan struct{}
}

// NewSession starts a peer session over an already-connected transport.
// dial is used to re-establish the transport on reconnect; it may be nil
// if this peer never reconnects once dropped.
func NewSession(ctx context.Context, store *docstore.Store, t transport.Transport, dial Dialer, opts Options, log *zap.Logger) *Session {
	opts.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		store:      store,
		dial:       dial,
		opts:       opts,
		log:        log,
		peerCtx:    sessionCtx,
		cancel:     cancel,
		state:      StateHandshake,
		transport:  t,
		interested: make(map[string]bool),
		backoff:    opts.InitialBackoff,
		subs:       make(map[string]*docstore.Subscription),
		done:       make(chan struct{}),
	}
	for _, id := range opts.InterestedDocuments {
		s.interested[id] = true
	}
	go s.run()
	return s
}

// State reports the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NotifyLocalChange fans a locally committed delta out to the peer, or
// buffers it if the session is mid-reconnect.
func (s *Session) NotifyLocalChange(documentID string, delta []byte) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return
	case StateHandshake, StateReconnecting:
		s.buffer(documentID, delta)
		return
	}

	payload, err := json.Marshal(docSyncPayload{DocumentID: documentID, Message: delta})
	if err != nil {
		s.log.Error("encoding docsync payload", zap.Error(err))
		return
	}
	if err := s.sendFrame(KindDocSync, payload); err != nil {
		s.buffer(documentID, delta)
	}
}

// Close ends the session: sends a Bye if still connected, unsubscribes
// from every document, and stops the receive loop. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	t := s.transport
	for _, sub := range s.subs {
		s.store.Unsubscribe(sub)
	}
	s.subs = nil
	s.mu.Unlock()

	if t != nil {
		_ = s.sendFrame(KindBye, nil)
		_ = t.Close()
	}
	s.cancel()
	<-s.done
	return nil
}

func (s *Session) buffer(documentID string, delta []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered = append(s.buffered, bufferedDelta{documentID: documentID, delta: delta})
	if len(s.buffered) > s.opts.MaxBufferedDeltas {
		s.buffered = s.buffered[len(s.buffered)-s.opts.MaxBufferedDeltas:]
	}
}

func (s *Session) sendFrame(kind Kind, payload []byte) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return vfserrors.TransportClosed{PeerID: s.remotePeer}
	}
	return t.Send(s.peerCtx, encodeFrame(kind, payload))
}

// run drives the handshake/receive/reconnect loop until the session is
// closed or permanently gives up reconnecting.
func (s *Session) run() {
	defer close(s.done)
	for {
		if err := s.handshake(); err != nil {
			s.log.Warn("peer handshake failed", zap.Error(err))
			if !s.enterReconnecting() {
				s.transitionClosed()
				return
			}
			continue
		}

		s.transitionSynchronizing()
		s.receiveLoop()

		if s.State() == StateClosed {
			return
		}
		if !s.enterReconnecting() {
			s.transitionClosed()
			return
		}
	}
}

func (s *Session) handshake() error {
	hello := helloPayload{
		ProtocolVersion: ProtocolVersion,
		PeerID:          s.opts.PeerID,
		KnownDocuments:  s.knownDocuments(),
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		return err
	}
	if err := s.sendFrame(KindHello, payload); err != nil {
		return err
	}

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	frame, err := t.Recv(s.peerCtx)
	if err != nil {
		return err
	}
	kind, body, err := decodeFrame(frame)
	if err != nil {
		return err
	}
	if kind != KindHello {
		return vfserrors.InvalidChange{DocumentID: "", Reason: "expected Hello as first frame"}
	}
	var theirs helloPayload
	if err := json.Unmarshal(body, &theirs); err != nil {
		return err
	}
	if theirs.ProtocolVersion != ProtocolVersion {
		return vfserrors.VersionUnsupported{Version: theirs.ProtocolVersion}
	}

	s.mu.Lock()
	s.remotePeer = theirs.PeerID
	for _, id := range theirs.KnownDocuments {
		s.interested[id] = true
	}
	s.lastLiveness = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Session) knownDocuments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.interested))
	for id := range s.interested {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) transitionSynchronizing() {
	s.mu.Lock()
	s.state = StateSynchronizing
	s.attempt = 0
	s.backoff = s.opts.InitialBackoff
	pending := s.buffered
	s.buffered = nil
	s.mu.Unlock()

	for _, b := range pending {
		s.NotifyLocalChange(b.documentID, b.delta)
	}
}

// receiveLoop reads frames until the transport closes or goes idle past
// IdleTimeout, applying DocSync frames to the Document Store and
// maintaining per-document subscriptions for outbound fan-out.
func (s *Session) receiveLoop() {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	for {
		ctx, cancel := context.WithTimeout(s.peerCtx, s.opts.IdleTimeout)
		frame, err := t.Recv(ctx)
		cancel()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.lastLiveness = time.Now()
		s.mu.Unlock()

		kind, body, err := decodeFrame(frame)
		if err != nil {
			s.log.Warn("malformed frame, closing session", zap.Error(err))
			_ = t.Close()
			return
		}

		switch kind {
		case KindDocSync:
			s.handleDocSync(body)
		case KindDocRequest:
			s.handleDocRequest(body)
		case KindBye:
			_ = t.Close()
			return
		case KindHello:
			// A mid-stream Hello just refreshes interest; ignore otherwise.
			var hello helloPayload
			if err := json.Unmarshal(body, &hello); err == nil {
				s.mu.Lock()
				for _, id := range hello.KnownDocuments {
					s.interested[id] = true
				}
				s.mu.Unlock()
			}
		}
	}
}

func (s *Session) handleDocSync(body []byte) {
	var msg docSyncPayload
	if err := json.Unmarshal(body, &msg); err != nil {
		s.log.Warn("malformed docsync payload", zap.Error(err))
		return
	}
	if _, err := s.store.ApplyRemoteDelta(s.peerCtx, msg.DocumentID, msg.Message); err != nil {
		s.log.Warn("dropping invalid remote delta; will resync on reconnect",
			zap.String("document_id", msg.DocumentID), zap.Error(err))
		return
	}
	s.ensureSubscribed(msg.DocumentID)
}

func (s *Session) handleDocRequest(body []byte) {
	var req docRequestPayload
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}
	s.mu.Lock()
	s.interested[req.DocumentID] = true
	s.mu.Unlock()
	s.ensureSubscribed(req.DocumentID)

	snapshot, err := s.store.Snapshot(s.peerCtx, req.DocumentID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(docSyncPayload{DocumentID: req.DocumentID, Message: snapshot})
	if err != nil {
		return
	}
	_ = s.sendFrame(KindDocSync, payload)
}

// ensureSubscribed wires up a fan-out subscription the first time a
// document becomes of mutual interest during this session.
func (s *Session) ensureSubscribed(documentID string) {
	s.mu.Lock()
	if _, ok := s.subs[documentID]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	sub, err := s.store.Subscribe(s.peerCtx, documentID, func(_ interface{}, _ []string) {
		// Fan-out of this document's own latest delta happens through
		// NotifyLocalChange, which the engine registers as a Document
		// Store OnDelta listener and which receives the delta bytes
		// ApplyChange produced; this subscription's only job is to
		// keep the per-document watch alive for the session's lifetime.
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	s.subs[documentID] = sub
	s.mu.Unlock()
}

// enterReconnecting waits out one backoff round and tries to dial a fresh
// transport. It returns false once attempts are exhausted or dialing is
// not configured, meaning the session should transition to Closed.
func (s *Session) enterReconnecting() bool {
	if s.dial == nil {
		return false
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateReconnecting
	s.attempt++
	attempt := s.attempt
	backoff := s.backoff
	s.mu.Unlock()

	if attempt > s.opts.MaxReconnectAttempts {
		return false
	}

	jitter := float64(backoff) * s.opts.BackoffJitter * (rand.Float64()*2 - 1)
	delay := time.Duration(math.Max(0, float64(backoff)+jitter))
	select {
	case <-time.After(delay):
	case <-s.peerCtx.Done():
		return false
	}

	s.mu.Lock()
	s.backoff = time.Duration(math.Min(float64(s.opts.MaxBackoff), float64(s.backoff)*2))
	s.mu.Unlock()

	t, err := s.dial(s.peerCtx)
	if err != nil {
		s.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		return s.enterReconnecting()
	}

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	return true
}

func (s *Session) transitionClosed() {
	s.mu.Lock()
	s.state = StateClosed
	for _, sub := range s.subs {
		s.store.Unsubscribe(sub)
	}
	s.subs = nil
	s.mu.Unlock()
	s.cancel()
}
