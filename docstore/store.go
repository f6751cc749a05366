// Package docstore implements the Document Store: the process-wide
// registry mapping a DocumentId to its live CRDT document and the set of
// listeners watching it. It is the only component that mutates a
// document's in-memory CRDT state; everyone else — VFS operations, the
// peer protocol driver, the bundle codec — goes through it.
package docstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tonk-labs/tonk-core/common"
	"github.com/tonk-labs/tonk-core/crdt"
	"github.com/tonk-labs/tonk-core/crdtpatch"
	"github.com/tonk-labs/tonk-core/storage"
	"github.com/tonk-labs/tonk-core/vfserrors"
)

// Heads is a document's vector of change heads: the highest operation
// counter seen from each session, sufficient to answer "have we already
// applied this change" without re-walking the full change history.
type Heads map[string]uint64

// snapshotKey and changeKey build the storage key layout this store uses.
// The shape is codec-specific and only needs to round-trip through the
// bundle codec, which stores every key under its storage/ entry prefix.
func snapshotKey(id string) storage.Key { return storage.Key{"documents", id, "snapshot"} }
func changeKey(id, patchID string) storage.Key {
	return storage.Key{"documents", id, "changes", patchID}
}

// ChangeFunc mutates a document's content through a PatchBuilder bound to
// that document's clock. Every builder call (NewObject, InsertObjectField,
// DeleteStringRange, ...) is recorded as a pending operation; ApplyChange
// applies them to the live document and persists the resulting patch as
// the change's delta.
type ChangeFunc func(doc *crdt.Document, builder *crdtpatch.PatchBuilder) error

// Listener is invoked after every committed change to a document, local or
// remote, with the document's current JSON view and a best-effort list of
// the top-level field names touched by the commit.
type Listener func(value interface{}, changedFields []string)

// Subscription is the handle returned by Subscribe; pass it to Unsubscribe
// to stop receiving notifications.
type Subscription struct {
	id         string
	documentID string
}

type entry struct {
	mu             sync.Mutex
	doc            *crdt.Document
	builder        *crdtpatch.PatchBuilder
	appliedPatches map[string]bool
	listeners      map[string]Listener
}

// DeltaListener is notified whenever ApplyChange commits a locally
// originated change, with the raw patch bytes ApplyChange persisted. The
// Peer Protocol Driver uses this to fan local changes out to connected
// peers without re-deriving a delta from the document's current value.
type DeltaListener func(documentID string, delta []byte)

// Store is the Document Store.
type Store struct {
	storage   storage.Adapter
	sessionID common.SessionID
	log       *zap.Logger

	mu            sync.RWMutex
	docs          map[string]*entry
	deltaMu       sync.Mutex
	deltaListeners map[string]DeltaListener
}

// New creates a Document Store backed by adapter. sessionID identifies
// this process's changes in every document's logical clock.
func New(adapter storage.Adapter, sessionID common.SessionID, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		storage:        adapter,
		sessionID:      sessionID,
		log:            log,
		docs:           make(map[string]*entry),
		deltaListeners: make(map[string]DeltaListener),
	}
}

// OnDelta registers fn to be called with the raw patch bytes of every
// locally originated commit, across every document. It returns a handle
// to pass to OffDelta.
func (s *Store) OnDelta(fn DeltaListener) string {
	handle := uuid.NewString()
	s.deltaMu.Lock()
	s.deltaListeners[handle] = fn
	s.deltaMu.Unlock()
	return handle
}

// OffDelta removes a listener registered with OnDelta.
func (s *Store) OffDelta(handle string) {
	s.deltaMu.Lock()
	delete(s.deltaListeners, handle)
	s.deltaMu.Unlock()
}

func (s *Store) notifyDelta(documentID string, delta []byte) {
	s.deltaMu.Lock()
	listeners := make([]DeltaListener, 0, len(s.deltaListeners))
	for _, fn := range s.deltaListeners {
		listeners = append(listeners, fn)
	}
	s.deltaMu.Unlock()
	for _, fn := range listeners {
		fn(documentID, delta)
	}
}

// Create allocates a brand-new, empty document with the given type
// ("doc", "dir", or "ref" per the data model) and persists its initial
// snapshot. The caller is responsible for linking it into a parent
// directory's children mapping.
func (s *Store) Create(ctx context.Context, id string, docType string) (*crdt.Document, error) {
	doc := crdt.NewDocument(s.sessionID)

	contentID, err := doc.CreateObject()
	if err != nil {
		return nil, err
	}
	contentNode, err := doc.GetNode(contentID)
	if err != nil {
		return nil, err
	}
	content, ok := contentNode.(*crdt.LWWObjectNode)
	if !ok {
		return nil, errors.Errorf("docstore: expected object node for %s, got %T", id, contentNode)
	}

	typeID := doc.NextTimestamp()
	typeNode := crdt.NewConstantNode(typeID, docType)
	doc.AddNode(typeNode)
	content.Set("type", typeID, typeNode)

	if err := doc.SetRoot(contentID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.docs[id] = &entry{
		doc:            doc,
		builder:        crdtpatch.NewPatchBuilder(s.sessionID, 2),
		appliedPatches: make(map[string]bool),
		listeners:      make(map[string]Listener),
	}
	s.mu.Unlock()

	if err := s.persistSnapshot(ctx, id, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Resnapshot re-persists the current in-memory state of a cached document.
// It exists for callers (the VFS content initializers) that mutate a
// freshly created document's nodes directly right after Create, bypassing
// ApplyChange, and so must explicitly ask the store to persist the result.
func (s *Store) Resnapshot(ctx context.Context, id string) error {
	e, err := s.getEntry(ctx, id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.persistSnapshot(ctx, id, e.doc)
}

// Get returns the document for id, loading it from storage on a cache
// miss. It fails with vfserrors.NotFound if neither the cache nor storage
// has the document.
func (s *Store) Get(ctx context.Context, id string) (*crdt.Document, error) {
	s.mu.RLock()
	e, ok := s.docs[id]
	s.mu.RUnlock()
	if ok {
		return e.doc, nil
	}

	data, err := s.storage.Load(ctx, snapshotKey(id))
	if err != nil {
		return nil, vfserrors.StorageError{Op: "load", Key: snapshotKey(id).String(), Err: err, Retry: true}
	}
	if data == nil {
		return nil, vfserrors.NotFound{Path: id}
	}

	doc := crdt.NewDocument(s.sessionID)
	if err := doc.UnmarshalJSON(data); err != nil {
		return nil, errors.Wrapf(err, "hydrating document %s", id)
	}

	s.mu.Lock()
	e, ok = s.docs[id]
	if !ok {
		e = &entry{
			doc:            doc,
			builder:        crdtpatch.NewPatchBuilder(s.sessionID, 1),
			appliedPatches: make(map[string]bool),
			listeners:      make(map[string]Listener),
		}
		s.docs[id] = e
	}
	s.mu.Unlock()
	return e.doc, nil
}

// IDs returns every document ID currently materialized in this store. It is
// used by the bundle codec to enumerate what to snapshot; documents that
// were never loaded in this process (and so never cached) are not
// included, matching the store's no-eviction, load-on-demand cache policy.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	return ids
}

// Exists reports whether id is known, without the NotFound error Get
// would return.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Get(ctx, id)
	if err == nil {
		return true, nil
	}
	var nf vfserrors.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, err
}

func (s *Store) getEntry(ctx context.Context, id string) (*entry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[id], nil
}

// ApplyChange runs fn against the live document for id under that
// document's lock, persists the resulting snapshot and change delta, and
// fans the commit out to subscribers. It returns the document's new heads
// and the binary delta (a JSON-encoded crdtpatch.Patch) for the peer
// protocol driver to broadcast.
func (s *Store) ApplyChange(ctx context.Context, id string, fn ChangeFunc) (Heads, []byte, error) {
	e, err := s.getEntry(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(e.doc, e.builder); err != nil {
		e.builder.Flush() // discard partial ops; a failed change produces no state change
		return nil, nil, err
	}

	patch := e.builder.Flush()
	var delta []byte
	var changed []string
	if patch != nil {
		for _, op := range patch.Operations() {
			if err := op.Apply(e.doc); err != nil {
				return nil, nil, vfserrors.InvalidChange{DocumentID: id, Reason: err.Error()}
			}
		}
		delta, err = patch.MarshalJSON()
		if err != nil {
			return nil, nil, errors.Wrap(err, "encoding change delta")
		}
		e.appliedPatches[patch.ID().String()] = true
		changed = fieldNamesTouched(patch)

		if err := s.storage.Save(ctx, changeKey(id, patch.ID().String()), delta); err != nil {
			return nil, nil, vfserrors.StorageError{Op: "save", Key: changeKey(id, patch.ID().String()).String(), Err: err, Retry: true}
		}
	}

	if err := s.persistSnapshot(ctx, id, e.doc); err != nil {
		return nil, nil, err
	}

	heads := Heads(e.doc.Clock())
	s.notify(e, changed)
	if delta != nil {
		s.notifyDelta(id, delta)
	}
	return heads, delta, nil
}

// ApplyRemoteDelta applies a patch received from a peer. It is idempotent:
// a delta whose patch ID has already been applied to this document is a
// silent no-op, so replaying the same delta never double-applies it.
func (s *Store) ApplyRemoteDelta(ctx context.Context, id string, delta []byte) (Heads, error) {
	e, err := s.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	var patch crdtpatch.Patch
	if err := patch.UnmarshalJSON(delta); err != nil {
		return nil, vfserrors.InvalidChange{DocumentID: id, Reason: "malformed delta: " + err.Error()}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.appliedPatches[patch.ID().String()] {
		return Heads(e.doc.Clock()), nil
	}

	if err := patch.Apply(e.doc); err != nil {
		s.log.Warn("discarding invalid remote delta", zap.String("document", id), zap.Error(err))
		return nil, vfserrors.InvalidChange{DocumentID: id, Reason: err.Error()}
	}
	e.appliedPatches[patch.ID().String()] = true

	if err := s.storage.Save(ctx, changeKey(id, patch.ID().String()), delta); err != nil {
		return nil, vfserrors.StorageError{Op: "save", Key: changeKey(id, patch.ID().String()).String(), Err: err, Retry: true}
	}

	if err := s.persistSnapshot(ctx, id, e.doc); err != nil {
		return nil, err
	}

	heads := Heads(e.doc.Clock())
	s.notify(e, fieldNamesTouched(&patch))
	return heads, nil
}

// Snapshot returns the whole-document serialization used by the bundle
// codec and long-horizon persistence.
func (s *Store) Snapshot(ctx context.Context, id string) ([]byte, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.MarshalJSON()
}

// LoadSnapshot hydrates a document from a whole-document snapshot and
// registers it in the cache under id, overwriting any cached copy.
func (s *Store) LoadSnapshot(ctx context.Context, id string, data []byte) (*crdt.Document, error) {
	doc := crdt.NewDocument(s.sessionID)
	if err := doc.UnmarshalJSON(data); err != nil {
		return nil, errors.Wrapf(err, "loading snapshot for %s", id)
	}

	s.mu.Lock()
	s.docs[id] = &entry{
		doc:            doc,
		builder:        crdtpatch.NewPatchBuilder(s.sessionID, 1),
		appliedPatches: make(map[string]bool),
		listeners:      make(map[string]Listener),
	}
	s.mu.Unlock()

	if err := s.persistSnapshot(ctx, id, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Subscribe registers listener to be called after every committed change
// to id, local or remote. A subscription attached after a change misses
// that change — delivery only covers the commit sequence observed after
// Subscribe returns.
func (s *Store) Subscribe(ctx context.Context, id string, listener Listener) (*Subscription, error) {
	e, err := s.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	handle := uuid.NewString()
	e.listeners[handle] = listener
	return &Subscription{id: handle, documentID: id}, nil
}

// Unsubscribe removes a subscription. Unsubscribing a handle twice, or one
// whose document has been evicted, is not an error.
func (s *Store) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.RLock()
	e, ok := s.docs[sub.documentID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.listeners, sub.id)
	e.mu.Unlock()
}

// notify calls every listener for e with the document's current view. A
// listener that panics is caught and logged so it cannot stall delivery to
// the remaining listeners; Go has no listener "error return" here since
// Listener has no error result, so a panic is the only failure mode to
// guard against.
func (s *Store) notify(e *entry, changedFields []string) {
	view, err := e.doc.View()
	if err != nil {
		s.log.Warn("failed to compute document view for notification", zap.Error(err))
		return
	}
	for _, l := range e.listeners {
		s.safeNotify(l, view, changedFields)
	}
}

func (s *Store) safeNotify(l Listener, view interface{}, changedFields []string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("watcher listener panicked", zap.Any("recover", r))
		}
	}()
	l(view, changedFields)
}

func (s *Store) persistSnapshot(ctx context.Context, id string, doc *crdt.Document) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "encoding document snapshot")
	}
	if err := s.storage.Save(ctx, snapshotKey(id), data); err != nil {
		return vfserrors.StorageError{Op: "save", Key: snapshotKey(id).String(), Err: err, Retry: true}
	}
	return nil
}

// fieldNamesTouched returns the best-effort list of top-level object keys
// an applied patch touched, used as the "changed paths" hint subscribers
// receive. It inspects ins/del operations' literal key, which is accurate
// for object field writes and approximate (empty) for array/text edits.
func fieldNamesTouched(patch *crdtpatch.Patch) []string {
	seen := map[string]bool{}
	var out []string
	for _, op := range patch.Operations() {
		var key string
		switch v := op.(type) {
		case *crdtpatch.InsOperation:
			if m, ok := v.Value.(map[string]interface{}); ok {
				for k := range m {
					key = k
					break
				}
			}
		case *crdtpatch.DelOperation:
			key = v.Key
		}
		if key != "" && !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}
