package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonk-labs/tonk-core/common"
	"github.com/tonk-labs/tonk-core/crdt"
	"github.com/tonk-labs/tonk-core/crdtpatch"
	"github.com/tonk-labs/tonk-core/docstore"
	"github.com/tonk-labs/tonk-core/storage"
	"github.com/tonk-labs/tonk-core/vfserrors"
)

// pipeTransport is an in-memory Transport implementation used to test the
// Session state machine without a real socket.
type pipeTransport struct {
	out chan []byte
	in  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	t1 := &pipeTransport{out: a, in: b, closed: make(chan struct{})}
	t2 := &pipeTransport{out: b, in: a, closed: make(chan struct{})}
	return t1, t2
}

func (p *pipeTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.closed:
		return vfserrors.TransportClosed{}
	case p.out <- frame:
		return nil
	}
}

func (p *pipeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-p.closed:
		return nil, vfserrors.TransportClosed{}
	case frame, ok := <-p.in:
		if !ok {
			return nil, vfserrors.TransportClosed{}
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) Closed() <-chan struct{} {
	return p.closed
}

func newTestStore() *docstore.Store {
	return docstore.New(storage.NewMemory(), common.NewSessionID(), nil)
}

func TestSessionHandshakeReachesSynchronizing(t *testing.T) {
	ctx := context.Background()
	tA, tB := newPipePair()

	sessA := NewSession(ctx, newTestStore(), tA, nil, Options{PeerID: "peer-a"}, nil)
	sessB := NewSession(ctx, newTestStore(), tB, nil, Options{PeerID: "peer-b"}, nil)
	defer sessA.Close()
	defer sessB.Close()

	require.Eventually(t, func() bool {
		return sessA.State() == StateSynchronizing && sessB.State() == StateSynchronizing
	}, time.Second, 10*time.Millisecond)
}

func TestSessionForwardsLocalChangeToPeer(t *testing.T) {
	ctx := context.Background()
	tA, tB := newPipePair()

	storeA := newTestStore()
	storeB := newTestStore()

	_, err := storeA.Create(ctx, "shared-doc", "doc")
	require.NoError(t, err)
	_, err = storeB.Create(ctx, "shared-doc", "doc")
	require.NoError(t, err)

	sessA := NewSession(ctx, storeA, tA, nil, Options{PeerID: "peer-a"}, nil)
	sessB := NewSession(ctx, storeB, tB, nil, Options{PeerID: "peer-b"}, nil)
	defer sessA.Close()
	defer sessB.Close()

	require.Eventually(t, func() bool {
		return sessA.State() == StateSynchronizing && sessB.State() == StateSynchronizing
	}, time.Second, 10*time.Millisecond)

	received := make(chan struct{}, 1)
	_, err = storeB.Subscribe(ctx, "shared-doc", func(_ interface{}, _ []string) {
		select {
		case received <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	_, delta, err := storeA.ApplyChange(ctx, "shared-doc", func(doc *crdt.Document, builder *crdtpatch.PatchBuilder) error {
		builder.NewConstant("hello-from-a")
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, delta)

	sessA.NotifyLocalChange("shared-doc", delta)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("storeB never observed the forwarded delta")
	}
}
