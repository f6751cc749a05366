package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonk-labs/tonk-core/common"
	"github.com/tonk-labs/tonk-core/crdt"
	"github.com/tonk-labs/tonk-core/crdtpatch"
	"github.com/tonk-labs/tonk-core/storage"
	"github.com/tonk-labs/tonk-core/vfserrors"
)

func newStore() *Store {
	return New(storage.NewMemory(), common.NewSessionID(), nil)
}

func TestCreateThenGet(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	doc, err := s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)
	require.NotNil(t, doc)

	got, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.Same(t, doc, got)
}

func TestGetMissingDocumentFails(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	_, err := s.Get(ctx, "nope")
	require.Error(t, err)
	var nf vfserrors.NotFound
	require.ErrorAs(t, err, &nf)
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	ok, err := s.Exists(ctx, "doc-1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	ok, err = s.Exists(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestApplyChangeNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	_, err := s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	notified := make(chan []string, 1)
	_, err = s.Subscribe(ctx, "doc-1", func(_ interface{}, changed []string) {
		notified <- changed
	})
	require.NoError(t, err)

	_, delta, err := s.ApplyChange(ctx, "doc-1", func(doc *crdt.Document, builder *crdtpatch.PatchBuilder) error {
		builder.NewConstant("v")
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, delta)

	select {
	case <-notified:
	default:
		t.Fatal("expected a notification after ApplyChange")
	}
}

func TestApplyChangeFailurePersistsNoState(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	_, err := s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	before, err := s.Snapshot(ctx, "doc-1")
	require.NoError(t, err)

	_, _, err = s.ApplyChange(ctx, "doc-1", func(doc *crdt.Document, builder *crdtpatch.PatchBuilder) error {
		builder.NewConstant("ignored")
		return errSentinel
	})
	require.Error(t, err)

	after, err := s.Snapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

var errSentinel = &sentinelErr{}

type sentinelErr struct{}

func (*sentinelErr) Error() string { return "sentinel failure" }

func TestApplyRemoteDeltaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sA := newStore()
	sB := newStore()

	_, err := sA.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)
	_, err = sB.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	_, delta, err := sA.ApplyChange(ctx, "doc-1", func(doc *crdt.Document, builder *crdtpatch.PatchBuilder) error {
		builder.NewConstant("v")
		return nil
	})
	require.NoError(t, err)

	_, err = sB.ApplyRemoteDelta(ctx, "doc-1", delta)
	require.NoError(t, err)

	// Replaying the same delta must be a silent no-op.
	headsBefore, err := sB.Snapshot(ctx, "doc-1")
	require.NoError(t, err)
	_, err = sB.ApplyRemoteDelta(ctx, "doc-1", delta)
	require.NoError(t, err)
	headsAfter, err := sB.Snapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, headsBefore, headsAfter)
}

func TestSnapshotLoadSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	_, err := s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	data, err := s.Snapshot(ctx, "doc-1")
	require.NoError(t, err)

	doc, err := s.LoadSnapshot(ctx, "doc-2", data)
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	_, err := s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	count := 0
	sub, err := s.Subscribe(ctx, "doc-1", func(_ interface{}, _ []string) {
		count++
	})
	require.NoError(t, err)
	s.Unsubscribe(sub)

	_, _, err = s.ApplyChange(ctx, "doc-1", func(doc *crdt.Document, builder *crdtpatch.PatchBuilder) error {
		builder.NewConstant("v")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestOnDeltaOffDelta(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	_, err := s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	received := make(chan []byte, 1)
	handle := s.OnDelta(func(documentID string, delta []byte) {
		received <- delta
	})

	_, _, err = s.ApplyChange(ctx, "doc-1", func(doc *crdt.Document, builder *crdtpatch.PatchBuilder) error {
		builder.NewConstant("v")
		return nil
	})
	require.NoError(t, err)

	select {
	case delta := <-received:
		require.NotEmpty(t, delta)
	default:
		t.Fatal("expected OnDelta to fire")
	}

	s.OffDelta(handle)

	_, _, err = s.ApplyChange(ctx, "doc-1", func(doc *crdt.Document, builder *crdtpatch.PatchBuilder) error {
		builder.NewConstant("w")
		return nil
	})
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("OffDelta should have stopped further notifications")
	default:
	}
}
