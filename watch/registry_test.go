package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonk-labs/tonk-core/common"
	"github.com/tonk-labs/tonk-core/crdt"
	"github.com/tonk-labs/tonk-core/crdtpatch"
	"github.com/tonk-labs/tonk-core/docstore"
	"github.com/tonk-labs/tonk-core/storage"
)

func newTestStore() *docstore.Store {
	return docstore.New(storage.NewMemory(), common.NewSessionID(), nil)
}

func bumpDoc(t *testing.T, s *docstore.Store, id string, value string) {
	t.Helper()
	_, _, err := s.ApplyChange(context.Background(), id, func(_ *crdt.Document, builder *crdtpatch.PatchBuilder) error {
		builder.NewConstant(value)
		return nil
	})
	require.NoError(t, err)
}

func TestSubscribeFileFansOutToMultipleListeners(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	_, err := s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	r := New(s, nil)

	first := make(chan Event, 1)
	second := make(chan Event, 1)
	h1, err := r.SubscribeFile(ctx, "doc-1", func(e Event) { first <- e })
	require.NoError(t, err)
	h2, err := r.SubscribeFile(ctx, "doc-1", func(e Event) { second <- e })
	require.NoError(t, err)
	defer r.Unsubscribe(h1)
	defer r.Unsubscribe(h2)

	bumpDoc(t, s, "doc-1", "v1")

	for _, ch := range []chan Event{first, second} {
		select {
		case evt := <-ch:
			require.Equal(t, "doc-1", evt.DocumentID)
		case <-time.After(time.Second):
			t.Fatal("expected both listeners to be notified")
		}
	}
}

func TestUnsubscribeFileStopsNotifications(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	_, err := s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	r := New(s, nil)
	received := make(chan Event, 1)
	handle, err := r.SubscribeFile(ctx, "doc-1", func(e Event) { received <- e })
	require.NoError(t, err)

	r.Unsubscribe(handle)
	bumpDoc(t, s, "doc-1", "v1")

	select {
	case <-received:
		t.Fatal("expected no notification after Unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeSubtreeAttachesToExistingAndNewChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	_, err := s.Create(ctx, "root", "dir")
	require.NoError(t, err)
	_, err = s.Create(ctx, "child-a", "dir")
	require.NoError(t, err)
	_, err = s.Create(ctx, "child-b", "dir")
	require.NoError(t, err)

	// children map starts with only child-a attached; child-b is
	// discovered after a notification on root, exercising the lazy
	// re-list-on-change path.
	children := map[string][]string{
		"root":    {"child-a"},
		"child-a": {},
		"child-b": {},
	}
	lister := func(_ context.Context, dirDocumentID string) ([]string, error) {
		return children[dirDocumentID], nil
	}

	r := New(s, nil)
	events := make(chan Event, 8)
	handle, err := r.SubscribeSubtree(ctx, "root", func(e Event) {
		select {
		case events <- e:
		default:
		}
	}, lister)
	require.NoError(t, err)
	defer r.Unsubscribe(handle)

	bumpDoc(t, s, "child-a", "v1")
	select {
	case evt := <-events:
		require.Equal(t, "child-a", evt.DocumentID)
	case <-time.After(time.Second):
		t.Fatal("expected the subtree watch to already cover child-a")
	}

	// child-b is not yet attached; notification arrives only after root
	// reports it as a child following a change to root itself.
	children["root"] = []string{"child-a", "child-b"}
	bumpDoc(t, s, "root", "v1")

	require.Eventually(t, func() bool {
		_, _, err := s.ApplyChange(ctx, "child-b", func(_ *crdt.Document, builder *crdtpatch.PatchBuilder) error {
			builder.NewConstant("probe")
			return nil
		})
		if err != nil {
			return false
		}
		select {
		case evt := <-events:
			return evt.DocumentID == "child-b"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeSubtreeDetachesAllChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	_, err := s.Create(ctx, "root", "dir")
	require.NoError(t, err)
	_, err = s.Create(ctx, "child-a", "dir")
	require.NoError(t, err)

	lister := func(_ context.Context, dirDocumentID string) ([]string, error) {
		if dirDocumentID == "root" {
			return []string{"child-a"}, nil
		}
		return nil, nil
	}

	r := New(s, nil)
	events := make(chan Event, 4)
	handle, err := r.SubscribeSubtree(ctx, "root", func(e Event) {
		select {
		case events <- e:
		default:
		}
	}, lister)
	require.NoError(t, err)

	r.Unsubscribe(handle)
	bumpDoc(t, s, "child-a", "v1")

	select {
	case <-events:
		t.Fatal("expected no notification after subtree Unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSafeNotifyRecoversFromPanicAndStillNotifiesOthers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	_, err := s.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	r := New(s, nil)
	ok := make(chan Event, 1)
	h1, err := r.SubscribeFile(ctx, "doc-1", func(e Event) { panic("listener boom") })
	require.NoError(t, err)
	h2, err := r.SubscribeFile(ctx, "doc-1", func(e Event) { ok <- e })
	require.NoError(t, err)
	defer r.Unsubscribe(h1)
	defer r.Unsubscribe(h2)

	require.NotPanics(t, func() {
		bumpDoc(t, s, "doc-1", "v1")
	})

	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("expected the surviving listener to still be notified")
	}
}
