package bundle

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tonk-labs/tonk-core/common"
	"github.com/tonk-labs/tonk-core/docstore"
	"github.com/tonk-labs/tonk-core/storage"
	"github.com/tonk-labs/tonk-core/vfs"
	"github.com/tonk-labs/tonk-core/watch"
)

func TestToBytesFromBytesRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemory()
	store := docstore.New(adapter, common.NewSessionID(), nil)

	_, err := store.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)
	_, err = store.Create(ctx, "doc-2", "doc")
	require.NoError(t, err)

	data, err := ToBytes(ctx, store, adapter, Manifest{Name: "ws", RootID: "doc-1"})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	restoredAdapter := storage.NewMemory()
	manifest, err := FromBytes(ctx, data, restoredAdapter)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, manifest.Version)
	require.Equal(t, "doc-1", manifest.RootID)

	restoredStore := docstore.New(restoredAdapter, common.NewSessionID(), nil)
	doc1, err := restoredStore.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, doc1)
	doc2, err := restoredStore.Get(ctx, "doc-2")
	require.NoError(t, err)
	require.NotNil(t, doc2)
}

func TestBundleRoundTripPreservesNonASCIIText(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemory()
	store := docstore.New(adapter, common.NewSessionID(), nil)

	rootID := uuid.NewString()
	require.NoError(t, vfs.CreateRoot(ctx, store, rootID))
	resolver, err := vfs.NewResolver(store, rootID, 64)
	require.NoError(t, err)
	fs := vfs.New(store, resolver, watch.New(store, nil))

	_, err = fs.CreateFile(ctx, "/note.txt", map[string]interface{}{})
	require.NoError(t, err)
	require.NoError(t, fs.SpliceText(ctx, "/note.txt", []string{"body"}, 0, 0, "héllo 世界 👋"))

	data, err := ToBytes(ctx, store, adapter, Manifest{Name: "ws", RootID: rootID})
	require.NoError(t, err)

	restoredAdapter := storage.NewMemory()
	_, err = FromBytes(ctx, data, restoredAdapter)
	require.NoError(t, err)

	restoredStore := docstore.New(restoredAdapter, common.NewSessionID(), nil)
	restoredResolver, err := vfs.NewResolver(restoredStore, rootID, 64)
	require.NoError(t, err)
	restoredFS := vfs.New(restoredStore, restoredResolver, watch.New(restoredStore, nil))

	view, err := restoredFS.ReadFile(ctx, "/note.txt")
	require.NoError(t, err)
	require.Equal(t, "héllo 世界 👋", view.Content.(map[string]interface{})["body"])
}

func TestFromBytesRejectsNonArchive(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemory()
	_, err := FromBytes(ctx, []byte("not a zip archive"), adapter)
	require.Error(t, err)
}

func TestCreateSlimBundleOnlyCarriesRoot(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemory()
	store := docstore.New(adapter, common.NewSessionID(), nil)
	_, err := store.Create(ctx, "root-doc", "dir")
	require.NoError(t, err)
	_, err = store.Create(ctx, "other-doc", "doc")
	require.NoError(t, err)

	data, err := CreateSlimBundle(ctx, store, Manifest{Name: "slim", RootID: "root-doc"})
	require.NoError(t, err)

	keys, err := ListKeys(data)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Contains(t, keys[0], "root-doc")
}

func TestGetReturnsNotFoundForMissingKey(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemory()
	store := docstore.New(adapter, common.NewSessionID(), nil)
	_, err := store.Create(ctx, "doc-1", "doc")
	require.NoError(t, err)

	data, err := ToBytes(ctx, store, adapter, Manifest{Name: "ws", RootID: "doc-1"})
	require.NoError(t, err)

	_, err = Get(data, "documents/does-not-exist/snapshot")
	require.Error(t, err)
}
