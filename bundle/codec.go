package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tonk-labs/tonk-core/docstore"
	"github.com/tonk-labs/tonk-core/storage"
	"github.com/tonk-labs/tonk-core/vfserrors"
)

// ToBytes snapshots every document known to store and writes a deterministic
// archive: manifest.json, root, and one storage/... entry per stored blob.
// Entries are written in sorted key order and without OS-supplied
// timestamps, so two equivalent workspaces produce byte-identical bundles.
func ToBytes(ctx context.Context, store *docstore.Store, adapter storage.Adapter, manifest Manifest) ([]byte, error) {
	manifest.Version = CurrentVersion

	ids := store.IDs()
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := store.Snapshot(ctx, id); err != nil {
			return nil, err
		}
	}

	entries, err := adapter.LoadRange(ctx, storage.Key{})
	if err != nil {
		return nil, errors.Wrap(err, "loading storage range for bundle")
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, errors.Wrap(err, "encoding manifest")
	}
	if err := writeStoredEntry(w, manifestEntry, manifestJSON); err != nil {
		return nil, err
	}
	if err := writeStoredEntry(w, rootEntry, []byte(manifest.RootID)); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := writeStoredEntry(w, storagePrefix+e.Key.String(), e.Bytes); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "closing bundle archive")
	}
	return buf.Bytes(), nil
}

// writeStoredEntry writes name into w uncompressed (STORED) with a
// zeroed modification time, so the archive's bytes depend only on its
// logical content.
func writeStoredEntry(w *zip.Writer, name string, data []byte) error {
	header := &zip.FileHeader{Name: name, Method: zip.Store}
	fw, err := w.CreateHeader(header)
	if err != nil {
		return errors.Wrapf(err, "creating bundle entry %s", name)
	}
	_, err = fw.Write(data)
	return errors.Wrapf(err, "writing bundle entry %s", name)
}

// FromBytes parses a bundle archive, loads every stored blob into adapter,
// and returns the manifest describing the workspace now materialized there.
func FromBytes(ctx context.Context, data []byte, adapter storage.Adapter) (Manifest, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Manifest{}, vfserrors.InvalidBundle{Reason: "not a zip archive: " + err.Error()}
	}

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	manifestFile, ok := files[manifestEntry]
	if !ok {
		return Manifest{}, vfserrors.InvalidBundle{Reason: "missing manifest.json"}
	}
	manifestBytes, err := readZipEntry(manifestFile)
	if err != nil {
		return Manifest{}, vfserrors.TruncatedEntry{Key: manifestEntry}
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return Manifest{}, vfserrors.InvalidBundle{Reason: "malformed manifest.json: " + err.Error()}
	}
	if manifest.Version != CurrentVersion {
		return Manifest{}, vfserrors.VersionUnsupported{Version: manifest.Version}
	}

	if _, ok := files[rootEntry]; !ok {
		return Manifest{}, vfserrors.InvalidBundle{Reason: "missing root entry"}
	}

	for name, f := range files {
		if name == manifestEntry || name == rootEntry {
			continue
		}
		if !strings.HasPrefix(name, storagePrefix) {
			continue
		}
		key := storage.Key(strings.Split(strings.TrimPrefix(name, storagePrefix), "/"))
		blob, err := readZipEntry(f)
		if err != nil {
			return Manifest{}, vfserrors.TruncatedEntry{Key: key.String()}
		}
		if err := adapter.Save(ctx, key, blob); err != nil {
			return Manifest{}, errors.Wrapf(err, "restoring bundle entry %s", key.String())
		}
	}

	return manifest, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// CreateSlimBundle emits the manifest and root entry plus a single blob
// containing an export of the root document, without the rest of the
// workspace's documents. It is used to hand out a pointer to a workspace
// that will be filled in via peer sync rather than shipped whole.
func CreateSlimBundle(ctx context.Context, store *docstore.Store, manifest Manifest) ([]byte, error) {
	manifest.Version = CurrentVersion

	rootSnapshot, err := store.Snapshot(ctx, manifest.RootID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, errors.Wrap(err, "encoding manifest")
	}
	if err := writeStoredEntry(w, manifestEntry, manifestJSON); err != nil {
		return nil, err
	}
	if err := writeStoredEntry(w, rootEntry, []byte(manifest.RootID)); err != nil {
		return nil, err
	}
	rootKey := storage.Key{"documents", manifest.RootID, "snapshot"}
	if err := writeStoredEntry(w, storagePrefix+rootKey.String(), rootSnapshot); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "closing slim bundle archive")
	}
	return buf.Bytes(), nil
}

// ListKeys returns the storage keys present in a bundle, without loading
// them into any adapter.
func ListKeys(bundleBytes []byte) ([]string, error) {
	r, err := zip.NewReader(bytes.NewReader(bundleBytes), int64(len(bundleBytes)))
	if err != nil {
		return nil, vfserrors.InvalidBundle{Reason: "not a zip archive: " + err.Error()}
	}
	var keys []string
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, storagePrefix) {
			keys = append(keys, strings.TrimPrefix(f.Name, storagePrefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Get performs a random-access read of one storage key out of a bundle
// without rehydrating the rest of it.
func Get(bundleBytes []byte, key string) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(bundleBytes), int64(len(bundleBytes)))
	if err != nil {
		return nil, vfserrors.InvalidBundle{Reason: "not a zip archive: " + err.Error()}
	}
	for _, f := range r.File {
		if f.Name == storagePrefix+key {
			data, err := readZipEntry(f)
			if err != nil {
				return nil, vfserrors.TruncatedEntry{Key: key}
			}
			return data, nil
		}
	}
	return nil, vfserrors.NotFound{Path: key}
}
