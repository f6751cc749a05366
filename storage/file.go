package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// File is an Adapter backed by a directory tree: each key becomes a path
// under root, one file per value. Safe for a single process; concurrent
// processes sharing a root must tolerate interleaved writes per the
// Storage capability contract.
type File struct {
	root string
	mu   sync.Mutex
}

// NewFile creates a file-backed adapter rooted at dir, creating dir if it
// does not already exist.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating storage root")
	}
	return &File{root: dir}, nil
}

func (f *File) path(key Key) (string, error) {
	for _, seg := range key {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsRune(seg, os.PathSeparator) {
			return "", errors.Errorf("storage: invalid key segment %q", seg)
		}
	}
	parts := append([]string{f.root}, key...)
	return filepath.Join(parts...), nil
}

func (f *File) Load(ctx context.Context, key Key) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading storage entry")
	}
	return data, nil
}

func (f *File) Save(ctx context.Context, key Key, value []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, "creating storage directory")
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return errors.Wrap(err, "writing storage entry")
	}
	return errors.Wrap(os.Rename(tmp, p), "committing storage entry")
}

func (f *File) Remove(ctx context.Context, key Key) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "removing storage entry")
	}
	return nil
}

func (f *File) LoadRange(ctx context.Context, prefix Key) ([]Entry, error) {
	base, err := f.path(prefix)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	err = filepath.Walk(base, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Key: strings.Split(rel, string(os.PathSeparator)), Bytes: data})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walking storage range")
	}
	sortEntries(entries)
	return entries, nil
}

func (f *File) RemoveRange(ctx context.Context, prefix Key) error {
	base, err := f.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(base); err != nil {
		return errors.Wrap(err, "removing storage range")
	}
	return nil
}

func (f *File) Close() error { return nil }
