// Package storage defines the key/value persistence capability the
// Document Store consumes, and ships a few concrete adapters (memory, file,
// Redis) to exercise it. The core never issues fsync itself; durability of
// a given adapter's writes is that adapter's contract to uphold.
package storage

import (
	"context"
	"sort"
	"strings"
)

// Entry is one key/value pair returned by LoadRange.
type Entry struct {
	Key   Key
	Bytes []byte
}

// Key is a non-empty ordered sequence of opaque path segments, e.g.
// {"storage", "docs", "4f9a...", "snapshot"}. Segments never contain the
// path separator a given adapter uses internally; adapters are responsible
// for escaping if they flatten the key onto a single-string namespace.
type Key []string

// String renders the key as a "/"-joined path, used by adapters (file,
// Redis) whose native key space is a flat string.
func (k Key) String() string {
	return strings.Join(k, "/")
}

// HasPrefix reports whether k starts with the given prefix segments.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Adapter is the persistence capability consumed by the Document Store and
// the Bundle Codec. Every method is atomic with respect to concurrent
// callers of the same adapter instance.
type Adapter interface {
	// Load reads the bytes stored at key, or (nil, nil) if absent.
	Load(ctx context.Context, key Key) ([]byte, error)

	// Save writes bytes at key, overwriting any existing value.
	Save(ctx context.Context, key Key, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key Key) error

	// LoadRange returns every entry whose key has the given prefix, sorted
	// by key so callers (notably the bundle codec) get deterministic order.
	LoadRange(ctx context.Context, prefix Key) ([]Entry, error)

	// RemoveRange deletes every entry whose key has the given prefix.
	RemoveRange(ctx context.Context, prefix Key) error

	// Close releases any resources (connections, file handles) the adapter
	// holds. Close is idempotent.
	Close() error
}

// sortEntries orders entries by key string, the canonical order the bundle
// codec and any LoadRange caller rely on for determinism.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
}
