package vfs

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/tonk-labs/tonk-core/docstore"
	"github.com/tonk-labs/tonk-core/vfserrors"
)

// Resolved is what the Path Resolver returns for a normalized path: the
// document it resolves to and the RefNode-authoritative kind of that
// document (except for the root, which has no RefNode and is always "dir").
type Resolved struct {
	DocumentID string
	Kind       string
}

// cacheEntry pins a resolution to the generations of the directories walked
// to compute it, so a directory mutation can invalidate every path resolved
// through it without walking the cache.
type cacheEntry struct {
	resolved Resolved
	// deps lists every directory document walked to produce resolved,
	// paired with its children-mapping generation at that time. The entry
	// is stale once any of these directories has since changed.
	deps map[string]uint64
}

// Resolver translates normalized paths into document IDs by walking
// directory documents from the workspace root, caching the result of each
// walk. Each directory document has a generation that Invalidate bumps; a
// cached resolution is dropped once any directory it passed through has a
// new generation, without needing to enumerate the cache. VFS operations
// call Invalidate for the directories they change; a change that reaches a
// directory document any other way, such as a remote delta applied by the
// Document Store, does not bump its generation.
type Resolver struct {
	store  *docstore.Store
	rootID string

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
	// generation is bumped for a directory ID every time its children
	// mapping is observed to change; resolutions computed through it become
	// stale once the generation they captured no longer matches.
	generation map[string]uint64
}

// NewResolver creates a Path Resolver rooted at rootID, backed by store,
// with a bounded LRU cache holding up to capacity resolved paths.
func NewResolver(store *docstore.Store, rootID string, capacity int) (*Resolver, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	cache, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		return nil, errors.Wrap(err, "creating path resolver cache")
	}
	return &Resolver{
		store:      store,
		rootID:     rootID,
		cache:      cache,
		generation: make(map[string]uint64),
	}, nil
}

// Invalidate bumps the generation counter for a directory document,
// evicting every currently cached path resolution that passed through it on
// its next lookup. Called by the VFS layer whenever a directory's children
// mapping changes (insert, remove, rename).
func (r *Resolver) Invalidate(dirDocumentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation[dirDocumentID]++
}

func (r *Resolver) currentGeneration(dirDocumentID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation[dirDocumentID]
}

// Resolve walks segments from the root, returning the final document's ID
// and RefNode-authoritative kind. An empty segment list resolves to the
// root directory itself.
func (r *Resolver) Resolve(ctx context.Context, path string) (Resolved, error) {
	segments, err := normalize(path)
	if err != nil {
		return Resolved{}, err
	}
	return r.resolveSegments(ctx, segments)
}

// ResolveParentDir resolves all but the last segment of path and confirms
// the result is a directory, for operations that need to mutate a parent's
// children mapping.
func (r *Resolver) ResolveParentDir(ctx context.Context, path string) (Resolved, string, error) {
	segments, err := normalize(path)
	if err != nil {
		return Resolved{}, "", err
	}
	if len(segments) == 0 {
		return Resolved{}, "", vfserrors.InvalidPath{Path: path, Reason: "root has no parent"}
	}
	name := segments[len(segments)-1]
	parent, err := r.resolveSegments(ctx, segments[:len(segments)-1])
	if err != nil {
		return Resolved{}, "", err
	}
	if parent.Kind != docTypeDir {
		return Resolved{}, "", vfserrors.NotADirectory{Path: canonical(segments[:len(segments)-1])}
	}
	return parent, name, nil
}

func (r *Resolver) resolveSegments(ctx context.Context, segments []string) (Resolved, error) {
	key := canonical(segments)
	if cached, ok := r.cache.Get(key); ok {
		if r.depsStillFresh(cached.deps) {
			return cached.resolved, nil
		}
		r.cache.Remove(key)
	}

	current := Resolved{DocumentID: r.rootID, Kind: docTypeDir}
	deps := map[string]uint64{r.rootID: r.currentGeneration(r.rootID)}
	walkedPrefix := ""
	for i, seg := range segments {
		if current.Kind != docTypeDir {
			return Resolved{}, vfserrors.NotADirectory{Path: walkedPrefix}
		}
		doc, err := r.store.Get(ctx, current.DocumentID)
		if err != nil {
			return Resolved{}, err
		}
		obj, err := rootObject(doc)
		if err != nil {
			return Resolved{}, err
		}
		children, err := childrenObject(obj)
		if err != nil {
			return Resolved{}, err
		}
		node := children.Get(seg)
		if node == nil {
			return Resolved{}, vfserrors.NotFound{Path: canonical(segments[:i+1])}
		}
		ref, err := readRefEntry(node)
		if err != nil {
			return Resolved{}, err
		}

		childDoc, err := r.store.Get(ctx, ref.Pointer)
		if err != nil {
			return Resolved{}, err
		}
		childObj, err := rootObject(childDoc)
		if err != nil {
			return Resolved{}, err
		}
		if docType(childObj) != ref.Kind {
			return Resolved{}, vfserrors.CorruptedLink{Path: canonical(segments[:i+1])}
		}

		walkedPrefix = canonical(segments[:i+1])
		current = Resolved{DocumentID: ref.Pointer, Kind: ref.Kind}
		if ref.Kind == docTypeDir {
			deps[ref.Pointer] = r.currentGeneration(ref.Pointer)
		}
	}

	r.cache.Add(key, cacheEntry{resolved: current, deps: deps})
	return current, nil
}

func (r *Resolver) depsStillFresh(deps map[string]uint64) bool {
	for id, gen := range deps {
		if r.currentGeneration(id) != gen {
			return false
		}
	}
	return true
}
