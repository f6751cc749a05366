// Package engine implements the Sync Engine: the top-level façade that
// composes the Document Store, Path Resolver, VFS Operations, Watcher
// Registry and Peer Protocol Driver behind one public surface, and owns
// the workspace's root document and stable peer identity.
package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tonk-labs/tonk-core/bundle"
	"github.com/tonk-labs/tonk-core/common"
	"github.com/tonk-labs/tonk-core/docstore"
	"github.com/tonk-labs/tonk-core/peer"
	"github.com/tonk-labs/tonk-core/storage"
	"github.com/tonk-labs/tonk-core/transport"
	"github.com/tonk-labs/tonk-core/vfs"
	"github.com/tonk-labs/tonk-core/vfserrors"
	"github.com/tonk-labs/tonk-core/watch"
)

// peerIDKey is the well-known storage key this process's stable identity
// is persisted under, so FromStorage can recover it.
var peerIDKey = storage.Key{"meta", "peerId"}

// rootIDKey is the well-known storage key the root document's ID is
// persisted under, per the fromStorage contract.
var rootIDKey = storage.Key{"meta", "rootId"}

const pathCacheCapacity = 4096

// Options configures Create. Storage defaults to an in-memory adapter,
// suitable for tests and ephemeral workspaces; production callers should
// pass a durable adapter (storage.File, storage.Redis).
type Options struct {
	PeerID  string
	Storage storage.Adapter
	Logger  *zap.Logger
}

// Engine is the Sync Engine façade. The zero value is not usable; obtain
// one via Create, FromBundle, or FromStorage.
type Engine struct {
	log     *zap.Logger
	storage storage.Adapter
	store   *docstore.Store
	resolver *vfs.Resolver
	watchers *watch.Registry
	fs      *vfs.VFS

	peerID string
	rootID string

	mu     sync.Mutex
	closed bool
	peers  map[string]peerHandle
}

type peerHandle struct {
	session     *peer.Session
	deltaHandle string
}

// Create allocates a brand-new workspace: a fresh root directory document
// and, unless one is supplied, a freshly generated stable peer identity.
func Create(ctx context.Context, opts Options) (*Engine, error) {
	adapter := opts.Storage
	if adapter == nil {
		adapter = storage.NewMemory()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	peerID := opts.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if err := adapter.Save(ctx, peerIDKey, []byte(peerID)); err != nil {
		return nil, vfserrors.StorageError{Op: "save", Key: peerIDKey.String(), Err: err, Retry: true}
	}

	store := docstore.New(adapter, common.NewSessionID(), log)

	rootID := uuid.NewString()
	if err := vfs.CreateRoot(ctx, store, rootID); err != nil {
		return nil, err
	}
	if err := adapter.Save(ctx, rootIDKey, []byte(rootID)); err != nil {
		return nil, vfserrors.StorageError{Op: "save", Key: rootIDKey.String(), Err: err, Retry: true}
	}

	return assemble(adapter, store, peerID, rootID, log)
}

// FromBundle rehydrates a workspace from a bundle produced by ToBytes.
func FromBundle(ctx context.Context, data []byte, opts Options) (*Engine, error) {
	adapter := opts.Storage
	if adapter == nil {
		adapter = storage.NewMemory()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	manifest, err := bundle.FromBytes(ctx, data, adapter)
	if err != nil {
		return nil, err
	}

	peerID := opts.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if err := adapter.Save(ctx, peerIDKey, []byte(peerID)); err != nil {
		return nil, vfserrors.StorageError{Op: "save", Key: peerIDKey.String(), Err: err, Retry: true}
	}
	if err := adapter.Save(ctx, rootIDKey, []byte(manifest.RootID)); err != nil {
		return nil, vfserrors.StorageError{Op: "save", Key: rootIDKey.String(), Err: err, Retry: true}
	}

	store := docstore.New(adapter, common.NewSessionID(), log)
	return assemble(adapter, store, peerID, manifest.RootID, log)
}

// FromStorage attaches to a pre-existing storage adapter that already
// contains a workspace, reading the root ID and peer identity from their
// well-known keys.
func FromStorage(ctx context.Context, adapter storage.Adapter, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	rootBytes, err := adapter.Load(ctx, rootIDKey)
	if err != nil {
		return nil, vfserrors.StorageError{Op: "load", Key: rootIDKey.String(), Err: err, Retry: true}
	}
	if rootBytes == nil {
		return nil, vfserrors.InvalidBundle{Reason: "storage has no root document recorded"}
	}

	peerBytes, err := adapter.Load(ctx, peerIDKey)
	if err != nil {
		return nil, vfserrors.StorageError{Op: "load", Key: peerIDKey.String(), Err: err, Retry: true}
	}
	peerID := string(peerBytes)
	if peerID == "" {
		peerID = uuid.NewString()
		if err := adapter.Save(ctx, peerIDKey, []byte(peerID)); err != nil {
			return nil, vfserrors.StorageError{Op: "save", Key: peerIDKey.String(), Err: err, Retry: true}
		}
	}

	store := docstore.New(adapter, common.NewSessionID(), log)
	return assemble(adapter, store, peerID, string(rootBytes), log)
}

func assemble(adapter storage.Adapter, store *docstore.Store, peerID, rootID string, log *zap.Logger) (*Engine, error) {
	resolver, err := vfs.NewResolver(store, rootID, pathCacheCapacity)
	if err != nil {
		return nil, err
	}
	watchers := watch.New(store, log)
	fs := vfs.New(store, resolver, watchers)

	return &Engine{
		log:      log,
		storage:  adapter,
		store:    store,
		resolver: resolver,
		watchers: watchers,
		fs:       fs,
		peerID:   peerID,
		rootID:   rootID,
		peers:    make(map[string]peerHandle),
	}, nil
}

// VFS returns this workspace's VFS operations handle.
func (e *Engine) VFS() (*vfs.VFS, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, vfserrors.Closed{}
	}
	return e.fs, nil
}

// PeerID returns this process's stable identity.
func (e *Engine) PeerID() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", vfserrors.Closed{}
	}
	return e.peerID, nil
}

// RootID returns the workspace's root document ID.
func (e *Engine) RootID() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", vfserrors.Closed{}
	}
	return e.rootID, nil
}

// ToBytes produces a fresh full bundle of the current workspace state.
func (e *Engine) ToBytes(ctx context.Context, name string, entrypoints []string) ([]byte, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, vfserrors.Closed{}
	}
	e.mu.Unlock()

	return bundle.ToBytes(ctx, e.store, e.storage, bundle.Manifest{
		Name:        name,
		RootID:      e.rootID,
		Entrypoints: entrypoints,
	})
}

// ConnectPeer hands a Transport capability to the Peer Protocol Driver and
// returns a handle identifying the resulting session.
func (e *Engine) ConnectPeer(ctx context.Context, t transport.Transport, dial peer.Dialer, opts peer.Options) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", vfserrors.Closed{}
	}
	e.mu.Unlock()

	if opts.PeerID == "" {
		opts.PeerID = e.peerID
	}
	session := peer.NewSession(ctx, e.store, t, dial, opts, e.log)
	deltaHandle := e.store.OnDelta(func(documentID string, delta []byte) {
		session.NotifyLocalChange(documentID, delta)
	})

	handle := uuid.NewString()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.store.OffDelta(deltaHandle)
		_ = session.Close()
		return "", vfserrors.Closed{}
	}
	e.peers[handle] = peerHandle{session: session, deltaHandle: deltaHandle}
	e.mu.Unlock()
	return handle, nil
}

// DisconnectPeer closes the session identified by handle. Disconnecting an
// unknown or already-disconnected handle is not an error.
func (e *Engine) DisconnectPeer(handle string) error {
	e.mu.Lock()
	ph, ok := e.peers[handle]
	if ok {
		delete(e.peers, handle)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	e.store.OffDelta(ph.deltaHandle)
	return ph.session.Close()
}

// Close drains pending peer sessions and releases storage resources.
// Idempotent; every operation on a closed Engine fails with Closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := e.peers
	e.peers = nil
	e.mu.Unlock()

	var firstErr error
	for _, ph := range sessions {
		e.store.OffDelta(ph.deltaHandle)
		if err := ph.session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.storage.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "closing storage adapter")
	}
	return firstErr
}
