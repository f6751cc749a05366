// Package watch implements the Watcher Registry: it maps CRDT document
// change streams from the Document Store onto path-level and subtree-level
// listeners, attaching and detaching itself to directory documents lazily
// as a recursive subtree watch discovers new child directories.
package watch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tonk-labs/tonk-core/docstore"
)

// Event is delivered to a listener after a committed change to the document
// it watches.
type Event struct {
	DocumentID    string
	Value         interface{}
	ChangedFields []string
}

// Listener receives watch events. A listener that panics is caught and
// logged; it does not stop delivery to other listeners.
type Listener func(Event)

// Handle is returned by Subscribe; pass it to Registry.Unsubscribe to stop
// watching.
type Handle struct {
	id        string
	documentID string
	subtree   bool
}

type subtreeAttachment struct {
	docHandle *docstore.Subscription
	children  map[string]*subtreeAttachment // child documentID -> its own attachment
}

// Registry fans out Document Store change notifications to registered
// listeners. It holds only document IDs, never documents themselves, so it
// never keeps a document alive on the store's behalf.
type Registry struct {
	store *docstore.Store
	log   *zap.Logger

	mu       sync.Mutex
	fileSubs map[string]map[string]Listener    // documentID -> handle -> listener
	fileDocs map[string]*docstore.Subscription // documentID -> store subscription (one per watched doc)
	subtrees map[string]*subtreeAttachment     // handle -> attachment tree root
	subLst   map[string]Listener               // handle -> listener, for subtree handles
}

// New creates a Watcher Registry backed by store.
func New(store *docstore.Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:    store,
		log:      log,
		fileSubs: make(map[string]map[string]Listener),
		fileDocs: make(map[string]*docstore.Subscription),
		subtrees: make(map[string]*subtreeAttachment),
		subLst:   make(map[string]Listener),
	}
}

// SubscribeFile delivers an Event to listener after every committed change
// to documentID, local or remote, starting from the next commit.
func (r *Registry) SubscribeFile(ctx context.Context, documentID string, listener Listener) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handleID := uuid.NewString()
	subs, ok := r.fileSubs[documentID]
	if !ok {
		subs = make(map[string]Listener)
		r.fileSubs[documentID] = subs

		docSub, err := r.store.Subscribe(ctx, documentID, func(value interface{}, changed []string) {
			r.deliverFile(documentID, value, changed)
		})
		if err != nil {
			delete(r.fileSubs, documentID)
			return nil, err
		}
		r.fileDocs[documentID] = docSub
	}
	subs[handleID] = listener

	return &Handle{id: handleID, documentID: documentID}, nil
}

func (r *Registry) deliverFile(documentID string, value interface{}, changed []string) {
	r.mu.Lock()
	listeners := make([]Listener, 0, len(r.fileSubs[documentID]))
	for _, l := range r.fileSubs[documentID] {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		r.safeNotify(l, Event{DocumentID: documentID, Value: value, ChangedFields: changed})
	}
}

// SubtreeLister resolves a directory document's current set of child
// directory document IDs, used to lazily attach a recursive subtree watch
// to newly discovered directories. The VFS layer supplies this since the
// Registry does not itself know how to interpret a document's content.
type SubtreeLister func(ctx context.Context, dirDocumentID string) (childDirs []string, err error)

// SubscribeSubtree delivers an Event for every committed change to
// rootDocumentID and, recursively, to every directory reachable from it at
// subscribe time or discovered later via listDirs. Detaching removes every
// inner attachment.
func (r *Registry) SubscribeSubtree(ctx context.Context, rootDocumentID string, listener Listener, listDirs SubtreeLister) (*Handle, error) {
	handleID := uuid.NewString()

	attachment, err := r.attachSubtree(ctx, rootDocumentID, handleID, listener, listDirs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.subtrees[handleID] = attachment
	r.subLst[handleID] = listener
	r.mu.Unlock()

	return &Handle{id: handleID, documentID: rootDocumentID, subtree: true}, nil
}

func (r *Registry) attachSubtree(ctx context.Context, dirDocumentID, handleID string, listener Listener, listDirs SubtreeLister) (*subtreeAttachment, error) {
	att := &subtreeAttachment{children: make(map[string]*subtreeAttachment)}

	docSub, err := r.store.Subscribe(ctx, dirDocumentID, func(value interface{}, changed []string) {
		r.safeNotify(listener, Event{DocumentID: dirDocumentID, Value: value, ChangedFields: changed})
		r.onSubtreeDirChanged(ctx, dirDocumentID, handleID, listener, listDirs, att)
	})
	if err != nil {
		return nil, err
	}
	att.docHandle = docSub

	childDirs, err := listDirs(ctx, dirDocumentID)
	if err != nil {
		r.store.Unsubscribe(docSub)
		return nil, err
	}
	for _, child := range childDirs {
		childAtt, err := r.attachSubtree(ctx, child, handleID, listener, listDirs)
		if err != nil {
			continue
		}
		att.children[child] = childAtt
	}
	return att, nil
}

// onSubtreeDirChanged re-reads a watched directory's children after a
// change notification and attaches to any new child directory it has not
// seen before. It never detaches a child that merely vanished from the
// mapping — the attachment is harmless and will simply stop firing once the
// orphaned document sees no further changes.
func (r *Registry) onSubtreeDirChanged(ctx context.Context, dirDocumentID, handleID string, listener Listener, listDirs SubtreeLister, att *subtreeAttachment) {
	childDirs, err := listDirs(ctx, dirDocumentID)
	if err != nil {
		r.log.Warn("subtree watch: failed to list child directories", zap.Error(err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, child := range childDirs {
		if _, seen := att.children[child]; seen {
			continue
		}
		childAtt, err := r.attachSubtree(ctx, child, handleID, listener, listDirs)
		if err != nil {
			continue
		}
		att.children[child] = childAtt
	}
}

// Unsubscribe removes a file or subtree watch handle. Unsubscribing twice,
// or a handle from an already-removed document, is not an error.
func (r *Registry) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.subtree {
		att, ok := r.subtrees[h.id]
		if !ok {
			return
		}
		r.detachSubtree(att)
		delete(r.subtrees, h.id)
		delete(r.subLst, h.id)
		return
	}

	subs, ok := r.fileSubs[h.documentID]
	if !ok {
		return
	}
	delete(subs, h.id)
	if len(subs) == 0 {
		delete(r.fileSubs, h.documentID)
		if docSub, ok := r.fileDocs[h.documentID]; ok {
			r.store.Unsubscribe(docSub)
			delete(r.fileDocs, h.documentID)
		}
	}
}

func (r *Registry) detachSubtree(att *subtreeAttachment) {
	if att.docHandle != nil {
		r.store.Unsubscribe(att.docHandle)
	}
	for _, child := range att.children {
		r.detachSubtree(child)
	}
}

func (r *Registry) safeNotify(l Listener, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("watch listener panicked", zap.Any("recover", rec))
		}
	}()
	l(evt)
}
