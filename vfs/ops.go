package vfs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tonk-labs/tonk-core/crdt"
	"github.com/tonk-labs/tonk-core/crdtpatch"
	"github.com/tonk-labs/tonk-core/docstore"
	"github.com/tonk-labs/tonk-core/fieldpath"
	"github.com/tonk-labs/tonk-core/vfserrors"
	"github.com/tonk-labs/tonk-core/watch"
)

// FileView is what readFile returns.
type FileView struct {
	Content   interface{}
	CreatedAt float64
	UpdatedAt float64
}

// DirEntry is one row of a listDirectory result.
type DirEntry struct {
	Name      string
	Kind      string
	CreatedAt float64
	UpdatedAt float64
}

// VFS implements the path-addressed file operations (component D) over a
// Document Store and Path Resolver, fanning change notifications out
// through a Watcher Registry.
type VFS struct {
	store    *docstore.Store
	resolver *Resolver
	watchers *watch.Registry
}

// New creates a VFS bound to store, rooted at the resolver's root document.
func New(store *docstore.Store, resolver *Resolver, watchers *watch.Registry) *VFS {
	return &VFS{store: store, resolver: resolver, watchers: watchers}
}

func newDocumentID() string { return uuid.NewString() }

// CreateRoot allocates and persists the well-known root directory document
// a workspace is rooted at. Unlike CreateFile/CreateDirectory, it has no
// parent to link into — the root is reached by ID, not by path lookup.
func CreateRoot(ctx context.Context, store *docstore.Store, id string) error {
	doc, err := store.Create(ctx, id, docTypeDir)
	if err != nil {
		return err
	}
	if err := initDirContent(doc); err != nil {
		return err
	}
	return store.Resnapshot(ctx, id)
}

// CreateFile allocates a new file document holding value and links it into
// its parent directory under the final path segment.
func (v *VFS) CreateFile(ctx context.Context, path string, value interface{}) (string, error) {
	return v.create(ctx, path, value, docTypeFile)
}

// CreateDirectory allocates a new, empty directory document and links it
// into its parent directory.
func (v *VFS) CreateDirectory(ctx context.Context, path string) (string, error) {
	return v.create(ctx, path, nil, docTypeDir)
}

func (v *VFS) create(ctx context.Context, path string, value interface{}, kind string) (string, error) {
	segments, err := normalize(path)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", vfserrors.InvalidPath{Path: path, Reason: "cannot create the root"}
	}
	parent, name, err := v.resolver.ResolveParentDir(ctx, path)
	if err != nil {
		return "", err
	}

	if _, _, err := v.lookupChild(ctx, parent.DocumentID, name); err == nil {
		return "", vfserrors.AlreadyExists{Path: path}
	} else if !isNotFound(err) {
		return "", err
	}

	id := newDocumentID()
	doc, err := v.store.Create(ctx, id, kind)
	if err != nil {
		return "", err
	}
	if kind == docTypeFile {
		if err := initFileContent(doc, value); err != nil {
			return "", err
		}
	} else {
		if err := initDirContent(doc); err != nil {
			return "", err
		}
	}
	if err := v.store.Resnapshot(ctx, id); err != nil {
		return "", err
	}

	_, _, err = v.store.ApplyChange(ctx, parent.DocumentID, func(d *crdt.Document, _ *crdtpatch.PatchBuilder) error {
		obj, err := rootObject(d)
		if err != nil {
			return err
		}
		return insertRef(d, obj, name, id, kind)
	})
	if err != nil {
		return "", err
	}
	v.resolver.Invalidate(parent.DocumentID)

	return id, nil
}

// lookupChild reads a name out of a directory document's children mapping
// without going through the path cache, for create's existence check.
func (v *VFS) lookupChild(ctx context.Context, dirDocumentID, name string) (refEntry, crdt.Node, error) {
	doc, err := v.store.Get(ctx, dirDocumentID)
	if err != nil {
		return refEntry{}, nil, err
	}
	obj, err := rootObject(doc)
	if err != nil {
		return refEntry{}, nil, err
	}
	children, err := childrenObject(obj)
	if err != nil {
		return refEntry{}, nil, err
	}
	node := children.Get(name)
	if node == nil {
		return refEntry{}, nil, vfserrors.NotFound{Path: name}
	}
	ref, err := readRefEntry(node)
	return ref, node, err
}

func isNotFound(err error) bool {
	var nf vfserrors.NotFound
	return errors.As(err, &nf)
}

// ReadFile returns a file document's content and timestamps.
func (v *VFS) ReadFile(ctx context.Context, path string) (FileView, error) {
	resolved, err := v.resolver.Resolve(ctx, path)
	if err != nil {
		return FileView{}, err
	}
	if resolved.Kind != docTypeFile {
		return FileView{}, vfserrors.NotAFile{Path: path}
	}
	doc, err := v.store.Get(ctx, resolved.DocumentID)
	if err != nil {
		return FileView{}, err
	}
	obj, err := rootObject(doc)
	if err != nil {
		return FileView{}, err
	}
	createdAt, _ := valueOf(obj, "createdAt").(float64)
	updatedAt, _ := valueOf(obj, "updatedAt").(float64)
	return FileView{
		Content:   valueOf(obj, "content"),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// UpdateFile replaces a file document's whole content value.
func (v *VFS) UpdateFile(ctx context.Context, path string, value interface{}) error {
	resolved, err := v.resolver.Resolve(ctx, path)
	if err != nil {
		return err
	}
	if resolved.Kind != docTypeFile {
		return vfserrors.NotAFile{Path: path}
	}
	_, _, err = v.store.ApplyChange(ctx, resolved.DocumentID, func(d *crdt.Document, _ *crdtpatch.PatchBuilder) error {
		obj, err := rootObject(d)
		if err != nil {
			return err
		}
		setConstant(d, obj, "content", value)
		setConstant(d, obj, "updatedAt", float64(time.Now().UnixMilli()))
		return nil
	})
	return err
}

// PatchFile sets value at fieldPath within a file's content, preserving
// sibling fields. It reports whether fieldPath already existed.
func (v *VFS) PatchFile(ctx context.Context, path string, fieldPath []string, value interface{}) (bool, error) {
	resolved, err := v.resolver.Resolve(ctx, path)
	if err != nil {
		return false, err
	}
	if resolved.Kind != docTypeFile {
		return false, vfserrors.NotAFile{Path: path}
	}

	doc, err := v.store.Get(ctx, resolved.DocumentID)
	if err != nil {
		return false, err
	}
	obj, err := rootObject(doc)
	if err != nil {
		return false, err
	}
	existed := false
	if readParent, readKey, err := navigateForRead(obj, fieldPath); err == nil && readParent != nil {
		if _, err := fieldpath.Resolve(readParent, fieldpath.FromStrings(readKey)); err == nil {
			existed = true
		}
	}

	_, _, err = v.store.ApplyChange(ctx, resolved.DocumentID, func(d *crdt.Document, _ *crdtpatch.PatchBuilder) error {
		root, err := rootObject(d)
		if err != nil {
			return err
		}
		parent, key, err := navigateForWrite(d, root, fieldPath)
		if err != nil {
			return err
		}
		setConstant(d, parent, key, value)
		setConstant(d, root, "updatedAt", float64(time.Now().UnixMilli()))
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// SpliceText performs a text splice on a string-typed field reached by
// fieldPath within a file's content. Indices are Unicode scalar units.
func (v *VFS) SpliceText(ctx context.Context, path string, fieldPath []string, start, deleteCount int, insert string) error {
	resolved, err := v.resolver.Resolve(ctx, path)
	if err != nil {
		return err
	}
	if resolved.Kind != docTypeFile {
		return vfserrors.NotAFile{Path: path}
	}

	_, _, err = v.store.ApplyChange(ctx, resolved.DocumentID, func(d *crdt.Document, _ *crdtpatch.PatchBuilder) error {
		root, err := rootObject(d)
		if err != nil {
			return err
		}
		parent, key, err := navigateForWrite(d, root, fieldPath)
		if err != nil {
			return err
		}
		existing := parent.Get(key)
		var strNode *crdt.RGAStringNode
		if existing == nil {
			id := d.NextTimestamp()
			strNode = crdt.NewRGAStringNode(id)
			d.AddNode(strNode)
			ts := d.NextTimestamp()
			parent.Set(key, ts, strNode)
		} else {
			var ok bool
			strNode, ok = existing.(*crdt.RGAStringNode)
			if !ok {
				return errors.Errorf("vfs: field at %v is not text", fieldPath)
			}
		}
		if err := spliceString(d, strNode, start, deleteCount, insert); err != nil {
			length := len(liveIndices(strNode))
			return vfserrors.IndexOutOfRange{Path: path, Index: start, Length: length}
		}
		setConstant(d, root, "updatedAt", float64(time.Now().UnixMilli()))
		return nil
	})
	return err
}

// DeleteFile removes a file's RefNode from its parent directory. The
// document itself is not reclaimed.
func (v *VFS) DeleteFile(ctx context.Context, path string) error {
	return v.deleteEntry(ctx, path, docTypeFile, false)
}

// DeleteDirectory removes a directory's RefNode from its parent. Unless
// recursive is set, it fails with NotEmpty if the directory's children
// mapping is non-empty at the moment of the change attempt.
func (v *VFS) DeleteDirectory(ctx context.Context, path string, recursive bool) error {
	return v.deleteEntry(ctx, path, docTypeDir, recursive)
}

func (v *VFS) deleteEntry(ctx context.Context, path, expectKind string, recursive bool) error {
	segments, err := normalize(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return vfserrors.InvalidPath{Path: path, Reason: "cannot delete the root"}
	}
	resolved, err := v.resolver.Resolve(ctx, path)
	if err != nil {
		return err
	}
	if resolved.Kind != expectKind {
		if expectKind == docTypeFile {
			return vfserrors.NotAFile{Path: path}
		}
		return vfserrors.NotADirectory{Path: path}
	}

	if expectKind == docTypeDir && !recursive {
		doc, err := v.store.Get(ctx, resolved.DocumentID)
		if err != nil {
			return err
		}
		obj, err := rootObject(doc)
		if err != nil {
			return err
		}
		children, err := childrenObject(obj)
		if err != nil {
			return err
		}
		if len(children.Keys()) > 0 {
			return vfserrors.NotEmpty{Path: path}
		}
	}

	parent, name, err := v.resolver.ResolveParentDir(ctx, path)
	if err != nil {
		return err
	}
	_, _, err = v.store.ApplyChange(ctx, parent.DocumentID, func(d *crdt.Document, _ *crdtpatch.PatchBuilder) error {
		obj, err := rootObject(d)
		if err != nil {
			return err
		}
		return removeRef(d, obj, name)
	})
	if err != nil {
		return err
	}
	v.resolver.Invalidate(parent.DocumentID)
	return nil
}

// Rename moves a document from oldPath to newPath by inserting a new
// RefNode under newPath and removing the old one. The document is not
// duplicated; cross-directory renames are allowed.
func (v *VFS) Rename(ctx context.Context, oldPath, newPath string) error {
	oldSegs, err := normalize(oldPath)
	if err != nil {
		return err
	}
	if len(oldSegs) == 0 {
		return vfserrors.InvalidPath{Path: oldPath, Reason: "cannot rename the root"}
	}
	resolved, err := v.resolver.Resolve(ctx, oldPath)
	if err != nil {
		return err
	}

	newParent, newName, err := v.resolver.ResolveParentDir(ctx, newPath)
	if err != nil {
		return err
	}
	oldParent, oldName, err := v.resolver.ResolveParentDir(ctx, oldPath)
	if err != nil {
		return err
	}

	// A rename that resolves to the same parent directory and name is a
	// no-op: inserting then removing the same slot would otherwise let the
	// later-timestamped removeRef win over insertRef in the LWW children
	// map, deleting the RefNode and orphaning the document.
	if newParent.DocumentID == oldParent.DocumentID && newName == oldName {
		return nil
	}

	if _, _, err := v.lookupChild(ctx, newParent.DocumentID, newName); err == nil {
		return vfserrors.AlreadyExists{Path: newPath}
	} else if !isNotFound(err) {
		return err
	}

	// Insert the new RefNode before removing the old one: a reader racing
	// this rename observes the document reachable under at least one name
	// at every point, never neither.
	_, _, err = v.store.ApplyChange(ctx, newParent.DocumentID, func(d *crdt.Document, _ *crdtpatch.PatchBuilder) error {
		obj, err := rootObject(d)
		if err != nil {
			return err
		}
		return insertRef(d, obj, newName, resolved.DocumentID, resolved.Kind)
	})
	if err != nil {
		return err
	}
	v.resolver.Invalidate(newParent.DocumentID)

	_, _, err = v.store.ApplyChange(ctx, oldParent.DocumentID, func(d *crdt.Document, _ *crdtpatch.PatchBuilder) error {
		obj, err := rootObject(d)
		if err != nil {
			return err
		}
		return removeRef(d, obj, oldName)
	})
	if err != nil {
		return err
	}
	v.resolver.Invalidate(oldParent.DocumentID)
	return nil
}

// ListDirectory returns a directory's children in name order.
func (v *VFS) ListDirectory(ctx context.Context, path string) ([]DirEntry, error) {
	resolved, err := v.resolver.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if resolved.Kind != docTypeDir {
		return nil, vfserrors.NotADirectory{Path: path}
	}
	doc, err := v.store.Get(ctx, resolved.DocumentID)
	if err != nil {
		return nil, err
	}
	obj, err := rootObject(doc)
	if err != nil {
		return nil, err
	}
	children, err := childrenObject(obj)
	if err != nil {
		return nil, err
	}

	names := children.Keys()
	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		node := children.Get(name)
		refObj, ok := node.(*crdt.LWWObjectNode)
		if !ok {
			continue
		}
		createdAt, _ := valueOf(refObj, "createdAt").(float64)
		updatedAt, _ := valueOf(refObj, "updatedAt").(float64)
		kind, _ := valueOf(refObj, "kind").(string)
		entries = append(entries, DirEntry{Name: name, Kind: kind, CreatedAt: createdAt, UpdatedAt: updatedAt})
	}
	sortDirEntries(entries)
	return entries, nil
}

func sortDirEntries(entries []DirEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].Name > entries[j].Name; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Exists reports whether path resolves to a document.
func (v *VFS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := v.resolver.Resolve(ctx, path)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// WatchFile subscribes listener to every committed change on the file at
// path.
func (v *VFS) WatchFile(ctx context.Context, path string, listener watch.Listener) (*watch.Handle, error) {
	resolved, err := v.resolver.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	return v.watchers.SubscribeFile(ctx, resolved.DocumentID, listener)
}

// WatchDirectory subscribes listener to changes on the directory at path,
// and recursively to its descendant directories when recursive is set.
func (v *VFS) WatchDirectory(ctx context.Context, path string, listener watch.Listener, recursive bool) (*watch.Handle, error) {
	resolved, err := v.resolver.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if resolved.Kind != docTypeDir {
		return nil, vfserrors.NotADirectory{Path: path}
	}
	if !recursive {
		return v.watchers.SubscribeFile(ctx, resolved.DocumentID, func(evt watch.Event) { listener(evt) })
	}
	return v.watchers.SubscribeSubtree(ctx, resolved.DocumentID, listener, v.listChildDirs)
}

func (v *VFS) listChildDirs(ctx context.Context, dirDocumentID string) ([]string, error) {
	doc, err := v.store.Get(ctx, dirDocumentID)
	if err != nil {
		return nil, err
	}
	obj, err := rootObject(doc)
	if err != nil {
		return nil, err
	}
	children, err := childrenObject(obj)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, name := range children.Keys() {
		node := children.Get(name)
		ref, err := readRefEntry(node)
		if err != nil {
			continue
		}
		if ref.Kind == docTypeDir {
			dirs = append(dirs, ref.Pointer)
		}
	}
	return dirs, nil
}

// Unwatch removes a watch handle, whether file or directory.
func (v *VFS) Unwatch(h *watch.Handle) {
	v.watchers.Unsubscribe(h)
}
