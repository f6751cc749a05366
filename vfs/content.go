// Package vfs implements the Path Resolver and VFS Operations: the
// path-addressed view over the Document Store's CRDT documents. Every
// document's content root is an object node with a "type" field of "doc"
// or "dir"; directories carry a "children" object mapping names to ref
// entries, files carry a "content" field holding the user payload.
package vfs

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tonk-labs/tonk-core/common"
	"github.com/tonk-labs/tonk-core/crdt"
)

const (
	docTypeFile = "doc"
	docTypeDir  = "dir"
)

// rootObject returns a document's content root as an object node. Every
// document created through this package has one; a document hydrated from
// elsewhere with a different shape is a corrupted link.
func rootObject(doc *crdt.Document) (*crdt.LWWObjectNode, error) {
	root := doc.Root()
	lww, ok := root.(*crdt.LWWValueNode)
	if !ok {
		return nil, errors.Errorf("vfs: unexpected document root type %T", root)
	}
	if lww.NodeValue == nil {
		return nil, errors.New("vfs: document has no content root")
	}
	obj, ok := lww.NodeValue.(*crdt.LWWObjectNode)
	if !ok {
		return nil, errors.Errorf("vfs: document content root is %T, not an object", lww.NodeValue)
	}
	return obj, nil
}

func docType(obj *crdt.LWWObjectNode) string {
	v := obj.Get("type")
	if v == nil {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

// setConstant assigns value to key on obj. An object value becomes a new
// object node whose fields are assigned the same way, so field paths can
// address into it; any other value becomes a new constant node registered
// with doc.
func setConstant(doc *crdt.Document, obj *crdt.LWWObjectNode, key string, value interface{}) {
	if m, ok := value.(map[string]interface{}); ok {
		_, child := newEmptyObject(doc)
		for k, v := range m {
			setConstant(doc, child, k, v)
		}
		obj.Set(key, doc.NextTimestamp(), child)
		return
	}
	ts := doc.NextTimestamp()
	node := crdt.NewConstantNode(ts, value)
	doc.AddNode(node)
	obj.Set(key, ts, node)
}

// newEmptyObject allocates a fresh object node registered with doc.
func newEmptyObject(doc *crdt.Document) (common.LogicalTimestamp, *crdt.LWWObjectNode) {
	id := doc.NextTimestamp()
	obj := crdt.NewLWWObjectNode(id)
	doc.AddNode(obj)
	return id, obj
}

// initFileContent turns a freshly created document into a file document
// carrying value as its content.
func initFileContent(doc *crdt.Document, value interface{}) error {
	obj, err := rootObject(doc)
	if err != nil {
		return err
	}
	now := float64(time.Now().UnixMilli())
	setConstant(doc, obj, "type", docTypeFile)
	setConstant(doc, obj, "createdAt", now)
	setConstant(doc, obj, "updatedAt", now)
	setConstant(doc, obj, "content", value)
	return nil
}

// initDirContent turns a freshly created document into a directory
// document with an empty children mapping.
func initDirContent(doc *crdt.Document) error {
	obj, err := rootObject(doc)
	if err != nil {
		return err
	}
	now := float64(time.Now().UnixMilli())
	setConstant(doc, obj, "type", docTypeDir)
	setConstant(doc, obj, "createdAt", now)
	setConstant(doc, obj, "updatedAt", now)
	_, children := newEmptyObject(doc)
	childrenTS := doc.NextTimestamp()
	obj.Set("children", childrenTS, children)
	return nil
}

// navigateForWrite walks fieldPath from a file document's content field,
// creating intermediate object nodes for any missing segment, and returns
// the parent object that directly owns the final segment plus that
// segment's key. An empty fieldPath addresses the content field itself, in
// which case the returned parent is the document's content root and the
// key is "content".
func navigateForWrite(doc *crdt.Document, root *crdt.LWWObjectNode, fieldPath []string) (*crdt.LWWObjectNode, string, error) {
	if len(fieldPath) == 0 {
		return root, "content", nil
	}

	current := root
	key := "content"
	for _, seg := range fieldPath {
		child := current.Get(key)
		var childObj *crdt.LWWObjectNode
		if child == nil {
			_, childObj = newEmptyObject(doc)
			ts := doc.NextTimestamp()
			current.Set(key, ts, childObj)
		} else {
			var ok bool
			childObj, ok = child.(*crdt.LWWObjectNode)
			if !ok {
				return nil, "", errors.Errorf("vfs: field path segment %q is not an object", key)
			}
		}
		current = childObj
		key = seg
	}
	return current, key, nil
}

// navigateForRead walks fieldPath the same way navigateForWrite does, but
// never creates missing nodes; it returns (nil, "", nil) if any segment
// along the way is absent.
func navigateForRead(root *crdt.LWWObjectNode, fieldPath []string) (*crdt.LWWObjectNode, string, error) {
	if len(fieldPath) == 0 {
		return root, "content", nil
	}
	current := root
	key := "content"
	for _, seg := range fieldPath {
		child := current.Get(key)
		if child == nil {
			return nil, "", nil
		}
		childObj, ok := child.(*crdt.LWWObjectNode)
		if !ok {
			return nil, "", errors.Errorf("vfs: field path segment %q is not an object", key)
		}
		current = childObj
		key = seg
	}
	return current, key, nil
}

// childrenObject returns a directory document's children mapping.
func childrenObject(obj *crdt.LWWObjectNode) (*crdt.LWWObjectNode, error) {
	v := obj.Get("children")
	if v == nil {
		return nil, errors.New("vfs: directory document has no children field")
	}
	children, ok := v.(*crdt.LWWObjectNode)
	if !ok {
		return nil, errors.Errorf("vfs: children field is %T, not an object", v)
	}
	return children, nil
}

// refEntry is the decoded form of a RefNode read out of a children mapping.
type refEntry struct {
	Pointer string
	Kind    string
	Name    string
}

func readRefEntry(node crdt.Node) (refEntry, error) {
	obj, ok := node.(*crdt.LWWObjectNode)
	if !ok {
		return refEntry{}, errors.Errorf("vfs: ref entry is %T, not an object", node)
	}
	pointer, _ := valueOf(obj, "pointer").(string)
	kind, _ := valueOf(obj, "kind").(string)
	name, _ := valueOf(obj, "name").(string)
	if pointer == "" || kind == "" {
		return refEntry{}, errors.New("vfs: malformed ref entry")
	}
	return refEntry{Pointer: pointer, Kind: kind, Name: name}, nil
}

func valueOf(obj *crdt.LWWObjectNode, key string) interface{} {
	v := obj.Get(key)
	if v == nil {
		return nil
	}
	return v.Value()
}

// insertRef adds a RefNode for (name -> id, kind) into a directory
// document's children mapping.
func insertRef(doc *crdt.Document, dirObj *crdt.LWWObjectNode, name, id, kind string) error {
	children, err := childrenObject(dirObj)
	if err != nil {
		return err
	}
	_, ref := newEmptyObject(doc)
	now := float64(time.Now().UnixMilli())
	setConstant(doc, ref, "type", "ref")
	setConstant(doc, ref, "pointer", id)
	setConstant(doc, ref, "kind", kind)
	setConstant(doc, ref, "name", name)
	setConstant(doc, ref, "createdAt", now)
	setConstant(doc, ref, "updatedAt", now)

	ts := doc.NextTimestamp()
	children.Set(name, ts, ref)
	return nil
}

// removeRef removes name from a directory document's children mapping. It
// is a no-op if the name is already absent.
func removeRef(doc *crdt.Document, dirObj *crdt.LWWObjectNode, name string) error {
	children, err := childrenObject(dirObj)
	if err != nil {
		return err
	}
	ts := doc.NextTimestamp()
	children.Delete(name, ts)
	return nil
}

// liveIndices returns the NodeElements positions of a string node's
// non-deleted characters, in document order, so splice offsets (which are
// in Unicode scalar units of the live string) can be mapped back onto the
// node's internal tombstone-including element list.
func liveIndices(n *crdt.RGAStringNode) []int {
	var live []int
	for i, elem := range n.NodeElements {
		if !elem.NodeDeleted {
			live = append(live, i)
		}
	}
	return live
}

// spliceString performs a splice on a string CRDT node: delete deleteCount
// scalar units starting at start, then insert the given text at that
// position. Offsets are validated against the node's current live length.
func spliceString(doc *crdt.Document, node *crdt.RGAStringNode, start, deleteCount int, insert string) error {
	live := liveIndices(node)
	length := len(live)
	if start < 0 || start > length || deleteCount < 0 || start+deleteCount > length {
		return errors.Errorf("splice out of range: start=%d deleteCount=%d length=%d", start, deleteCount, length)
	}

	var afterID common.LogicalTimestamp
	if start == 0 {
		afterID = common.RootID
	} else {
		afterID = node.NodeElements[live[start-1]].NodeId
	}

	if deleteCount > 0 {
		startPos := live[start]
		endPos := live[start+deleteCount-1]
		node.Delete(node.NodeElements[startPos].NodeId, node.NodeElements[endPos].NodeId)
	}

	if insert != "" {
		id := doc.NextTimestamp()
		// Insert gives each rune the next counter after id; reserve those
		// counters so later timestamps never repeat an element ID.
		for range []rune(insert)[1:] {
			doc.NextTimestamp()
		}
		node.Insert(afterID, id, insert)
	}
	return nil
}
