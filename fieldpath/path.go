// Package fieldpath resolves a sequence of object keys and array indices
// down to a CRDT node inside a document's content. The VFS uses it in
// patchFile to check whether the targeted field already exists. Only
// object keys are traversed; stepping into an array node fails with
// ErrNotTraversable.
package fieldpath

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/tonk-labs/tonk-core/crdt"
)

// Segment is one step of a field path: either an object key or an array
// index. Unlike luvjson's api.Path, a segment never needs to guess which
// kind it is from a bare string — callers build paths explicitly.
type Segment interface {
	segment()
	String() string
}

// Key addresses a field of an LWW-Object node.
type Key string

func (Key) segment()        {}
func (k Key) String() string { return string(k) }

// Index addresses an element of an RGA-Array node.
type Index int

func (Index) segment()          {}
func (i Index) String() string { return strconv.Itoa(int(i)) }

// Path is an ordered list of segments from a document's content root down
// to the targeted sub-value.
type Path []Segment

// FromStrings builds a Path out of plain strings, for callers (tests,
// thin API wrappers) that only have untyped field names.
func FromStrings(parts ...string) Path {
	p := make(Path, len(parts))
	for i, s := range parts {
		p[i] = Key(s)
	}
	return p
}

func (p Path) String() string {
	if len(p) == 0 {
		return "."
	}
	out := ""
	for _, s := range p {
		out += "/" + s.String()
	}
	return out
}

// ErrNotFound is returned when a path segment has no matching field or
// element in the document.
var ErrNotFound = errors.New("fieldpath: segment not found")

// ErrNotTraversable is returned when a path tries to step into a node type
// that has no children (e.g. indexing into a string).
var ErrNotTraversable = errors.New("fieldpath: node is not traversable")

// Resolve walks path starting at root and returns the node it addresses.
// An empty path returns root itself.
func Resolve(root crdt.Node, path Path) (crdt.Node, error) {
	node := root
	for _, seg := range path {
		next, err := step(node, seg)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving %s", seg)
		}
		node = next
	}
	return node, nil
}

// ResolveParent walks all but the last segment of path and returns the
// parent node plus the final segment, so the caller can mutate that slot
// directly (used by patchFile to set-or-create a leaf).
func ResolveParent(root crdt.Node, path Path) (crdt.Node, Segment, error) {
	if len(path) == 0 {
		return nil, nil, errors.New("fieldpath: empty path has no parent")
	}
	parent, err := Resolve(root, path[:len(path)-1])
	if err != nil {
		return nil, nil, err
	}
	return parent, path[len(path)-1], nil
}

func step(node crdt.Node, seg Segment) (crdt.Node, error) {
	if lww, ok := node.(*crdt.LWWValueNode); ok {
		if lww.NodeValue == nil {
			return nil, ErrNotFound
		}
		node = lww.NodeValue
	}

	switch n := node.(type) {
	case *crdt.LWWObjectNode:
		key, ok := seg.(Key)
		if !ok {
			return nil, errors.New("fieldpath: expected an object key")
		}
		field := n.Get(string(key))
		if field == nil {
			return nil, ErrNotFound
		}
		return field, nil
	case *crdt.RGAArrayNode:
		// Array elements are addressed by the document's node index, not by
		// a node reachable from here directly, so array nodes are not
		// traversed.
		return nil, ErrNotTraversable
	default:
		return nil, ErrNotTraversable
	}
}
