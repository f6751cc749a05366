package crdt

import (
	"encoding/json"

	"github.com/tonk-labs/tonk-core/common"
)

// Node represents a CRDT node in the JSON CRDT document.
type Node interface {
	// ID returns the unique identifier of the node.
	ID() common.LogicalTimestamp

	// Type returns the type of the node.
	Type() common.NodeType

	// Value returns the value of the node.
	Value() interface{}

	// MarshalJSON returns a JSON representation of the node.
	json.Marshaler

	// UnmarshalJSON parses a JSON representation of the node.
	json.Unmarshaler

	// IsRoot returns true if this is a root node.
	IsRoot() bool
}

// RGAElement is one slot of a Replicated Growable Array sequence (used by
// both RGAStringNode and RGAArrayNode). Deleted slots are tombstoned rather
// than removed so that concurrent inserts anchored on them still resolve.
type RGAElement struct {
	NodeId      common.LogicalTimestamp
	NodeValue   interface{}
	NodeDeleted bool
}
