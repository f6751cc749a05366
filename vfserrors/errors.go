// Package vfserrors enumerates the error kinds every public tonk operation
// can fail with (see the error taxonomy in the VFS design). Each kind is a
// distinct struct type rather than a sentinel so callers can carry the
// offending path, key, or index alongside the failure and still use
// errors.As to classify it.
package vfserrors

import "fmt"

// NotFound means a path or document ID does not exist.
type NotFound struct {
	Path string
}

func (e NotFound) Error() string { return fmt.Sprintf("not found: %s", e.Path) }

// AlreadyExists means a create collided with an existing entry.
type AlreadyExists struct {
	Path string
}

func (e AlreadyExists) Error() string { return fmt.Sprintf("already exists: %s", e.Path) }

// NotAFile means the path resolves to something other than a file document.
type NotAFile struct {
	Path string
}

func (e NotAFile) Error() string { return fmt.Sprintf("not a file: %s", e.Path) }

// NotADirectory means the path resolves to something other than a directory
// document, or an intermediate path segment was not a directory.
type NotADirectory struct {
	Path string
}

func (e NotADirectory) Error() string { return fmt.Sprintf("not a directory: %s", e.Path) }

// NotEmpty means deleteDirectory was called without the recursive flag on a
// directory whose children mapping is non-empty.
type NotEmpty struct {
	Path string
}

func (e NotEmpty) Error() string { return fmt.Sprintf("directory not empty: %s", e.Path) }

// InvalidPath means the path is malformed, empty, escapes the root via
// excess "..", or targets the root where that is disallowed.
type InvalidPath struct {
	Path   string
	Reason string
}

func (e InvalidPath) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// IndexOutOfRange means a spliceText start/deleteCount fell outside the
// current length of the text, in Unicode scalar units.
type IndexOutOfRange struct {
	Path   string
	Index  int
	Length int
}

func (e IndexOutOfRange) Error() string {
	return fmt.Sprintf("index %d out of range for %s (length %d)", e.Index, e.Path, e.Length)
}

// StorageError wraps a persistence I/O failure. Retry is true when the
// caller may reasonably retry the same operation (e.g. a transient network
// blip) and false when the failure is structural (e.g. a corrupt blob).
type StorageError struct {
	Op    string
	Key   string
	Err   error
	Retry bool
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage error during %s(%s): %v", e.Op, e.Key, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

// TransportClosed means a peer session's transport ended, by either side.
type TransportClosed struct {
	PeerID string
}

func (e TransportClosed) Error() string { return fmt.Sprintf("transport closed: peer %s", e.PeerID) }

// InvalidChange means a remote delta failed to apply to a document and was
// discarded without corrupting the document's existing state.
type InvalidChange struct {
	DocumentID string
	Reason     string
}

func (e InvalidChange) Error() string {
	return fmt.Sprintf("invalid change for document %s: %s", e.DocumentID, e.Reason)
}

// CorruptedLink means a RefNode's kind disagrees with the type of the
// document it points to.
type CorruptedLink struct {
	Path string
}

func (e CorruptedLink) Error() string { return fmt.Sprintf("corrupted link at %s", e.Path) }

// InvalidBundle means a bundle archive is missing required entries or its
// manifest does not parse.
type InvalidBundle struct {
	Reason string
}

func (e InvalidBundle) Error() string { return fmt.Sprintf("invalid bundle: %s", e.Reason) }

// VersionUnsupported means a bundle's manifest version is not one this
// codec knows how to read.
type VersionUnsupported struct {
	Version int
}

func (e VersionUnsupported) Error() string {
	return fmt.Sprintf("unsupported bundle version: %d", e.Version)
}

// TruncatedEntry means a blob inside a bundle could not be read in full.
type TruncatedEntry struct {
	Key string
}

func (e TruncatedEntry) Error() string { return fmt.Sprintf("truncated bundle entry: %s", e.Key) }

// Closed means the operation was attempted on a Workspace after Close.
type Closed struct{}

func (e Closed) Error() string { return "workspace is closed" }

// Cancelled means the caller's cancellation signal fired before the
// operation committed.
type Cancelled struct{}

func (e Cancelled) Error() string { return "operation cancelled" }
