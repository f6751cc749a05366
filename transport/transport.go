// Package transport defines the Transport capability the Peer Protocol
// Driver consumes to exchange opaque length-prefixed frames with a single
// peer, and ships a WebSocket-backed implementation of it.
package transport

import "context"

// Transport is a bidirectional, ordered, frame-oriented byte pipe to
// exactly one peer. It does not interpret frame contents; framing and
// message kinds are the Peer Protocol Driver's concern.
type Transport interface {
	// Send writes one frame. It fails with vfserrors.TransportClosed once
	// the transport is closed, locally or by the peer.
	Send(ctx context.Context, frame []byte) error

	// Recv blocks for the next frame, or returns an error once the
	// transport is closed. Callers read it in a loop until it does.
	Recv(ctx context.Context) ([]byte, error)

	// Close shuts the transport down from our side. Idempotent.
	Close() error

	// Closed returns a channel that is closed once the transport is
	// closed, by either side.
	Closed() <-chan struct{}
}
