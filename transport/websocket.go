package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tonk-labs/tonk-core/vfserrors"
)

// WebSocketTransport adapts a gorilla/websocket connection to the
// Transport capability. Frames are carried as binary WebSocket messages;
// one message is exactly one frame.
type WebSocketTransport struct {
	conn   *websocket.Conn
	log    *zap.Logger
	peerID string

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketTransport wraps an already-established connection. peerID is
// used only for logging.
func NewWebSocketTransport(conn *websocket.Conn, peerID string, log *zap.Logger) *WebSocketTransport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &WebSocketTransport{
		conn:   conn,
		log:    log,
		peerID: peerID,
		closed: make(chan struct{}),
	}
	conn.SetCloseHandler(func(code int, text string) error {
		t.markClosed()
		return nil
	})
	return t
}

func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return vfserrors.TransportClosed{PeerID: t.peerID}
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.markClosed()
		return vfserrors.TransportClosed{PeerID: t.peerID}
	}
	return nil
}

func (t *WebSocketTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, vfserrors.TransportClosed{PeerID: t.peerID}
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		t.markClosed()
		return nil, vfserrors.TransportClosed{PeerID: t.peerID}
	}
	if kind != websocket.BinaryMessage {
		return nil, errors.Errorf("transport: unexpected websocket message kind %d from peer %s", kind, t.peerID)
	}
	return data, nil
}

func (t *WebSocketTransport) Close() error {
	t.markClosed()
	return t.conn.Close()
}

func (t *WebSocketTransport) Closed() <-chan struct{} {
	return t.closed
}

func (t *WebSocketTransport) markClosed() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.log.Debug("transport closed", zap.String("peer_id", t.peerID))
	})
}
