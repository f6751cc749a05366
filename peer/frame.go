// Package peer implements the Peer Protocol Driver: a per-peer state
// machine that frames Document Store sync traffic over one Transport,
// multiplexed across every document the two sides share an interest in.
package peer

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Kind identifies a wire frame's payload shape.
type Kind uint16

const (
	KindHello      Kind = 0x01
	KindDocSync    Kind = 0x02
	KindDocRequest Kind = 0x03
	KindBye        Kind = 0x04
)

const frameHeaderSize = 4 + 2 // u32 length + u16 kind

// encodeFrame lays out a wire frame as [u32 length][u16 kind][payload],
// where length counts the kind field plus payload.
func encodeFrame(kind Kind, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(2+len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(kind))
	copy(buf[6:], payload)
	return buf
}

// decodeFrame parses a wire frame produced by encodeFrame. The transport
// already delivers one message per frame, so the length prefix is
// validated against the buffer rather than used to find a boundary.
func decodeFrame(buf []byte) (Kind, []byte, error) {
	if len(buf) < frameHeaderSize {
		return 0, nil, errors.New("peer: frame shorter than header")
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if int(length) != len(buf)-4 {
		return 0, nil, errors.Errorf("peer: frame length mismatch: header says %d, got %d", length, len(buf)-4)
	}
	kind := Kind(binary.BigEndian.Uint16(buf[4:6]))
	return kind, buf[6:], nil
}

// helloPayload is the JSON body of a Hello frame.
type helloPayload struct {
	ProtocolVersion int      `json:"protocolVersion"`
	PeerID          string   `json:"peerId"`
	KnownDocuments  []string `json:"knownDocuments,omitempty"`
}

// docSyncPayload is the JSON body of a DocSync frame: a document ID
// followed by an opaque CRDT sync-library payload.
type docSyncPayload struct {
	DocumentID string `json:"documentId"`
	Message    []byte `json:"message"`
}

// docRequestPayload is the JSON body of a DocRequest frame: a request for
// a peer to start (or resume) sync of a document we're interested in.
type docRequestPayload struct {
	DocumentID string `json:"documentId"`
}
