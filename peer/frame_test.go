package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"peerId":"abc"}`)
	frame := encodeFrame(KindHello, payload)

	kind, body, err := decodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, KindHello, kind)
	require.Equal(t, payload, body)
}

func TestDecodeFrameRejectsShortBuffer(t *testing.T) {
	_, _, err := decodeFrame([]byte{0, 1})
	require.Error(t, err)
}

func TestDecodeFrameRejectsLengthMismatch(t *testing.T) {
	frame := encodeFrame(KindBye, []byte("hi"))
	frame[0] = 0xFF // corrupt the length prefix
	_, _, err := decodeFrame(frame)
	require.Error(t, err)
}

func TestEncodeFrameEmptyPayload(t *testing.T) {
	frame := encodeFrame(KindBye, nil)
	kind, body, err := decodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, KindBye, kind)
	require.Empty(t, body)
}
