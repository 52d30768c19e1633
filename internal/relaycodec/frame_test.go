package relaycodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, MsgTransaction, []byte("raw-tx-bytes")))

	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgTransaction, h.Type)
	require.Equal(t, uint32(len("raw-tx-bytes")), h.Length)

	payload, err := ReadPayload(&buf, h)
	require.NoError(t, err)
	require.Equal(t, []byte("raw-tx-bytes"), payload)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0})
	_, err := ReadHeader(&buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestReadHeaderRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, Header{Type: MsgTransaction, Length: MaxMessageLength + 1}))
	_, err := ReadHeader(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEndBlockHasZeroLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEndBlock(&buf))
	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgEndBlock, h.Type)
	require.Equal(t, uint32(0), h.Length)
}
