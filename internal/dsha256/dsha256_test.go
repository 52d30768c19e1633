package dsha256

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumIsDoubled(t *testing.T) {
	b := []byte("relay-hub")
	got := Sum(b)

	// Hash twice the manual way and compare.
	first := sha256.Sum256(b)
	want := sha256.Sum256(first[:])
	require.Equal(t, want, got)
}

func TestBlockIDUsesOnlyHeader(t *testing.T) {
	header := make([]byte, BlockHeaderSize)
	for i := range header {
		header[i] = byte(i)
	}
	withTail := append(append([]byte{}, header...), []byte("trailing tx data")...)

	require.Equal(t, BlockID(header), BlockID(withTail))
}

func TestReverseHex(t *testing.T) {
	var h [32]byte
	h[0] = 0xab
	h[31] = 0xcd
	got := ReverseHex(h)
	require.Equal(t, 64, len(got))
	require.True(t, len(got) >= 2)

	decoded, err := hex.DecodeString(got)
	require.NoError(t, err)
	require.Equal(t, byte(0xcd), decoded[0])
	require.Equal(t, byte(0xab), decoded[31])
}
