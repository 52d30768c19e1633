// Package dsha256 implements Bitcoin's double-SHA256, the pure
// function used throughout the relay hub to identify blocks and
// transactions.
package dsha256

import "crypto/sha256"

// Sum returns sha256(sha256(b)).
func Sum(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// BlockHeaderSize is the fixed size of a Bitcoin block header: the
// portion of a block's bytes that determines its identity.
const BlockHeaderSize = 80

// BlockID returns the double-SHA256 of the first 80 bytes of block,
// the Bitcoin block header. It panics if block is shorter than
// BlockHeaderSize; callers must length-check first.
func BlockID(block []byte) [32]byte {
	return Sum(block[:BlockHeaderSize])
}

// ReverseHex renders a hash the way Bitcoin tooling displays block and
// transaction IDs: byte-reversed (little-endian) hex.
func ReverseHex(hash [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for i := len(hash) - 1; i >= 0; i-- {
		b := hash[i]
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}
