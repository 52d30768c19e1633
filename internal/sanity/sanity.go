// Package sanity implements the opaque is_block_sane predicate spec.md
// treats as an external collaborator: a cheap, non-consensus structural
// check applied to blocks from the local node and from untrusted relay
// peers before fan-out (spec §4.6). It is adapted from this codebase's
// existing Bitcoin block validator, trimmed to the checks that make
// sense on a raw block (no UTXO set, no chain context).
package sanity

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bsprint/relay-hub/internal/dsha256"
)

// MaxBlockBytes and MaxBlockWeight mirror Bitcoin consensus limits;
// a block outside them cannot be valid regardless of its proof of work.
const (
	MaxBlockBytes  = 4_000_000
	MaxBlockWeight = 4_000_000
)

// maxFutureSkew is how far a block's timestamp may sit ahead of wall
// clock before it is rejected as insane.
const maxFutureSkew = 2 * time.Hour

// Check returns a human-readable reason the block is insane, or an
// empty string if it passes. It never returns an error: a block this
// system cannot even parse is, by definition, insane.
func Check(raw []byte) string {
	if len(raw) < dsha256.BlockHeaderSize {
		return "too-short"
	}
	if len(raw) > MaxBlockBytes {
		return "bad-size"
	}

	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return "bad-encoding"
	}

	if block.Header.Timestamp.After(time.Now().Add(maxFutureSkew)) {
		return "time-too-new"
	}

	if block.Header.Bits == 0 {
		return "bad-pow"
	}

	weight := blockWeight(&block)
	if weight > MaxBlockWeight {
		return "bad-weight"
	}

	if len(block.Transactions) == 0 {
		return "bad-txns-no-coinbase"
	}

	return ""
}

// blockWeight approximates BIP141 weight (3*base size + total size)
// without requiring a full witness-aware serializer.
func blockWeight(block *wire.MsgBlock) int {
	var buf bytes.Buffer
	_ = block.Serialize(&buf)
	total := buf.Len()

	baseBuf := &bytes.Buffer{}
	for _, tx := range block.Transactions {
		stripped := tx.Copy()
		for i := range stripped.TxIn {
			stripped.TxIn[i].Witness = nil
		}
		_ = stripped.Serialize(baseBuf)
	}
	base := 80 + varIntLen(uint64(len(block.Transactions))) + baseBuf.Len()

	return 3*base + total
}

func varIntLen(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// Reason formats a sanity-check failure the way spec §6's logging
// format expects: "<hash> INSANE <reason> <source>".
func Reason(hash [32]byte, reason, source string) string {
	return fmt.Sprintf("%s INSANE %s %s", dsha256.ReverseHex(hash), reason, source)
}
