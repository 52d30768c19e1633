package relaycodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/bsprint/relay-hub/internal/flaggedarrayset"
)

// MaxRelayTransactionBytes is the standard transaction size cap: a
// transaction at or under this size is admitted without consuming the
// oversize quota.
const MaxRelayTransactionBytes = 100_000

// MaxRelayOversizeTransactionBytes is the larger cap that applies to
// the (at most MaxExtraOversize) oversize-flagged transactions a FAS
// may hold at once.
const MaxRelayOversizeTransactionBytes = 1_000_000

// IsOversize reports whether a transaction of the given size must be
// admitted, if at all, against the oversize quota.
func IsOversize(size int) bool {
	return size > MaxRelayTransactionBytes
}

// ErrFASIndexOutOfRange is returned by DecodeBlock when a back-reference
// record names an index the receiver's cache does not hold.
var ErrFASIndexOutOfRange = errors.New("relaycodec: back-reference index out of range")

const (
	tagLiteral byte = 0x00
	tagBackref byte = 0x01
)

const wireProtocolVersion = 0

// EncodeBlock writes a BLOCK message for blockBytes (a full, serialized
// Bitcoin block: 80-byte header, transaction-count varint, transactions)
// to w, replacing each transaction already resident in cache with a
// 3-byte back-reference and otherwise emitting it literally and adding
// it to cache. It returns the number of bytes written to w. The caller
// is responsible for subsequently queuing an END_BLOCK frame.
func EncodeBlock(w io.Writer, blockBytes []byte, cache *flaggedarrayset.Set) (int, error) {
	var msgBlock wire.MsgBlock
	if err := msgBlock.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return 0, fmt.Errorf("relaycodec: parse block for compression: %w", err)
	}

	cw := &countingWriter{w: w}

	if err := WriteHeader(cw, Header{Type: MsgBlock, Length: 0}); err != nil {
		return cw.n, err
	}

	var headerBuf bytes.Buffer
	if err := msgBlock.Header.Serialize(&headerBuf); err != nil {
		return cw.n, fmt.Errorf("relaycodec: serialize block header: %w", err)
	}
	if _, err := cw.Write(headerBuf.Bytes()); err != nil {
		return cw.n, err
	}

	if err := wire.WriteVarInt(cw, wireProtocolVersion, uint64(len(msgBlock.Transactions))); err != nil {
		return cw.n, fmt.Errorf("relaycodec: write tx count: %w", err)
	}

	for _, tx := range msgBlock.Transactions {
		var txBuf bytes.Buffer
		if err := tx.Serialize(&txBuf); err != nil {
			return cw.n, fmt.Errorf("relaycodec: serialize transaction: %w", err)
		}
		txBytes := txBuf.Bytes()

		if idx, ok := cache.IndexOf(txBytes); ok {
			if _, err := cw.Write([]byte{tagBackref}); err != nil {
				return cw.n, err
			}
			var idxBuf [2]byte
			idxBuf[0] = byte(idx >> 8)
			idxBuf[1] = byte(idx)
			if _, err := cw.Write(idxBuf[:]); err != nil {
				return cw.n, err
			}
			continue
		}

		if _, err := cw.Write([]byte{tagLiteral}); err != nil {
			return cw.n, err
		}
		if err := wire.WriteVarInt(cw, wireProtocolVersion, uint64(len(txBytes))); err != nil {
			return cw.n, fmt.Errorf("relaycodec: write literal length: %w", err)
		}
		if _, err := cw.Write(txBytes); err != nil {
			return cw.n, err
		}
		cache.Add(txBytes, IsOversize(len(txBytes)))
	}

	return cw.n, nil
}

// DecodeBlock reads a BLOCK stream from r — positioned immediately
// after the 12-byte BLOCK frame header — reconstructing the original
// block bytes by resolving back-references against cache and
// admitting literals into cache. The stream is self-describing: the
// leading transaction-count varint tells the decoder exactly how many
// per-transaction records to read, so no END_BLOCK marker is consulted
// (see SPEC_FULL.md, Open Question Decisions, #1). It returns the
// number of bytes read from r and the reconstructed block.
func DecodeBlock(r io.Reader, cache *flaggedarrayset.Set) (int, []byte, error) {
	cr := &countingReader{r: r}

	var out bytes.Buffer

	header := make([]byte, 80)
	if _, err := io.ReadFull(cr, header); err != nil {
		return cr.n, nil, fmt.Errorf("relaycodec: read block header: %w", err)
	}
	out.Write(header)

	txCount, err := wire.ReadVarInt(cr, wireProtocolVersion)
	if err != nil {
		return cr.n, nil, fmt.Errorf("relaycodec: read tx count: %w", err)
	}
	if err := wire.WriteVarInt(&out, wireProtocolVersion, txCount); err != nil {
		return cr.n, nil, fmt.Errorf("relaycodec: re-encode tx count: %w", err)
	}

	for i := uint64(0); i < txCount; i++ {
		var tag [1]byte
		if _, err := io.ReadFull(cr, tag[:]); err != nil {
			return cr.n, nil, fmt.Errorf("relaycodec: read record tag: %w", err)
		}

		switch tag[0] {
		case tagLiteral:
			length, err := wire.ReadVarInt(cr, wireProtocolVersion)
			if err != nil {
				return cr.n, nil, fmt.Errorf("relaycodec: read literal length: %w", err)
			}
			if length > MaxRelayOversizeTransactionBytes {
				return cr.n, nil, fmt.Errorf("relaycodec: literal length %d exceeds maximum", length)
			}
			txBytes := make([]byte, length)
			if _, err := io.ReadFull(cr, txBytes); err != nil {
				return cr.n, nil, fmt.Errorf("relaycodec: read literal transaction: %w", err)
			}
			out.Write(txBytes)
			cache.Add(txBytes, IsOversize(len(txBytes)))

		case tagBackref:
			var idxBuf [2]byte
			if _, err := io.ReadFull(cr, idxBuf[:]); err != nil {
				return cr.n, nil, fmt.Errorf("relaycodec: read back-reference index: %w", err)
			}
			idx := uint16(idxBuf[0])<<8 | uint16(idxBuf[1])
			txBytes, ok := cache.Get(idx)
			if !ok {
				return cr.n, nil, ErrFASIndexOutOfRange
			}
			out.Write(txBytes)

		default:
			return cr.n, nil, fmt.Errorf("relaycodec: unknown record tag 0x%02x", tag[0])
		}
	}

	return cr.n, out.Bytes(), nil
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
