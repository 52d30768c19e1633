// Package relaycodec implements the compact relay wire protocol: its
// 12-byte message framing, the VERSION handshake payloads, and the
// block compression/decompression scheme that replaces previously
// seen transactions with short back-references into a FlaggedArraySet.
package relaycodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the 4-byte value every relay message header begins with.
const Magic uint32 = 0x52454c59 // "RELY"

// MaxMessageLength is the largest length field the framing layer will
// accept before treating it as a fatal protocol error.
const MaxMessageLength = 1_000_000

// MsgType identifies the payload that follows a frame header.
type MsgType uint32

const (
	MsgVersion     MsgType = 1
	MsgMaxVersion  MsgType = 2
	MsgBlock       MsgType = 3
	MsgEndBlock    MsgType = 4
	MsgTransaction MsgType = 5
)

func (t MsgType) String() string {
	switch t {
	case MsgVersion:
		return "VERSION"
	case MsgMaxVersion:
		return "MAX_VERSION"
	case MsgBlock:
		return "BLOCK"
	case MsgEndBlock:
		return "END_BLOCK"
	case MsgTransaction:
		return "TRANSACTION"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

var (
	// ErrBadMagic is returned when a frame header's magic doesn't match Magic.
	ErrBadMagic = errors.New("relaycodec: bad magic")
	// ErrFrameTooLarge is returned when a frame header's length exceeds MaxMessageLength.
	ErrFrameTooLarge = errors.New("relaycodec: frame exceeds maximum message length")
)

// Header is the fixed 12-byte prefix of every relay message: magic,
// type, and length, all fields in network (big-endian) byte order.
type Header struct {
	Type   MsgType
	Length uint32
}

const headerSize = 12

// ReadHeader blocks reading exactly 12 bytes and validates magic and
// length. A short read, bad magic, or oversize length is fatal to the
// connection per spec.
func ReadHeader(r io.Reader) (Header, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, fmt.Errorf("relaycodec: read frame header: %w", err)
	}

	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != Magic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Type:   MsgType(binary.BigEndian.Uint32(raw[4:8])),
		Length: binary.BigEndian.Uint32(raw[8:12]),
	}
	if h.Length > MaxMessageLength {
		return Header{}, ErrFrameTooLarge
	}
	return h, nil
}

// WriteHeader writes the 12-byte frame header.
func WriteHeader(w io.Writer, h Header) error {
	var raw [headerSize]byte
	binary.BigEndian.PutUint32(raw[0:4], Magic)
	binary.BigEndian.PutUint32(raw[4:8], uint32(h.Type))
	binary.BigEndian.PutUint32(raw[8:12], h.Length)
	_, err := w.Write(raw[:])
	return err
}

// WriteMessage frames and writes a simple (non-streamed) message:
// VERSION, MAX_VERSION, or TRANSACTION.
func WriteMessage(w io.Writer, t MsgType, payload []byte) error {
	if len(payload) > MaxMessageLength {
		return ErrFrameTooLarge
	}
	if err := WriteHeader(w, Header{Type: t, Length: uint32(len(payload))}); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadPayload reads exactly h.Length bytes following a header read by
// ReadHeader. Used for VERSION, MAX_VERSION, and TRANSACTION.
func ReadPayload(r io.Reader, h Header) ([]byte, error) {
	if h.Length == 0 {
		return nil, nil
	}
	buf := make([]byte, h.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("relaycodec: read payload: %w", err)
	}
	return buf, nil
}

// WriteEndBlock writes the sender-side queue separator that follows a
// BLOCK stream. It carries no payload and has no decoder-side effect
// (see SPEC_FULL.md, Open Question Decisions, #1).
func WriteEndBlock(w io.Writer) error {
	return WriteHeader(w, Header{Type: MsgEndBlock, Length: 0})
}
