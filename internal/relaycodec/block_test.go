package relaycodec

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/bsprint/relay-hub/internal/flaggedarrayset"
	"github.com/stretchr/testify/require"
)

func sampleTx(n byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	var prevHash chainhash.Hash
	prevHash[0] = n
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(int64(n)*1000, []byte{0x76, 0xa9, 0x14, n}))
	return tx
}

func sampleBlock(txs ...*wire.MsgTx) []byte {
	header := wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1_700_000_000, 0),
		Bits:      0x1d00ffff,
		Nonce:     42,
	}
	msgBlock := wire.MsgBlock{Header: header}
	for _, tx := range txs {
		msgBlock.AddTransaction(tx)
	}
	var buf bytes.Buffer
	if err := msgBlock.Serialize(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Testable Property #2: decode(encode(B, S_enc), S_dec) == B and
// S_enc == S_dec afterward, given both start empty and are updated
// identically by the protocol.
func TestBlockRoundTrip(t *testing.T) {
	block := sampleBlock(sampleTx(1), sampleTx(2), sampleTx(3))

	encCache := flaggedarrayset.New("enc")
	var encoded bytes.Buffer
	compressedLen, err := EncodeBlock(&encoded, block, encCache)
	require.NoError(t, err)
	require.Greater(t, compressedLen, 0)

	// Skip past the BLOCK frame header EncodeBlock writes (12 bytes).
	stream := encoded.Bytes()[headerSize:]

	decCache := flaggedarrayset.New("dec")
	_, decoded, err := DecodeBlock(bytes.NewReader(stream), decCache)
	require.NoError(t, err)
	require.Equal(t, block, decoded)

	for i := byte(1); i <= 3; i++ {
		txBytes := serializeTx(sampleTx(i))
		encIdx, ok := encCache.IndexOf(txBytes)
		require.True(t, ok)
		decIdx, ok := decCache.IndexOf(txBytes)
		require.True(t, ok)
		require.Equal(t, encIdx, decIdx)
	}
}

func TestBlockRoundTripReusesKnownTransactions(t *testing.T) {
	tx1, tx2 := sampleTx(1), sampleTx(2)
	block1 := sampleBlock(tx1, tx2)
	block2 := sampleBlock(tx1, tx2, sampleTx(3))

	encCache := flaggedarrayset.New("enc")
	decCache := flaggedarrayset.New("dec")

	var s1 bytes.Buffer
	_, err := EncodeBlock(&s1, block1, encCache)
	require.NoError(t, err)
	_, decoded1, err := DecodeBlock(bytes.NewReader(s1.Bytes()[headerSize:]), decCache)
	require.NoError(t, err)
	require.Equal(t, block1, decoded1)

	var s2 bytes.Buffer
	compressedLen2, err := EncodeBlock(&s2, block2, encCache)
	require.NoError(t, err)

	_, decoded2, err := DecodeBlock(bytes.NewReader(s2.Bytes()[headerSize:]), decCache)
	require.NoError(t, err)
	require.Equal(t, block2, decoded2)

	// tx1 and tx2 were already sent as literals in block1, so block2's stream
	// should be dominated by 3-byte back-references rather than full
	// transaction bodies.
	require.Less(t, compressedLen2, len(block2))
}

func TestDecodeBlockRejectsOutOfRangeBackreference(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 80))
	require.NoError(t, wire.WriteVarInt(&buf, wireProtocolVersion, 1))
	buf.WriteByte(tagBackref)
	buf.Write([]byte{0xff, 0xff})

	cache := flaggedarrayset.New("dec")
	_, _, err := DecodeBlock(&buf, cache)
	require.ErrorIs(t, err, ErrFASIndexOutOfRange)
}

func serializeTx(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
