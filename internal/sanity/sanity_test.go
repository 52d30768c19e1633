package sanity

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
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

func sampleBlock(t *testing.T, header wire.BlockHeader, txs ...*wire.MsgTx) []byte {
	t.Helper()
	block := wire.MsgBlock{Header: header}
	for _, tx := range txs {
		block.AddTransaction(tx)
	}
	var buf bytes.Buffer
	require.NoError(t, block.Serialize(&buf))
	return buf.Bytes()
}

func validHeader() wire.BlockHeader {
	return wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1_700_000_000, 0),
		Bits:      0x1d00ffff,
		Nonce:     42,
	}
}

func TestCheckAcceptsWellFormedBlock(t *testing.T) {
	raw := sampleBlock(t, validHeader(), sampleTx(1))
	require.Equal(t, "", Check(raw))
}

func TestCheckRejectsTooShort(t *testing.T) {
	require.Equal(t, "too-short", Check(make([]byte, 10)))
}

func TestCheckRejectsOversize(t *testing.T) {
	require.Equal(t, "bad-size", Check(make([]byte, MaxBlockBytes+1)))
}

func TestCheckRejectsUnparsableHeader(t *testing.T) {
	// Exactly the 80-byte header with no trailing transaction-count
	// varint: long enough to pass the too-short check but too short
	// for wire.MsgBlock.Deserialize to succeed.
	raw := make([]byte, 80)
	require.Equal(t, "bad-encoding", Check(raw))
}

func TestCheckRejectsFutureTimestamp(t *testing.T) {
	header := validHeader()
	header.Timestamp = time.Now().Add(3 * time.Hour)
	raw := sampleBlock(t, header, sampleTx(1))
	require.Equal(t, "time-too-new", Check(raw))
}

func TestCheckRejectsZeroBits(t *testing.T) {
	header := validHeader()
	header.Bits = 0
	raw := sampleBlock(t, header, sampleTx(1))
	require.Equal(t, "bad-pow", Check(raw))
}

func TestCheckRejectsEmptyTransactions(t *testing.T) {
	raw := sampleBlock(t, validHeader())
	require.Equal(t, "bad-txns-no-coinbase", Check(raw))
}

func TestReasonFormatsHashReasonSource(t *testing.T) {
	var hash [32]byte
	hash[0] = 0xab
	got := Reason(hash, "bad-pow", "local")
	require.Contains(t, got, "INSANE bad-pow local")
}
