package hub

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func saneBlock(t *testing.T) []byte {
	t.Helper()
	header := wire.BlockHeader{
		Version:   1,
		Timestamp: time.Now(),
		Bits:      0x1d00ffff,
		Nonce:     1,
	}
	msgBlock := wire.MsgBlock{Header: header}
	tx := wire.NewMsgTx(wire.TxVersion)
	var prevHash chainhash.Hash
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x76, 0xa9, 0x14, 0x01}))
	msgBlock.AddTransaction(tx)

	var buf bytes.Buffer
	require.NoError(t, msgBlock.Serialize(&buf))
	return buf.Bytes()
}

type fakeAdapter struct {
	mu     sync.Mutex
	blocks [][]byte
	txs    [][]byte
}

func (f *fakeAdapter) ReceiveBlock(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, raw)
	return nil
}

func (f *fakeAdapter) ReceiveTransaction(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, raw)
	return nil
}

func (f *fakeAdapter) count() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocks), len(f.txs)
}

// S4 — block dedup: trusted peer delivers the same block hash twice;
// only the first triggers fan-out to local.
func TestTrustedDuplicateBlockOnlyFansOutOnce(t *testing.T) {
	trusted := &fakeAdapter{}
	local := &fakeAdapter{}
	h := New("/RelayNetworkServer:42/", trusted, local, zap.NewNop())

	block := make([]byte, 80)
	block[0] = 0x01

	h.TrustedCallbacks().OnBlock(block, time.Now(), time.Now())
	h.TrustedCallbacks().OnBlock(block, time.Now(), time.Now())

	_, _ = trusted.count()
	blocks, _ := local.count()
	require.Equal(t, 1, blocks)
}

// S5 — insane block from local is dropped and never reaches trusted.
func TestInsaneBlockFromLocalDropped(t *testing.T) {
	trusted := &fakeAdapter{}
	local := &fakeAdapter{}
	h := New("/RelayNetworkServer:42/", trusted, local, zap.NewNop())

	// All-zero header: Bits == 0 fails the proof-of-work sanity check.
	block := make([]byte, 82)

	h.LocalCallbacks().OnBlock(block, time.Now(), time.Now())

	blocks, _ := trusted.count()
	require.Equal(t, 0, blocks)
}

func TestTooShortBlockDroppedSilently(t *testing.T) {
	trusted := &fakeAdapter{}
	local := &fakeAdapter{}
	h := New("/RelayNetworkServer:42/", trusted, local, zap.NewNop())

	h.TrustedCallbacks().OnBlock([]byte{0x01, 0x02}, time.Now(), time.Now())

	blocks, _ := local.count()
	require.Equal(t, 0, blocks)
}

// A block shorter than the header size must never reach the hash
// computation in fanoutBlock, regardless of which P2P callback it
// arrives through: BlockID slices raw[:80] unconditionally and would
// panic on anything shorter.
func TestShortBlockFromLocalDoesNotPanic(t *testing.T) {
	trusted := &fakeAdapter{}
	local := &fakeAdapter{}
	h := New("/RelayNetworkServer:42/", trusted, local, zap.NewNop())

	require.NotPanics(t, func() {
		h.LocalCallbacks().OnBlock([]byte{0x01, 0x02}, time.Now(), time.Now())
	})
}

// Spec §4.6 step 5 calls localP2P.receive_block unconditionally; a
// block that arrived from the local node itself is still echoed back
// to it, matching the original implementation.
func TestSaneLocalBlockEchoesBackToLocal(t *testing.T) {
	trusted := &fakeAdapter{}
	local := &fakeAdapter{}
	h := New("/RelayNetworkServer:42/", trusted, local, zap.NewNop())

	h.LocalCallbacks().OnBlock(saneBlock(t), time.Now(), time.Now())

	blocks, _ := local.count()
	require.Equal(t, 1, blocks)
}

func TestTransactionFanoutFromTrustedGoesToLocalOnly(t *testing.T) {
	trusted := &fakeAdapter{}
	local := &fakeAdapter{}
	h := New("/RelayNetworkServer:42/", trusted, local, zap.NewNop())

	h.TrustedCallbacks().OnTransaction([]byte("tx-bytes"))

	_, txs := local.count()
	require.Equal(t, 1, txs)
	_, trustedTxs := trusted.count()
	require.Equal(t, 0, trustedTxs)
}

func TestTransactionFromLocalGoesToTrustedOnly(t *testing.T) {
	trusted := &fakeAdapter{}
	local := &fakeAdapter{}
	h := New("/RelayNetworkServer:42/", trusted, local, zap.NewNop())

	h.LocalCallbacks().OnTransaction([]byte("tx-bytes"))

	_, txs := trusted.count()
	require.Equal(t, 1, txs)
	_, localTxs := local.count()
	require.Equal(t, 0, localTxs)
}
