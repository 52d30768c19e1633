// Package relaypeer implements one relay-protocol TCP connection: the
// version handshake, a receive loop, a send loop, and the two
// FlaggedArraySet instances (send_cache / recv_cache) that must stay
// in lockstep with the remote peer's.
package relaypeer

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bsprint/relay-hub/internal/dedup"
	"github.com/bsprint/relay-hub/internal/dsha256"
	"github.com/bsprint/relay-hub/internal/flaggedarrayset"
	"github.com/bsprint/relay-hub/internal/metrics"
	"github.com/bsprint/relay-hub/internal/relaycodec"
)

// Connection state, per spec §4.4.
const (
	StatePreVersion int32 = 0
	StateVersionSent int32 = 1
	StateEstablished int32 = 2
)

// Back-pressure soft caps, per spec §6.
const (
	MaxTxWaitingBytes    = 1_500_000
	MaxBlockWaitingBytes = 3_000_000
)

// alreadySeenCapacity bounds the per-peer already-seen set (spec §9
// leaves this unbounded in the source; SPEC_FULL.md documents the cap).
const alreadySeenCapacity = 4096

// HubCallbacks is the capability interface a Peer uses to hand inbound
// blocks and transactions back to whatever owns the roster. Spec §4.5/§9
// calls for a small interface of this shape so adapters never close
// over hub-local state directly.
type HubCallbacks interface {
	ProvideBlock(p *Peer, raw []byte, readStart, decodeDone time.Time)
	ProvideTransaction(p *Peer, tx []byte)
}

// Peer is one relay-protocol connection: a receive loop and a send
// loop sharing state behind sendMu, exactly as spec §4.4/§5 describes.
type Peer struct {
	ID         string
	conn       net.Conn
	ourVersion string
	hub        HubCallbacks
	logger     *zap.Logger

	connected atomic.Int32

	sendMu           sync.Mutex
	cond             *sync.Cond
	outbound         [][]byte
	totalWaitingSize atomic.Int64

	sendCache *flaggedarrayset.Set
	recvCache *flaggedarrayset.Set

	// alreadySeen gates both directions: inbound BLOCK messages mark
	// their hash seen; outbound ReceiveBlock refuses to resend a hash
	// this peer has already sent us or already received from us.
	alreadySeen *dedup.HashSet

	disconnect       atomic.Bool
	disconnectReason atomic.Value // string

	sendDone chan struct{}
}

// New wraps an accepted or dialed connection. ourVersion is this
// process's version string, compared against the peer's during the
// handshake.
func New(conn net.Conn, ourVersion string, hub HubCallbacks, logger *zap.Logger) *Peer {
	p := &Peer{
		ID:          conn.RemoteAddr().String(),
		conn:        conn,
		ourVersion:  ourVersion,
		hub:         hub,
		logger:      logger,
		sendCache:   flaggedarrayset.New("send"),
		recvCache:   flaggedarrayset.New("recv"),
		alreadySeen: dedup.NewHashSet(alreadySeenCapacity, "peer-already-seen"),
		sendDone:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.sendMu)
	return p
}

// Connected reports the handshake state.
func (p *Peer) Connected() int32 { return p.connected.Load() }

// Disconnected reports whether the peer has been marked for teardown.
func (p *Peer) Disconnected() bool { return p.disconnect.Load() }

// DisconnectReason returns the human-readable teardown reason, if any.
func (p *Peer) DisconnectReason() string {
	if v := p.disconnectReason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// TotalWaitingSize returns the current outbound queue size in bytes.
func (p *Peer) TotalWaitingSize() int64 { return p.totalWaitingSize.Load() }

// Done is closed once the send loop has exited, after Serve begins
// teardown.
func (p *Peer) Done() <-chan struct{} { return p.sendDone }

// Serve runs the peer's receive loop on the calling goroutine after
// starting its send loop, and blocks until the connection is torn
// down. Callers should invoke this in its own goroutine (one per
// accepted connection, per spec §5).
func (p *Peer) Serve() {
	go p.sendLoop()

	if err := p.sendVersion(); err != nil {
		p.fail(fmt.Sprintf("write initial version: %v", err))
	} else {
		p.connected.Store(StateVersionSent)
		p.receiveLoop()
	}

	p.disconnect.Store(true)
	p.sendMu.Lock()
	p.cond.Broadcast()
	p.sendMu.Unlock()
	<-p.sendDone
}

func (p *Peer) sendVersion() error {
	var buf bytes.Buffer
	if err := relaycodec.WriteMessage(&buf, relaycodec.MsgVersion, []byte(p.ourVersion)); err != nil {
		return err
	}
	p.enqueueRaw(buf.Bytes())
	return nil
}

func (p *Peer) fail(reason string) {
	if p.disconnect.CompareAndSwap(false, true) {
		p.disconnectReason.Store(reason)
		p.logger.Debug("relay peer disconnecting", zap.String("peer", p.ID), zap.String("reason", reason))
	}
	p.sendMu.Lock()
	p.cond.Broadcast()
	p.sendMu.Unlock()
}

// receiveLoop implements spec §4.4's receive-thread behavior.
func (p *Peer) receiveLoop() {
	firstMessage := true

	for !p.disconnect.Load() {
		h, err := relaycodec.ReadHeader(p.conn)
		if err != nil {
			p.fail(fmt.Sprintf("frame read: %v", err))
			return
		}

		if firstMessage {
			firstMessage = false
			if h.Type != relaycodec.MsgVersion {
				p.fail("got non-version before version")
				return
			}
			if err := p.handleVersion(h); err != nil {
				p.fail(err.Error())
				return
			}
			continue
		}

		if p.connected.Load() != StateEstablished && h.Type != relaycodec.MsgVersion {
			p.fail("got non-version before version")
			return
		}

		switch h.Type {
		case relaycodec.MsgVersion:
			if err := p.handleVersion(h); err != nil {
				p.fail(err.Error())
				return
			}
		case relaycodec.MsgMaxVersion:
			payload, err := relaycodec.ReadPayload(p.conn, h)
			if err != nil {
				p.fail(err.Error())
				return
			}
			// Informational only (SPEC_FULL.md, Open Question Decisions, #3).
			p.logger.Debug("received MAX_VERSION", zap.String("peer", p.ID), zap.String("version", string(payload)))
		case relaycodec.MsgTransaction:
			if err := p.handleTransaction(h); err != nil {
				p.fail(err.Error())
				return
			}
		case relaycodec.MsgBlock:
			if err := p.handleBlock(); err != nil {
				p.fail(err.Error())
				return
			}
		case relaycodec.MsgEndBlock:
			// Sender-side separator only; no decoder action (spec §4.3).
		default:
			p.fail(fmt.Sprintf("unknown message type %d", h.Type))
			return
		}
	}
}

func (p *Peer) handleVersion(h relaycodec.Header) error {
	payload, err := relaycodec.ReadPayload(p.conn, h)
	if err != nil {
		return err
	}
	if string(payload) != p.ourVersion {
		var buf bytes.Buffer
		if err := relaycodec.WriteMessage(&buf, relaycodec.MsgMaxVersion, []byte(p.ourVersion)); err == nil {
			p.enqueueRaw(buf.Bytes())
		}
		metrics.HandshakeResults.WithLabelValues("version_mismatch").Inc()
		return errVersionMismatch
	}
	if err := p.sendVersion(); err != nil {
		return err
	}
	p.connected.Store(StateEstablished)
	metrics.HandshakeResults.WithLabelValues("ok").Inc()
	return nil
}

var errVersionMismatch = fmt.Errorf("unknown version string")

func (p *Peer) handleTransaction(h relaycodec.Header) error {
	payload, err := relaycodec.ReadPayload(p.conn, h)
	if err != nil {
		return err
	}
	if !admitTransaction(len(payload), p.recvCache.FlagCount()) {
		return fmt.Errorf("oversize admission failure: %d bytes", len(payload))
	}
	p.recvCache.Add(payload, relaycodec.IsOversize(len(payload)))
	p.hub.ProvideTransaction(p, payload)
	return nil
}

func (p *Peer) handleBlock() error {
	readStart := time.Now()
	_, block, err := relaycodec.DecodeBlock(p.conn, p.recvCache)
	decodeDone := time.Now()
	metrics.BlockDecodeDuration.WithLabelValues(p.ID).Observe(decodeDone.Sub(readStart).Seconds())
	if err != nil {
		return fmt.Errorf("decompress block: %w", err)
	}
	if len(block) < dsha256.BlockHeaderSize {
		return fmt.Errorf("block shorter than header size")
	}
	hash := dsha256.BlockID(block)
	p.alreadySeen.InsertIfAbsent(hash)
	p.hub.ProvideBlock(p, block, readStart, decodeDone)
	return nil
}

// sendLoop implements spec §4.4's send-thread behavior.
func (p *Peer) sendLoop() {
	defer close(p.sendDone)
	for {
		p.sendMu.Lock()
		for len(p.outbound) == 0 && !p.disconnect.Load() {
			p.cond.Wait()
		}
		if len(p.outbound) == 0 {
			p.sendMu.Unlock()
			return
		}
		frames := p.outbound
		p.outbound = nil
		p.sendMu.Unlock()

		for _, f := range frames {
			if _, err := p.conn.Write(f); err != nil {
				p.fail(fmt.Sprintf("write: %v", err))
				return
			}
			p.totalWaitingSize.Add(-int64(len(f)))
		}
	}
}

// enqueueRaw appends a pre-framed message unconditionally (used for
// handshake traffic, which is not subject to admission/back-pressure
// rules).
func (p *Peer) enqueueRaw(frame []byte) {
	p.sendMu.Lock()
	p.outbound = append(p.outbound, frame)
	p.totalWaitingSize.Add(int64(len(frame)))
	p.sendMu.Unlock()
	p.cond.Signal()
}

// ReceiveTransaction is the hub-invoked enqueue path for fanning a
// transaction out to this peer (spec §4.4). It uses a non-blocking
// try-lock so a slow peer never stalls the hub's fan-out loop.
func (p *Peer) ReceiveTransaction(tx []byte) {
	if p.connected.Load() != StateEstablished {
		return
	}
	if !p.sendMu.TryLock() {
		metrics.PeerDrops.WithLabelValues("lock_contended").Inc()
		return
	}
	defer p.sendMu.Unlock()

	if p.totalWaitingSize.Load() > MaxTxWaitingBytes {
		metrics.PeerDrops.WithLabelValues("tx_backpressure").Inc()
		return
	}
	if p.sendCache.Contains(tx) {
		return
	}
	if !admitTransaction(len(tx), p.sendCache.FlagCount()) {
		metrics.PeerDrops.WithLabelValues("tx_oversize").Inc()
		return
	}

	var buf bytes.Buffer
	if err := relaycodec.WriteMessage(&buf, relaycodec.MsgTransaction, tx); err != nil {
		return
	}
	p.sendCache.Add(tx, relaycodec.IsOversize(len(tx)))
	p.outbound = append(p.outbound, buf.Bytes())
	p.totalWaitingSize.Add(int64(buf.Len()))
	p.cond.Signal()
}

// ReceiveBlock is the hub-invoked enqueue path for fanning a block out
// to this peer (spec §4.4). It takes the full lock but refuses to
// enqueue beyond the 3MB soft cap rather than blocking.
func (p *Peer) ReceiveBlock(hash [32]byte, block []byte) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if p.connected.Load() != StateEstablished {
		return
	}
	if p.totalWaitingSize.Load() >= MaxBlockWaitingBytes {
		metrics.PeerDrops.WithLabelValues("block_backpressure").Inc()
		return
	}
	if p.alreadySeen.Contains(hash) {
		return
	}

	var buf bytes.Buffer
	if _, err := relaycodec.EncodeBlock(&buf, block, p.sendCache); err != nil {
		p.logger.Warn("compress block for peer failed", zap.String("peer", p.ID), zap.Error(err))
		return
	}
	if err := relaycodec.WriteEndBlock(&buf); err != nil {
		return
	}

	p.outbound = append(p.outbound, buf.Bytes())
	p.totalWaitingSize.Add(int64(buf.Len()))
	p.alreadySeen.InsertIfAbsent(hash)
	p.cond.Signal()
}

// admitTransaction implements the shared admission predicate of spec
// §4.3/§4.4: a transaction is admitted unconditionally at or under the
// standard cap, and otherwise only while the FAS has spare oversize
// quota and the transaction stays within the oversize cap.
func admitTransaction(size int, flagCount int) bool {
	if size <= relaycodec.MaxRelayTransactionBytes {
		return true
	}
	if flagCount >= flaggedarrayset.MaxExtraOversize {
		return false
	}
	return size <= relaycodec.MaxRelayOversizeTransactionBytes
}

var _ io.Closer = (*Peer)(nil)

// Close closes the underlying connection, unblocking the receive
// loop's read and allowing Serve to return.
func (p *Peer) Close() error {
	p.fail("closed")
	return p.conn.Close()
}
