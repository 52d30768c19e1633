// Package hub implements the relay hub (spec §4.6, C6): the client
// roster, block/transaction fan-out policy, and process-wide
// deduplication between one trusted node, one local node, and an
// N-client pool of relay peers.
package hub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bsprint/relay-hub/internal/audit"
	"github.com/bsprint/relay-hub/internal/bitcoinp2p"
	"github.com/bsprint/relay-hub/internal/clusternotify"
	"github.com/bsprint/relay-hub/internal/dedup"
	"github.com/bsprint/relay-hub/internal/dsha256"
	"github.com/bsprint/relay-hub/internal/metrics"
	"github.com/bsprint/relay-hub/internal/netx"
	"github.com/bsprint/relay-hub/internal/relaypeer"
	"github.com/bsprint/relay-hub/internal/sanity"
)

// Source identifies which of the three edges a block or transaction
// arrived from.
type Source int

const (
	SourceTrustedP2P Source = iota
	SourceLocalP2P
	SourceRelayPeer
)

func (s Source) String() string {
	switch s {
	case SourceTrustedP2P:
		return "TRUSTEDP2P"
	case SourceLocalP2P:
		return "LOCALP2P"
	case SourceRelayPeer:
		return "RELAYPEER"
	default:
		return "UNKNOWN"
	}
}

// BitcoinAdapter is the C5 contract the hub pushes accepted
// blocks/transactions back out through.
type BitcoinAdapter interface {
	ReceiveBlock(raw []byte) error
	ReceiveTransaction(raw []byte) error
}

// alreadyRelayedCapacity bounds the process-wide "already relayed" set
// (spec §9: "an implementer may choose to cap by LRU of, e.g., 100k
// entries, documenting the divergence").
const alreadyRelayedCapacity = 100_000

// Hub holds the mutex-protected peer roster and the two P2P adapter
// handles, and mediates fan-out between them (spec §4.6).
type Hub struct {
	version string
	logger  *zap.Logger

	trusted BitcoinAdapter
	local   BitcoinAdapter

	mu    sync.Mutex
	peers []*relaypeer.Peer

	blocksAlreadyRelayed *dedup.HashSet

	// audit appends a row per relayed/duplicate/insane decision; a
	// no-op unless RELAY_AUDIT_DSN is configured.
	audit audit.Sink

	// cluster is nil unless RELAY_AUDIT_DSN points at Postgres and the
	// caller opted into cross-instance announcements (SPEC_FULL §11).
	cluster *clusternotify.Notifier

	// onRelayed, if set, is called after every successful block
	// fan-out, for the admin API's /stream websocket.
	onRelayed func(hash [32]byte, source string, bytes int, timing BlockTiming)
}

// BlockTiming carries the four timestamps spec §9's timing model
// names (read-start, decode-done, fan-out-start, fan-out-done),
// surfaced on the per-block log line and the admin API's /stream
// event.
type BlockTiming struct {
	ReadStart   time.Time
	DecodeDone  time.Time
	FanoutStart time.Time
	FanoutDone  time.Time
}

// OnBlockRelayed registers a hook fired after every block this hub
// fans out. Only one hook is supported; a later call replaces the
// previous one.
func (h *Hub) OnBlockRelayed(fn func(hash [32]byte, source string, bytes int, timing BlockTiming)) {
	h.onRelayed = fn
}

// SetTrusted and SetLocal wire the two Bitcoin-P2P adapters after
// construction, breaking the cycle where each bitcoinp2p.Adapter needs
// a HubCallbacks built from this Hub before the Hub itself can be
// given the adapters.
func (h *Hub) SetTrusted(a BitcoinAdapter) { h.trusted = a }
func (h *Hub) SetLocal(a BitcoinAdapter)   { h.local = a }

// New builds a Hub. version is the relay-protocol version string sent
// to every peer during the handshake.
func New(version string, trusted, local BitcoinAdapter, logger *zap.Logger) *Hub {
	return &Hub{
		version:              version,
		logger:               logger,
		trusted:              trusted,
		local:                local,
		blocksAlreadyRelayed: dedup.NewHashSet(alreadyRelayedCapacity, "blocks-already-relayed"),
		audit:                audit.NopSink,
	}
}

// SetAudit wires an audit trail sink. Safe to call with audit.NopSink
// to restore the default.
func (h *Hub) SetAudit(s audit.Sink) { h.audit = s }

// --- relaypeer.HubCallbacks ---

// ProvideBlock is called by a relay peer's receive loop on an inbound
// BLOCK message.
func (h *Hub) ProvideBlock(p *relaypeer.Peer, raw []byte, readStart, decodeDone time.Time) {
	h.fanoutBlock(SourceRelayPeer, p, raw, BlockTiming{ReadStart: readStart, DecodeDone: decodeDone})
}

// ProvideTransaction is called by a relay peer's receive loop on an
// inbound TRANSACTION message.
func (h *Hub) ProvideTransaction(p *relaypeer.Peer, tx []byte) {
	h.fanoutTransaction(SourceRelayPeer, tx)
}

// --- bitcoinp2p.HubCallbacks, one shim per adapter ---

type trustedCallbacks struct{ h *Hub }

func (c trustedCallbacks) OnBlock(raw []byte, readStart, decodeDone time.Time) {
	c.h.fanoutBlock(SourceTrustedP2P, nil, raw, BlockTiming{ReadStart: readStart, DecodeDone: decodeDone})
}
func (c trustedCallbacks) OnTransaction(raw []byte) { c.h.fanoutTransaction(SourceTrustedP2P, raw) }
func (c trustedCallbacks) OnHeaders(raw []byte) bool {
	c.h.logger.Debug("headers from trusted node", zap.Int("bytes", len(raw)))
	return true
}

type localCallbacks struct{ h *Hub }

func (c localCallbacks) OnBlock(raw []byte, readStart, decodeDone time.Time) {
	c.h.fanoutBlock(SourceLocalP2P, nil, raw, BlockTiming{ReadStart: readStart, DecodeDone: decodeDone})
}
func (c localCallbacks) OnTransaction(raw []byte) { c.h.fanoutTransaction(SourceLocalP2P, raw) }
func (c localCallbacks) OnHeaders(raw []byte) bool { return false }

// TrustedCallbacks returns the bitcoinp2p.HubCallbacks implementation
// to construct the trusted adapter with.
func (h *Hub) TrustedCallbacks() bitcoinp2p.HubCallbacks { return trustedCallbacks{h} }

// LocalCallbacks returns the bitcoinp2p.HubCallbacks implementation to
// construct the local adapter with.
func (h *Hub) LocalCallbacks() bitcoinp2p.HubCallbacks { return localCallbacks{h} }

// fanoutBlock implements spec §4.6's block fan-out policy. The
// too-short guard must run before any hash is computed: raw may be
// arbitrarily short (or empty) when it arrives from a Bitcoin-P2P
// callback that never decoded through relaycodec.
func (h *Hub) fanoutBlock(source Source, from *relaypeer.Peer, raw []byte, timing BlockTiming) {
	if len(raw) < dsha256.BlockHeaderSize {
		return
	}
	timing.FanoutStart = time.Now()

	hash := dsha256.BlockID(raw)
	tag := source.String()

	switch source {
	case SourceTrustedP2P:
		if !h.blocksAlreadyRelayed.InsertIfAbsent(hash) {
			metrics.BlockDuplicatesIgnored.WithLabelValues(tag).Inc()
			h.recordDecision(hash, tag, "duplicate", "")
			return
		}
		if h.cluster != nil {
			h.cluster.Announce(context.Background(), hash, tag)
		}
	case SourceLocalP2P, SourceRelayPeer:
		if reason := sanity.Check(raw); reason != "" {
			h.logger.Info(sanity.Reason(hash, reason, tag))
			metrics.BlocksInsane.WithLabelValues(tag).Inc()
			h.recordDecision(hash, tag, "insane", reason)
			return
		}
	}

	h.mu.Lock()
	for _, peer := range h.peers {
		if peer == from {
			continue
		}
		if !peer.Disconnected() {
			peer.ReceiveBlock(hash, raw)
		}
	}
	h.mu.Unlock()

	if h.local != nil {
		if err := h.local.ReceiveBlock(raw); err != nil {
			h.logger.Debug("forward block to local node failed", zap.Error(err))
		}
	}
	if (source == SourceRelayPeer || source == SourceLocalP2P) && h.trusted != nil {
		if err := h.trusted.ReceiveBlock(raw); err != nil {
			h.logger.Debug("forward block to trusted node failed", zap.Error(err))
		}
	}

	timing.FanoutDone = time.Now()
	metrics.BlocksRelayed.WithLabelValues(tag).Inc()
	metrics.BlockFanoutDuration.WithLabelValues(tag).Observe(timing.FanoutDone.Sub(timing.ReadStart).Seconds())

	if h.onRelayed != nil {
		h.onRelayed(hash, tag, len(raw), timing)
	}
	h.recordDecision(hash, tag, "relayed", "")

	h.logger.Info("block relayed",
		zap.String("hash", dsha256.ReverseHex(hash)),
		zap.String("source", tag),
		zap.Int("uncompressed_bytes", len(raw)),
		zap.Time("read_start", timing.ReadStart),
		zap.Time("decode_done", timing.DecodeDone),
		zap.Time("fanout_start", timing.FanoutStart),
		zap.Time("fanout_done", timing.FanoutDone),
		zap.Duration("fanout_ms", timing.FanoutDone.Sub(timing.ReadStart)))
}

func (h *Hub) recordDecision(hash [32]byte, source, outcome, reason string) {
	err := h.audit.Record(context.Background(), audit.Decision{
		Hash:      dsha256.ReverseHex(hash),
		Source:    source,
		Outcome:   outcome,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.Debug("audit record failed", zap.Error(err))
	}
}

// fanoutTransaction implements spec §4.6's transaction fan-out policy,
// including opportunistic roster reaping during the trusted-source
// sweep.
func (h *Hub) fanoutTransaction(source Source, tx []byte) {
	switch source {
	case SourceTrustedP2P:
		h.mu.Lock()
		live := h.peers[:0]
		for _, peer := range h.peers {
			if peer.Disconnected() {
				continue
			}
			peer.ReceiveTransaction(tx)
			live = append(live, peer)
		}
		removed := len(h.peers) - len(live)
		h.peers = live
		n := len(h.peers)
		h.mu.Unlock()

		if removed > 0 {
			h.logger.Debug("reaped disconnected relay peers", zap.Int("removed", removed), zap.Int("remaining", n))
			metrics.PeerCount.Set(float64(n))
		}

		if h.local != nil {
			if err := h.local.ReceiveTransaction(tx); err != nil {
				h.logger.Debug("forward tx to local node failed", zap.Error(err))
			}
		}

	case SourceLocalP2P, SourceRelayPeer:
		if h.trusted != nil {
			if err := h.trusted.ReceiveTransaction(tx); err != nil {
				h.logger.Debug("forward tx to trusted node failed", zap.Error(err))
			}
		}
	}
}

// Serve accepts relay-peer connections on ln until ctx is cancelled,
// filtering out peer hostnames ending in the blocked suffix (spec §6)
// before any relay state is allocated.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("hub: accept: %w", err)
		}
		go h.acceptConn(ctx, conn)
	}
}

func (h *Hub) acceptConn(ctx context.Context, conn net.Conn) {
	if netx.IsBlockedPeerAddr(ctx, conn.RemoteAddr().String()) {
		h.logger.Info("rejecting filtered peer hostname", zap.String("addr", conn.RemoteAddr().String()))
		conn.Close()
		return
	}

	p := relaypeer.New(conn, h.version, h, h.logger)

	h.mu.Lock()
	h.peers = append(h.peers, p)
	n := len(h.peers)
	h.mu.Unlock()
	metrics.PeerCount.Set(float64(n))
	h.logger.Debug("now have relay peers", zap.Int("count", n))

	p.Serve()
}

// SetCluster wires an opt-in cross-instance notifier: blocks this hub
// relays are announced to siblings, and blocks siblings announce are
// folded into blocksAlreadyRelayed without waiting on the local P2P
// path. Only called when a Postgres audit DSN is configured.
func (h *Hub) SetCluster(n *clusternotify.Notifier) {
	h.cluster = n
	go func() {
		for a := range n.Announced() {
			if h.blocksAlreadyRelayed.InsertIfAbsent(a.Hash) {
				h.logger.Debug("cluster sibling relayed block first",
					zap.String("hash", dsha256.ReverseHex(a.Hash)),
					zap.String("source", a.Source))
			}
		}
	}()
}

// NoteLocalTipHash logs the fast-path "local node says new tip" signal
// fired by internal/zmqnotify. It carries no relay semantics of its
// own: the authoritative block still arrives over the local P2P
// adapter and is fanned out through fanoutBlock as usual.
func (h *Hub) NoteLocalTipHash(hashHex string, seen time.Time) {
	h.logger.Info("local node says new tip", zap.String("hash", hashHex), zap.Time("seen", seen))
}

// Peers returns a snapshot of the current roster, for the admin API.
func (h *Hub) Peers() []*relaypeer.Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*relaypeer.Peer, len(h.peers))
	copy(out, h.peers)
	return out
}
