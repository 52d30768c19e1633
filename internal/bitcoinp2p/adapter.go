// Package bitcoinp2p is the minimal Bitcoin-P2P adapter named by spec
// §4.5 (C5): a dumb Bitcoin-wire framer that supplies whole blocks and
// transactions to the hub by callback, and accepts them back for
// forwarding to its connected node. It carries no relay-protocol logic
// of its own.
package bitcoinp2p

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/bsprint/relay-hub/internal/netkit"
)

// HubCallbacks is the small capability interface the adapter calls
// into, per spec §4.5/§9. on_headers is optional; an adapter with no
// header tracking need not call it.
type HubCallbacks interface {
	OnBlock(raw []byte, readStart, decodeDone time.Time)
	OnTransaction(raw []byte)
	OnHeaders(raw []byte) bool
}

// Adapter is a Bitcoin-P2P client speaking to exactly one remote node
// (the trusted upstream, or the local node).
type Adapter struct {
	host, port string
	name       string // "trusted" | "local", used only in logs/metrics
	callbacks  HubCallbacks
	logger     *zap.Logger
	dialer     *netkit.Dialer
	breaker    *gobreaker.CircuitBreaker

	mu sync.Mutex
	p  *peer.Peer
}

// New builds an adapter that will dial host:port once Run is called.
func New(host, port, name string, callbacks HubCallbacks, logger *zap.Logger) *Adapter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bitcoinp2p-" + name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	return &Adapter{
		host:      host,
		port:      port,
		name:      name,
		callbacks: callbacks,
		logger:    logger,
		dialer:    netkit.NewDialer(netkit.DefaultConfig(), logger),
		breaker:   breaker,
	}
}

// Run dials and maintains the connection until ctx is cancelled,
// reconnecting with exponential backoff on every drop.
func (a *Adapter) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely; only ctx cancellation stops us

	return backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		_, err := a.breaker.Execute(func() (any, error) {
			return nil, a.connectAndServe(ctx)
		})
		if err != nil {
			a.logger.Warn("bitcoin-p2p connection dropped",
				zap.String("node", a.name), zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (a *Adapter) connectAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(a.host, a.port)

	cfg := &peer.Config{
		UserAgentName:    "relay-hub",
		UserAgentVersion: "1.0.0",
		ChainParams:      &chaincfg.MainNetParams,
		TrickleInterval:  time.Second,
		Listeners: peer.MessageListeners{
			OnBlock:   a.onBlock,
			OnTx:      a.onTx,
			OnHeaders: a.onHeaders,
		},
	}

	p, err := peer.NewOutboundPeer(cfg, addr)
	if err != nil {
		return fmt.Errorf("bitcoinp2p: construct peer: %w", err)
	}

	conn, err := a.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bitcoinp2p: dial %s: %w", addr, err)
	}
	p.AssociateConnection(conn)

	a.mu.Lock()
	a.p = p
	a.mu.Unlock()

	if err := waitConnected(ctx, p, 10*time.Second); err != nil {
		p.Disconnect()
		return err
	}

	a.logger.Info("bitcoin-p2p connected", zap.String("node", a.name), zap.String("addr", addr))

	disconnected := make(chan struct{})
	go func() {
		p.WaitForDisconnect()
		close(disconnected)
	}()
	select {
	case <-ctx.Done():
	case <-disconnected:
	}
	p.Disconnect()
	a.mu.Lock()
	a.p = nil
	a.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("bitcoinp2p: connection to %s closed", addr)
}

func waitConnected(ctx context.Context, p *peer.Peer, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("bitcoinp2p: handshake timeout")
		case <-ticker.C:
		}
	}
}

func (a *Adapter) onBlock(_ *peer.Peer, msg *wire.MsgBlock, _ []byte) {
	readStart := time.Now()
	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		a.logger.Warn("bitcoinp2p: serialize inbound block failed", zap.String("node", a.name), zap.Error(err))
		return
	}
	decodeDone := time.Now()
	a.callbacks.OnBlock(buf.Bytes(), readStart, decodeDone)
}

func (a *Adapter) onTx(_ *peer.Peer, msg *wire.MsgTx) {
	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		a.logger.Warn("bitcoinp2p: serialize inbound tx failed", zap.String("node", a.name), zap.Error(err))
		return
	}
	a.callbacks.OnTransaction(buf.Bytes())
}

func (a *Adapter) onHeaders(_ *peer.Peer, msg *wire.MsgHeaders) {
	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, wire.ProtocolVersion, wire.LatestEncoding); err != nil {
		return
	}
	a.callbacks.OnHeaders(buf.Bytes())
}

// ReceiveBlock forwards a raw Bitcoin block to this adapter's
// connected node (spec §4.5).
func (a *Adapter) ReceiveBlock(raw []byte) error {
	a.mu.Lock()
	p := a.p
	a.mu.Unlock()
	if p == nil {
		return fmt.Errorf("bitcoinp2p[%s]: not connected", a.name)
	}

	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("bitcoinp2p: decode outbound block: %w", err)
	}
	p.QueueMessage(&block, nil)
	return nil
}

// ReceiveTransaction forwards a raw Bitcoin transaction to this
// adapter's connected node (spec §4.5).
func (a *Adapter) ReceiveTransaction(raw []byte) error {
	a.mu.Lock()
	p := a.p
	a.mu.Unlock()
	if p == nil {
		return fmt.Errorf("bitcoinp2p[%s]: not connected", a.name)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("bitcoinp2p: decode outbound transaction: %w", err)
	}
	p.QueueMessage(&tx, nil)
	return nil
}
