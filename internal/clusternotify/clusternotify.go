// Package clusternotify is an opt-in, pure-supplementary cross-instance
// signal: when two relay-hub processes share one Postgres audit
// database, a block that one of them relays is announced over a
// LISTEN/NOTIFY channel so the sibling can mark it in its own
// "already relayed" set without waiting on the slower P2P path. The
// core fan-out algorithm never depends on this; a Notifier that is
// never started changes nothing.
package clusternotify

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const channel = "relay_hub_blocks_relayed"

// Announced carries a single relayed block's identity to every other
// listening instance.
type Announced struct {
	Hash   [32]byte
	Source string
}

// Notifier wraps a lib/pq LISTEN/NOTIFY connection for one Postgres
// audit DSN, plus a plain database/sql handle (also lib/pq-backed)
// used to send NOTIFY.
type Notifier struct {
	logger   *zap.Logger
	listener *pq.Listener
	announce *sql.DB
	incoming chan Announced
}

// Open starts listening on the cluster channel. dsn must be a
// Postgres connection string; callers typically reuse the audit DSN.
func Open(dsn string, logger *zap.Logger) (*Notifier, error) {
	incoming := make(chan Announced, 64)

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("clusternotify: listener event", zap.Error(err))
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("clusternotify: listen %s: %w", channel, err)
	}

	announce, err := sql.Open("postgres", dsn)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("clusternotify: open notify conn: %w", err)
	}

	n := &Notifier{logger: logger, listener: listener, announce: announce, incoming: incoming}
	go n.pump()
	return n, nil
}

func (n *Notifier) pump() {
	for {
		select {
		case notice, ok := <-n.listener.Notify:
			if !ok {
				close(n.incoming)
				return
			}
			if notice == nil {
				continue // reconnected; lib/pq sends a nil notification
			}
			hashHex, source, ok := splitPayload(notice.Extra)
			if !ok {
				continue
			}
			raw, err := hex.DecodeString(hashHex)
			if err != nil || len(raw) != 32 {
				continue
			}
			var hash [32]byte
			copy(hash[:], raw)
			n.incoming <- Announced{Hash: hash, Source: source}
		}
	}
}

func splitPayload(payload string) (hashHex, source string, ok bool) {
	for i, c := range payload {
		if c == '|' {
			return payload[:i], payload[i+1:], true
		}
	}
	return "", "", false
}

// Announce tells sibling instances that hash was relayed. Best effort:
// a failed NOTIFY is logged and never blocks or fails the local
// fan-out, since the P2P path remains authoritative.
func (n *Notifier) Announce(ctx context.Context, hash [32]byte, source string) {
	payload := hex.EncodeToString(hash[:]) + "|" + source
	_, err := n.announce.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		n.logger.Debug("clusternotify: notify failed", zap.Error(err))
	}
}

// Announced returns the channel of blocks relayed by sibling
// instances. Callers should feed these into the hub's
// blocksAlreadyRelayed set.
func (n *Notifier) Announced() <-chan Announced {
	return n.incoming
}

// Close stops listening and releases the notify connection.
func (n *Notifier) Close() error {
	n.announce.Close()
	return n.listener.Close()
}
