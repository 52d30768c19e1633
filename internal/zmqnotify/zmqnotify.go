// Package zmqnotify subscribes to the local Bitcoin Core's
// zmqpubhashblock endpoint, purely as a fast-path early-warning signal
// (SPEC_FULL §11): a "local node says new tip" log line can fire
// before the local P2P adapter's own block message necessarily
// arrives. It never substitutes for the P2P-delivered block bytes the
// fan-out in §4.6 requires — ZMQ gives only a hash.
package zmqnotify

import (
	"fmt"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/bsprint/relay-hub/internal/dsha256"
)

// Subscriber wraps one ZMQ SUB socket subscribed to the "hashblock"
// topic.
type Subscriber struct {
	endpoint string
	logger   *zap.Logger
	socket   *zmq4.Socket
	stop     chan struct{}
}

// Open connects to endpoint (e.g. "tcp://127.0.0.1:28332") and
// subscribes to hashblock notifications. The caller should treat a
// non-nil error as "no fast path available" and continue without it;
// nothing in the core fan-out depends on this subscriber existing.
func Open(endpoint string, logger *zap.Logger) (*Subscriber, error) {
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, fmt.Errorf("zmqnotify: new socket: %w", err)
	}
	if err := socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("zmqnotify: connect %s: %w", endpoint, err)
	}
	if err := socket.SetSubscribe("hashblock"); err != nil {
		socket.Close()
		return nil, fmt.Errorf("zmqnotify: subscribe: %w", err)
	}
	return &Subscriber{
		endpoint: endpoint,
		logger:   logger,
		socket:   socket,
		stop:     make(chan struct{}),
	}, nil
}

// Run reads hashblock notifications until Close is called, invoking
// onHash for every one. onHash should be fast and non-blocking; it
// typically just logs.
func (s *Subscriber) Run(onHash func(hashHex string, seen time.Time)) {
	s.logger.Info("zmqnotify: subscribed", zap.String("endpoint", s.endpoint))
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		msgs, err := s.socket.RecvMessageBytes(0)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.logger.Warn("zmqnotify: recv failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) < 2 {
			continue
		}
		if string(msgs[0]) != "hashblock" {
			continue
		}

		if len(msgs[1]) != 32 {
			continue
		}
		var hash [32]byte
		copy(hash[:], msgs[1])

		onHash(dsha256.ReverseHex(hash), time.Now())
	}
}

// Close stops Run and releases the socket.
func (s *Subscriber) Close() error {
	close(s.stop)
	return s.socket.Close()
}
