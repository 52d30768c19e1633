// Package netkit provides the TCP dialer the relay hub uses to reach
// its trusted and local Bitcoin nodes: Happy-Eyeballs dialing across a
// hostname's resolved addresses, and tuned TCP options (NODELAY,
// keepalive) on whichever connection wins.
package netkit

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ConnectionConfig holds configuration for enhanced connections
type ConnectionConfig struct {
	Timeout        time.Duration
	KeepAlive      time.Duration
	KeepAliveIdle  time.Duration
	KeepAliveCount int
	KeepAliveIntvl time.Duration
	UserTimeout    time.Duration
	NoDelay        bool
	HappyEyeballs  bool
	MaxConcurrency int
}

// DefaultConfig returns a production-ready connection configuration
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:        30 * time.Second,
		KeepAlive:      30 * time.Second,
		KeepAliveIdle:  10 * time.Second,
		KeepAliveCount: 4,
		KeepAliveIntvl: 10 * time.Second,
		UserTimeout:    20 * time.Second,
		NoDelay:        true,
		HappyEyeballs:  true,
		MaxConcurrency: 4,
	}
}

// Dialer provides enhanced TCP dialing with Happy-Eyeballs and tuned options
type Dialer struct {
	config *ConnectionConfig
	logger *zap.Logger
}

// NewDialer creates a new enhanced dialer
func NewDialer(config *ConnectionConfig, logger *zap.Logger) *Dialer {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		config: config,
		logger: logger,
	}
}

// Dial connects to the address with enhanced options
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext connects to the address with context and enhanced options
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		// Fallback to standard dial for non-TCP
		return (&net.Dialer{Timeout: d.config.Timeout}).DialContext(ctx, network, address)
	}

	if !d.config.HappyEyeballs {
		// Use tuned dial without Happy-Eyeballs
		return d.dialTuned(ctx, network, address)
	}

	// Happy-Eyeballs: resolve and try multiple addresses in parallel
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	// Resolve all addresses
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil, err
	}

	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host}
	}

	// Convert to SocketAddr
	var sockAddrs []net.TCPAddr
	for _, addr := range addrs {
		if tcpAddr, err := net.ResolveTCPAddr(network, net.JoinHostPort(addr, port)); err == nil {
			sockAddrs = append(sockAddrs, *tcpAddr)
		}
	}

	if len(sockAddrs) == 0 {
		return nil, &net.DNSError{Err: "no valid addresses", Name: host}
	}

	// Try connections in parallel (up to MaxConcurrency)
	resultChan := make(chan net.Conn, 1)
	errorChan := make(chan error, len(sockAddrs))
	var wg sync.WaitGroup

	maxConcurrent := d.config.MaxConcurrency
	if len(sockAddrs) < maxConcurrent {
		maxConcurrent = len(sockAddrs)
	}

	for i := 0; i < maxConcurrent; i++ {
		wg.Add(1)
		go func(addr net.TCPAddr) {
			defer wg.Done()
			conn, err := d.dialTunedAddr(ctx, &addr)
			if err != nil {
				errorChan <- err
				return
			}
			select {
			case resultChan <- conn:
			default:
				conn.Close() // Another connection succeeded first
			}
		}(sockAddrs[i])
	}

	// Wait for first success or all failures
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(errorChan)
		close(allDone)
	}()

	select {
	case conn := <-resultChan:
		d.logger.Debug("Happy-Eyeballs connection established", zap.String("address", address))
		return conn, nil
	case <-allDone:
		select {
		case conn := <-resultChan:
			return conn, nil
		default:
		}
		var lastErr error
		for err := range errorChan {
			lastErr = err
		}
		return nil, lastErr
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.config.Timeout):
		return nil, &net.OpError{Op: "dial", Net: network, Source: nil, Addr: nil, Err: syscall.ETIMEDOUT}
	}
}

// dialTuned establishes a connection with tuned TCP options
func (d *Dialer) dialTuned(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveTCPAddr(network, net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}

	return d.dialTunedAddr(ctx, addr)
}

// dialTunedAddr establishes a connection to a specific address with tuned options
func (d *Dialer) dialTunedAddr(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
	// Use standard Go net package for cross-platform compatibility
	dialer := &net.Dialer{
		Timeout: d.config.Timeout,
	}

	// Set keepalive if supported
	if d.config.KeepAlive > 0 {
		dialer.KeepAlive = d.config.KeepAlive
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	// Set TCP_NODELAY for lower latency
	if tcpConn, ok := conn.(*net.TCPConn); ok && d.config.NoDelay {
		tcpConn.SetNoDelay(true)
	}

	return conn, nil
}

