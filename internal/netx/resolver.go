package netx

import (
	"context"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// blockedHostnameCacheSize bounds how many reverse-DNS verdicts are
// memoized. Reconnecting peers and repeat scanners would otherwise
// trigger a fresh PTR lookup on every connection attempt.
const blockedHostnameCacheSize = 2048

var blockedHostnameCache, _ = lru.New(blockedHostnameCacheSize)

// CustomResolver returns a net.Resolver that prefers the Go resolver and
// uses the DNS servers configured in RELAY_DNS (comma-separated list)
// or falls back to Cloudflare/Google if not set.
func CustomResolver() *net.Resolver {
	dnsEnv := os.Getenv("RELAY_DNS")
	if dnsEnv == "" {
		dnsEnv = "1.1.1.1:53,8.8.8.8:53"
	}
	servers := strings.Split(dnsEnv, ",")

	// Use a short dialer for resolver lookups
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			// Try each configured DNS server in order
			for _, s := range servers {
				conn, err := dialer.DialContext(ctx, "udp", s)
				if err == nil {
					return conn, nil
				}
			}
			// Last-ditch: use default behavior
			return dialer.DialContext(ctx, network, address)
		},
	}
}

// DialContextWithResolver returns a DialContext function suitable for
// wiring into websocket.Dialer.NetDialContext or http.Transport.
// It resolves hostnames using the CustomResolver and then dials the
// resolved IPs in order, each with a 10-second timeout, returning the
// first connection that succeeds. It does not retry or back off.
func DialContextWithResolver(ctx context.Context, network, address string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 10 * time.Second}
	r := CustomResolver()

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// If the address isn't host:port, fall back to direct dial
		return d.DialContext(ctx, network, address)
	}

	ips, err := r.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		return d.DialContext(ctx, network, address)
	}

	var lastErr error
	for _, ip := range ips {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		addr := net.JoinHostPort(ip.IP.String(), port)
		conn, err := d.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ctx.Err()
}

// DialerWithResolver returns a function matching the signature expected by
// websocket.Dialer.NetDialContext
func DialerWithResolver() func(ctx context.Context, network, address string) (net.Conn, error) {
	// Seed math/rand for jitter
	rand.Seed(time.Now().UnixNano())
	return DialContextWithResolver
}

// blockedHostnameSuffix is rejected at accept time: uptime-monitoring
// probes open and immediately close connections, which is indistinguishable
// from a hostile port scan but pollutes the roster and its logs.
const blockedHostnameSuffix = ".uptimerobot.com"

// IsBlockedPeerAddr reverse-resolves addr (host:port or bare host) and
// reports whether any of its hostnames end in a blocked suffix. A lookup
// failure (no PTR record) is not blocked: filtering is opt-in, not
// fail-closed.
func IsBlockedPeerAddr(ctx context.Context, addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	if cached, ok := blockedHostnameCache.Get(host); ok {
		return cached.(bool)
	}

	names, err := net.DefaultResolver.LookupAddr(ctx, host)
	if err != nil {
		return false
	}
	blocked := false
	for _, n := range names {
		if strings.HasSuffix(strings.ToLower(strings.TrimSuffix(n, ".")), blockedHostnameSuffix) {
			blocked = true
			break
		}
	}
	blockedHostnameCache.Add(host, blocked)
	return blocked
}
