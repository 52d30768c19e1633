// Package config loads relay-hub runtime configuration from the
// environment (optionally via a .env file), the same godotenv-backed
// pattern this codebase has always used.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds everything cmd/relay-server needs to start a hub.
type Config struct {
	// Trusted upstream Bitcoin node (spec §4.5, §6). May be overridden
	// by argv per the CLI's relay-server <trusted_host> <trusted_port>
	// calling convention; Load only supplies the env/default fallback.
	TrustedHost string
	TrustedPort string

	// Local Bitcoin node, fixed at 127.0.0.1:8335 by the original spec
	// but made configurable here for test and non-default deployments.
	LocalHost string
	LocalPort string

	// Relay-protocol listener (spec §6): IPv6 "::" port 8336 backlog 3.
	ListenAddr    string
	ListenPort    int
	ListenBacklog int

	// Version string sent during the relay-protocol handshake (spec §4.4).
	ProtocolVersion string

	// Admin/observability HTTP server (internal/adminapi).
	AdminAddr string

	// Optional audit-trail DSN (internal/audit); empty disables it.
	// A "postgres://" or "postgresql://" DSN also enables
	// internal/clusternotify's cross-instance LISTEN/NOTIFY channel.
	AuditDSN string

	// Optional ZMQ fast-path endpoint (internal/zmqnotify); empty
	// disables the subscriber entirely.
	ZMQEndpoint string

	// Dedup cache capacities (spec §9 leaves these as implementer
	// choices; SPEC_FULL.md documents the defaults below). These are
	// loaded but not applied: the hub and each relay peer size their
	// sets from their own constants (100,000 and 4096), so setting
	// these variables does not change either capacity.
	BlocksAlreadyRelayedCapacity int
	PeerAlreadySeenCapacity      int

	LogLevel string
}

// Load reads configuration from the environment, applying .env first
// if present.
func Load() Config {
	loadEnvironmentConfig()

	cfg := Config{
		TrustedHost:                  getEnv("RELAY_TRUSTED_HOST", "127.0.0.1"),
		TrustedPort:                  getEnv("RELAY_TRUSTED_PORT", "8333"),
		LocalHost:                    getEnv("RELAY_LOCAL_HOST", "127.0.0.1"),
		LocalPort:                    getEnv("RELAY_LOCAL_PORT", "8335"),
		ListenAddr:                   getEnv("RELAY_LISTEN_ADDR", "::"),
		ListenPort:                   getEnvInt("RELAY_LISTEN_PORT", 8336),
		ListenBacklog:                getEnvInt("RELAY_LISTEN_BACKLOG", 3),
		ProtocolVersion:              getEnv("RELAY_PROTOCOL_VERSION", "/RelayNetworkServer:42/"),
		AdminAddr:                    getEnv("RELAY_ADMIN_ADDR", "127.0.0.1:8337"),
		AuditDSN:                     getEnv("RELAY_AUDIT_DSN", ""),
		ZMQEndpoint:                  getEnv("RELAY_ZMQ_ENDPOINT", ""),
		BlocksAlreadyRelayedCapacity: getEnvInt("RELAY_BLOCKS_RELAYED_CAPACITY", 100_000),
		PeerAlreadySeenCapacity:      getEnvInt("RELAY_PEER_SEEN_CAPACITY", 4096),
		LogLevel:                     getEnv("RELAY_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	return cfg
}

func loadEnvironmentConfig() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env file")
	}
}

// Validate rejects configuration that would make the hub unable to
// start at all.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid RELAY_LISTEN_PORT: %d", c.ListenPort)
	}
	if c.ListenBacklog <= 0 {
		return fmt.Errorf("invalid RELAY_LISTEN_BACKLOG: %d", c.ListenBacklog)
	}
	if c.ProtocolVersion == "" {
		return fmt.Errorf("RELAY_PROTOCOL_VERSION must not be empty")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
