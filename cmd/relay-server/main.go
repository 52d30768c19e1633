// Command relay-server runs one fast block/transaction relay hub:
// USAGE: relay-server trusted_host trusted_port
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bsprint/relay-hub/internal/adminapi"
	"github.com/bsprint/relay-hub/internal/audit"
	"github.com/bsprint/relay-hub/internal/bitcoinp2p"
	"github.com/bsprint/relay-hub/internal/clusternotify"
	"github.com/bsprint/relay-hub/internal/config"
	"github.com/bsprint/relay-hub/internal/hub"
	"github.com/bsprint/relay-hub/internal/zmqnotify"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "USAGE: %s trusted_host trusted_port\n", os.Args[0])
		os.Exit(-1)
	}
	trustedHost, trustedPort := os.Args[1], os.Args[2]

	cfg := config.Load()
	cfg.TrustedHost = trustedHost
	cfg.TrustedPort = trustedPort

	newLogger := zap.NewProduction
	if cfg.LogLevel == "debug" {
		newLogger = zap.NewDevelopment
	}
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(-1)
	}
	defer logger.Sync()

	ln, err := listenRelay(cfg.ListenAddr, cfg.ListenPort, cfg.ListenBacklog)
	if err != nil {
		logger.Error("failed to bind relay listener", zap.Error(err))
		os.Exit(-1)
	}
	logger.Info("relay listener bound",
		zap.String("addr", cfg.ListenAddr), zap.Int("port", cfg.ListenPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.New(cfg.ProtocolVersion, nil, nil, logger)

	trusted := bitcoinp2p.New(cfg.TrustedHost, cfg.TrustedPort, "trusted", h.TrustedCallbacks(), logger)
	local := bitcoinp2p.New(cfg.LocalHost, cfg.LocalPort, "local", h.LocalCallbacks(), logger)
	h.SetTrusted(trusted)
	h.SetLocal(local)

	admin := adminapi.New(h, logger)
	h.OnBlockRelayed(func(hash [32]byte, source string, bytes int, timing hub.BlockTiming) {
		admin.PublishBlockEvent(adminapi.BlockEvent{
			HashHex:     fmt.Sprintf("%x", hash),
			Source:      source,
			Bytes:       bytes,
			At:          time.Now(),
			ReadStart:   timing.ReadStart,
			DecodeDone:  timing.DecodeDone,
			FanoutStart: timing.FanoutStart,
			FanoutDone:  timing.FanoutDone,
		})
	})

	auditSink, err := audit.Open(ctx, cfg.AuditDSN, logger)
	if err != nil {
		logger.Warn("audit sink unavailable, continuing without it", zap.Error(err))
		auditSink = audit.NopSink
	}
	defer auditSink.Close()
	h.SetAudit(auditSink)

	if strings.HasPrefix(cfg.AuditDSN, "postgres://") || strings.HasPrefix(cfg.AuditDSN, "postgresql://") {
		if notifier, err := clusternotify.Open(cfg.AuditDSN, logger); err != nil {
			logger.Warn("cluster notifier unavailable", zap.Error(err))
		} else {
			h.SetCluster(notifier)
			defer notifier.Close()
		}
	}

	if cfg.ZMQEndpoint != "" {
		if sub, err := zmqnotify.Open(cfg.ZMQEndpoint, logger); err != nil {
			logger.Warn("zmq fast-path subscriber unavailable", zap.Error(err))
		} else {
			defer sub.Close()
			go sub.Run(h.NoteLocalTipHash)
		}
	}

	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: admin.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.Serve(gctx, ln)
	})
	g.Go(func() error {
		return trusted.Run(gctx)
	})
	g.Go(func() error {
		return local.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("admin API listening", zap.String("addr", cfg.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-sigCh:
			logger.Info("shutdown signal received")
		case <-gctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		adminServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay-server exited with error", zap.Error(err))
		os.Exit(-1)
	}
}

// listenRelay binds the IPv6 relay-protocol listener. Go's net
// package does not expose the listen(2) backlog argument directly;
// backlog is kept in Config and surfaced here only for operators
// translating from the original bind/listen(fd, 3) call.
func listenRelay(addr string, port, backlog int) (net.Listener, error) {
	_ = backlog
	return net.Listen("tcp6", net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
}
