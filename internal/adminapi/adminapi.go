// Package adminapi is a small HTTP surface for operating a relay-hub
// instance: Prometheus scraping, a liveness probe, a roster snapshot,
// and a WebSocket stream of relayed-block events. None of it is on the
// relay-protocol's hot path (spec §4's block/transaction fan-out is
// untouched by anything in this package).
package adminapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bsprint/relay-hub/internal/hub"
	"github.com/bsprint/relay-hub/internal/relaypeer"
)

// PeerView is the JSON shape returned by GET /peers.
type PeerView struct {
	ID               string `json:"id"`
	Connected        bool   `json:"connected"`
	TotalWaitingSize int64  `json:"total_waiting_size"`
}

// BlockEvent is one message pushed down the /stream WebSocket. The
// four *At fields mirror hub.BlockTiming: read-start, decode-done,
// fan-out-start, fan-out-done.
type BlockEvent struct {
	HashHex     string    `json:"hash"`
	Source      string    `json:"source"`
	Bytes       int       `json:"bytes"`
	At          time.Time `json:"at"`
	ReadStart   time.Time `json:"read_start"`
	DecodeDone  time.Time `json:"decode_done"`
	FanoutStart time.Time `json:"fanout_start"`
	FanoutDone  time.Time `json:"fanout_done"`
}

// Server is the admin/observability HTTP server.
type Server struct {
	logger *zap.Logger
	hub    *hub.Hub
	mux    *mux.Router

	upgrader websocket.Upgrader

	mu        sync.Mutex
	listeners map[chan BlockEvent]struct{}
}

// New builds a Server bound to h. Call Handler() for the http.Handler
// to serve, and PublishBlockEvent whenever the hub relays a block.
func New(h *hub.Hub, logger *zap.Logger) *Server {
	s := &Server{
		logger:    logger,
		hub:       h,
		listeners: make(map[chan BlockEvent]struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.peersHandler).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.streamHandler).Methods(http.MethodGet)
	s.mux = r

	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"peers":  len(s.hub.Peers()),
	})
}

func (s *Server) peersHandler(w http.ResponseWriter, r *http.Request) {
	peers := s.hub.Peers()
	views := make([]PeerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, PeerView{
			ID:               p.ID,
			Connected:        p.Connected() == relaypeer.StateEstablished && !p.Disconnected(),
			TotalWaitingSize: p.TotalWaitingSize(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"peers": views})
}

// streamHandler upgrades to a WebSocket and pushes one JSON BlockEvent
// per relayed block, mirroring the SSE-to-websocket streaming idiom
// used elsewhere in this codebase for live backend data.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("adminapi: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := make(chan BlockEvent, 32)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ch)
		s.mu.Unlock()
	}()

	// Drain client control frames so pings/closes are observed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// PublishBlockEvent fans a relayed-block notification out to every
// connected /stream client. Non-blocking: a slow client drops events
// rather than stalling the hub.
func (s *Server) PublishBlockEvent(ev BlockEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
