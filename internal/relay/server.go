package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/fernwood/tweet-relay/internal/bus"
	"github.com/fernwood/tweet-relay/internal/metrics"
	"github.com/fernwood/tweet-relay/internal/twitter"
)

// Config tunes the client-facing server.
type Config struct {
	ListenAddr string

	// Send every tweet to every session regardless of its filter.
	DebugFanout bool
}

// Server accepts WebSocket clients and spawns a session per connection.
// It also exposes the health and metrics endpoints.
type Server struct {
	cfg      Config
	deltas   chan<- twitter.Delta
	tweets   *bus.Bus[*twitter.Tweet]
	lifeline *Lifeline
	logger   zerolog.Logger

	ln       net.Listener
	ctx      context.Context
	start    time.Time
	sessions atomic.Int64
}

func NewServer(cfg Config, deltas chan<- twitter.Delta, tweets *bus.Bus[*twitter.Tweet], lifeline *Lifeline, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		deltas:   deltas,
		tweets:   tweets,
		lifeline: lifeline,
		logger:   logger.With().Str("component", "server").Logger(),
	}
}

// Listen binds the listener. Split from Serve so callers can fail fast
// on a bad address and read the bound address before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Serve runs the HTTP server over the bound listener until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.ctx = ctx
	s.start = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	s.logger.Info().Str("addr", s.Addr()).Msg("Listening for clients")
	err := srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	sess := newSession(conn, s.deltas, s.tweets, s.lifeline, s.cfg.DebugFanout, s.logger)
	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	s.sessions.Add(1)
	s.logger.Info().Str("client", sess.addr).Msg("Client connected")

	go func() {
		defer func() {
			metrics.SessionsActive.Dec()
			s.sessions.Add(-1)
			s.logger.Info().Str("client", sess.addr).Msg("Client disconnected")
		}()
		sess.run(s.ctx)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Sessions      int64   `json:"sessions"`
		Goroutines    int     `json:"goroutines"`
		MemoryUsedPct float64 `json:"memory_used_pct"`
	}

	h := health{
		Status:        "ok",
		UptimeSeconds: time.Since(s.start).Seconds(),
		Sessions:      s.sessions.Load(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemoryUsedPct = vm.UsedPercent
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h)
}
