// Package adminserver exposes the daemon's observability surface (C7):
// health, Prometheus metrics, and a live event feed. It is entirely
// separate from the C1 wire protocol the core speaks — it is a normal
// net/http server, since nothing here participates in an authorization
// decision and there is no reason to hand-roll parsing for it.
package adminserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/remoteunlock/internal/events"
)

// Stats is queried live on every /healthz request, so the admin surface
// never caches a number that has gone stale.
type Stats interface {
	CodeBufferOccupancy() int
	LedgerIdentityCount() int
}

// Server serves the admin HTTP surface on its own listener.
type Server struct {
	addr   string
	bus    events.Bus
	stats  Stats
	router *mux.Router
	srv    *http.Server

	upgrader websocket.Upgrader
}

// New builds a Server bound to addr. It does not start listening until
// Serve is called.
func New(addr string, bus events.Bus, stats Stats) *Server {
	s := &Server{
		addr:  addr,
		bus:   bus,
		stats: stats,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(loggingMiddleware)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router = r

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve blocks serving the admin surface until the listener errors or
// Shutdown is called, matching net/http.Server.ListenAndServe's
// contract (ErrServerClosed on a clean shutdown).
func (s *Server) Serve() error {
	slog.Info("adminserver: listening", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the admin surface.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":            "ok",
		"code_buffer_used":  s.stats.CodeBufferOccupancy(),
		"ledger_identities": s.stats.LedgerIdentityCount(),
	})
}

// handleEvents upgrades to a websocket connection, replays the bus's
// recent history, then streams new events as they're published. The
// connection is read-only from the client's perspective; any message
// the client sends is ignored, its only purpose is to let the
// goroutine notice a closed socket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("adminserver: websocket upgrade failed", "error", err)
		return
	}

	var writeMu sync.Mutex
	write := func(ev *events.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(ev)
	}

	for _, ev := range s.bus.History() {
		ev := ev
		if err := write(&ev); err != nil {
			conn.Close()
			return
		}
	}

	unsubscribe := s.bus.Subscribe(func(ctx context.Context, ev *events.Event) error {
		return write(ev)
	})

	defer unsubscribe()
	defer conn.Close()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// statusRecorder wraps a ResponseWriter to capture the status code
// actually written, the way the teacher's rate limiter wrapper records
// outcomes before logging them.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack passes through to the underlying ResponseWriter so the
// websocket upgrade on /events still works through this middleware.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("adminserver: underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("adminserver: request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
