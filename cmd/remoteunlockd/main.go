// Command remoteunlockd is the screen-unlock authorization daemon: it
// serves enrollment on a privileged local socket and enrollment
// completion plus unlock requests over TCP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ocx/remoteunlock/internal/adminserver"
	"github.com/ocx/remoteunlock/internal/apperr"
	"github.com/ocx/remoteunlock/internal/authz"
	"github.com/ocx/remoteunlock/internal/codebuffer"
	"github.com/ocx/remoteunlock/internal/config"
	"github.com/ocx/remoteunlock/internal/effector"
	"github.com/ocx/remoteunlock/internal/events"
	"github.com/ocx/remoteunlock/internal/keystore"
	"github.com/ocx/remoteunlock/internal/metrics"
	"github.com/ocx/remoteunlock/internal/nonceledger"
	"github.com/ocx/remoteunlock/internal/wire"
)

// stats adapts the code buffer and ledger to adminserver.Stats.
type stats struct {
	codes  *codebuffer.Buffer
	ledger *nonceledger.Ledger
}

func (s *stats) CodeBufferOccupancy() int { return s.codes.Occupied() }
func (s *stats) LedgerIdentityCount() int { return s.ledger.Count() }

func main() {
	noAdmin := flag.Bool("no-admin", false, "disable the admin HTTP surface")
	flag.Parse()

	cfg := config.Get()
	if *noAdmin {
		cfg.Admin.Disable = true
	}

	lvl := slog.LevelInfo
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	keysDir := filepath.Join(cfg.Storage.Dir, "keys")
	noncesDir := filepath.Join(cfg.Storage.Dir, "nonces")
	for _, dir := range []string{keysDir, noncesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			slog.Error("remoteunlockd: failed to create storage directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	keys := keystore.New(keysDir)
	codes := codebuffer.NewBuffer()
	ledger := nonceledger.New(noncesDir)
	eff := effector.NewCommandEffector(cfg.Effector.Path, cfg.Effector.Args...)
	m := metrics.New()

	var bus events.Bus
	if cfg.Redis.Addr != "" {
		bus = events.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Channel)
		slog.Info("remoteunlockd: event bus backed by redis", "addr", cfg.Redis.Addr)
	} else {
		bus = events.NewLocalBus()
	}

	engine := authz.New(keys, codes, ledger, eff, bus, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codeCh := make(chan codebuffer.Code, codebuffer.Capacity)

	go runEnrollSocket(ctx, cfg.Socket.Path, cfg.Socket.Mode, engine, codeCh)
	go drainCodes(ctx, codes, ledger, m, codeCh)

	var admin *adminserver.Server
	if !cfg.Admin.Disable {
		admin = adminserver.New(cfg.Admin.Addr, bus, &stats{codes: codes, ledger: ledger})
		go func() {
			if err := admin.Serve(); err != nil && err.Error() != "http: Server closed" {
				slog.Warn("remoteunlockd: admin server stopped", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Network.Addr())
	if err != nil {
		slog.Error("remoteunlockd: failed to bind tcp listener", "addr", cfg.Network.Addr(), "error", err)
		os.Exit(1)
	}
	slog.Info("remoteunlockd: listening", "addr", cfg.Network.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	serveTCP(ctx, ln, engine)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		admin.Shutdown(shutdownCtx)
	}
	bus.Close()
}

// serveTCP runs the sequential accept/serve loop: one connection is
// read, routed, and fully responded to before the next is accepted.
func serveTCP(ctx context.Context, ln net.Listener, engine *authz.Engine) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("remoteunlockd: accept error", "error", err)
				continue
			}
		}
		handleConn(ctx, conn, engine)
	}
}

func handleConn(ctx context.Context, conn net.Conn, engine *authz.Engine) {
	defer conn.Close()

	req, err := wire.ReadRequest(conn)
	if err != nil {
		resp := errorResponse(err)
		wire.WriteResponse(conn, resp)
		return
	}

	var resp *wire.Response
	var hook authz.PostHook

	switch {
	case req.Method == "POST" && req.Path == "/enroll":
		resp = engine.Enroll(req)
	case req.Method == "POST" && req.Path == "/unlock":
		resp, hook = engine.Unlock(ctx, req)
	default:
		resp = authz.NotFound()
	}

	if err := wire.WriteResponse(conn, resp); err != nil {
		slog.Warn("remoteunlockd: failed to write response", "error", err)
	}

	if hook != nil {
		hook()
	}
}

// runEnrollSocket owns the privileged unix socket serving
// POST /begin_enroll. It is a single-purpose producer: every accepted
// POST /begin_enroll mints a code, replies, and pushes the code
// downstream; any other request gets a 404 and mints nothing.
func runEnrollSocket(ctx context.Context, path string, mode uint32, engine *authz.Engine, codeCh chan<- codebuffer.Code) {
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		slog.Error("remoteunlockd: failed to bind enrollment socket", "path", path, "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	if err := os.Chmod(path, os.FileMode(mode)); err != nil {
		slog.Warn("remoteunlockd: failed to set enrollment socket mode", "path", path, "error", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("remoteunlockd: enrollment socket listening", "path", path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("remoteunlockd: enrollment socket accept error", "error", err)
				continue
			}
		}
		handleEnrollConn(conn, engine, codeCh)
	}
}

func handleEnrollConn(conn net.Conn, engine *authz.Engine, codeCh chan<- codebuffer.Code) {
	defer conn.Close()

	req, err := wire.ReadRequest(conn)
	if err != nil {
		wire.WriteResponse(conn, errorResponse(err))
		return
	}
	if req.Method != "POST" || req.Path != "/begin_enroll" {
		wire.WriteResponse(conn, authz.NotFound())
		return
	}

	resp, code, err := engine.BeginEnroll()
	if err != nil {
		wire.WriteResponse(conn, errorResponse(err))
		return
	}

	if err := wire.WriteResponse(conn, resp); err != nil {
		slog.Warn("remoteunlockd: failed to write begin_enroll response", "error", err)
		return
	}

	select {
	case codeCh <- code:
	default:
		slog.Warn("remoteunlockd: enrollment code producer channel full, dropping code")
	}
}

// drainCodes is the main loop's code consumer: it sweeps expired codes
// every tick and again before inserting each code the producer queues,
// and refreshes the occupancy gauges the admin surface's /metrics
// endpoint exports after either.
func drainCodes(ctx context.Context, codes *codebuffer.Buffer, ledger *nonceledger.Ledger, m *metrics.Metrics, codeCh <-chan codebuffer.Code) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	refreshGauges := func() {
		if m == nil {
			return
		}
		m.CodeBufferOccupancy.Set(float64(codes.Occupied()))
		m.LedgerIdentities.Set(float64(ledger.Count()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			codes.Sweep(time.Now())
			refreshGauges()
		case code := <-codeCh:
			codes.Sweep(time.Now())
			if err := codes.Insert(code); err != nil {
				slog.Warn("remoteunlockd: code buffer full, dropping enrollment code")
			}
			refreshGauges()
		}
	}
}

func errorResponse(err error) *wire.Response {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	return &wire.Response{
		Status:  status,
		Headers: []wire.Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:    []byte(wire.ReasonPhrase(status)),
	}
}
