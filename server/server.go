// Package server embeds the WebSocket engine in an HTTP server with
// upgrade throttling, Prometheus metrics, a health endpoint and graceful
// shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/coregx/nanows/metrics"
	"github.com/coregx/nanows/ratelimit"
	"github.com/coregx/nanows/websocket"
)

// ErrShutdownTimeout is returned when open connections did not finish their
// closing handshake within ShutdownTimeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const sweepInterval = time.Minute

// Options configures a Server.
type Options struct {
	Config Config

	// Handler receives events for every upgraded connection.
	Handler websocket.Handler

	// Fallback serves non-WebSocket requests on the upgrade path and every
	// unrouted path. Defaults to 426 Upgrade Required.
	Fallback http.Handler

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registry receives the server's collectors. nil creates a private
	// registry with Go and process collectors.
	Registry *prometheus.Registry
}

// Server serves WebSocket connections on Config.WSPath.
type Server struct {
	cfg      Config
	handler  websocket.Handler
	fallback http.Handler
	logger   *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	hub      *websocket.Hub
	limiter  *ratelimit.Limiter
	upgrade  *websocket.UpgradeOptions
	mux      *http.ServeMux

	mu   sync.Mutex
	addr net.Addr
}

// New creates a Server. Call Listen to start serving, or mount Handler on
// an existing http.Server.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		handler:  opts.Handler,
		fallback: opts.Fallback,
		logger:   opts.Logger,
		registry: opts.Registry,
		hub:      websocket.NewHub(),
	}
	if s.handler == nil {
		s.handler = websocket.NoopHandler{}
	}
	if s.fallback == nil {
		s.fallback = http.HandlerFunc(upgradeRequired)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = metrics.New("nanows", s.registry)

	s.upgrade = &websocket.UpgradeOptions{
		Subprotocols: cfg.Subprotocols,
		Conn: websocket.ConnOptions{
			MaxFrameSize:   cfg.MaxFrameSize,
			MaxMessageSize: cfg.MaxMessageSize,
			CloseTimeout:   cfg.CloseTimeout,
			PingInterval:   cfg.PingInterval,
			WriteTimeout:   cfg.WriteTimeout,
			Logger:         s.logger,
			Metrics:        s.metrics,
		},
	}
	if cfg.CheckOrigin {
		s.upgrade.CheckOrigin = websocket.CheckSameOrigin
	}

	var upgradeHandler http.Handler = http.HandlerFunc(s.serveWS)
	if cfg.RateLimit > 0 {
		s.limiter = ratelimit.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst, cfg.RateMaxClients)
		upgradeHandler = ratelimit.Handler{
			Limiter: s.limiter,
			Metrics: s.metrics,
			Logger:  s.logger,
			Next:    upgradeHandler,
		}
	}

	s.mux = http.NewServeMux()
	s.mux.Handle(cfg.WSPath, upgradeHandler)
	s.mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc(cfg.HealthPath, s.serveHealth)
	if cfg.WSPath != "/" {
		s.mux.Handle("/", s.fallback)
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the registry of live connections.
func (s *Server) Hub() *websocket.Hub { return s.hub }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Addr returns the bound address once Listen is serving, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen serves until ctx is done, then shuts down gracefully: the listener
// stops accepting, in-flight HTTP requests drain and every live WebSocket is
// closed with 1001 Going Away, all within ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("WebSocket server started",
			slog.String("address", ln.Addr().String()),
			slog.String("path", s.cfg.WSPath),
			slog.Bool("tls", s.cfg.tlsEnabled()))

		var err error
		if s.cfg.tlsEnabled() {
			err = srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if s.limiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.limiter.Sweep()
				}
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown(srv)
	})

	return g.Wait()
}

func (s *Server) shutdown(srv *http.Server) error {
	s.logger.Info("shutting down WebSocket server",
		slog.Int("connections", s.hub.Len()),
		slog.Duration("timeout", s.cfg.ShutdownTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked connections are invisible to http.Server.Shutdown.
	closed := make(chan struct{})
	go func() {
		s.hub.CloseAll(websocket.CloseGoingAway, "server shutdown")
		close(closed)
	}()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP shutdown failed", slog.String("error", err.Error()))
	}

	select {
	case <-closed:
		s.logger.Info("WebSocket server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded", slog.Int("remaining", s.hub.Len()))
		return ErrShutdownTimeout
	}
}

// serveWS upgrades the request and runs the connection until it closes.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(w, r, s.upgrade)
	if errors.Is(err, websocket.ErrNotWebSocket) {
		s.fallback.ServeHTTP(w, r)
		return
	}
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	if !s.hub.Register(conn) {
		// Shutting down.
		_ = conn.Close(websocket.CloseGoingAway, "server shutdown")
		return
	}

	if err := conn.Run(r.Context(), s.handler); err != nil && !websocket.IsEOF(err) {
		s.logger.Debug("WebSocket connection ended",
			slog.String("id", conn.ID()),
			slog.String("error", err.Error()))
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy", Connections: s.hub.Len()})
}

// upgradeRequired is the default fallback for plain HTTP requests.
func upgradeRequired(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	http.Error(w, http.StatusText(http.StatusUpgradeRequired), http.StatusUpgradeRequired)
}
