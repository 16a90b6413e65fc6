// Command nanows runs a standalone WebSocket echo server configured from the
// environment (prefix NANOWS_, optional .env file).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/coregx/nanows/server"
	"github.com/coregx/nanows/websocket"
)

const envPrefix = "NANOWS_"

type logConfig struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	envErr := godotenv.Load()

	var lc logConfig
	if err := env.ParseWithOptions(&lc, env.Options{Prefix: envPrefix}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load log configuration: %s\n", err)
		os.Exit(1)
	}
	logger := newLogger(lc)
	slog.SetDefault(logger)

	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	cfg, err := server.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := server.New(server.Options{
		Config:  cfg,
		Handler: echo{logger: logger},
		Logger:  logger,
	})

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("nanows terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("nanows stopped")
}

func newLogger(lc logConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(lc.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// echo sends every message back to its sender.
type echo struct {
	websocket.NoopHandler
	logger *slog.Logger
}

func (e echo) OnOpen(c *websocket.Conn) {
	e.logger.Info("client connected",
		slog.String("id", c.ID()),
		slog.String("remote", c.RemoteAddr()))
}

func (e echo) OnMessage(c *websocket.Conn, msg websocket.Message) {
	if err := c.Send(msg); err != nil {
		e.logger.Debug("echo failed", slog.String("id", c.ID()), slog.String("error", err.Error()))
	}
}

func (e echo) OnClose(c *websocket.Conn, code websocket.CloseCode, reason string, remote bool) {
	e.logger.Info("client disconnected",
		slog.String("id", c.ID()),
		slog.Int("code", int(code)),
		slog.String("reason", reason),
		slog.Bool("remote", remote))
}

func (e echo) OnException(c *websocket.Conn, err error) {
	e.logger.Warn("client connection failed",
		slog.String("id", c.ID()),
		slog.String("error", err.Error()))
}

// StopSignalHandler cancels ctx on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
