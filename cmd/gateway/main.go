package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/cluster"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/feed"
	"github.com/voxgate/voxgate/internal/httpapi"
	"github.com/voxgate/voxgate/internal/message"
	"github.com/voxgate/voxgate/internal/storage"
	"github.com/voxgate/voxgate/internal/ws"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The supervisor only forks and watches workers; the worker branch below
	// runs the actual gateway.
	if cfg.ClusterMode && !cluster.IsWorker() {
		return cluster.NewSupervisor(log, cfg.Workers).Run(ctx)
	}

	storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := storage.NewPostgresStore(storeCtx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	hub := ws.NewHub(log, verifier, store.Messages(), ws.Options{
		ProbeInterval: cfg.HeartbeatInterval,
		ProbeTimeout:  cfg.HeartbeatTimeout,
		SendBuffer:    cfg.SendBuffer,
		StrictAuth:    cfg.StrictAuth,
		ShutdownGrace: cfg.ShutdownGrace,
	})

	bridge := feed.NewBridge(log, hub, feedStore{Repository: store.Messages(), store: store},
		feed.NewPgWatcherFactory(cfg.DBURL))
	hub.SetFeed(bridge)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	api := httpapi.NewHandler(log, store.Messages(), verifier, hub, hub, bridge, version)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	api.Register(mux)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	ln, err := cluster.Listen(ctx, cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" {
			log.Info("listening with TLS", "addr", cfg.ListenAddr, "pid", os.Getpid())
			errCh <- srv.ServeTLS(ln, cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		log.Info("listening", "addr", cfg.ListenAddr, "pid", os.Getpid())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err = <-errCh:
		stopHub()
		return fmt.Errorf("server failed: %w", err)
	}

	// Hard deadline: if teardown wedges, exit non-zero rather than hang.
	deadline := time.AfterFunc(cfg.ShutdownDeadline, func() {
		log.Error("shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	})
	defer deadline.Stop()

	// Stop accepting new work, close the feed watchers, then drain live
	// connections through the hub's goodbye broadcast.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-errCh

	bridge.Close()
	stopHub()
	<-hubDone

	log.Info("gateway stopped")
	return nil
}

// feedStore joins the message repository with the store-level capability
// probe into the single view the bridge wants.
type feedStore struct {
	message.Repository
	store *storage.PostgresStore
}

func (f feedStore) NotifyTriggerInstalled(ctx context.Context) (bool, error) {
	return f.store.NotifyTriggerInstalled(ctx)
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
