package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sofiatracker/syncengine/internal/config"
	"github.com/sofiatracker/syncengine/internal/remote"
	"github.com/sofiatracker/syncengine/internal/repository"
	"github.com/sofiatracker/syncengine/internal/store"
	syncp "github.com/sofiatracker/syncengine/internal/sync"
	"github.com/sofiatracker/syncengine/internal/telemetry"
)

// backend is a remote event source that can also report reachability.
type backend interface {
	syncp.RemoteSource
	syncp.Connectivity
}

// app is everything a command needs, wired from the config file.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	dbPath string
	store  *store.Store
	remote backend
	mgr    *syncp.Manager
	repo   *repository.Repository

	closers []func()
}

type globalFlags struct {
	configPath string
	verbose    bool
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openApp loads the config and opens the local store and the remote. With
// withTelemetry set, OTel export is started when configured.
func openApp(ctx context.Context, flags *globalFlags, withTelemetry bool) (*app, error) {
	logger := newLogger(flags.verbose)
	slog.SetDefault(logger)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", flags.configPath, err)
	}

	a := &app{cfg: cfg, log: logger}

	if withTelemetry && cfg.Telemetry != nil {
		shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.ServiceName(),
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			a.log = slog.New(telemetry.NewLogHandler(logger.Handler(), "sofiasync"))
			slog.SetDefault(a.log)
			a.log.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	a.dbPath = cfg.DBPath
	if a.dbPath == "" {
		if a.dbPath, err = store.DefaultDBPath(); err != nil {
			a.Close()
			return nil, fmt.Errorf("resolving event DB path: %w", err)
		}
	}
	a.store, err = store.Open(a.dbPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening event DB at %q: %w", a.dbPath, err)
	}
	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			a.log.Error("closing event DB", "error", err)
		}
	})
	a.log.Debug("event DB opened", "path", a.dbPath)

	if cfg.MemoryRemote() {
		a.remote = remote.NewMemory(nil)
		a.log.Warn("using in-memory remote, nothing leaves this process")
	} else {
		c, err := remote.NewClient(cfg.RemoteURL, cfg.RemoteToken, a.log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialising remote client: %w", err)
		}
		a.remote = c
	}

	a.mgr = syncp.NewManager(a.store, a.remote, a.log, syncp.WithPolicy(cfg.Policy()))
	a.repo = repository.New(a.store, a.mgr, a.remote, a.log)
	return a, nil
}

// newEngine builds the background trigger from the config.
func (a *app) newEngine() *syncp.Engine {
	return syncp.NewEngine(a.mgr, a.remote, a.remote, syncp.EngineConfig{
		Interval:       a.cfg.SyncInterval,
		InitialBackoff: a.cfg.Backoff.InitialInterval,
		MaxBackoff:     a.cfg.Backoff.MaxInterval,
		MaxRetries:     uint(a.cfg.Backoff.MaxRetries),
	}, a.log)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
