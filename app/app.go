// Package app wires configuration, logging and the engine into a
// runnable process, and decides whether that process is the supervisor
// or one serving worker.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/searchktools/turbo-server/config"
	"github.com/searchktools/turbo-server/core"
	"github.com/searchktools/turbo-server/core/pools"
	"github.com/searchktools/turbo-server/core/ratelimit"
	"github.com/searchktools/turbo-server/core/websocket"
	"github.com/searchktools/turbo-server/core/worker"
)

const shutdownTimeout = 15 * time.Second

// App is one configured process: either the supervisor of N workers or
// a worker serving traffic.
type App struct {
	cfg    *config.Config
	log    *logrus.Logger
	engine *core.Engine
}

// New builds the logger and engine from cfg. Register routes on
// Engine() before calling Run.
func New(cfg *config.Config) (*App, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(cfg.LogrusLevel())

	pools.ApplyGCConfig(pools.GCConfig{
		Percent:     cfg.GC.Percent,
		MemoryLimit: cfg.GC.MemoryLimit,
	})

	// Each worker owns a private disk tier; the supervisor never
	// serves, so it must not take the store lock away from worker 0.
	cacheDir := ""
	if cfg.Cache.Dir != "" && !isSupervisor(cfg) {
		id := worker.WorkerID()
		if id < 0 {
			id = 0
		}
		cacheDir = filepath.Join(cfg.Cache.Dir, "worker-"+strconv.Itoa(id))
	}

	engine, err := core.NewEngine(core.Options{
		Logger:       log,
		Debug:        cfg.Debug,
		FreeThreaded: cfg.FreeThreaded,
		RateLimit: ratelimit.Config{
			Capacity:   cfg.RateLimit.Capacity,
			RefillRate: cfg.RateLimit.RefillRate,
		},
		WebSocket: websocket.Config{
			MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
			HeartbeatInterval: cfg.WebSocket.HeartbeatInterval.Std(),
			Timeout:           cfg.WebSocket.HeartbeatTimeout.Std(),
			RateLimit:         cfg.WebSocket.RateLimit,
		},
		CacheDir:     cacheDir,
		CacheDiskMax: cfg.Cache.DiskMaxBytes,
		StatsEnabled: true,
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
		IdleTimeout:  cfg.IdleTimeout.Std(),
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}

	return &App{cfg: cfg, log: log, engine: engine}, nil
}

// Engine exposes the engine for route registration.
func (a *App) Engine() *core.Engine { return a.engine }

// Logger exposes the process logger.
func (a *App) Logger() *logrus.Logger { return a.log }

// TurboTTL is the configured default TTL for cached turbo routes.
func (a *App) TurboTTL() time.Duration { return a.cfg.Cache.DefaultTTL.Std() }

// isSupervisor reports whether this process should supervise rather
// than serve. A single-worker config serves in-process; anything else
// forks, and forked children carry a worker id.
func isSupervisor(cfg *config.Config) bool {
	return cfg.Workers != 1 && !worker.IsWorker()
}

// Run blocks until SIGINT/SIGTERM or a fatal error. The supervisor
// role spawns and babysits workers; the worker role binds its shared
// listener and serves.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if isSupervisor(a.cfg) {
		sup := worker.NewSupervisor(a.log, a.cfg.Workers)
		a.log.WithFields(logrus.Fields{
			"addr":    a.cfg.Addr,
			"workers": sup.Count(),
			"pid":     os.Getpid(),
		}).Info("supervisor starting")
		return sup.Run(ctx)
	}
	return a.serve(ctx)
}

func (a *App) serve(ctx context.Context) error {
	ln, err := worker.Listen(a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", a.cfg.Addr, err)
	}
	if a.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, a.cfg.MaxConns)
	}

	a.engine.Freeze()

	mode := "serialized"
	if a.cfg.FreeThreaded {
		mode = "free-threaded"
	}
	a.log.WithFields(logrus.Fields{
		"addr":   ln.Addr().String(),
		"mode":   mode,
		"worker": worker.WorkerID(),
		"routes": a.engine.Routes(),
		"pid":    os.Getpid(),
	}).Info("turbo server listening")

	if every := a.cfg.StatsInterval.Std(); every > 0 {
		go a.statsLoop(ctx, every)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.engine.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		a.log.Info("signal received, shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.engine.Shutdown(sctx)
	case err := <-errCh:
		return err
	}
}

func (a *App) statsLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.engine.Stats()
			a.log.WithFields(logrus.Fields{
				"requests":     snap.Requests,
				"errors":       snap.Errors,
				"rate_limited": snap.RateLimited,
				"cache_hits":   snap.CacheHits,
				"cache_stale":  snap.CacheStale,
				"sessions":     a.engine.Sessions(),
			}).Debug("engine stats")
		}
	}
}
