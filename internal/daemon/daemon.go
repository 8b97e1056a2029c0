// Package daemon implements the triaged background service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drewfead/triage/internal/agentrt"
	"github.com/drewfead/triage/internal/config"
	"github.com/drewfead/triage/internal/control"
	"github.com/drewfead/triage/internal/coordinator"
	"github.com/drewfead/triage/internal/logging"
	"github.com/drewfead/triage/internal/manager"
	"github.com/drewfead/triage/internal/parser"
	"github.com/drewfead/triage/internal/store"
	mongostore "github.com/drewfead/triage/internal/store/mongo"
	redisstore "github.com/drewfead/triage/internal/store/redis"
	sqlitestore "github.com/drewfead/triage/internal/store/sqlite"
	"github.com/drewfead/triage/pkg/agentproc"
)

// Daemon wires the session manager, the agent runtime and the HTTP API.
type Daemon struct {
	config  *config.Config
	store   store.SessionStore
	invoker agentrt.Invoker
	parser  *parser.Parser
	manager *manager.Manager
	server  *control.Server

	// runs is reloadable; newRunner reads it under runsMu.
	runsMu sync.RWMutex
	runs   config.RunsConfig

	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the configured store and creates a daemon that runs agents
// through the configured runtime command.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	inv := agentproc.NewInvoker(agentproc.SpawnOptions{
		Command: cfg.Agents.Command,
		Args:    cfg.Agents.Args,
		Env:     cfg.Agents.Env,
	}, logging.Component("agentproc"))
	return NewWithDeps(cfg, st, inv), nil
}

// NewWithDeps creates a daemon around an existing store and invoker.
func NewWithDeps(cfg *config.Config, st store.SessionStore, inv agentrt.Invoker) *Daemon {
	d := &Daemon{
		config:  cfg,
		store:   st,
		invoker: inv,
		runs:    cfg.Runs,
		parser: parser.New(parser.Options{
			SummaryMaxChars: cfg.Parser.SummaryMaxChars,
			MaxRows:         cfg.Parser.MaxRows,
			DocumentAgents:  cfg.Agents.DocumentAgents,
			VizTypes:        cfg.Agents.VizTypes,
		}),
	}
	d.manager = manager.New(st, d.newRunner, manager.Options{
		GracePeriod:    cfg.Sessions.GracePeriod,
		MaxRecent:      cfg.Sessions.MaxRecent,
		HistoryLimit:   cfg.Sessions.HistoryLimit,
		PersistTimeout: cfg.Store.Timeout,
		Logger:         logging.Component("manager"),
	})
	d.server = control.NewServer(d.manager, control.ServerOptions{
		Addr:              cfg.Server.Addr,
		CORSOrigins:       cfg.Server.CORSOrigins,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		Logger:            logging.Component("control"),
	})
	return d
}

// OpenStore opens the backend named by sc.Backend.
func OpenStore(ctx context.Context, sc config.StoreConfig) (store.SessionStore, error) {
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch sc.Backend {
	case config.BackendSQLite, "":
		st, err := sqlitestore.New(sc.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return st, nil
	case config.BackendMongo:
		st, err := mongostore.Dial(dialCtx, sc.Mongo.URI, sc.Mongo.Database, sc.Mongo.Collection, timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return st, nil
	case config.BackendRedis:
		st, err := redisstore.Dial(dialCtx, sc.Redis.URL, sc.Redis.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return st, nil
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

func (d *Daemon) newRunner() manager.Runner {
	d.runsMu.RLock()
	runs := d.runs
	d.runsMu.RUnlock()

	return coordinator.New(d.invoker, d.parser, coordinator.Options{
		MaxAttempts: runs.MaxAttempts,
		Backoff: coordinator.Backoff{
			Initial:    runs.RetryBackoff.Initial,
			Max:        runs.RetryBackoff.Max,
			Multiplier: runs.RetryBackoff.Multiplier,
		},
		Agents: d.config.Agents.Roster,
		Logger: logging.Component("coordinator"),
	})
}

// Manager exposes the session registry.
func (d *Daemon) Manager() *manager.Manager { return d.manager }

// Addr returns the control server's bound address.
func (d *Daemon) Addr() string { return d.server.Addr() }

// Start begins serving the control API.
func (d *Daemon) Start() error {
	if err := d.server.Start(); err != nil {
		return err
	}
	safeGo("store-probe", d.probeStore)
	return nil
}

// probeStore logs whether the configured store answers.
func (d *Daemon) probeStore() {
	ctx, cancel := context.WithTimeout(context.Background(), d.storeTimeout())
	defer cancel()
	docs, err := d.store.Query(ctx, store.Filter{}, 1)
	if err != nil {
		logging.Warn("session store unreachable", "backend", d.config.Store.Backend, "error", err)
		return
	}
	logging.Info("session store ready", "backend", d.config.Store.Backend, "has_history", len(docs) > 0)
}

func (d *Daemon) storeTimeout() time.Duration {
	if d.config.Store.Timeout > 0 {
		return d.config.Store.Timeout
	}
	return 5 * time.Second
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2) // room for a second signal
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return d.signalLoop(sigCh)
}

// signalLoop handles OS signals for graceful shutdown.
func (d *Daemon) signalLoop(sigCh <-chan os.Signal) error {
	for {
		sig := <-sigCh

		switch sig {
		case syscall.SIGHUP:
			logging.Info("received SIGHUP, reloading config")
			if err := d.reloadConfig(); err != nil {
				logging.Error("config reload failed", "error", err)
			}

		case syscall.SIGINT, syscall.SIGTERM:
			logging.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())

			shutdownDone := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), d.drainTimeout())
				defer cancel()
				shutdownDone <- d.Shutdown(ctx)
			}()

			select {
			case err := <-shutdownDone:
				if err != nil {
					logging.Warn("graceful shutdown incomplete", "error", err)
				} else {
					logging.Info("graceful shutdown complete")
				}
				return nil

			case sig2 := <-sigCh:
				logging.Warn("received second signal, forcing immediate shutdown", "signal", sig2.String())
				d.forceShutdown()
				return fmt.Errorf("forced shutdown by signal: %s", sig2.String())
			}
		}
	}
}

func (d *Daemon) drainTimeout() time.Duration {
	if d.config.Daemon.DrainTimeout > 0 {
		return d.config.Daemon.DrainTimeout
	}
	return 30 * time.Second
}

// Shutdown stops accepting sessions, cancels active runs, waits for open
// streams to end and flushes pending writes before closing the store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() {
		logging.Info("stopped accepting new work, draining active sessions")

		// Cancelling runs ends their streams, which lets the server drain.
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return d.manager.Shutdown(gctx) })
		g.Go(func() error { return d.server.Shutdown(gctx) })
		err := g.Wait()

		if cerr := d.store.Close(); cerr != nil {
			logging.Error("error closing store", "error", cerr)
			err = errors.Join(err, cerr)
		}

		logging.Info("flushing Sentry events")
		logging.Flush(2 * time.Second)
		d.shutdownErr = err
	})
	return d.shutdownErr
}

// forceShutdown gives running work half a second before dropping it.
func (d *Daemon) forceShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	d.manager.Abort()
	_ = d.manager.Shutdown(ctx)
	_ = d.server.Shutdown(ctx)
	_ = d.store.Close()
	logging.Flush(500 * time.Millisecond)
}

// reloadConfig handles SIGHUP for config reload.
func (d *Daemon) reloadConfig() error {
	newCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	d.applyReload(newCfg)
	return nil
}

// applyReload copies the fields that are safe to change at runtime.
func (d *Daemon) applyReload(newCfg *config.Config) {
	d.runsMu.Lock()
	d.runs = newCfg.Runs
	d.runsMu.Unlock()
	d.manager.SetGracePeriod(newCfg.Sessions.GracePeriod)

	logging.Info("config reloaded",
		"grace_period", newCfg.Sessions.GracePeriod,
		"max_attempts", newCfg.Runs.MaxAttempts,
		"retry_backoff", newCfg.Runs.RetryBackoff.Initial)
}

// safeGo runs a function in a goroutine with panic recovery.
func safeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.CapturePanic(r, "goroutine", name)
			}
		}()
		fn()
	}()
}
