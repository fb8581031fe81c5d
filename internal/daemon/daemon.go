// Package daemon assembles the krypton subsystems and runs them as one
// process: record store, engine gateway, panel client, server manager,
// session hub, and the HTTP API. Construction wires everything, Run
// blocks until the context is canceled, then shuts the stack down in
// dependency order.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/argon-foss/krypton/internal/api"
	"github.com/argon-foss/krypton/internal/cargo"
	"github.com/argon-foss/krypton/internal/config"
	"github.com/argon-foss/krypton/internal/docker"
	"github.com/argon-foss/krypton/internal/installer"
	"github.com/argon-foss/krypton/internal/logger"
	"github.com/argon-foss/krypton/internal/panel"
	"github.com/argon-foss/krypton/internal/server"
	"github.com/argon-foss/krypton/internal/session"
	"github.com/argon-foss/krypton/internal/store"
)

// shutdownTimeout bounds the HTTP drain during daemon shutdown. Session
// teardown and background provisioning waits run after it, unbounded,
// because interrupting an install mid-flight leaves a server broken.
const shutdownTimeout = 10 * time.Second

// Options configures daemon construction.
type Options struct {
	Config  *config.Config
	Version string
	// Loader, when set and backed by a file, enables live reload of the
	// reloadable settings (debug level, session cap).
	Loader *config.Loader
}

// Daemon owns the wired subsystems for a single run.
type Daemon struct {
	cfg     *config.Config
	loader  *config.Loader
	version string

	lock    *flock.Flock
	store   *store.Store
	engine  *docker.Engine
	manager *server.Manager
	hub     *session.Hub
	api     *api.Server
}

// New wires a daemon from configuration. It creates the storage
// directories, takes the singleton lock, opens the record database, and
// connects to the container engine and panel. The returned daemon holds
// the lock until Run finishes.
func New(ctx context.Context, opts Options) (*Daemon, error) {
	cfg := opts.Config

	for _, dir := range []string{cfg.Storage.DataDir, cfg.Storage.VolumesDir, cfg.Storage.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	lock := flock.New(cfg.Storage.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another krypton instance is already running (lock held on %s)", cfg.Storage.LockPath())
	}

	st, err := store.Open(cfg.Storage.DatabasePath())
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open record store: %w", err)
	}

	engine, err := docker.NewEngine(ctx, docker.Options{
		Host:     cfg.Docker.Host,
		Platform: cfg.Docker.Platform,
	})
	if err != nil {
		st.Close()
		lock.Unlock()
		return nil, err
	}

	panelClient := panel.New(panel.Options{AppURL: cfg.Panel.URL})

	manager := server.NewManager(server.Options{
		Store:      st,
		Engine:     engine,
		Panel:      panelClient,
		Installer:  installer.New(engine),
		Cargo:      cargo.New(cargo.Options{}),
		VolumesDir: cfg.Storage.VolumesDir,
	})

	hub := session.NewHub(session.Options{
		Controller:          manager,
		Engine:              engine,
		Validator:           panelClient,
		Rings:               manager.Rings(),
		MaxConnectionsPerIP: cfg.Session.MaxConnectionsPerIP,
	})
	manager.SetBroadcaster(hub)

	apiServer := api.NewServer(api.Options{
		Host:      cfg.API.Host,
		Port:      cfg.API.Port,
		Key:       cfg.API.Key,
		Version:   opts.Version,
		Lifecycle: manager,
		Engine:    engine,
		Sessions:  hub,
	})

	return &Daemon{
		cfg:     cfg,
		loader:  opts.Loader,
		version: opts.Version,
		lock:    lock,
		store:   st,
		engine:  engine,
		manager: manager,
		hub:     hub,
		api:     apiServer,
	}, nil
}

// Run reconciles persisted records against the live engine, starts the
// HTTP listener, and blocks until ctx is canceled. It always attempts a
// full ordered shutdown before returning.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.manager.Reconcile(ctx); err != nil {
		logger.Warn().Err(err).Msg("State reconciliation failed, continuing with persisted records")
	}

	if err := d.api.Start(); err != nil {
		d.close()
		return err
	}

	d.watchConfig()

	logger.Info().
		Str("version", d.version).
		Str("addr", d.api.Addr()).
		Msg("Krypton daemon ready")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.api.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not drain cleanly")
	}

	// Close live sessions after the listener so no new ones arrive, then
	// wait out background installs and transitions before releasing
	// storage they still write to.
	d.hub.Shutdown()
	d.manager.Wait()

	d.close()
	logger.Info().Msg("Shutdown complete")
	return nil
}

// close releases resources acquired in New. Safe to call once.
func (d *Daemon) close() {
	if err := d.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("Closing record store failed")
	}
	if err := d.engine.Close(); err != nil {
		logger.Warn().Err(err).Msg("Closing engine client failed")
	}
	if err := d.lock.Unlock(); err != nil {
		logger.Warn().Err(err).Msg("Releasing daemon lock failed")
	}
}

// watchConfig applies configuration file changes to the settings that
// can change without a restart. Listener address, storage paths, and
// the API key stay fixed for the life of the process.
func (d *Daemon) watchConfig() {
	if d.loader == nil || d.loader.FileUsed() == "" {
		return
	}
	err := d.loader.Watch(
		func(cfg *config.Config, event fsnotify.Event) {
			logger.Info().Str("file", event.Name).Msg("Configuration reloaded")
			logger.SetDebug(cfg.Debug)
			d.hub.SetConnectionLimit(cfg.Session.MaxConnectionsPerIP)
		},
		func(err error) {
			logger.Warn().Err(err).Msg("Ignoring configuration change that failed validation")
		},
	)
	if err != nil {
		logger.Warn().Err(err).Msg("Configuration watching unavailable")
	}
}
