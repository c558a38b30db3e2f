// Package app wires all Spotters subsystems into a running application.
//
// The App struct owns the full lifecycle: New loads the roster and connects
// all subsystems, Run starts audio capture, the overlay server and the
// configuration watcher, and Shutdown tears everything down in order.
//
// For testing, inject an audio backend and metrics via functional options
// (WithBackend, WithMetrics, etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/spotters/internal/broadcast"
	"github.com/MrWong99/spotters/internal/config"
	"github.com/MrWong99/spotters/internal/health"
	"github.com/MrWong99/spotters/internal/monitor"
	"github.com/MrWong99/spotters/internal/observe"
	"github.com/MrWong99/spotters/internal/roster"
	"github.com/MrWong99/spotters/internal/server"
	"github.com/MrWong99/spotters/internal/settings"
	"github.com/MrWong99/spotters/internal/spotter"
	"github.com/MrWong99/spotters/pkg/audio"
)

// ErrNoBackend is returned by New when no audio backend was provided.
var ErrNoBackend = errors.New("app: no audio backend")

// App owns all subsystem lifetimes.
type App struct {
	settings settings.Settings

	backend        audio.Backend
	metrics        *observe.Metrics
	metricsHandler http.Handler
	storeOpts      []config.StoreOption

	// Subsystems, initialised in New and torn down in Shutdown.
	store    *config.Store
	roster   *roster.Roster
	hub      *broadcast.Hub
	monitors *monitor.Manager
	service  *spotter.Service
	server   *server.Server
	watcher  *config.Watcher

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithBackend sets the audio backend monitors capture from.
func WithBackend(b audio.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics injects the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics when telemetry
// metrics are enabled.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithStoreOptions appends options to the configuration store, after the
// ones derived from settings.
func WithStoreOptions(opts ...config.StoreOption) Option {
	return func(a *App) { a.storeOpts = append(a.storeOpts, opts...) }
}

// New loads the persisted configuration and wires every subsystem. Nothing
// is started until Run.
//
// A configuration file that cannot be loaded is replaced in memory by a
// fresh default so the overlays stay reachable; the file itself is left
// untouched until the next successful update.
func New(ctx context.Context, s settings.Settings, opts ...Option) (*App, error) {
	a := &App{settings: s}
	for _, o := range opts {
		o(a)
	}
	if a.backend == nil {
		return nil, ErrNoBackend
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Configuration store + roster ──────────────────────────────────
	a.initStore(ctx)

	// ── 2. Broadcast hub ─────────────────────────────────────────────────
	a.hub = broadcast.New(
		broadcast.WithBuffer(s.Broadcast.SubscriberBuffer),
		broadcast.WithWriteTimeout(s.Broadcast.WriteTimeout),
		broadcast.WithOriginPatterns(s.Broadcast.AllowedOrigins...),
		broadcast.WithMetrics(a.metrics),
	)

	// ── 3. Audio monitors ────────────────────────────────────────────────
	a.monitors = monitor.NewManager(a.backend, a.roster, a.hub,
		monitor.WithFormat(audio.Format{
			SampleRate:      s.Audio.SampleRate,
			FramesPerBuffer: s.Audio.FramesPerBuffer,
		}),
		monitor.WithVolumeScale(s.Audio.VolumeScale),
		monitor.WithAllowPartial(s.Audio.AllowPartial),
		monitor.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func(context.Context) error { return a.monitors.Stop() })

	// ── 4. Character updates ─────────────────────────────────────────────
	a.service = spotter.NewService(a.roster, a.store, a.metrics)

	// ── 5. Overlay server ────────────────────────────────────────────────
	a.initServer()
	a.closers = append(a.closers, a.server.Stop)

	// ── 6. Configuration watcher ─────────────────────────────────────────
	if s.Store.WatchInterval < 0 {
		slog.Info("config watcher disabled by settings", "path", a.store.Path())
	} else if err := a.initWatcher(); err != nil {
		slog.Warn("config watcher disabled", "path", a.store.Path(), "err", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) {
	ss := a.settings.Store
	opts := []config.StoreOption{
		config.WithDefaultPath(ss.DefaultPath),
		config.WithAssetsDir(ss.AssetsDir),
		config.WithRetry(ss.SaveAttempts, ss.SaveDelay),
		config.WithMetrics(a.metrics),
	}
	a.store = config.NewStore(ss.Path, append(opts, a.storeOpts...)...)

	cfg, err := a.store.Load(ctx)
	if err != nil {
		slog.Warn("could not load configuration, using defaults", "path", a.store.Path(), "err", err)
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		slog.Warn("configuration has problems", "path", a.store.Path(), "err", err)
	}
	a.roster = roster.New(cfg)
	slog.Info("configuration loaded",
		"path", a.store.Path(),
		"users", len(cfg.Users),
		"characters", cfg.CharacterCount(),
	)
}

func (a *App) initServer() {
	checks := []health.Checker{
		{Name: "audio", Check: a.monitors.Check},
		{Name: "broadcast", Check: a.checkBroadcast},
		{Name: "config", Check: a.checkConfig},
	}
	probes := health.New(checks, health.WithReporter(health.Reporter{
		Name:   "audio",
		Report: func() any { return a.monitors.Status() },
	}))

	routes := server.Routes{
		Hub:         a.hub,
		Registrars:  []server.Registrar{spotter.NewHandler(a.service, a.roster), probes},
		Development: a.settings.Server.Development,
	}
	if a.settings.Telemetry.Metrics {
		routes.Metrics = a.metricsHandler
	}

	a.server = server.New(server.Config{
		Host:            a.settings.Server.Host,
		Port:            a.port(),
		ShutdownTimeout: a.settings.Server.ShutdownTimeout,
	}, server.NewRouter(routes, a.metrics), a.hub)
}

func (a *App) initWatcher() error {
	w, err := config.NewWatcher(a.store, a.reload,
		config.WithInterval(a.settings.Store.WatchInterval),
		config.WithLock(a.service.SaveLock()),
		config.WithWatcherMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func(context.Context) error {
		w.Stop()
		return nil
	})
	return nil
}

// port returns the listen port: the settings override when set, else the
// port stored in the configuration.
func (a *App) port() int {
	if p := a.settings.Server.Port; p > 0 {
		return p
	}
	return a.roster.Port()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts audio capture, the overlay server and the configuration
// watcher, and blocks until ctx is cancelled or the server fails.
//
// A failure to start audio capture is logged and reported through /readyz;
// the server keeps running so the overlays and the update endpoint stay
// available.
func (a *App) Run(ctx context.Context) error {
	if err := a.monitors.Start(a.roster.Snapshot()); err != nil {
		var derr *monitor.DeviceError
		if errors.As(err, &derr) {
			slog.Error("audio capture not started", "user", derr.Username, "device", derr.DeviceID, "err", derr.Err)
		} else {
			slog.Error("audio capture not started", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}

	slog.Info("app running", "users", len(a.roster.Users()), "port", a.port())
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return ctx.Err()
}

// reload applies a configuration edited outside the service. It runs under
// the update service's save lock, held by the watcher. The roster is
// replaced wholesale; monitors restart only when device assignments changed,
// which also retries a capture start that failed earlier.
func (a *App) reload(cfg config.Configuration) {
	diff := config.Diff(a.roster.Snapshot(), cfg)
	if diff.Empty() {
		return
	}
	a.roster.Replace(cfg)
	slog.Info("configuration reloaded",
		"users_added", diff.UsersAdded,
		"users_removed", diff.UsersRemoved,
		"devices_changed", diff.DevicesChanged,
	)

	if diff.PortChanged {
		slog.Warn("listening port changed in configuration; restart to apply", "port", diff.NewPort)
	}
	if !diff.NeedsAudioRestart() {
		return
	}
	if err := a.monitors.Restart(a.roster.Snapshot()); err != nil {
		slog.Error("audio capture restart failed", "err", err)
	}
}

func (a *App) checkBroadcast(context.Context) error {
	if !a.hub.Connected() {
		return errors.New("broadcast hub closed")
	}
	return nil
}

func (a *App) checkConfig(context.Context) error {
	if _, err := os.Stat(a.store.Path()); err != nil {
		return fmt.Errorf("configuration file: %w", err)
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Addr returns the overlay server's bound address, or nil while it is not
// listening.
func (a *App) Addr() net.Addr {
	return a.server.Addr()
}

// Roster returns the live roster.
func (a *App) Roster() *roster.Roster {
	return a.roster
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
