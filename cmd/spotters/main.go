// Command spotters captures each user's microphone level and broadcasts it
// to browser overlays.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/spotters/internal/app"
	"github.com/MrWong99/spotters/internal/observe"
	"github.com/MrWong99/spotters/internal/settings"
	"github.com/MrWong99/spotters/pkg/audio"
	"github.com/MrWong99/spotters/pkg/audio/portaudio"
)

var version = "dev"

// flags holds the command-line overrides shared by all subcommands.
type flags struct {
	settingsPath string
	configPath   string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "spotters: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "spotters",
		Short:         "Broadcast microphone activity to streaming overlays",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	root.PersistentFlags().StringVar(&f.settingsPath, "settings", "spotters.yaml", "path to the YAML settings file (optional)")
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to the roster configuration file (overrides store.path)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides server.log_level)")

	root.AddCommand(newDevicesCmd())
	return root
}

// loadSettings reads the settings file and applies flag overrides.
func loadSettings(f flags) (settings.Settings, error) {
	s, err := settings.Load(f.settingsPath)
	if err != nil {
		return settings.Settings{}, err
	}
	if f.configPath != "" {
		s.Store.Path = f.configPath
	}
	if f.logLevel != "" {
		s.Server.LogLevel = settings.LogLevel(f.logLevel)
	}
	if err := settings.Validate(s); err != nil {
		return settings.Settings{}, err
	}
	return s, nil
}

func run(ctx context.Context, f flags) error {
	s, err := loadSettings(f)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(s.Server.LogLevel))
	slog.Info("spotters starting",
		"version", version,
		"config", s.Store.Path,
		"log_level", s.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Audio backend ─────────────────────────────────────────────────────────
	backend, closeBackend := audioBackend(portaudio.New())
	defer closeBackend()

	application, err := app.New(ctx, s,
		app.WithBackend(backend),
		app.WithMetrics(provider.Metrics),
		app.WithMetricsHandler(provider.Handler),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	slog.Info("ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Server.ShutdownTimeout+10*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// audioBackend picks the capture backend. When PortAudio cannot be
// initialised the service still starts; every user's capture then fails and
// is reported on /readyz.
func audioBackend(pa *portaudio.Backend, err error) (audio.Backend, func()) {
	if err != nil {
		slog.Error("audio capture unavailable; serving overlays without it", "err", err)
		return audio.Unavailable(err), func() {}
	}
	return pa, func() {
		if err := pa.Close(); err != nil {
			slog.Warn("audio backend close error", "err", err)
		}
	}
}

func newLogger(level settings.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case settings.LogDebug:
		lvl = slog.LevelDebug
	case settings.LogWarn:
		lvl = slog.LevelWarn
	case settings.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
