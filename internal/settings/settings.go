// Package settings loads the host settings of the Spotters service: where
// the roster file lives, how audio is captured and how the overlay server
// listens. Settings come from an optional YAML file and are then overridden
// by SPOTTERS_* environment variables.
//
// Settings are distinct from the persisted roster configuration in package
// config, which users edit while the service runs.
package settings

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Settings is the root host configuration.
type Settings struct {
	Server    ServerSettings    `yaml:"server"`
	Store     StoreSettings     `yaml:"store"`
	Audio     AudioSettings     `yaml:"audio"`
	Broadcast BroadcastSettings `yaml:"broadcast"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// ServerSettings configures the overlay HTTP server.
type ServerSettings struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string `yaml:"host" env:"SPOTTERS_SERVER_HOST"`

	// Port overrides the port stored in the roster file. 0 uses the file's port.
	Port int `yaml:"port" env:"SPOTTERS_SERVER_PORT"`

	LogLevel LogLevel `yaml:"log_level" env:"SPOTTERS_LOG_LEVEL"`

	// Development exposes panic values in error responses.
	Development bool `yaml:"development" env:"SPOTTERS_DEVELOPMENT"`

	// ShutdownTimeout bounds graceful server shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SPOTTERS_SHUTDOWN_TIMEOUT"`
}

// StoreSettings configures the roster file.
type StoreSettings struct {
	// Path is the user's roster file.
	Path string `yaml:"path" env:"SPOTTERS_CONFIG"`

	// DefaultPath is the bundled file copied on first run.
	DefaultPath string `yaml:"default_path" env:"SPOTTERS_DEFAULT_CONFIG"`

	// AssetsDir holds <user>/<character>/ media folders used for discovery.
	AssetsDir string `yaml:"assets_dir" env:"SPOTTERS_ASSETS_DIR"`

	SaveAttempts int           `yaml:"save_attempts" env:"SPOTTERS_SAVE_ATTEMPTS"`
	SaveDelay    time.Duration `yaml:"save_delay" env:"SPOTTERS_SAVE_DELAY"`

	// WatchInterval is how often the roster file is polled for external
	// edits. Negative disables watching.
	WatchInterval time.Duration `yaml:"watch_interval" env:"SPOTTERS_WATCH_INTERVAL"`
}

// AudioSettings configures capture and volume metering.
type AudioSettings struct {
	SampleRate      int     `yaml:"sample_rate" env:"SPOTTERS_SAMPLE_RATE"`
	FramesPerBuffer int     `yaml:"frames_per_buffer" env:"SPOTTERS_FRAMES_PER_BUFFER"`
	VolumeScale     float64 `yaml:"volume_scale" env:"SPOTTERS_VOLUME_SCALE"`

	// AllowPartial keeps the other monitors running when a device cannot be
	// opened, instead of stopping audio for everyone.
	AllowPartial bool `yaml:"allow_partial" env:"SPOTTERS_ALLOW_PARTIAL"`
}

// BroadcastSettings configures the overlay event hub.
type BroadcastSettings struct {
	// SubscriberBuffer is the per-subscriber event queue length.
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"SPOTTERS_SUBSCRIBER_BUFFER"`

	WriteTimeout time.Duration `yaml:"write_timeout" env:"SPOTTERS_WRITE_TIMEOUT"`

	// AllowedOrigins are host patterns accepted for cross-origin WebSocket
	// subscriptions, in addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins" env:"SPOTTERS_ALLOWED_ORIGINS" envSeparator:","`
}

// TelemetrySettings configures observability endpoints.
type TelemetrySettings struct {
	// Metrics enables the Prometheus /metrics endpoint.
	Metrics bool `yaml:"metrics" env:"SPOTTERS_METRICS"`
}

// Default returns the settings used when no file is present.
func Default() Settings {
	return Settings{
		Server: ServerSettings{
			Host:            "",
			LogLevel:        LogInfo,
			ShutdownTimeout: 5 * time.Second,
		},
		Store: StoreSettings{
			Path:          DefaultConfigPath(),
			DefaultPath:   filepath.Join(executableDir(), "config.json"),
			AssetsDir:     filepath.Join(executableDir(), "wwwroot", "images"),
			SaveAttempts:  10,
			SaveDelay:     100 * time.Millisecond,
			WatchInterval: 2 * time.Second,
		},
		Audio: AudioSettings{
			SampleRate:      44100,
			FramesPerBuffer: 4410,
			VolumeScale:     10,
		},
		Broadcast: BroadcastSettings{
			SubscriberBuffer: 64,
			WriteTimeout:     2 * time.Second,
		},
		Telemetry: TelemetrySettings{Metrics: true},
	}
}

// DefaultConfigPath returns ~/Documents/Spotters/config.json, falling back to
// the working directory when the home directory is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, "Documents", "Spotters", "config.json")
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Load reads the YAML settings file at path, applies environment overrides
// and validates the result. An empty path or a missing file yields
// [Default] with overrides applied.
func Load(path string) (Settings, error) {
	if path == "" {
		return finish(Default())
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Default())
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings: open %q: %w", path, err)
	}
	defer f.Close()

	s, err := LoadFromReader(f)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: parse %q: %w", path, err)
	}
	return s, nil
}

// LoadFromReader decodes YAML from r on top of [Default], applies
// environment overrides and validates the result. Unknown keys are errors.
func LoadFromReader(r io.Reader) (Settings, error) {
	s := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("settings: decode yaml: %w", err)
	}
	return finish(s)
}

func finish(s Settings) (Settings, error) {
	if err := ApplyEnv(&s); err != nil {
		return Settings{}, err
	}
	if err := Validate(s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ApplyEnv overrides fields of s from SPOTTERS_* environment variables.
// Unset variables leave the current values in place.
func ApplyEnv(s *Settings) error {
	if err := env.Parse(s); err != nil {
		return fmt.Errorf("settings: parse env: %w", err)
	}
	return nil
}

// Validate checks that s contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(s Settings) error {
	var errs []error

	if s.Server.LogLevel != "" && !s.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.Server.LogLevel))
	}
	if s.Server.Port < 0 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [0, 65535]", s.Server.Port))
	}
	if s.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	if s.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if s.Store.SaveAttempts < 1 {
		errs = append(errs, fmt.Errorf("store.save_attempts must be at least 1, got %d", s.Store.SaveAttempts))
	}
	if s.Store.SaveDelay < 0 {
		errs = append(errs, errors.New("store.save_delay must not be negative"))
	}

	if s.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", s.Audio.SampleRate))
	}
	if s.Audio.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer must be positive, got %d", s.Audio.FramesPerBuffer))
	}
	if s.Audio.VolumeScale <= 0 {
		errs = append(errs, fmt.Errorf("audio.volume_scale must be positive, got %g", s.Audio.VolumeScale))
	}

	if s.Broadcast.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("broadcast.subscriber_buffer must be at least 1, got %d", s.Broadcast.SubscriberBuffer))
	}
	if s.Broadcast.WriteTimeout <= 0 {
		errs = append(errs, errors.New("broadcast.write_timeout must be positive"))
	}

	return errors.Join(errs...)
}
