package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/spotters/internal/config"
	"github.com/MrWong99/spotters/internal/observe"
	"github.com/MrWong99/spotters/pkg/audio"
)

// ErrNotStarted is reported by [Manager.Check] before the first successful
// [Manager.Start].
var ErrNotStarted = errors.New("monitor: audio capture not started")

// DeviceError reports a user whose audio device could not be resolved,
// opened or started.
type DeviceError struct {
	Username string
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("monitor: user %q: audio device %q: %v", e.Username, e.DeviceID, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// State describes a user's capture state.
type State string

const (
	StateRunning    State = "running"
	StateUnassigned State = "unassigned" // no device configured
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// UserStatus is the capture state of one user.
type UserStatus struct {
	Username string `json:"username"`
	DeviceID string `json:"deviceId,omitempty"`
	State    State  `json:"state"`
	Error    string `json:"error,omitempty"`
}

// Manager runs one [Monitor] per user with an assigned device.
//
// By default startup is all-or-nothing: if any user's device cannot be
// resolved, opened or started, no monitor runs and [Manager.Start] returns a
// [*DeviceError] naming that user. [WithAllowPartial] keeps the healthy
// monitors running instead.
type Manager struct {
	backend      audio.Backend
	resolver     Resolver
	pub          Publisher
	format       audio.Format
	scale        float64
	allowPartial bool
	metrics      *observe.Metrics

	mu      sync.Mutex
	started bool
	streams []audio.Stream
	status  []UserStatus
	lastErr error
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithFormat sets the capture format. Zero fields use the audio defaults.
func WithFormat(f audio.Format) ManagerOption {
	return func(m *Manager) { m.format = f.WithDefaults() }
}

// WithVolumeScale sets the factor applied to peak volumes.
func WithVolumeScale(scale float64) ManagerOption {
	return func(m *Manager) {
		if scale > 0 {
			m.scale = scale
		}
	}
}

// WithAllowPartial keeps healthy monitors running when another user's
// device fails.
func WithAllowPartial(allow bool) ManagerOption {
	return func(m *Manager) { m.allowPartial = allow }
}

// WithMetrics records frame and monitor counts on m.
func WithMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// NewManager returns a stopped manager.
func NewManager(backend audio.Backend, resolver Resolver, pub Publisher, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend:  backend,
		resolver: resolver,
		pub:      pub,
		format:   audio.Format{}.WithDefaults(),
		scale:    DefaultVolumeScale,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens a capture stream for every user in cfg that has a device.
// Users without a device are skipped with a warning. Starting a running
// manager is a no-op.
func (m *Manager) Start(cfg config.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	err := m.start(cfg)
	m.lastErr = err
	return err
}

func (m *Manager) start(cfg config.Configuration) error {
	m.status = make([]UserStatus, 0, len(cfg.Users))

	devices, err := m.backend.Devices()
	if err != nil {
		for _, u := range cfg.Users {
			m.status = append(m.status, UserStatus{Username: u.Username, DeviceID: u.DeviceID(), State: StateFailed, Error: err.Error()})
		}
		return fmt.Errorf("monitor: list audio devices: %w", err)
	}

	type plan struct {
		status int
		user   config.UserMapping
		dev    audio.Device
	}
	var plans []plan
	var failures []error

	// Resolve every device before opening any, so that a misconfigured user
	// fails the whole start without touching hardware.
	for _, u := range cfg.Users {
		st := UserStatus{Username: u.Username, DeviceID: u.DeviceID()}
		if !u.HasDevice() {
			st.State = StateUnassigned
			slog.Warn("monitor: user has no audio device; skipping", "user", u.Username)
			m.status = append(m.status, st)
			continue
		}
		dev, err := audio.ResolveDevice(devices, u.DeviceID())
		if err != nil {
			derr := &DeviceError{Username: u.Username, DeviceID: u.DeviceID(), Err: err}
			st.State, st.Error = StateFailed, derr.Error()
			m.status = append(m.status, st)
			failures = append(failures, derr)
			continue
		}
		m.status = append(m.status, st)
		plans = append(plans, plan{status: len(m.status) - 1, user: u, dev: dev})
	}
	if len(failures) > 0 && !m.allowPartial {
		m.abort()
		return failures[0]
	}

	for _, p := range plans {
		mon := NewMonitor(p.user.Username, m.resolver, m.pub, m.scale, m.metrics)
		stream, err := m.open(p.dev, mon)
		if err != nil {
			derr := &DeviceError{Username: p.user.Username, DeviceID: p.user.DeviceID(), Err: err}
			m.status[p.status].State, m.status[p.status].Error = StateFailed, derr.Error()
			if !m.allowPartial {
				m.closeStreams()
				m.abort()
				return derr
			}
			failures = append(failures, derr)
			continue
		}
		m.streams = append(m.streams, stream)
		m.status[p.status].State = StateRunning
		slog.Info("monitor: capturing", "user", p.user.Username, "device", p.dev.Name)
	}

	m.started = true
	if m.metrics != nil {
		m.metrics.ActiveMonitors.Add(context.Background(), int64(len(m.streams)))
	}
	for _, f := range failures {
		slog.Warn("monitor: user skipped", "err", f)
	}
	return nil
}

func (m *Manager) open(dev audio.Device, mon *Monitor) (audio.Stream, error) {
	stream, err := m.backend.Open(dev, m.format, mon.HandleFrame)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}

// abort marks every user that was not failed as stopped. Must be called with
// m.mu held.
func (m *Manager) abort() {
	for i := range m.status {
		if m.status[i].State != StateFailed && m.status[i].State != StateUnassigned {
			m.status[i].State = StateStopped
		}
	}
}

// closeStreams must be called with m.mu held.
func (m *Manager) closeStreams() error {
	var errs []error
	for _, s := range m.streams {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.streams = nil
	return errors.Join(errs...)
}

// Stop closes every capture stream. Stopping a stopped manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	n := len(m.streams)
	err := m.closeStreams()
	for i := range m.status {
		if m.status[i].State == StateRunning {
			m.status[i].State = StateStopped
		}
	}
	m.started = false
	if m.metrics != nil {
		m.metrics.ActiveMonitors.Add(context.Background(), -int64(n))
	}
	if err != nil {
		return fmt.Errorf("monitor: close streams: %w", err)
	}
	return nil
}

// Restart stops all monitors and starts them again for cfg.
func (m *Manager) Restart(cfg config.Configuration) error {
	if err := m.Stop(); err != nil {
		slog.Warn("monitor: errors while stopping for restart", "err", err)
	}
	return m.Start(cfg)
}

// Running reports whether monitors are running.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Status returns the capture state of every configured user.
func (m *Manager) Status() []UserStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.status)
}

// Check reports whether audio capture is healthy: started, and no user's
// device failed. It is shaped to serve as a readiness check.
func (m *Manager) Check(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		if m.lastErr != nil {
			return m.lastErr
		}
		return ErrNotStarted
	}
	var failed []string
	for _, st := range m.status {
		if st.State == StateFailed {
			failed = append(failed, st.Username)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("monitor: capture failed for %q", failed)
	}
	return nil
}
