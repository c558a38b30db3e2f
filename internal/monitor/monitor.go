// Package monitor turns captured audio into per-character volume events.
//
// A [Monitor] handles the frames of one user's input device: it measures the
// peak volume, resolves the user's active character and publishes one event
// per character. A [Manager] owns the monitors of every user with an
// assigned device and opens or closes their capture streams together.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/spotters/internal/broadcast"
	"github.com/MrWong99/spotters/internal/config"
	"github.com/MrWong99/spotters/internal/observe"
	"github.com/MrWong99/spotters/internal/roster"
	"github.com/MrWong99/spotters/pkg/audio"
)

// DefaultVolumeScale maps a peak volume in [0, 1] to the overlay range [0, 10].
const DefaultVolumeScale = 10

// Publisher receives the events of every frame.
type Publisher interface {
	// Connected reports whether events can currently be delivered.
	Connected() bool

	// Publish delivers events in order without blocking. It must not retain
	// the slice.
	Publish(ctx context.Context, events ...broadcast.Event)
}

// Resolver returns a user's characters and the index of the active one.
// [*roster.Roster] implements it.
type Resolver interface {
	ResolveActive(username string, dst []config.Character) ([]config.Character, int, error)
}

// Monitor converts one user's frames into events. HandleFrame is meant to be
// the stream callback of that user's device.
type Monitor struct {
	username string
	scale    float64
	resolver Resolver
	pub      Publisher
	metrics  *observe.Metrics

	mu     sync.Mutex
	chars  []config.Character
	events []broadcast.Event
	warned bool // an invariant violation was logged and not yet cleared
}

// NewMonitor returns a monitor for username. A non-positive scale uses
// [DefaultVolumeScale]; m may be nil.
func NewMonitor(username string, resolver Resolver, pub Publisher, scale float64, m *observe.Metrics) *Monitor {
	if scale <= 0 {
		scale = DefaultVolumeScale
	}
	return &Monitor{
		username: username,
		scale:    scale,
		resolver: resolver,
		pub:      pub,
		metrics:  m,
	}
}

// HandleFrame publishes the frame's volume for the user's active character
// followed by a zero-volume event for each other character, in roster order.
// Nothing is published while the publisher is disconnected.
//
// The active character is resolved on every frame, so a user without an
// active character has the first one activated here.
func (m *Monitor) HandleFrame(frame audio.AudioFrame) {
	ctx := context.Background()
	if !m.pub.Connected() {
		if m.metrics != nil {
			m.metrics.RecordFrameSkipped(ctx, m.username)
		}
		return
	}
	start := time.Now()
	volume := audio.PeakVolume(frame.Data) * m.scale

	m.mu.Lock()
	defer m.mu.Unlock()

	chars, active, err := m.resolver.ResolveActive(m.username, m.chars)
	m.chars = chars
	switch {
	case errors.Is(err, roster.ErrMultipleActive):
		m.warnOnce("several characters were active; keeping the first", err)
	case err != nil:
		m.warnOnce("cannot resolve characters", err)
		return
	default:
		m.warned = false
	}

	events := m.events[:0]
	if active >= 0 {
		c := chars[active]
		events = append(events, broadcast.Event{
			Username:  m.username,
			Volume:    volume,
			Character: c.Name,
			Visible:   c.Visible,
		})
	}
	for i, c := range chars {
		if i == active {
			continue
		}
		events = append(events, broadcast.Event{
			Username:  m.username,
			Character: c.Name,
			Visible:   c.Visible,
		})
	}
	m.events = events

	m.pub.Publish(ctx, events...)
	if m.metrics != nil {
		m.metrics.RecordFrame(ctx, m.username, time.Since(start))
	}
}

// warnOnce must be called with m.mu held.
func (m *Monitor) warnOnce(msg string, err error) {
	if m.warned {
		return
	}
	m.warned = true
	slog.Warn("monitor: "+msg, "user", m.username, "err", err)
}
