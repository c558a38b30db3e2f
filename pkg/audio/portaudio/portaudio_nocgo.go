//go:build !cgo

// Package portaudio implements [audio.Backend] on top of the PortAudio C
// library. This build has cgo disabled, so every constructor fails with
// [ErrUnavailable].
package portaudio

import (
	"errors"

	"github.com/MrWong99/spotters/pkg/audio"
)

// ErrUnavailable is returned when PortAudio cannot be used in this build or
// on this host.
var ErrUnavailable = errors.New("portaudio: backend unavailable (built without cgo)")

// Backend is a placeholder that satisfies [audio.Backend] in cgo-less builds.
type Backend struct{}

// New always returns [ErrUnavailable] when cgo is disabled.
func New() (*Backend, error) {
	return nil, ErrUnavailable
}

// Devices implements [audio.Backend].
func (b *Backend) Devices() ([]audio.Device, error) {
	return nil, ErrUnavailable
}

// Open implements [audio.Backend].
func (b *Backend) Open(audio.Device, audio.Format, audio.FrameFunc) (audio.Stream, error) {
	return nil, ErrUnavailable
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}
