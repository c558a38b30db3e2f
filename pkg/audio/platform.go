// Package audio defines the capture abstractions used by the volume monitors.
//
// The two primary abstractions are:
//
//   - [Backend] enumerates input devices and opens callback-driven streams.
//   - [Stream] is a single open capture stream that invokes its frame callback
//     every time the host audio API fills a buffer.
//
// Implementations live in sub-packages (audio/portaudio for real hardware,
// audio/mock for tests). The interfaces are intentionally narrow so that the
// monitors stay decoupled from the host audio API.
package audio

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeviceNotFound is returned by [ResolveDevice] when no input device
// matches the requested identifier.
var ErrDeviceNotFound = errors.New("audio: input device not found")

// FrameFunc receives captured frames. It is invoked on the capture goroutine
// owned by the host audio API and must return quickly.
type FrameFunc func(AudioFrame)

// Stream is an open capture stream.
//
// Implementations must be safe for concurrent use. Close is idempotent.
type Stream interface {
	// Start begins delivering frames to the stream's [FrameFunc].
	Start() error

	// Close stops capture and releases the device. Calling Close more than
	// once is a no-op.
	Close() error
}

// Backend is the entry point for a host audio API.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Devices lists the input devices currently available.
	Devices() ([]Device, error)

	// Open prepares a capture stream on dev using format. Frames are delivered
	// to onFrame once [Stream.Start] is called.
	Open(dev Device, format Format, onFrame FrameFunc) (Stream, error)
}

// ResolveDevice finds the input device identified by id among devices.
//
// An exact name match wins; otherwise a single case-insensitive match is
// accepted. Devices without input channels never match.
func ResolveDevice(devices []Device, id string) (Device, error) {
	if id == "" {
		return Device{}, fmt.Errorf("%w: empty device id", ErrDeviceNotFound)
	}

	var folded []Device
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		if d.Name == id {
			return d, nil
		}
		if strings.EqualFold(d.Name, id) {
			folded = append(folded, d)
		}
	}
	if len(folded) == 1 {
		return folded[0], nil
	}
	if len(folded) > 1 {
		return Device{}, fmt.Errorf("%w: %q is ambiguous (%d devices differ only in case)", ErrDeviceNotFound, id, len(folded))
	}
	return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
}

// Unavailable returns a [Backend] whose every call fails with err. It stands
// in for a host audio API that could not be initialised, so that capture
// fails per user while the rest of the service keeps running.
func Unavailable(err error) Backend {
	return unavailable{err: err}
}

type unavailable struct {
	err error
}

func (u unavailable) Devices() ([]Device, error) {
	return nil, u.err
}

func (u unavailable) Open(Device, Format, FrameFunc) (Stream, error) {
	return nil, u.err
}
