// Package mock provides in-memory implementations of [audio.Backend] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	backend := &mock.Backend{
//	    DevicesResult: []audio.Device{{Name: "Mic A", MaxInputChannels: 1}},
//	}
//	// ... hand backend to the code under test, then drive a frame:
//	backend.Stream("Mic A").Emit(audio.AudioFrame{Data: pcm})
package mock

import (
	"sync"

	"github.com/MrWong99/spotters/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream].
type Stream struct {
	mu sync.Mutex

	// Device is the device the stream was opened on.
	Device audio.Device

	// Format is the format the stream was opened with.
	Format audio.Format

	// StartError is returned by [Stream.Start].
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onFrame audio.FrameFunc
	started bool
	closed  bool
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Running reports whether the stream was started and not yet closed.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Emit delivers frame to the stream's callback synchronously, as the host
// audio API would. Frames are dropped unless the stream is running.
func (s *Stream) Emit(frame audio.AudioFrame) bool {
	s.mu.Lock()
	running := s.started && !s.closed
	cb := s.onFrame
	s.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(frame)
	return true
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Backend.Open] invocation.
type OpenCall struct {
	Device audio.Device
	Format audio.Format
}

// Backend is a mock implementation of [audio.Backend].
type Backend struct {
	mu sync.Mutex

	// DevicesResult is returned by [Backend.Devices].
	DevicesResult []audio.Device

	// DevicesError is returned by [Backend.Devices].
	DevicesError error

	// OpenErrors maps device names to the error Open should return for them.
	OpenErrors map[string]error

	// StartErrors maps device names to the error the opened stream's Start
	// should return.
	StartErrors map[string]error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	streams map[string]*Stream
}

// Devices implements [audio.Backend].
func (b *Backend) Devices() ([]audio.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DevicesError != nil {
		return nil, b.DevicesError
	}
	out := make([]audio.Device, len(b.DevicesResult))
	copy(out, b.DevicesResult)
	return out, nil
}

// Open implements [audio.Backend]. The latest stream opened for a device
// replaces any earlier one in [Backend.Stream].
func (b *Backend) Open(dev audio.Device, format audio.Format, onFrame audio.FrameFunc) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{Device: dev, Format: format})
	if err := b.OpenErrors[dev.Name]; err != nil {
		return nil, err
	}
	s := &Stream{
		Device:     dev,
		Format:     format,
		StartError: b.StartErrors[dev.Name],
		onFrame:    onFrame,
	}
	if b.streams == nil {
		b.streams = make(map[string]*Stream)
	}
	b.streams[dev.Name] = s
	return s, nil
}

// Stream returns the most recent stream opened on the named device, or nil.
func (b *Backend) Stream(device string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[device]
}

// OpenCount returns the number of Open invocations so far.
func (b *Backend) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.OpenCalls)
}
