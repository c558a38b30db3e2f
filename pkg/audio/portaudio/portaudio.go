//go:build cgo

// Package portaudio implements [audio.Backend] on top of the PortAudio C
// library. It requires cgo and the PortAudio shared library at runtime.
package portaudio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/spotters/pkg/audio"
)

// ErrUnavailable is returned when PortAudio cannot be used in this build or
// on this host.
var ErrUnavailable = errors.New("portaudio: backend unavailable")

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// Backend is a PortAudio-backed [audio.Backend]. Create it with [New] and
// release it with [Backend.Close] once every stream is closed.
type Backend struct {
	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio.
func New() (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %w", ErrUnavailable, err)
	}
	return &Backend{}, nil
}

// Devices implements [audio.Backend].
func (b *Backend) Devices() ([]audio.Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var defName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defName = def.Name
	}

	out := make([]audio.Device, 0, len(infos))
	for _, info := range infos {
		if info.MaxInputChannels <= 0 {
			continue
		}
		d := audio.Device{
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			IsDefault:         info.Name == defName,
		}
		if info.HostApi != nil {
			d.HostAPI = info.HostApi.Name
		}
		out = append(out, d)
	}
	return out, nil
}

// Open implements [audio.Backend]. The returned stream invokes onFrame from
// PortAudio's callback thread with a freshly allocated frame per buffer.
func (b *Backend) Open(dev audio.Device, format audio.Format, onFrame audio.FrameFunc) (audio.Stream, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: backend closed", ErrUnavailable)
	}

	info, err := lookup(dev.Name)
	if err != nil {
		return nil, err
	}
	format = format.WithDefaults()

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: format.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: format.FramesPerBuffer,
	}

	s := &stream{device: dev.Name}
	frameDur := time.Duration(format.FramesPerBuffer) * time.Second / time.Duration(format.SampleRate)
	var elapsed time.Duration
	callback := func(in []int16) {
		onFrame(audio.AudioFrame{
			Data:       audio.Int16ToPCM(nil, in),
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Timestamp:  elapsed,
		})
		elapsed += frameDur
	}

	ps, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open %q: %w", dev.Name, err)
	}
	s.ps = ps
	return s, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return portaudio.Terminate()
}

// lookup finds the PortAudio device info for name.
func lookup(name string) (*portaudio.DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, info := range infos {
		if info.Name == name && info.MaxInputChannels > 0 {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", audio.ErrDeviceNotFound, name)
}

// stream wraps a PortAudio stream with idempotent Close.
type stream struct {
	device string
	ps     *portaudio.Stream

	mu     sync.Mutex
	closed bool
}

func (s *stream) Start() error {
	if err := s.ps.Start(); err != nil {
		return fmt.Errorf("portaudio: start %q: %w", s.device, err)
	}
	return nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// Stop fails on a stream that was never started; Close still releases it.
	_ = s.ps.Stop()
	if err := s.ps.Close(); err != nil {
		return fmt.Errorf("portaudio: close %q: %w", s.device, err)
	}
	return nil
}
