package audio

import "time"

// Capture defaults used when a caller leaves [Format] fields zero.
const (
	DefaultSampleRate      = 44100
	DefaultChannels        = 1
	DefaultFramesPerBuffer = 4410 // 100 ms at 44.1 kHz
)

// AudioFrame is one buffer's worth of captured audio, as delivered by a
// [Stream] callback.
type AudioFrame struct {
	// Data is interleaved little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels in Data.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate, channel count and buffer size a stream
// is opened with.
type Format struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// WithDefaults returns f with zero fields replaced by the package defaults.
func (f Format) WithDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = DefaultChannels
	}
	if f.FramesPerBuffer <= 0 {
		f.FramesPerBuffer = DefaultFramesPerBuffer
	}
	return f
}

// Device describes an audio input device known to a [Backend].
type Device struct {
	// Name is the product name reported by the host audio API. It is the
	// identifier persisted as a user's audio device.
	Name string

	// HostAPI names the host audio API that exposes the device (e.g. "MME", "ALSA").
	HostAPI string

	// MaxInputChannels is the number of input channels the device supports.
	MaxInputChannels int

	// DefaultSampleRate is the device's preferred sample rate in Hz.
	DefaultSampleRate float64

	// IsDefault reports whether this is the host's default input device.
	IsDefault bool
}
