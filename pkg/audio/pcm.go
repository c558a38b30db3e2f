package audio

import (
	"encoding/binary"
	"math"
)

// fullScale is the divisor that maps a 16-bit magnitude into [0,1].
const fullScale = 32768

// PeakVolume returns the peak amplitude of little-endian signed 16-bit PCM,
// normalised to [0,1] as max(|sample|)/32768.
//
// The most negative sample (-32768) is treated as 32767: its negation does
// not fit in an int16. A trailing odd byte is ignored.
func PeakVolume(pcm []byte) float64 {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		var amp int
		if s == math.MinInt16 {
			amp = math.MaxInt16
		} else if s < 0 {
			amp = int(-s)
		} else {
			amp = int(s)
		}
		if amp > peak {
			peak = amp
		}
	}
	return float64(peak) / fullScale
}

// Int16ToPCM encodes samples as little-endian PCM into dst, growing it when
// needed, and returns the filled slice.
func Int16ToPCM(dst []byte, samples []int16) []byte {
	n := len(samples) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}
