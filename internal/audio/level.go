// Package audio provides the level monitor: PCM decoding and RMS loudness
// measurement in dBFS.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// MinDB is the floor used when clamping levels for display and
	// calibration. Raw levels below this (including -Inf for absolute
	// silence) are far below any realistic threshold.
	MinDB = -96.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
)

// Level computes the instantaneous loudness of one tick's worth of signed,
// normalized time-domain samples, in dBFS. It is a pure function of the
// input buffer. Absolute silence (RMS exactly 0) yields negative infinity;
// callers must treat that as "far below any threshold", not as an error.
func Level(samples []float64) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}

	var sumSquares float64
	for _, s := range samples {
		sumSquares += s * s
	}

	rms := math.Sqrt(sumSquares / float64(len(samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// Clamp bounds a level reading to [MinDB, 0] for accumulation and display.
// The state machine itself compares raw levels and never needs this.
func Clamp(db float64) float64 {
	if db < MinDB || math.IsInf(db, -1) {
		return MinDB
	}
	if db > 0 {
		return 0
	}
	return db
}

// DecodeS16LE converts S16LE mono PCM bytes into normalized [-1, 1) samples.
// Trailing odd bytes are ignored.
func DecodeS16LE(buf []byte) []float64 {
	samples := make([]float64, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		s := int16(binary.LittleEndian.Uint16(buf[i:]))
		samples = append(samples, float64(s)/MaxSampleValue)
	}
	return samples
}

// EncodeS16LE converts normalized samples back to S16LE mono PCM bytes.
// Values outside [-1, 1) are clipped to the 16-bit range.
func EncodeS16LE(samples []float64) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * MaxSampleValue
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v)))
	}
	return buf
}
