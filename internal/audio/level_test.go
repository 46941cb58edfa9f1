package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// amplitudeFor returns the constant sample amplitude that yields the given
// dBFS level for a constant-valued buffer (RMS equals the amplitude).
func amplitudeFor(db float64) float64 {
	return math.Pow(10, db/20)
}

func constantSamples(db float64, n int) []float64 {
	samples := make([]float64, n)
	amp := amplitudeFor(db)
	for i := range samples {
		samples[i] = amp
	}
	return samples
}

func TestLevelFullScale(t *testing.T) {
	samples := make([]float64, 320)
	for i := range samples {
		samples[i] = 1.0
	}
	assert.InDelta(t, 0.0, Level(samples), 1e-9)
}

func TestLevelKnownAmplitudes(t *testing.T) {
	for _, db := range []float64{-6, -20, -40, -50, -96} {
		got := Level(constantSamples(db, 320))
		assert.InDelta(t, db, got, 1e-9, "amplitude for %v dBFS", db)
	}
}

func TestLevelSilenceIsNegativeInfinity(t *testing.T) {
	assert.True(t, math.IsInf(Level(make([]float64, 320)), -1))
	assert.True(t, math.IsInf(Level(nil), -1))
}

func TestLevelSilenceComparesBelowAnyThreshold(t *testing.T) {
	// -Inf must behave as "far below threshold" in ordinary comparisons.
	level := Level(make([]float64, 320))
	assert.True(t, level <= -40.0)
	assert.False(t, level > -96.0)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, MinDB, Clamp(math.Inf(-1)))
	assert.Equal(t, MinDB, Clamp(-120))
	assert.Equal(t, 0.0, Clamp(3))
	assert.Equal(t, -42.5, Clamp(-42.5))
}

func TestDecodeS16LE(t *testing.T) {
	// 0, max positive, min negative
	buf := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}
	samples := DecodeS16LE(buf)
	require.Len(t, samples, 3)
	assert.Equal(t, 0.0, samples[0])
	assert.InDelta(t, 32767.0/32768.0, samples[1], 1e-12)
	assert.Equal(t, -1.0, samples[2])
}

func TestDecodeS16LEIgnoresTrailingByte(t *testing.T) {
	samples := DecodeS16LE([]byte{0x00, 0x00, 0xAB})
	assert.Len(t, samples, 1)
}

func TestEncodeS16LERoundTrip(t *testing.T) {
	in := []float64{0, 0.5, -0.5, -1.0, 32767.0 / 32768.0}
	out := DecodeS16LE(EncodeS16LE(in))
	require.Len(t, out, len(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1.0/32768.0)
	}
}

func TestEncodeS16LEClipsOutOfRange(t *testing.T) {
	buf := EncodeS16LE([]float64{2.0, -2.0})
	samples := DecodeS16LE(buf)
	assert.InDelta(t, 1.0, samples[0], 1.0/32768.0)
	assert.Equal(t, -1.0, samples[1])
}
