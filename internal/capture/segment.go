package capture

import (
	"time"

	"github.com/google/uuid"
	"github.com/voxkit/capture/internal/types"
)

// Segment is the accumulated raw audio for one candidate utterance. It is
// created when Recording begins and either handed downstream or discarded
// when it closes; the engine holds no reference afterwards.
type Segment struct {
	ID         string           // Unique identifier
	StartTime  time.Time        // When Recording began
	StopReason types.StopReason // Why the segment closed
	Duration   time.Duration    // Total duration from start to close
	SampleRate int              // Samples per second
	PCM        []float64        // Concatenated normalized samples
}

// ByteSize returns the segment's size when encoded as 16-bit PCM.
func (s *Segment) ByteSize() int {
	return len(s.PCM) * 2
}

// Empty reports whether the segment contains no audio.
func (s *Segment) Empty() bool {
	return len(s.PCM) == 0
}

// Assembler accumulates raw sample buffers delivered each tick while a
// segment is open. No resampling or encoding happens here; buffers are
// copied as-is and concatenated on close.
type Assembler struct {
	chunks  [][]float64
	samples int
}

// Append copies one tick's buffer into the assembler.
func (a *Assembler) Append(samples []float64) {
	chunk := make([]float64, len(samples))
	copy(chunk, samples)
	a.chunks = append(a.chunks, chunk)
	a.samples += len(samples)
}

// SampleCount returns the total number of accumulated samples.
func (a *Assembler) SampleCount() int {
	return a.samples
}

// Concat joins all accumulated buffers into one contiguous slice.
func (a *Assembler) Concat() []float64 {
	out := make([]float64, 0, a.samples)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	return out
}

// Reset drops all accumulated buffers.
func (a *Assembler) Reset() {
	a.chunks = nil
	a.samples = 0
}

// openSegment tracks an in-progress recording before it is sealed into a
// Segment on close.
type openSegment struct {
	id    string
	start time.Time
	asm   Assembler
}

func newOpenSegment(start time.Time) *openSegment {
	return &openSegment{
		id:    uuid.NewString(),
		start: start,
	}
}

// seal closes the segment at the given time with the given reason.
func (o *openSegment) seal(reason types.StopReason, closeTime time.Time, sampleRate int) *Segment {
	return &Segment{
		ID:         o.id,
		StartTime:  o.start,
		StopReason: reason,
		Duration:   closeTime.Sub(o.start),
		SampleRate: sampleRate,
		PCM:        o.asm.Concat(),
	}
}
