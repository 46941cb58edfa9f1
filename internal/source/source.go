// Package source abstracts the audio input device behind a tick source: a
// blocking iterator of fixed-size sample frames at a fixed cadence. The
// engine treats the source purely as an iterator it cannot influence.
package source

import (
	"io"
	"sync"
	"time"
)

// Frame is one tick's worth of signed, normalized time-domain samples.
type Frame struct {
	Samples []float64 // Normalized [-1, 1) mono samples
	Time    time.Time // Capture time of the frame
}

// Source delivers a continuous sequence of frames. Next blocks until a frame
// is available and returns io.EOF once the source has ended or been closed.
// Any other error is fatal: the device is gone and the engine never retries.
type Source interface {
	io.Closer
	Next() (Frame, error)
}

// Synthetic replays a scripted frame sequence with deterministic timestamps.
// It exists so the state machine can be exercised without a real device.
type Synthetic struct {
	mu     sync.Mutex
	frames []Frame
	next   int
	closed bool
}

// NewSynthetic returns a Synthetic source that yields the given frames in
// order and then io.EOF.
func NewSynthetic(frames []Frame) *Synthetic {
	return &Synthetic{frames: frames}
}

// Next returns the next scripted frame, or io.EOF when exhausted or closed.
func (s *Synthetic) Next() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.next >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// Close marks the source as ended. It is idempotent.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
