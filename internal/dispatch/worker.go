// Package dispatch hands closed segments to the downstream validation and
// transcription collaborators. Handoff is fire-and-forget from the tick
// loop's perspective: a single worker goroutine drains a FIFO queue, so
// segments reach collaborators in the order their recordings began while
// capture of the next segment proceeds concurrently.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxkit/capture/internal/capture"
	"github.com/voxkit/capture/internal/eventlog"
	"github.com/voxkit/capture/internal/transcript"
)

// DefaultQueueSize bounds the number of segments awaiting downstream
// processing. The tick loop never blocks on a full queue; it drops instead.
const DefaultQueueSize = 16

// segmentTimeout bounds one segment's validation plus transcription.
const segmentTimeout = 120 * time.Second

// Verdict is the validation collaborator's answer for one segment.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Validator decides whether a captured segment is worth transcribing.
// A false verdict is a deliberate negative; an error is a transport or
// service failure and is handled per the fail-open policy.
type Validator interface {
	Validate(ctx context.Context, seg *capture.Segment) (Verdict, error)
}

// Transcriber converts a segment to text. It receives the transcript
// accumulated so far plus the analysis/speech recency the downstream
// service uses to choose between a cheap transcription pass and a full
// analysis pass; that choice is the collaborator's, not ours.
type Transcriber interface {
	Transcribe(ctx context.Context, seg *capture.Segment, items []string, sinceAnalysis, sinceSpeech time.Duration) (string, error)
}

// Archiver stores an emitted segment for audit. Failures must be logged
// internally and never affect dispatch.
type Archiver interface {
	Archive(ctx context.Context, seg *capture.Segment)
}

// Options wires the worker's collaborators.
type Options struct {
	Validator   Validator   // nil skips validation entirely
	Transcriber Transcriber // nil drops segments after validation
	Archiver    Archiver    // nil disables archiving
	Accumulator *transcript.Accumulator
	Events      *eventlog.Logger

	// FailClosed discards segments when the validator errors instead of
	// forwarding them. Default false: a broken validator must never
	// silently suppress real speech.
	FailClosed bool

	QueueSize int
}

// Worker drains the segment queue. It implements capture.Emitter.
type Worker struct {
	queue       chan *capture.Segment
	validator   Validator
	transcriber Transcriber
	archiver    Archiver
	accum       *transcript.Accumulator
	events      *eventlog.Logger
	failClosed  bool

	// mu orders Enqueue sends against the queue close in Stop: the tick
	// loop may outlive a timed-out engine shutdown and still emit.
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewWorker creates and starts a dispatch worker.
func NewWorker(opts Options) *Worker {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	w := &Worker{
		queue:       make(chan *capture.Segment, size),
		validator:   opts.Validator,
		transcriber: opts.Transcriber,
		archiver:    opts.Archiver,
		accum:       opts.Accumulator,
		events:      opts.Events,
		failClosed:  opts.FailClosed,
		done:        make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue accepts a segment for downstream processing without blocking.
// It reports false when the queue is full or the worker has been stopped.
func (w *Worker) Enqueue(seg *capture.Segment) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		slog.Warn("dispatch worker stopped, dropping segment", "segment_id", seg.ID)
		return false
	}

	select {
	case w.queue <- seg:
		return true
	default:
		slog.Warn("dispatch queue full, dropping segment", "segment_id", seg.ID)
		return false
	}
}

// Stop drains the queue and waits for in-flight processing to finish.
// Segments enqueued afterwards are rejected. It is idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		close(w.queue)
		w.mu.Unlock()
		<-w.done
	})
}

// run processes segments strictly in arrival order.
func (w *Worker) run() {
	defer close(w.done)
	for seg := range w.queue {
		w.process(seg)
	}
}

// process runs one segment through validation and, if it survives,
// transcription and archiving.
func (w *Worker) process(seg *capture.Segment) {
	ctx, cancel := context.WithTimeout(context.Background(), segmentTimeout)
	defer cancel()

	if !w.validate(ctx, seg) {
		return
	}

	w.transcribe(ctx, seg)

	if w.archiver != nil {
		w.archiver.Archive(ctx, seg)
	}
}

// validate reports whether the segment should proceed to transcription.
// Validator errors fail open by default: a broken validator forwards the
// segment rather than discarding it.
func (w *Worker) validate(ctx context.Context, seg *capture.Segment) bool {
	if w.validator == nil {
		return true
	}

	verdict, err := w.validator.Validate(ctx, seg)
	if err != nil {
		slog.Error("segment validation errored", "segment_id", seg.ID, "error", err, "fail_closed", w.failClosed)
		if logErr := w.events.LogSegment(eventlog.ValidationError, &eventlog.SegmentDetails{
			SegmentID: seg.ID,
			Error:     err.Error(),
		}); logErr != nil {
			slog.Warn("failed to log validation error", "error", logErr)
		}
		return !w.failClosed
	}

	if !verdict.Valid {
		slog.Info("segment rejected by validator", "segment_id", seg.ID, "reason", verdict.Reason)
		if logErr := w.events.LogSegment(eventlog.ValidationRejected, &eventlog.SegmentDetails{
			SegmentID: seg.ID,
			Reason:    verdict.Reason,
		}); logErr != nil {
			slog.Warn("failed to log validation rejection", "error", logErr)
		}
		return false
	}

	return true
}

// transcribe forwards the segment and appends the resulting text to the
// accumulator with the segment's close time as the speech time.
func (w *Worker) transcribe(ctx context.Context, seg *capture.Segment) {
	if w.transcriber == nil {
		return
	}

	now := time.Now()
	var items []string
	var sinceAnalysis, sinceSpeech time.Duration
	if w.accum != nil {
		items = w.accum.Items()
		sinceAnalysis = w.accum.SinceAnalysis(now)
		sinceSpeech = w.accum.SinceSpeech(now)
	}

	text, err := w.transcriber.Transcribe(ctx, seg, items, sinceAnalysis, sinceSpeech)
	if err != nil {
		slog.Error("transcription failed", "segment_id", seg.ID, "error", err)
		if logErr := w.events.LogSegment(eventlog.TranscriptionError, &eventlog.SegmentDetails{
			SegmentID: seg.ID,
			Error:     err.Error(),
		}); logErr != nil {
			slog.Warn("failed to log transcription error", "error", logErr)
		}
		return
	}

	if w.accum != nil && text != "" {
		w.accum.Append(text, seg.StartTime.Add(seg.Duration))
	}

	if logErr := w.events.LogSegment(eventlog.TranscriptionCompleted, &eventlog.SegmentDetails{
		SegmentID:  seg.ID,
		DurationMs: seg.Duration.Milliseconds(),
	}); logErr != nil {
		slog.Warn("failed to log transcription completion", "error", logErr)
	}
}
