// Package capture implements the continuous voice-activity capture engine:
// the tick-driven state machine that decides when a contiguous span of
// signal is one discrete utterance, assembles it, and hands it downstream.
package capture

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/voxkit/capture/internal/audio"
	"github.com/voxkit/capture/internal/eventlog"
	"github.com/voxkit/capture/internal/source"
	"github.com/voxkit/capture/internal/types"
	"github.com/voxkit/capture/internal/util"
)

// Sentinel errors for engine operations.
var (
	ErrAlreadyRunning    = errors.New("capture engine already running")
	ErrNotInitialized    = errors.New("capture engine not running")
	ErrCalibrating       = errors.New("calibration in progress")
	ErrCalibrationFailed = errors.New("calibration collected no samples")
)

// Store persists engine-owned detection values. The engine never touches
// configuration files directly; it writes through this narrow interface
// after every calibration and every manual override.
type Store interface {
	SetThresholdDB(v float64) error
	SetCalibrationMarginDB(v float64) error
	SetNoiseFloorDB(v float64) error
}

// Emitter receives closed, validated-size segments for asynchronous
// downstream processing. Enqueue must never block the tick loop; it reports
// whether the segment was accepted.
type Emitter interface {
	Enqueue(seg *Segment) bool
}

// Settings holds the engine's tunable detection parameters, loaded from the
// configuration store at construction.
type Settings struct {
	ThresholdDB         float64       // Level above which signal is active
	CalibrationMarginDB float64       // Offset added to a measured noise floor
	NoiseFloorDB        *float64      // Last measured noise floor, nil before first calibration
	ConfirmationWindow  time.Duration // Sustained activity required before Recording
	SilenceWindow       time.Duration // Sustained silence required before closing
	MinDuration         time.Duration // Segments shorter than this are discarded
	MaxDuration         time.Duration // Force-close ceiling
	SampleRate          int           // Samples per second of the tick stream
}

// Options wires the engine's collaborators.
type Options struct {
	Store    Store
	Emitter  Emitter
	Events   *eventlog.Logger
	Settings Settings
}

// Engine owns the capture state machine. All transitions happen inside
// processFrame, driven by the tick loop; external callers can only observe
// state, adjust detection values, and request calibration. This makes
// invalid transitions (such as opening a second segment while one is open)
// unreachable rather than merely forbidden.
type Engine struct {
	mu sync.RWMutex

	store     Store
	emitter   Emitter
	events    *eventlog.Logger
	observers Observers

	// Detection parameters. Writers are calibration and explicit overrides,
	// both mutually exclusive with an in-flight calibration pass.
	thresholdDB   float64
	marginDB      float64
	noiseFloorDB  float64
	hasNoiseFloor bool

	confirmationWindow time.Duration
	silenceWindow      time.Duration
	minDuration        time.Duration
	maxDuration        time.Duration
	sampleRate         int

	// Tick loop state.
	running   bool
	state     types.CaptureState
	src       source.Source
	stopCh    chan struct{}
	doneCh    chan struct{}
	startTime time.Time
	lastError string

	// State machine timers, all frame-timestamp arithmetic.
	confirmStart time.Time
	silenceStart time.Time
	seg          *openSegment
	cal          *calibration

	segmentsEmitted uint64
	segmentsDropped uint64
	lastSegStart    time.Time
}

// New creates an Engine with the given settings and collaborators.
func New(opts Options) *Engine {
	s := opts.Settings
	e := &Engine{
		store:              opts.Store,
		emitter:            opts.Emitter,
		events:             opts.Events,
		thresholdDB:        s.ThresholdDB,
		marginDB:           s.CalibrationMarginDB,
		confirmationWindow: s.ConfirmationWindow,
		silenceWindow:      s.SilenceWindow,
		minDuration:        s.MinDuration,
		maxDuration:        s.MaxDuration,
		sampleRate:         s.SampleRate,
		state:              types.StateIdle,
	}
	if s.NoiseFloorDB != nil {
		e.noiseFloorDB = *s.NoiseFloorDB
		e.hasNoiseFloor = true
	}
	if e.sampleRate == 0 {
		e.sampleRate = types.SampleRate
	}
	return e
}

// Subscribe registers a status observer.
func (e *Engine) Subscribe(obs Observer) {
	e.observers.Subscribe(obs)
}

// Start begins consuming the tick source on a background goroutine. A device
// that cannot be opened must be surfaced by the caller before Start; errors
// from a running source halt the loop and are never retried here.
func (e *Engine) Start(src source.Source) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.state = types.StateIdle
	e.src = src
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.startTime = time.Now()
	e.lastError = ""
	e.mu.Unlock()

	if err := e.events.LogCapture(eventlog.CaptureStarted, ""); err != nil {
		slog.Warn("failed to log capture start", "error", err)
	}
	e.observers.NotifyStatus(types.StatusIdle)

	go e.run()
	return nil
}

// run is the cooperative tick loop: one iteration per available frame, all
// state-machine logic synchronous within the iteration.
func (e *Engine) run() {
	defer close(e.doneCh)

	for {
		frame, err := e.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("tick source ended")
			} else {
				slog.Error("tick source failed", "error", err)
				e.setLastError(err)
				if logErr := e.events.LogCapture(eventlog.CaptureError, err.Error()); logErr != nil {
					slog.Warn("failed to log capture error", "error", logErr)
				}
			}
			e.halt()
			return
		}
		e.processFrame(frame)
	}
}

// processFrame advances the state machine by one tick. It must complete
// before the next frame arrives and never blocks on I/O; the only follow-on
// work, handing a closed segment downstream, is a non-blocking enqueue.
func (e *Engine) processFrame(f source.Frame) {
	level := audio.Level(f.Samples)

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}

	threshold := e.thresholdDB
	minDuration := e.minDuration
	prevCoarse := coarseOf(e.state)

	var closed *Segment

	switch e.state {
	case types.StateCalibrating:
		e.calibrationTick(level, f.Time)

	case types.StateIdle:
		if level > threshold {
			e.state = types.StateAwaitingConfirmation
			e.confirmStart = f.Time
		}

	case types.StateAwaitingConfirmation:
		if level <= threshold {
			// Any dip fully resets the confirmation timer.
			e.state = types.StateIdle
			e.confirmStart = time.Time{}
		} else if f.Time.Sub(e.confirmStart) >= e.confirmationWindow {
			e.seg = newOpenSegment(f.Time)
			e.seg.asm.Append(f.Samples)
			e.lastSegStart = f.Time
			e.state = types.StateRecording
			if err := e.events.LogSegment(eventlog.SegmentOpen, &eventlog.SegmentDetails{SegmentID: e.seg.id}); err != nil {
				slog.Warn("failed to log segment open", "error", err)
			}
		}

	case types.StateRecording:
		if f.Time.Sub(e.seg.start) >= e.maxDuration {
			closed = e.closeSegmentLocked(types.StopMaxDuration, f.Time)
		} else {
			e.seg.asm.Append(f.Samples)
			if level <= threshold {
				e.state = types.StateAwaitingSilenceTimeout
				e.silenceStart = f.Time
			}
		}

	case types.StateAwaitingSilenceTimeout:
		switch {
		case f.Time.Sub(e.seg.start) >= e.maxDuration:
			closed = e.closeSegmentLocked(types.StopMaxDuration, f.Time)
		case level > threshold:
			// Any above-threshold tick fully cancels the silence timer.
			e.seg.asm.Append(f.Samples)
			e.silenceStart = time.Time{}
			e.state = types.StateRecording
		case f.Time.Sub(e.silenceStart) >= e.silenceWindow:
			closed = e.closeSegmentLocked(types.StopSilence, f.Time)
		default:
			e.seg.asm.Append(f.Samples)
		}
	}

	newCoarse := coarseOf(e.state)
	e.mu.Unlock()

	// Side channel only: observers never influence the decisions above.
	e.observers.NotifyLevel(types.LevelUpdate{
		LevelDB:     audio.Clamp(level),
		ThresholdDB: threshold,
	})
	if newCoarse != prevCoarse {
		e.observers.NotifyStatus(newCoarse)
	}

	if closed != nil {
		e.emitIfValid(closed, minDuration)
	}
}

// closeSegmentLocked seals the open segment and returns the engine to Idle.
// Caller must hold e.mu.
func (e *Engine) closeSegmentLocked(reason types.StopReason, closeTime time.Time) *Segment {
	seg := e.seg.seal(reason, closeTime, e.sampleRate)
	e.seg = nil
	e.silenceStart = time.Time{}
	e.confirmStart = time.Time{}
	e.state = types.StateIdle
	return seg
}

// emitIfValid hands a closed segment downstream if it meets the minimum
// duration and is non-empty; otherwise it is silently discarded with no
// side effects beyond the event log.
func (e *Engine) emitIfValid(seg *Segment, minDuration time.Duration) {
	if seg.Duration < minDuration || seg.Empty() {
		e.mu.Lock()
		e.segmentsDropped++
		e.mu.Unlock()

		slog.Debug("discarding segment below minimum duration",
			"segment_id", seg.ID, "duration", seg.Duration, "min_duration", minDuration)
		if err := e.events.LogSegment(eventlog.SegmentDiscarded, &eventlog.SegmentDetails{
			SegmentID:  seg.ID,
			StopReason: string(seg.StopReason),
			DurationMs: seg.Duration.Milliseconds(),
			Reason:     "below minimum duration",
		}); err != nil {
			slog.Warn("failed to log segment discard", "error", err)
		}
		return
	}

	if err := e.events.LogSegment(eventlog.SegmentClose, &eventlog.SegmentDetails{
		SegmentID:  seg.ID,
		StopReason: string(seg.StopReason),
		DurationMs: seg.Duration.Milliseconds(),
		SizeBytes:  seg.ByteSize(),
	}); err != nil {
		slog.Warn("failed to log segment close", "error", err)
	}

	accepted := e.emitter != nil && e.emitter.Enqueue(seg)

	e.mu.Lock()
	if accepted {
		e.segmentsEmitted++
	} else {
		e.segmentsDropped++
	}
	e.mu.Unlock()

	if !accepted {
		slog.Warn("segment dropped: no downstream capacity", "segment_id", seg.ID)
	}
}

// Stop halts the tick loop, force-closes and discards any in-progress
// segment, and releases the underlying audio source. It is idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	src := e.src
	done := e.doneCh
	discarded := e.discardOpenLocked()
	e.mu.Unlock()

	e.logForcedDiscard(discarded)

	// Closing the source unblocks the tick loop's pending read.
	if src != nil {
		if err := src.Close(); err != nil {
			slog.Warn("failed to close tick source", "error", err)
		}
	}

	select {
	case <-done:
	case <-time.After(types.ShutdownTimeout):
		slog.Warn("tick loop did not stop in time")
	}

	if err := e.events.LogCapture(eventlog.CaptureStopped, ""); err != nil {
		slog.Warn("failed to log capture stop", "error", err)
	}
	e.observers.NotifyStatus(types.StatusIdle)
	return nil
}

// halt cleans up after the tick loop exits on its own (source ended or
// failed). A concurrent Stop may have already done the work.
func (e *Engine) halt() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	src := e.src
	discarded := e.discardOpenLocked()
	e.mu.Unlock()

	e.logForcedDiscard(discarded)

	if src != nil {
		if err := src.Close(); err != nil {
			slog.Warn("failed to close tick source", "error", err)
		}
	}
	if err := e.events.LogCapture(eventlog.CaptureStopped, ""); err != nil {
		slog.Warn("failed to log capture stop", "error", err)
	}
	e.observers.NotifyStatus(types.StatusIdle)
}

// discardOpenLocked drops any in-progress segment and aborts any in-flight
// calibration. No emit-if-valid check applies: a stop-triggered close always
// discards. Caller must hold e.mu.
func (e *Engine) discardOpenLocked() *Segment {
	var discarded *Segment
	if e.seg != nil {
		discarded = e.seg.seal(types.StopForced, time.Now(), e.sampleRate)
		e.seg = nil
	}
	if e.cal != nil {
		close(e.cal.done)
		e.cal = nil
	}
	e.state = types.StateIdle
	e.confirmStart = time.Time{}
	e.silenceStart = time.Time{}
	return discarded
}

// logForcedDiscard records a stop-triggered segment discard.
func (e *Engine) logForcedDiscard(seg *Segment) {
	if seg == nil {
		return
	}
	if err := e.events.LogSegment(eventlog.SegmentDiscarded, &eventlog.SegmentDetails{
		SegmentID:  seg.ID,
		StopReason: string(types.StopForced),
		DurationMs: seg.Duration.Milliseconds(),
		Reason:     "engine stopped",
	}); err != nil {
		slog.Warn("failed to log segment discard", "error", err)
	}
}

// setLastError records the most recent fatal source error.
func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}

// --- Detection value accessors and overrides ---

// ThresholdDB returns the active threshold.
func (e *Engine) ThresholdDB() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholdDB
}

// SetThresholdDB overrides the threshold and persists it. Rejected while a
// calibration pass is in flight.
func (e *Engine) SetThresholdDB(v float64) error {
	e.mu.Lock()
	if e.state == types.StateCalibrating {
		e.mu.Unlock()
		return ErrCalibrating
	}
	e.thresholdDB = v
	e.mu.Unlock()

	if err := e.store.SetThresholdDB(v); err != nil {
		return util.WrapError("persist threshold", err)
	}
	return nil
}

// SetCalibrationMarginDB overrides the calibration margin and persists it.
// When a noise floor exists, the threshold is immediately recomputed as
// noiseFloor + margin and persisted, without a fresh calibration pass.
func (e *Engine) SetCalibrationMarginDB(v float64) error {
	e.mu.Lock()
	if e.state == types.StateCalibrating {
		e.mu.Unlock()
		return ErrCalibrating
	}
	e.marginDB = v
	var recomputed *float64
	if e.hasNoiseFloor {
		t := e.noiseFloorDB + v
		e.thresholdDB = t
		recomputed = &t
	}
	e.mu.Unlock()

	if err := e.store.SetCalibrationMarginDB(v); err != nil {
		return util.WrapError("persist calibration margin", err)
	}
	if recomputed != nil {
		if err := e.store.SetThresholdDB(*recomputed); err != nil {
			return util.WrapError("persist recomputed threshold", err)
		}
	}
	return nil
}

// IsRunning reports whether the tick loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// State returns the current state-machine state.
func (e *Engine) State() types.CaptureState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Status returns a summary of the engine's operational state.
func (e *Engine) Status() types.EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := types.EngineStatus{
		State:           e.state,
		Status:          coarseOf(e.state),
		Running:         e.running,
		LastError:       e.lastError,
		ThresholdDB:     e.thresholdDB,
		MarginDB:        e.marginDB,
		SegmentsEmitted: e.segmentsEmitted,
		SegmentsDropped: e.segmentsDropped,
		SegmentOpen:     e.seg != nil,
	}
	if e.running {
		status.Uptime = time.Since(e.startTime).Truncate(time.Second).String()
	}
	if e.hasNoiseFloor {
		nf := e.noiseFloorDB
		status.NoiseFloorDB = &nf
	}
	if !e.lastSegStart.IsZero() {
		status.LastSegmentStart = e.lastSegStart.Format(time.RFC3339)
	}
	return status
}
