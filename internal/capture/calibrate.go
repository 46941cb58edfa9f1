package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxkit/capture/internal/audio"
	"github.com/voxkit/capture/internal/eventlog"
	"github.com/voxkit/capture/internal/types"
)

// calibration tracks an in-flight calibration pass. While it exists the
// state machine is fully suspended: no ordinary transitions are evaluated,
// even if genuine speech occurs.
type calibration struct {
	window   time.Duration
	started  bool
	deadline time.Time
	samples  []float64
	done     chan types.CalibrationResult
}

// Calibrate measures the ambient noise floor over the given window and
// derives a new operating threshold (noiseFloor + margin). It blocks the
// caller, never the tick loop, until the window elapses. The engine must be
// running; a pass that collects zero samples fails with ErrCalibrationFailed
// and leaves the prior threshold unchanged.
func (e *Engine) Calibrate(ctx context.Context, window time.Duration) (types.CalibrationResult, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return types.CalibrationResult{}, ErrNotInitialized
	}
	if e.state == types.StateCalibrating {
		e.mu.Unlock()
		return types.CalibrationResult{}, ErrCalibrating
	}

	// Calibration assumes no intentional speech; a segment open at this
	// point is abandoned rather than emitted.
	discarded := e.discardOpenLocked()

	cal := &calibration{
		window: window,
		done:   make(chan types.CalibrationResult, 1),
	}
	e.cal = cal
	e.state = types.StateCalibrating
	stopCh := e.stopCh
	marginDB := e.marginDB
	e.mu.Unlock()

	e.logForcedDiscard(discarded)

	if err := e.events.LogCalibration(eventlog.CalibrationStarted, &eventlog.CalibrationDetails{
		WindowMs: window.Milliseconds(),
		MarginDB: marginDB,
	}); err != nil {
		slog.Warn("failed to log calibration start", "error", err)
	}
	e.observers.NotifyStatus(types.StatusProcessing)

	select {
	case result, ok := <-cal.done:
		if !ok {
			return types.CalibrationResult{}, e.failCalibration(cal, "no samples collected")
		}
		slog.Info("calibration completed",
			"noise_floor_db", result.NoiseFloorDB,
			"threshold_db", result.ThresholdDB,
			"samples", result.Samples)
		return result, nil

	case <-time.After(window + types.CalibrationGrace):
		// The monitor never ticked; the pass would otherwise hang forever.
		return types.CalibrationResult{}, e.failCalibration(cal, "tick stream delivered no samples")

	case <-ctx.Done():
		e.abortCalibration(cal, ctx.Err().Error())
		return types.CalibrationResult{}, ctx.Err()

	case <-stopCh:
		return types.CalibrationResult{}, e.failCalibration(cal, "engine stopped during calibration")
	}
}

// failCalibration aborts the pass and returns ErrCalibrationFailed.
func (e *Engine) failCalibration(cal *calibration, reason string) error {
	e.abortCalibration(cal, reason)
	return ErrCalibrationFailed
}

// abortCalibration tears down an unfinished pass, leaving the prior
// threshold unchanged.
func (e *Engine) abortCalibration(cal *calibration, reason string) {
	e.mu.Lock()
	aborted := e.cal == cal
	if aborted {
		e.cal = nil
		if e.state == types.StateCalibrating {
			e.state = types.StateIdle
		}
	}
	running := e.running
	e.mu.Unlock()

	if !aborted {
		return
	}

	slog.Error("calibration failed", "reason", reason)
	if err := e.events.LogCalibration(eventlog.CalibrationFailed, &eventlog.CalibrationDetails{
		WindowMs: cal.window.Milliseconds(),
		Error:    reason,
	}); err != nil {
		slog.Warn("failed to log calibration failure", "error", err)
	}
	if running {
		e.observers.NotifyStatus(types.StatusIdle)
	}
}

// calibrationTick records one level sample, finishing the pass once the
// window has elapsed. Caller must hold e.mu.
func (e *Engine) calibrationTick(level float64, now time.Time) {
	cal := e.cal
	if cal == nil {
		// Aborted between ticks; return to normal operation.
		e.state = types.StateIdle
		return
	}

	if !cal.started {
		cal.started = true
		cal.deadline = now.Add(cal.window)
	}

	if now.Before(cal.deadline) {
		cal.samples = append(cal.samples, audio.Clamp(level))
		return
	}

	e.finishCalibrationLocked(cal)
}

// finishCalibrationLocked computes the noise floor and new threshold,
// persists both, and hands the result to the waiting Calibrate call.
// Caller must hold e.mu.
func (e *Engine) finishCalibrationLocked(cal *calibration) {
	e.cal = nil
	e.state = types.StateIdle

	if len(cal.samples) == 0 {
		slog.Error("calibration failed", "reason", "no samples collected")
		if err := e.events.LogCalibration(eventlog.CalibrationFailed, &eventlog.CalibrationDetails{
			WindowMs: cal.window.Milliseconds(),
			Error:    "no samples collected",
		}); err != nil {
			slog.Warn("failed to log calibration failure", "error", err)
		}
		close(cal.done)
		return
	}

	var sum float64
	for _, s := range cal.samples {
		sum += s
	}
	noiseFloor := sum / float64(len(cal.samples))
	threshold := noiseFloor + e.marginDB

	e.noiseFloorDB = noiseFloor
	e.hasNoiseFloor = true
	e.thresholdDB = threshold

	if err := e.store.SetNoiseFloorDB(noiseFloor); err != nil {
		slog.Error("failed to persist noise floor", "error", err)
	}
	if err := e.store.SetThresholdDB(threshold); err != nil {
		slog.Error("failed to persist threshold", "error", err)
	}

	result := types.CalibrationResult{
		NoiseFloorDB: noiseFloor,
		ThresholdDB:  threshold,
		Samples:      len(cal.samples),
	}

	if err := e.events.LogCalibration(eventlog.CalibrationCompleted, &eventlog.CalibrationDetails{
		WindowMs:     cal.window.Milliseconds(),
		NoiseFloorDB: noiseFloor,
		ThresholdDB:  threshold,
		MarginDB:     e.marginDB,
		Samples:      len(cal.samples),
	}); err != nil {
		slog.Warn("failed to log calibration completion", "error", err)
	}

	cal.done <- result
}
