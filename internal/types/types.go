// Package types provides shared type definitions used across the capture engine.
package types

import (
	"time"
)

// CaptureState represents the current state of the capture state machine.
// Exactly one state is active at any instant; transitions happen only inside
// the engine's tick processing.
type CaptureState string

const (
	// StateIdle indicates no speech activity is being tracked.
	StateIdle CaptureState = "idle"
	// StateAwaitingConfirmation indicates the level crossed the threshold and
	// the confirmation timer is running.
	StateAwaitingConfirmation CaptureState = "awaiting_confirmation"
	// StateRecording indicates a segment is open and accumulating audio.
	StateRecording CaptureState = "recording"
	// StateAwaitingSilenceTimeout indicates the level dropped below the
	// threshold during a recording and the silence timer is running.
	StateAwaitingSilenceTimeout CaptureState = "awaiting_silence_timeout"
	// StateCalibrating indicates a calibration pass owns the tick stream and
	// all ordinary transitions are suspended.
	StateCalibrating CaptureState = "calibrating"
)

// CoarseStatus is the simplified status reported to observers on
// macro-transitions. It intentionally hides the internal debounce states.
type CoarseStatus string

const (
	// StatusIdle covers Idle and AwaitingConfirmation.
	StatusIdle CoarseStatus = "idle"
	// StatusListening covers Recording and AwaitingSilenceTimeout.
	StatusListening CoarseStatus = "listening"
	// StatusProcessing covers Calibrating.
	StatusProcessing CoarseStatus = "processing"
)

// StopReason records why a segment was closed.
type StopReason string

const (
	// StopSilence indicates the silence window elapsed.
	StopSilence StopReason = "silence"
	// StopMaxDuration indicates the segment hit the duration ceiling.
	StopMaxDuration StopReason = "max_duration"
	// StopForced indicates the segment was force-closed by Stop().
	StopForced StopReason = "forced"
)

// Audio format constants for PCM capture.
const (
	// SampleRate is the capture sample rate in Hz.
	SampleRate = 16000
	// FrameDuration is the fixed cadence of tick delivery.
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is the number of samples per tick frame.
	FrameSamples = SampleRate / int(time.Second/FrameDuration)
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
	// CalibrationGrace is how long a calibration call waits past its window
	// before concluding the tick stream never delivered a sample.
	CalibrationGrace = 2000 * time.Millisecond
)

// EngineStatus contains a summary of the engine's current operational state.
type EngineStatus struct {
	State            CaptureState `json:"state"`                       // Current state machine state
	Status           CoarseStatus `json:"status"`                      // Coarse observer status
	Running          bool         `json:"running"`                     // Tick loop is active
	Uptime           string       `json:"uptime,omitzero"`             // Time since start
	LastError        string       `json:"last_error,omitzero"`         // Most recent error
	ThresholdDB      float64      `json:"threshold_db"`                // Active threshold
	MarginDB         float64      `json:"margin_db"`                   // Calibration margin
	NoiseFloorDB     *float64     `json:"noise_floor_db"`              // Last measured noise floor, nil before first calibration
	SegmentsEmitted  uint64       `json:"segments_emitted"`            // Segments handed downstream
	SegmentsDropped  uint64       `json:"segments_dropped"`            // Segments discarded before emit
	SegmentOpen      bool         `json:"segment_open"`                // A segment is currently accumulating
	LastSegmentStart string       `json:"last_segment_start,omitzero"` // RFC3339 start of the newest segment
}

// LevelUpdate is a per-tick level reading forwarded to observers.
type LevelUpdate struct {
	LevelDB     float64 `json:"level_db"`     // Instantaneous RMS level in dBFS
	ThresholdDB float64 `json:"threshold_db"` // Active threshold in dBFS
}

// CalibrationResult is the outcome of a completed calibration pass.
type CalibrationResult struct {
	NoiseFloorDB float64 `json:"noise_floor_db"` // Mean level over the calibration window
	ThresholdDB  float64 `json:"threshold_db"`   // Noise floor plus the configured margin
	Samples      int     `json:"samples"`        // Number of level samples collected
}

// WSLevelsMessage is pushed to websocket clients with level updates.
type WSLevelsMessage struct {
	Type   string      `json:"type"`
	Levels LevelUpdate `json:"levels"`
}

// WSStatusMessage is pushed to websocket clients on coarse transitions.
type WSStatusMessage struct {
	Type   string       `json:"type"`
	Status CoarseStatus `json:"status"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
