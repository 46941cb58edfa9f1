// Package config provides application configuration management.
package config

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/voxkit/capture/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort              = 8080
	DefaultThresholdDB          = -40.0
	DefaultCalibrationMarginDB  = 10.0
	DefaultConfirmationWindowMs = 600
	DefaultSilenceWindowMs      = 5000
	DefaultMinDurationMs        = 1000
	DefaultMaxDurationMs        = 30000
	DefaultDispatchQueueSize    = 16
	DefaultArchiveLocalPath     = "/tmp/capture-archive"
	DefaultRetentionDays        = 30
	DefaultEventLogPath         = "events.jsonl"
)

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	FFmpegPath string `json:"ffmpeg_path"` // Path to FFmpeg binary (empty = use PATH)
	Port       int    `json:"port"`        // HTTP server port
}

// AudioConfig holds audio input device settings.
type AudioConfig struct {
	Input string `json:"input"` // Audio input device identifier
}

// DetectionConfig holds level detection thresholds and timing parameters.
// The threshold and noise floor are rewritten by calibration; the windows
// require a restart to take effect.
type DetectionConfig struct {
	ThresholdDB          float64  `json:"threshold_db"`                // Speech threshold in dBFS
	CalibrationMarginDB  float64  `json:"calibration_margin_db"`      // Margin added to the noise floor
	NoiseFloorDB         *float64 `json:"noise_floor_db,omitempty"`   // Last calibrated noise floor; nil until first calibration
	ConfirmationWindowMs int64    `json:"confirmation_window_ms"`     // Sustained level above threshold before recording starts
	SilenceWindowMs      int64    `json:"silence_window_ms"`          // Sustained level below threshold before a segment closes
	MinDurationMs        int64    `json:"min_segment_duration_ms"`    // Segments shorter than this are discarded
	MaxDurationMs        int64    `json:"max_segment_duration_ms"`    // Segments longer than this are split
}

// APIConfig holds one hosted collaborator endpoint with optional OAuth2
// client credentials.
type APIConfig struct {
	URL          string `json:"url"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// DispatchConfig holds downstream handoff settings.
type DispatchConfig struct {
	Validation    APIConfig `json:"validation"`    // Segment validation endpoint
	Transcription APIConfig `json:"transcription"` // Transcription endpoint
	FailClosed    bool      `json:"fail_closed"`   // Discard segments when the validator errors
	QueueSize     int       `json:"queue_size"`    // Pending segment queue capacity
}

// S3Config holds S3-compatible storage credentials.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// ArchiveConfig holds segment audit archive settings.
type ArchiveConfig struct {
	Enabled       bool     `json:"enabled"`
	StorageMode   string   `json:"storage_mode"` // local, s3 or both
	LocalPath     string   `json:"local_path"`
	RetentionDays int      `json:"retention_days"` // 0 keeps files forever
	S3            S3Config `json:"s3"`
}

// LogConfig holds event log settings.
type LogConfig struct {
	EventLogPath string `json:"event_log_path"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System    SystemConfig    `json:"system"`
	Audio     AudioConfig     `json:"audio"`
	Detection DetectionConfig `json:"detection"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Archive   ArchiveConfig   `json:"archive"`
	Log       LogConfig       `json:"log"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		System: SystemConfig{
			Port: DefaultWebPort,
		},
		Detection: DetectionConfig{
			ThresholdDB:          DefaultThresholdDB,
			CalibrationMarginDB:  DefaultCalibrationMarginDB,
			ConfirmationWindowMs: DefaultConfirmationWindowMs,
			SilenceWindowMs:      DefaultSilenceWindowMs,
			MinDurationMs:        DefaultMinDurationMs,
			MaxDurationMs:        DefaultMaxDurationMs,
		},
		Dispatch: DispatchConfig{
			QueueSize: DefaultDispatchQueueSize,
		},
		Archive: ArchiveConfig{
			StorageMode:   "local",
			LocalPath:     DefaultArchiveLocalPath,
			RetentionDays: DefaultRetentionDays,
		},
		Log: LogConfig{
			EventLogPath: DefaultEventLogPath,
		},
		filePath: filePath,
	}
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validate()
}

// validate checks configuration fields for correctness.
func (c *Config) validate() error {
	d := &c.Detection
	if d.ConfirmationWindowMs <= 0 {
		return fmt.Errorf("invalid confirmation_window_ms %d: must be positive", d.ConfirmationWindowMs)
	}
	if d.SilenceWindowMs <= 0 {
		return fmt.Errorf("invalid silence_window_ms %d: must be positive", d.SilenceWindowMs)
	}
	if d.MinDurationMs <= 0 || d.MaxDurationMs <= 0 {
		return fmt.Errorf("segment duration bounds must be positive")
	}
	if d.MinDurationMs >= d.MaxDurationMs {
		return fmt.Errorf("min_segment_duration_ms %d must be below max_segment_duration_ms %d",
			d.MinDurationMs, d.MaxDurationMs)
	}

	switch c.Archive.StorageMode {
	case "local", "s3", "both":
	default:
		return fmt.Errorf("invalid storage_mode %q: must be local, s3 or both", c.Archive.StorageMode)
	}

	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.System.Port == 0 {
		c.System.Port = DefaultWebPort
	}

	// ThresholdDB and CalibrationMarginDB are deliberately not defaulted
	// here: zero is a legal value for both (threshold at full scale,
	// margin of nothing). New seeds their defaults and Unmarshal leaves
	// absent keys untouched, so only explicit values reach this point.
	d := &c.Detection
	d.ConfirmationWindowMs = cmp.Or(d.ConfirmationWindowMs, DefaultConfirmationWindowMs)
	d.SilenceWindowMs = cmp.Or(d.SilenceWindowMs, DefaultSilenceWindowMs)
	d.MinDurationMs = cmp.Or(d.MinDurationMs, DefaultMinDurationMs)
	d.MaxDurationMs = cmp.Or(d.MaxDurationMs, DefaultMaxDurationMs)

	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = DefaultDispatchQueueSize
	}

	if c.Archive.StorageMode == "" {
		c.Archive.StorageMode = "local"
	}
	if c.Archive.LocalPath == "" {
		c.Archive.LocalPath = DefaultArchiveLocalPath
	}

	if c.Log.EventLogPath == "" {
		c.Log.EventLogPath = DefaultEventLogPath
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// --- Getters for individual settings ---

// AudioInput returns the configured audio input device.
func (c *Config) AudioInput() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Audio.Input
}

// GetFFmpegPath returns the configured FFmpeg binary path.
func (c *Config) GetFFmpegPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.FFmpegPath
}

// EventLogPath returns the configured event log path.
func (c *Config) EventLogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Log.EventLogPath
}

// --- Setters for individual settings ---

// SetAudioInput updates the audio input device and saves the configuration.
func (c *Config) SetAudioInput(input string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.Input = input
	return c.saveLocked()
}

// SetThresholdDB updates the detection threshold and saves the configuration.
func (c *Config) SetThresholdDB(threshold float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Detection.ThresholdDB = threshold
	return c.saveLocked()
}

// SetCalibrationMarginDB updates the calibration margin and saves the
// configuration.
func (c *Config) SetCalibrationMarginDB(margin float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Detection.CalibrationMarginDB = margin
	return c.saveLocked()
}

// SetNoiseFloorDB records the calibrated noise floor and saves the
// configuration.
func (c *Config) SetNoiseFloorDB(noiseFloor float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Detection.NoiseFloorDB = &noiseFloor
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort    int
	FFmpegPath string

	// Audio
	AudioInput string

	// Detection
	ThresholdDB          float64
	CalibrationMarginDB  float64
	NoiseFloorDB         *float64
	ConfirmationWindowMs int64
	SilenceWindowMs      int64
	MinDurationMs        int64
	MaxDurationMs        int64

	// Dispatch
	Validation    APIConfig
	Transcription APIConfig
	FailClosed    bool
	QueueSize     int

	// Archive
	ArchiveEnabled       bool
	ArchiveStorageMode   string
	ArchiveLocalPath     string
	ArchiveRetentionDays int
	ArchiveS3            S3Config

	// Log
	EventLogPath string
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var noiseFloor *float64
	if c.Detection.NoiseFloorDB != nil {
		v := *c.Detection.NoiseFloorDB
		noiseFloor = &v
	}

	return Snapshot{
		WebPort:    c.System.Port,
		FFmpegPath: c.System.FFmpegPath,

		AudioInput: c.Audio.Input,

		ThresholdDB:          c.Detection.ThresholdDB,
		CalibrationMarginDB:  c.Detection.CalibrationMarginDB,
		NoiseFloorDB:         noiseFloor,
		ConfirmationWindowMs: c.Detection.ConfirmationWindowMs,
		SilenceWindowMs:      c.Detection.SilenceWindowMs,
		MinDurationMs:        c.Detection.MinDurationMs,
		MaxDurationMs:        c.Detection.MaxDurationMs,

		Validation:    c.Dispatch.Validation,
		Transcription: c.Dispatch.Transcription,
		FailClosed:    c.Dispatch.FailClosed,
		QueueSize:     c.Dispatch.QueueSize,

		ArchiveEnabled:       c.Archive.Enabled,
		ArchiveStorageMode:   c.Archive.StorageMode,
		ArchiveLocalPath:     c.Archive.LocalPath,
		ArchiveRetentionDays: c.Archive.RetentionDays,
		ArchiveS3:            c.Archive.S3,

		EventLogPath: c.Log.EventLogPath,
	}
}

// HasValidation reports whether a validation endpoint is configured.
func (s *Snapshot) HasValidation() bool {
	return s.Validation.URL != ""
}

// HasTranscription reports whether a transcription endpoint is configured.
func (s *Snapshot) HasTranscription() bool {
	return s.Transcription.URL != ""
}
