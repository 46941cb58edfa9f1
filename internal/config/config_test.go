package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configAt(t *testing.T) *Config {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "config.json"))
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New(path)

	require.NoError(t, cfg.Load())
	assert.FileExists(t, path)

	snap := cfg.Snapshot()
	assert.Equal(t, DefaultWebPort, snap.WebPort)
	assert.Equal(t, DefaultThresholdDB, snap.ThresholdDB)
	assert.Equal(t, DefaultCalibrationMarginDB, snap.CalibrationMarginDB)
	assert.Nil(t, snap.NoiseFloorDB)
	assert.Equal(t, int64(DefaultConfirmationWindowMs), snap.ConfirmationWindowMs)
	assert.Equal(t, int64(DefaultSilenceWindowMs), snap.SilenceWindowMs)
	assert.Equal(t, int64(DefaultMinDurationMs), snap.MinDurationMs)
	assert.Equal(t, int64(DefaultMaxDurationMs), snap.MaxDurationMs)
	assert.Equal(t, DefaultDispatchQueueSize, snap.QueueSize)
	assert.False(t, snap.FailClosed)
	assert.Equal(t, "local", snap.ArchiveStorageMode)
	assert.Equal(t, DefaultEventLogPath, snap.EventLogPath)
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	partial := `{
  "system": {"port": 9090},
  "detection": {"threshold_db": -35}
}`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0o600))

	cfg := New(path)
	require.NoError(t, cfg.Load())

	snap := cfg.Snapshot()
	assert.Equal(t, 9090, snap.WebPort)
	assert.Equal(t, -35.0, snap.ThresholdDB)
	assert.Equal(t, int64(DefaultConfirmationWindowMs), snap.ConfirmationWindowMs)
	assert.Equal(t, DefaultCalibrationMarginDB, snap.CalibrationMarginDB)
	assert.Equal(t, "local", snap.ArchiveStorageMode)
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	cfg := New(path)
	assert.Error(t, cfg.Load())
}

func TestLoadRejectsInvalidDurations(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"negative confirmation window", `{"detection": {"confirmation_window_ms": -1}}`},
		{"negative silence window", `{"detection": {"silence_window_ms": -5}}`},
		{"min above max", `{"detection": {"min_segment_duration_ms": 60000, "max_segment_duration_ms": 30000}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o600))
			assert.Error(t, New(path).Load())
		})
	}
}

func TestLoadRejectsUnknownStorageMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"archive": {"storage_mode": "tape"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	assert.Error(t, New(path).Load())
}

func TestSettersPersistAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New(path)
	require.NoError(t, cfg.Load())

	require.NoError(t, cfg.SetThresholdDB(-42.5))
	require.NoError(t, cfg.SetCalibrationMarginDB(12))
	require.NoError(t, cfg.SetNoiseFloorDB(-54.5))
	require.NoError(t, cfg.SetAudioInput("hw:1,0"))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())

	snap := reloaded.Snapshot()
	assert.Equal(t, -42.5, snap.ThresholdDB)
	assert.Equal(t, 12.0, snap.CalibrationMarginDB)
	require.NotNil(t, snap.NoiseFloorDB)
	assert.Equal(t, -54.5, *snap.NoiseFloorDB)
	assert.Equal(t, "hw:1,0", snap.AudioInput)
}

func TestZeroDetectionValuesSurviveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New(path)
	require.NoError(t, cfg.Load())

	// Zero is legal for both: threshold at full scale, margin of nothing
	// (threshold lands exactly on the noise floor). Neither may be
	// rewritten to a default on restart.
	require.NoError(t, cfg.SetThresholdDB(0))
	require.NoError(t, cfg.SetCalibrationMarginDB(0))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())

	snap := reloaded.Snapshot()
	assert.Equal(t, 0.0, snap.ThresholdDB)
	assert.Equal(t, 0.0, snap.CalibrationMarginDB)
}

func TestSnapshotCopiesNoiseFloor(t *testing.T) {
	cfg := configAt(t)
	require.NoError(t, cfg.Load())
	require.NoError(t, cfg.SetNoiseFloorDB(-50))

	snap := cfg.Snapshot()
	require.NotNil(t, snap.NoiseFloorDB)
	*snap.NoiseFloorDB = -10

	assert.Equal(t, -50.0, *cfg.Snapshot().NoiseFloorDB)
}

func TestEndpointPresence(t *testing.T) {
	cfg := configAt(t)
	require.NoError(t, cfg.Load())

	snap := cfg.Snapshot()
	assert.False(t, snap.HasValidation())
	assert.False(t, snap.HasTranscription())

	cfg.Dispatch.Validation.URL = "https://validate.example.com/v1/segments"
	snap = cfg.Snapshot()
	assert.True(t, snap.HasValidation())
	assert.False(t, snap.HasTranscription())
}
