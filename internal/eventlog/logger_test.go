package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewLogger(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestLogAndReadBack(t *testing.T) {
	l, path := newTestLogger(t)

	require.NoError(t, l.LogCapture(CaptureStarted, ""))
	require.NoError(t, l.LogSegment(SegmentOpen, &SegmentDetails{SegmentID: "seg-1"}))
	require.NoError(t, l.LogSegment(SegmentClose, &SegmentDetails{
		SegmentID:  "seg-1",
		StopReason: "silence",
		DurationMs: 7000,
	}))

	events, hasMore, err := ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, events, 3)

	// Newest first.
	assert.Equal(t, SegmentClose, events[0].Type)
	assert.Equal(t, SegmentOpen, events[1].Type)
	assert.Equal(t, CaptureStarted, events[2].Type)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestReadLastPagination(t *testing.T) {
	l, path := newTestLogger(t)
	for range 10 {
		require.NoError(t, l.LogCapture(CaptureStarted, ""))
	}

	first, hasMore, err := ReadLast(path, 4, 0, FilterAll)
	require.NoError(t, err)
	assert.Len(t, first, 4)
	assert.True(t, hasMore)

	last, hasMore, err := ReadLast(path, 4, 8, FilterAll)
	require.NoError(t, err)
	assert.Len(t, last, 2)
	assert.False(t, hasMore)
}

func TestReadLastFilters(t *testing.T) {
	l, path := newTestLogger(t)
	require.NoError(t, l.LogCapture(CaptureStarted, ""))
	require.NoError(t, l.LogSegment(SegmentOpen, &SegmentDetails{SegmentID: "seg-1"}))
	require.NoError(t, l.LogCalibration(CalibrationCompleted, &CalibrationDetails{NoiseFloorDB: -50}))
	require.NoError(t, l.LogSegment(ValidationRejected, &SegmentDetails{SegmentID: "seg-1", Reason: "not speech"}))

	segs, _, err := ReadLast(path, 10, 0, FilterSegment)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, SegmentOpen, segs[0].Type)

	cals, _, err := ReadLast(path, 10, 0, FilterCalibration)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, CalibrationCompleted, cals[0].Type)

	disp, _, err := ReadLast(path, 10, 0, FilterDispatch)
	require.NoError(t, err)
	require.Len(t, disp, 1)
	assert.Equal(t, ValidationRejected, disp[0].Type)
}

func TestReadLastCapsLimit(t *testing.T) {
	l, path := newTestLogger(t)
	for range MaxReadLimit + 10 {
		require.NoError(t, l.LogCapture(CaptureStarted, ""))
	}

	events, hasMore, err := ReadLast(path, MaxReadLimit+100, 0, FilterAll)
	require.NoError(t, err)
	assert.Len(t, events, MaxReadLimit)
	assert.True(t, hasMore)
}

func TestReadLastMissingFile(t *testing.T) {
	events, hasMore, err := ReadLast(filepath.Join(t.TempDir(), "nope.jsonl"), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.False(t, hasMore)
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	assert.NoError(t, l.LogCapture(CaptureStarted, ""))
	assert.NoError(t, l.LogSegment(SegmentOpen, nil))
	assert.NoError(t, l.Close())
	assert.Equal(t, "", l.Path())
}

func TestLogPreservesExplicitTimestamp(t *testing.T) {
	l, path := newTestLogger(t)
	stamp := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.Log(&Event{Timestamp: stamp, Type: CaptureStopped}))

	events, _, err := ReadLast(path, 1, 0, FilterAll)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Timestamp.Equal(stamp))
}
