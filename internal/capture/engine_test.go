package capture

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxkit/capture/internal/audio"
	"github.com/voxkit/capture/internal/source"
	"github.com/voxkit/capture/internal/types"
)

// memStore records persisted detection values.
type memStore struct {
	mu         sync.Mutex
	threshold  *float64
	margin     *float64
	noiseFloor *float64
}

func (m *memStore) SetThresholdDB(v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = &v
	return nil
}

func (m *memStore) SetCalibrationMarginDB(v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.margin = &v
	return nil
}

func (m *memStore) SetNoiseFloorDB(v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noiseFloor = &v
	return nil
}

// memEmitter collects emitted segments.
type memEmitter struct {
	mu       sync.Mutex
	segments []*Segment
	reject   bool
}

func (m *memEmitter) Enqueue(seg *Segment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject {
		return false
	}
	m.segments = append(m.segments, seg)
	return true
}

func (m *memEmitter) all() []*Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Segment(nil), m.segments...)
}

func defaultSettings() Settings {
	return Settings{
		ThresholdDB:         -40,
		CalibrationMarginDB: 10,
		ConfirmationWindow:  600 * time.Millisecond,
		SilenceWindow:       5000 * time.Millisecond,
		MinDuration:         1000 * time.Millisecond,
		MaxDuration:         30000 * time.Millisecond,
		SampleRate:          types.SampleRate,
	}
}

func newTestEngine(t *testing.T, s Settings) (*Engine, *memStore, *memEmitter) {
	t.Helper()
	store := &memStore{}
	emitter := &memEmitter{}
	e := New(Options{Store: store, Emitter: emitter, Settings: s})

	// Mark the tick loop active so frames can be driven directly.
	e.mu.Lock()
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	return e, store, emitter
}

var testBase = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

// frameAt builds a constant-amplitude frame whose RMS level is exactly db.
func frameAt(offset time.Duration, db float64) source.Frame {
	samples := make([]float64, types.FrameSamples)
	amp := math.Pow(10, db/20)
	for i := range samples {
		samples[i] = amp
	}
	return source.Frame{Samples: samples, Time: testBase.Add(offset)}
}

// silentFrameAt builds an all-zero frame (level negative infinity).
func silentFrameAt(offset time.Duration) source.Frame {
	return source.Frame{Samples: make([]float64, types.FrameSamples), Time: testBase.Add(offset)}
}

// feed drives frames at the tick cadence over [from, to] with the given level.
func feed(e *Engine, from, to time.Duration, db float64) {
	for off := from; off <= to; off += types.FrameDuration {
		e.processFrame(frameAt(off, db))
	}
}

func feedSilence(e *Engine, from, to time.Duration) {
	for off := from; off <= to; off += types.FrameDuration {
		e.processFrame(silentFrameAt(off))
	}
}

func TestBriefSpikeDoesNotOpenSegment(t *testing.T) {
	e, _, emitter := newTestEngine(t, defaultSettings())

	e.processFrame(frameAt(0, -20))
	assert.Equal(t, types.StateAwaitingConfirmation, e.State())

	e.processFrame(silentFrameAt(20 * time.Millisecond))
	assert.Equal(t, types.StateIdle, e.State())
	assert.Empty(t, emitter.all())
}

func TestLevelEqualToThresholdIsNotActive(t *testing.T) {
	// Activity requires the level to exceed the threshold, not merely
	// reach it. Derive the threshold from the frame itself so the
	// comparison is exact.
	f := frameAt(0, -40)
	s := defaultSettings()
	s.ThresholdDB = audio.Level(f.Samples)
	e, _, _ := newTestEngine(t, s)

	e.processFrame(f)
	assert.Equal(t, types.StateIdle, e.State())
}

func TestConfirmationWindowOpensSegment(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultSettings())

	// Above threshold from t=0; confirmation completes once a frame arrives
	// 600ms after the first above-threshold frame.
	feed(e, 0, 580*time.Millisecond, -20)
	assert.Equal(t, types.StateAwaitingConfirmation, e.State())

	e.processFrame(frameAt(600*time.Millisecond, -20))
	assert.Equal(t, types.StateRecording, e.State())

	e.mu.RLock()
	require.NotNil(t, e.seg)
	assert.Equal(t, testBase.Add(600*time.Millisecond), e.seg.start)
	assert.Equal(t, types.FrameSamples, e.seg.asm.SampleCount(), "opening frame is part of the segment")
	e.mu.RUnlock()
}

func TestConfirmationDipFullyResetsTimer(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultSettings())

	feed(e, 0, 580*time.Millisecond, -20)
	e.processFrame(silentFrameAt(600 * time.Millisecond))
	assert.Equal(t, types.StateIdle, e.State())

	// The timer restarts from scratch: 580ms of activity is not enough.
	feed(e, 620*time.Millisecond, 1180*time.Millisecond, -20)
	assert.Equal(t, types.StateAwaitingConfirmation, e.State())

	e.processFrame(frameAt(1220*time.Millisecond, -20))
	assert.Equal(t, types.StateRecording, e.State())
}

func TestSilenceWindowClosesSegment(t *testing.T) {
	e, _, emitter := newTestEngine(t, defaultSettings())

	// Speech from 0 to 2580ms, silence from 2600ms on.
	feed(e, 0, 2580*time.Millisecond, -20)
	require.Equal(t, types.StateRecording, e.State())

	e.processFrame(silentFrameAt(2600 * time.Millisecond))
	assert.Equal(t, types.StateAwaitingSilenceTimeout, e.State())

	feedSilence(e, 2620*time.Millisecond, 7580*time.Millisecond)
	require.Equal(t, types.StateAwaitingSilenceTimeout, e.State())

	// Silence window (5000ms) elapses exactly at 7600ms.
	e.processFrame(silentFrameAt(7600 * time.Millisecond))
	assert.Equal(t, types.StateIdle, e.State())

	segs := emitter.all()
	require.Len(t, segs, 1)
	seg := segs[0]
	assert.Equal(t, types.StopSilence, seg.StopReason)
	assert.Equal(t, testBase.Add(600*time.Millisecond), seg.StartTime)
	assert.Equal(t, 7000*time.Millisecond, seg.Duration)

	// Frames from 600ms through 7580ms inclusive, the closing frame excluded.
	wantFrames := int(7000/20) // 350
	assert.Equal(t, wantFrames*types.FrameSamples, len(seg.PCM))
}

func TestSpeechResumeFullyCancelsSilenceTimer(t *testing.T) {
	s := defaultSettings()
	s.SilenceWindow = 1000 * time.Millisecond
	e, _, emitter := newTestEngine(t, s)

	feed(e, 0, 600*time.Millisecond, -20)
	require.Equal(t, types.StateRecording, e.State())

	// 500ms pause, then speech resumes.
	feedSilence(e, 620*time.Millisecond, 1100*time.Millisecond)
	require.Equal(t, types.StateAwaitingSilenceTimeout, e.State())
	e.processFrame(frameAt(1120*time.Millisecond, -20))
	assert.Equal(t, types.StateRecording, e.State())

	// A later pause needs the full window again; 980ms is not enough.
	feedSilence(e, 1140*time.Millisecond, 2100*time.Millisecond)
	assert.Equal(t, types.StateAwaitingSilenceTimeout, e.State())
	assert.Empty(t, emitter.all())

	e.processFrame(silentFrameAt(2140 * time.Millisecond))
	assert.Equal(t, types.StateIdle, e.State())
	require.Len(t, emitter.all(), 1)
}

func TestMaxDurationSplitsAndRearms(t *testing.T) {
	s := defaultSettings()
	s.ConfirmationWindow = 100 * time.Millisecond
	s.MinDuration = 100 * time.Millisecond
	s.MaxDuration = 1000 * time.Millisecond
	e, _, emitter := newTestEngine(t, s)

	// Continuous speech. First segment opens at 100ms, hits the ceiling at
	// 1100ms, and the engine re-arms immediately.
	feed(e, 0, 2400*time.Millisecond, -20)

	segs := emitter.all()
	require.GreaterOrEqual(t, len(segs), 2)

	first := segs[0]
	assert.Equal(t, types.StopMaxDuration, first.StopReason)
	assert.Equal(t, testBase.Add(100*time.Millisecond), first.StartTime)
	assert.Equal(t, 1000*time.Millisecond, first.Duration)

	// The split is seamless: the next segment opens one confirmation window
	// after the close, not after some cooldown.
	second := segs[1]
	assert.Equal(t, testBase.Add(1220*time.Millisecond), second.StartTime)
}

func TestMinDurationDiscardsShortSegment(t *testing.T) {
	s := defaultSettings()
	s.SilenceWindow = 500 * time.Millisecond
	s.MinDuration = 5000 * time.Millisecond
	e, _, emitter := newTestEngine(t, s)

	// Utterance of ~1s, well below the 5s minimum.
	feed(e, 0, 1600*time.Millisecond, -20)
	require.Equal(t, types.StateRecording, e.State())
	feedSilence(e, 1620*time.Millisecond, 2200*time.Millisecond)

	assert.Equal(t, types.StateIdle, e.State())
	assert.Empty(t, emitter.all())

	status := e.Status()
	assert.Equal(t, uint64(1), status.SegmentsDropped)
	assert.Equal(t, uint64(0), status.SegmentsEmitted)
}

func TestEmitterRejectionCountsAsDropped(t *testing.T) {
	e, _, emitter := newTestEngine(t, defaultSettings())
	emitter.reject = true

	feed(e, 0, 2580*time.Millisecond, -20)
	feedSilence(e, 2600*time.Millisecond, 7600*time.Millisecond)

	assert.Empty(t, emitter.all())
	status := e.Status()
	assert.Equal(t, uint64(1), status.SegmentsDropped)
}

func TestSourceEndDiscardsOpenSegment(t *testing.T) {
	store := &memStore{}
	emitter := &memEmitter{}
	e := New(Options{Store: store, Emitter: emitter, Settings: defaultSettings()})

	// Enough speech to open a segment, then the source ends.
	var frames []source.Frame
	for off := time.Duration(0); off <= 1000*time.Millisecond; off += types.FrameDuration {
		frames = append(frames, frameAt(off, -20))
	}
	src := source.NewSynthetic(frames)

	require.NoError(t, e.Start(src))
	require.Eventually(t, func() bool { return !e.IsRunning() }, time.Second, 5*time.Millisecond)

	// The in-progress segment is discarded, never emitted.
	assert.Empty(t, emitter.all())
	assert.Equal(t, types.StateIdle, e.State())
}

func TestStopIsIdempotent(t *testing.T) {
	store := &memStore{}
	e := New(Options{Store: store, Emitter: &memEmitter{}, Settings: defaultSettings()})

	require.NoError(t, e.Start(source.NewSynthetic(nil)))
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
	assert.False(t, e.IsRunning())
}

func TestStartWhileRunningFails(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultSettings())
	assert.ErrorIs(t, e.Start(source.NewSynthetic(nil)), ErrAlreadyRunning)
}

func TestSetThresholdPersists(t *testing.T) {
	e, store, _ := newTestEngine(t, defaultSettings())

	require.NoError(t, e.SetThresholdDB(-35))
	assert.Equal(t, -35.0, e.ThresholdDB())
	require.NotNil(t, store.threshold)
	assert.Equal(t, -35.0, *store.threshold)
}

func TestSetMarginRecomputesThresholdFromNoiseFloor(t *testing.T) {
	s := defaultSettings()
	nf := -50.0
	s.NoiseFloorDB = &nf
	e, store, _ := newTestEngine(t, s)

	require.NoError(t, e.SetCalibrationMarginDB(15))
	assert.Equal(t, -35.0, e.ThresholdDB())
	require.NotNil(t, store.margin)
	assert.Equal(t, 15.0, *store.margin)
	require.NotNil(t, store.threshold)
	assert.Equal(t, -35.0, *store.threshold)
}

func TestSetMarginWithoutNoiseFloorKeepsThreshold(t *testing.T) {
	e, store, _ := newTestEngine(t, defaultSettings())

	require.NoError(t, e.SetCalibrationMarginDB(15))
	assert.Equal(t, -40.0, e.ThresholdDB())
	assert.Nil(t, store.threshold)
}

func TestOverridesRejectedWhileCalibrating(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultSettings())

	e.mu.Lock()
	e.state = types.StateCalibrating
	e.mu.Unlock()

	assert.ErrorIs(t, e.SetThresholdDB(-30), ErrCalibrating)
	assert.ErrorIs(t, e.SetCalibrationMarginDB(5), ErrCalibrating)
}

func TestStatusReflectsEngineState(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultSettings())

	status := e.Status()
	assert.Equal(t, types.StateIdle, status.State)
	assert.Equal(t, types.StatusIdle, status.Status)
	assert.True(t, status.Running)
	assert.Nil(t, status.NoiseFloorDB)
	assert.False(t, status.SegmentOpen)

	feed(e, 0, 600*time.Millisecond, -20)
	status = e.Status()
	assert.Equal(t, types.StateRecording, status.State)
	assert.Equal(t, types.StatusListening, status.Status)
	assert.True(t, status.SegmentOpen)
}
