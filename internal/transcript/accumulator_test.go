package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppendPreservesOrder(t *testing.T) {
	a := New()
	now := time.Now()

	a.Append("first", now)
	a.Append("second", now.Add(time.Second))
	a.Append("third", now.Add(2*time.Second))

	assert.Equal(t, []string{"first", "second", "third"}, a.Items())
	assert.Equal(t, 3, a.Len())
}

func TestItemsReturnsCopy(t *testing.T) {
	a := New()
	a.Append("original", time.Now())

	items := a.Items()
	items[0] = "mutated"

	assert.Equal(t, []string{"original"}, a.Items())
}

func TestMarkAnalyzedClearsItems(t *testing.T) {
	a := New()
	now := time.Now()
	a.Append("one", now)
	a.Append("two", now)

	a.MarkAnalyzed(now)

	assert.Empty(t, a.Items())
	assert.Equal(t, 0, a.Len())
}

func TestSinceAnalysisZeroBeforeFirstAnalysis(t *testing.T) {
	a := New()
	assert.Equal(t, time.Duration(0), a.SinceAnalysis(time.Now()))

	analyzed := time.Now().Add(-10 * time.Minute)
	a.MarkAnalyzed(analyzed)
	assert.Equal(t, 10*time.Minute, a.SinceAnalysis(analyzed.Add(10*time.Minute)))
}

func TestSinceSpeechTracksLastAppend(t *testing.T) {
	a := New()
	assert.Equal(t, time.Duration(0), a.SinceSpeech(time.Now()))

	spoke := time.Now().Add(-time.Minute)
	a.Append("hello", spoke)
	assert.Equal(t, time.Minute, a.SinceSpeech(spoke.Add(time.Minute)))

	// A newer append moves the stamp forward.
	later := spoke.Add(30 * time.Second)
	a.Append("again", later)
	assert.Equal(t, 30*time.Second, a.SinceSpeech(later.Add(30*time.Second)))
}

func TestAnalysisKeepsSpeechStamp(t *testing.T) {
	a := New()
	spoke := time.Now()
	a.Append("hello", spoke)
	a.MarkAnalyzed(spoke.Add(time.Second))

	assert.Equal(t, 5*time.Second, a.SinceSpeech(spoke.Add(5*time.Second)))
}
