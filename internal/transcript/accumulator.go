// Package transcript provides the accumulator of transcription results
// produced since the last full downstream analysis. Its lifecycle is driven
// entirely by external callers: the transcription collaborator appends, the
// analysis collaborator clears. The capture engine's own state transitions
// never touch it.
package transcript

import (
	"slices"
	"sync"
	"time"
)

// Accumulator is an ordered list of transcript strings plus the timestamps
// downstream logic needs to decide between a cheap transcription-only pass
// and a full analysis pass. It is safe for concurrent use.
type Accumulator struct {
	mu               sync.Mutex
	items            []string
	lastAnalysisTime time.Time
	lastSpeechTime   time.Time
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Append records one transcript string and stamps the speech time.
func (a *Accumulator) Append(text string, speechTime time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, text)
	a.lastSpeechTime = speechTime
}

// Items returns a copy of the accumulated transcripts in order.
func (a *Accumulator) Items() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.items)
}

// Len returns the number of accumulated transcripts.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// MarkAnalyzed clears the accumulated items and stamps the analysis time.
// Called only when the downstream analysis collaborator signals completion.
func (a *Accumulator) MarkAnalyzed(analysisTime time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = nil
	a.lastAnalysisTime = analysisTime
}

// SinceAnalysis returns the time elapsed since the last full analysis, or
// zero if none has happened yet.
func (a *Accumulator) SinceAnalysis(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastAnalysisTime.IsZero() {
		return 0
	}
	return now.Sub(a.lastAnalysisTime)
}

// SinceSpeech returns the time elapsed since the last appended transcript,
// or zero if none has been appended yet.
func (a *Accumulator) SinceSpeech(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastSpeechTime.IsZero() {
		return 0
	}
	return now.Sub(a.lastSpeechTime)
}
