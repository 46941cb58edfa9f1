package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/voxkit/capture/internal/capture"
)

const (
	wavBitDepth = 16
	wavChannels = 1
	wavAudioFmt = 1 // PCM
)

// writeWAV encodes a segment's PCM to a 16-bit mono WAV file at filePath,
// creating parent directories as needed.
func writeWAV(filePath string, seg *capture.Segment) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	outFile, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer func() { _ = outFile.Close() }()

	enc := wav.NewEncoder(outFile, seg.SampleRate, wavBitDepth, wavChannels, wavAudioFmt)

	intSamples := make([]int, len(seg.PCM))
	for i, s := range seg.PCM {
		v := int(s * 32768.0)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		intSamples[i] = v
	}

	buf := &audio.IntBuffer{
		Data:   intSamples,
		Format: &audio.Format{SampleRate: seg.SampleRate, NumChannels: wavChannels},
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}

	// Close finalizes the RIFF header sizes.
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav file: %w", err)
	}
	return nil
}
