package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/voxkit/capture/internal/audio"
	"github.com/voxkit/capture/internal/types"
	"github.com/voxkit/capture/internal/util"
)

// ErrNoAudioDevice is returned when no audio input device is available.
var ErrNoAudioDevice = errors.New("no audio input device found")

// DeviceConfig describes how to open the platform audio input.
type DeviceConfig struct {
	// Device is the input device identifier. Empty selects the platform
	// default.
	Device string

	// FFmpegPath is the capture binary path. Empty uses "ffmpeg" from PATH.
	FFmpegPath string

	// SampleRate in Hz. Zero uses types.SampleRate.
	SampleRate int

	// FrameDuration is the tick cadence. Zero uses types.FrameDuration.
	FrameDuration time.Duration
}

// platformInputArgs returns the FFmpeg input format and device argument for
// the current platform.
func platformInputArgs(device string) (format, input string, err error) {
	switch runtime.GOOS {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		return "avfoundation", device, nil
	case "windows":
		if device == "" {
			return "", "", ErrNoAudioDevice
		}
		return "dshow", "audio=" + device, nil
	default: // linux and the rest of the unix family
		if device == "" {
			device = "default"
		}
		return "alsa", device, nil
	}
}

// buildCaptureArgs assembles the FFmpeg argument list for raw mono S16LE
// capture at the configured rate.
func buildCaptureArgs(device string, sampleRate int) ([]string, error) {
	format, input, err := platformInputArgs(device)
	if err != nil {
		return nil, err
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", format,
		"-i", input,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-f", "s16le",
		"-",
	}, nil
}

// stderrBuffer collects subprocess stderr. The exec package copies stderr
// on its own goroutine, so reads on the error path must be synchronized
// with those writes.
type stderrBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *stderrBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Device captures audio from the platform input via an FFmpeg subprocess and
// delivers fixed-size frames at a fixed cadence.
type Device struct {
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	stdout     io.ReadCloser
	stderr     stderrBuffer
	sampleRate int
	frameBytes int
	buf        []byte

	closeOnce sync.Once
	closedCh  chan struct{}
	waitCh    chan error
}

// OpenDevice starts the capture subprocess. A start failure means the input
// device is unavailable and is surfaced immediately; the caller must not
// retry automatically.
func OpenDevice(cfg DeviceConfig) (*Device, error) {
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = types.SampleRate
	}
	frameDur := cfg.FrameDuration
	if frameDur == 0 {
		frameDur = types.FrameDuration
	}

	args, err := buildCaptureArgs(cfg.Device, sampleRate)
	if err != nil {
		return nil, err
	}

	binary := cfg.FFmpegPath
	if binary == "" {
		binary = "ffmpeg"
	}

	slog.Info("starting audio capture", "command", binary, "device", cfg.Device, "sample_rate", sampleRate)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binary, args...)

	// Graceful shutdown: signal first, wait, then kill.
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	d := &Device{
		cmd:        cmd,
		cancel:     cancel,
		sampleRate: sampleRate,
		frameBytes: int(frameDur.Seconds()*float64(sampleRate)) * 2,
		closedCh:   make(chan struct{}),
		waitCh:     make(chan error, 1),
	}
	d.buf = make([]byte, d.frameBytes)
	cmd.Stderr = &d.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open capture stdout: %w", err)
	}
	d.stdout = stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start capture process: %w", err)
	}

	go func() {
		d.waitCh <- cmd.Wait()
	}()

	return d, nil
}

// SampleRate returns the configured capture sample rate.
func (d *Device) SampleRate() int {
	return d.sampleRate
}

// Next blocks until a full frame has been read from the capture process.
// It returns io.EOF after Close; any other error carries the last line of
// the subprocess stderr.
func (d *Device) Next() (Frame, error) {
	if _, err := io.ReadFull(d.stdout, d.buf); err != nil {
		select {
		case <-d.closedCh:
			return Frame{}, io.EOF
		default:
		}
		if tail := util.ExtractLastError(d.stderr.String()); tail != "" {
			return Frame{}, fmt.Errorf("capture process: %s", tail)
		}
		return Frame{}, fmt.Errorf("read capture stream: %w", err)
	}

	return Frame{
		Samples: audio.DecodeS16LE(d.buf),
		Time:    time.Now(),
	}, nil
}

// Close releases the audio device by terminating the capture subprocess.
// It is idempotent and safe to call while Next is blocked.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.closedCh)
		d.cancel()

		select {
		case err := <-d.waitCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Debug("capture process exited", "error", err)
			}
		case <-time.After(types.ShutdownTimeout + time.Second):
			slog.Warn("capture process did not exit in time")
		}
	})
	return nil
}
