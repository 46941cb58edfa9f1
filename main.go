// Package main provides a continuous voice-activity capture service: it
// monitors a live audio input, detects sustained speech, assembles discrete
// segments, and hands them to hosted validation and transcription endpoints.
//
// Usage:
//
//	capture [-config path/to/config.json]
//
// If -config is not specified, the service looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/voxkit/capture/internal/archive"
	"github.com/voxkit/capture/internal/capture"
	"github.com/voxkit/capture/internal/config"
	"github.com/voxkit/capture/internal/dispatch"
	"github.com/voxkit/capture/internal/eventlog"
	"github.com/voxkit/capture/internal/server"
	"github.com/voxkit/capture/internal/source"
	"github.com/voxkit/capture/internal/transcript"
	"github.com/voxkit/capture/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	events, err := eventlog.NewLogger(snap.EventLogPath)
	if err != nil {
		slog.Error("failed to open event log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := events.Close(); err != nil {
			slog.Warn("failed to close event log", "error", err)
		}
	}()

	// Downstream collaborators.
	accum := transcript.New()

	var validator dispatch.Validator
	if snap.HasValidation() {
		v, err := dispatch.NewHTTPValidator(apiConfig(snap.Validation))
		if err != nil {
			slog.Error("failed to create validation client", "error", err)
			os.Exit(1)
		}
		validator = v
	} else {
		slog.Warn("no validation endpoint configured - all segments pass through")
	}

	var transcriber dispatch.Transcriber
	if snap.HasTranscription() {
		t, err := dispatch.NewHTTPTranscriber(apiConfig(snap.Transcription))
		if err != nil {
			slog.Error("failed to create transcription client", "error", err)
			os.Exit(1)
		}
		transcriber = t
	} else {
		slog.Warn("no transcription endpoint configured - segments are not transcribed")
	}

	var archiver dispatch.Archiver
	if snap.ArchiveEnabled {
		arc := archive.New(archive.Config{
			StorageMode:   archive.StorageMode(snap.ArchiveStorageMode),
			LocalPath:     snap.ArchiveLocalPath,
			RetentionDays: snap.ArchiveRetentionDays,
			S3: archive.S3Config{
				Endpoint:        snap.ArchiveS3.Endpoint,
				Bucket:          snap.ArchiveS3.Bucket,
				AccessKeyID:     snap.ArchiveS3.AccessKeyID,
				SecretAccessKey: snap.ArchiveS3.SecretAccessKey,
			},
		}, events)
		defer arc.Close()
		archiver = arc

		// Surface a misconfigured bucket at startup instead of on the
		// first upload.
		go func() {
			if err := arc.VerifyConnection(); err != nil {
				slog.Warn("archive S3 connection test failed", "error", err)
			}
		}()
	}

	worker := dispatch.NewWorker(dispatch.Options{
		Validator:   validator,
		Transcriber: transcriber,
		Archiver:    archiver,
		Accumulator: accum,
		Events:      events,
		FailClosed:  snap.FailClosed,
		QueueSize:   snap.QueueSize,
	})

	engine := capture.New(capture.Options{
		Store:   cfg,
		Emitter: worker,
		Events:  events,
		Settings: capture.Settings{
			ThresholdDB:         snap.ThresholdDB,
			CalibrationMarginDB: snap.CalibrationMarginDB,
			NoiseFloorDB:        snap.NoiseFloorDB,
			ConfirmationWindow:  time.Duration(snap.ConfirmationWindowMs) * time.Millisecond,
			SilenceWindow:       time.Duration(snap.SilenceWindowMs) * time.Millisecond,
			MinDuration:         time.Duration(snap.MinDurationMs) * time.Millisecond,
			MaxDuration:         time.Duration(snap.MaxDurationMs) * time.Millisecond,
		},
	})

	hub := server.NewHub()
	engine.Subscribe(hub)

	// Check FFmpeg availability
	ffmpegPath := util.ResolveFFmpegPath(snap.FFmpegPath)
	if ffmpegPath == "" {
		slog.Warn("FFmpeg not found - capture not started, API remains available",
			"configured_path", snap.FFmpegPath)
	} else {
		slog.Info("FFmpeg found", "path", ffmpegPath)
		dev, err := source.OpenDevice(source.DeviceConfig{
			Device:     snap.AudioInput,
			FFmpegPath: ffmpegPath,
		})
		if err != nil {
			slog.Error("failed to open audio device - capture not started", "error", err)
		} else if err := engine.Start(dev); err != nil {
			slog.Error("failed to start capture engine", "error", err)
		}
	}

	srv := NewServer(cfg, engine, hub)
	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")

	// Stop version checker goroutine
	srv.version.Stop()

	// Shut down HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := engine.Stop(); err != nil {
		slog.Error("error stopping capture engine", "error", err)
	}

	// Drain any segments already accepted before the engine stopped.
	worker.Stop()

	slog.Info("shutdown complete")
}

// apiConfig converts a config endpoint section to the dispatch client form.
func apiConfig(c config.APIConfig) dispatch.APIConfig {
	out := dispatch.APIConfig{
		URL:          c.URL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
	}
	if c.Scope != "" {
		out.Scopes = []string{c.Scope}
	}
	return out
}
