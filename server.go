package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/voxkit/capture/internal/capture"
	"github.com/voxkit/capture/internal/config"
	"github.com/voxkit/capture/internal/eventlog"
	"github.com/voxkit/capture/internal/server"
	"github.com/voxkit/capture/internal/types"
)

// Server is the HTTP server exposing the capture engine's control API and
// the realtime WebSocket feed.
type Server struct {
	config  *config.Config
	engine  *capture.Engine
	hub     *server.Hub
	version *VersionChecker
}

// NewServer returns a new Server wired to the given config, engine and hub.
func NewServer(cfg *config.Config, eng *capture.Engine, hub *server.Hub) *Server {
	return &Server{
		config:  cfg,
		engine:  eng,
		hub:     hub,
		version: NewVersionChecker(),
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/config", s.handleAPIConfig)
	mux.HandleFunc("GET /api/events", s.handleAPIEvents)
	mux.HandleFunc("POST /api/calibrate", s.handleAPICalibrate)
	mux.HandleFunc("POST /api/settings", s.handleAPISettings)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// handleAPIStatus returns the engine's operational state.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"engine":  s.engine.Status(),
		"version": s.version.Info(),
	})
}

// apiConfigResponse is the configuration view for clients. Secrets are
// reduced to presence flags.
type apiConfigResponse struct {
	AudioInput string `json:"audio_input"`
	Platform   string `json:"platform"`
	SampleRate int    `json:"sample_rate"`

	ThresholdDB          float64  `json:"threshold_db"`
	CalibrationMarginDB  float64  `json:"calibration_margin_db"`
	NoiseFloorDB         *float64 `json:"noise_floor_db"`
	ConfirmationWindowMs int64    `json:"confirmation_window_ms"`
	SilenceWindowMs      int64    `json:"silence_window_ms"`
	MinDurationMs        int64    `json:"min_segment_duration_ms"`
	MaxDurationMs        int64    `json:"max_segment_duration_ms"`

	ValidationURL    string `json:"validation_url"`
	TranscriptionURL string `json:"transcription_url"`
	FailClosed       bool   `json:"fail_closed"`

	ArchiveEnabled     bool   `json:"archive_enabled"`
	ArchiveStorageMode string `json:"archive_storage_mode"`
	ArchiveHasS3       bool   `json:"archive_has_s3"`
}

// handleAPIConfig returns the configuration for the frontend.
// GET /api/config
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()

	server.WriteJSON(w, http.StatusOK, apiConfigResponse{
		AudioInput: cfg.AudioInput,
		Platform:   runtime.GOOS,
		SampleRate: types.SampleRate,

		ThresholdDB:          s.engine.ThresholdDB(),
		CalibrationMarginDB:  cfg.CalibrationMarginDB,
		NoiseFloorDB:         cfg.NoiseFloorDB,
		ConfirmationWindowMs: cfg.ConfirmationWindowMs,
		SilenceWindowMs:      cfg.SilenceWindowMs,
		MinDurationMs:        cfg.MinDurationMs,
		MaxDurationMs:        cfg.MaxDurationMs,

		ValidationURL:    cfg.Validation.URL,
		TranscriptionURL: cfg.Transcription.URL,
		FailClosed:       cfg.FailClosed,

		ArchiveEnabled:     cfg.ArchiveEnabled,
		ArchiveStorageMode: cfg.ArchiveStorageMode,
		ArchiveHasS3:       cfg.ArchiveS3.Bucket != "",
	})
}

// handleAPIEvents returns a page of the event log, newest first.
// GET /api/events?limit=50&offset=0&filter=segment
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	filter := eventlog.TypeFilter(r.URL.Query().Get("filter"))

	events, hasMore, err := eventlog.ReadLast(s.config.EventLogPath(), limit, offset, filter)
	if err != nil {
		server.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	server.WriteJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": hasMore,
	})
}

// handleAPICalibrate measures the noise floor over the requested window and
// returns the derived threshold. Blocks for the duration of the window.
// POST /api/calibrate
func (s *Server) handleAPICalibrate(w http.ResponseWriter, r *http.Request) {
	var req server.CalibrateRequest
	if !server.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.engine.Calibrate(r.Context(), time.Duration(req.DurationMs)*time.Millisecond)
	switch {
	case err == nil:
		server.WriteJSON(w, http.StatusOK, result)
	case errors.Is(err, capture.ErrNotInitialized), errors.Is(err, capture.ErrCalibrating):
		server.WriteError(w, http.StatusConflict, err)
	case errors.Is(err, capture.ErrCalibrationFailed):
		server.WriteError(w, http.StatusServiceUnavailable, err)
	default:
		server.WriteError(w, http.StatusInternalServerError, err)
	}
}

// handleAPISettings applies detection and audio settings. Threshold and
// margin take effect on the next tick; an audio input change requires a
// restart of the capture process.
// POST /api/settings
func (s *Server) handleAPISettings(w http.ResponseWriter, r *http.Request) {
	var req server.SettingsRequest
	if !server.DecodeAndValidate(w, r, &req) {
		return
	}

	restartRequired := false

	if req.ThresholdDB != nil {
		if err := s.engine.SetThresholdDB(*req.ThresholdDB); err != nil {
			s.writeSettingsError(w, err)
			return
		}
	}

	if req.CalibrationMarginDB != nil {
		if err := s.engine.SetCalibrationMarginDB(*req.CalibrationMarginDB); err != nil {
			s.writeSettingsError(w, err)
			return
		}
	}

	if req.AudioInput != nil && *req.AudioInput != s.config.AudioInput() {
		if err := s.config.SetAudioInput(*req.AudioInput); err != nil {
			server.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		restartRequired = true
	}

	server.WriteJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"restart_required": restartRequired,
	})
}

// writeSettingsError maps engine override errors to HTTP status codes.
func (s *Server) writeSettingsError(w http.ResponseWriter, err error) {
	if errors.Is(err, capture.ErrCalibrating) {
		server.WriteError(w, http.StatusConflict, err)
		return
	}
	server.WriteError(w, http.StatusInternalServerError, err)
}

// handleWebSocket streams level and status updates to the client.
// GET /ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	send, unregister := s.hub.Register()

	// Writer goroutine - sole writer to the connection
	go func() {
		defer func() {
			unregister()
			if err := conn.Close(); err != nil {
				slog.Debug("WebSocket close error", "error", err)
			}
		}()

		// Initial status so clients render immediately.
		status := s.engine.Status()
		if err := conn.WriteJSON(types.WSStatusMessage{Type: "status", Status: status.Status}); err != nil {
			return
		}

		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	// Reader loop - the feed is one-way, reading only detects disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				unregister()
				return
			}
		}
	}()
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.SetupRoutes(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
