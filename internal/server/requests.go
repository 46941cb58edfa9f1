package server

// Request types for the HTTP API with validation tags.
// These use go-playground/validator struct tags for automatic validation.

// CalibrateRequest is the request body for POST /api/calibrate.
type CalibrateRequest struct {
	DurationMs int64 `json:"duration_ms" validate:"required,gte=100,lte=120000"`
}

// SettingsRequest is the request body for POST /api/settings. Pointer fields
// distinguish "not provided" from zero values; only provided fields change.
type SettingsRequest struct {
	ThresholdDB         *float64 `json:"threshold_db" validate:"omitempty,gte=-96,lte=0"`
	CalibrationMarginDB *float64 `json:"calibration_margin_db" validate:"omitempty,gte=0,lte=60"`
	AudioInput          *string  `json:"audio_input" validate:"omitempty,max=256"`
}
