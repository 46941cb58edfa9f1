package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/voxkit/capture/internal/audio"
	"github.com/voxkit/capture/internal/capture"
	"github.com/voxkit/capture/internal/util"
)

const (
	// HTTP client timeout.
	httpTimeout = 30 * time.Second

	// Retry settings for transient server errors.
	maxRetries       = 2
	initialRetryWait = 1 * time.Second
	maxRetryWait     = 10 * time.Second
)

// APIConfig describes one hosted collaborator endpoint. OAuth2 client
// credentials are optional; without them requests go out unauthenticated.
type APIConfig struct {
	URL          string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// hasAuth reports whether OAuth2 client credentials are configured.
func (c *APIConfig) hasAuth() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.TokenURL != ""
}

// newHTTPClient builds the HTTP client for an endpoint, wrapping it with an
// OAuth2 client-credentials token source when credentials are configured.
func newHTTPClient(cfg *APIConfig) *http.Client {
	base := &http.Client{Timeout: httpTimeout}
	if !cfg.hasAuth() {
		return base
	}

	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return conf.Client(ctx)
}

// segmentPayload is the audio body shared by both collaborator requests.
// PCM travels as base64 little-endian signed 16-bit mono samples.
type segmentPayload struct {
	SegmentID   string `json:"segment_id"`
	StartTime   string `json:"start_time"`
	StopReason  string `json:"stop_reason"`
	DurationMs  int64  `json:"duration_ms"`
	SampleRate  int    `json:"sample_rate"`
	AudioBase64 string `json:"audio_base64"`
}

// encodeSegment converts a segment to its wire form.
func encodeSegment(seg *capture.Segment) segmentPayload {
	return segmentPayload{
		SegmentID:   seg.ID,
		StartTime:   seg.StartTime.UTC().Format(time.RFC3339Nano),
		StopReason:  string(seg.StopReason),
		DurationMs:  seg.Duration.Milliseconds(),
		SampleRate:  seg.SampleRate,
		AudioBase64: base64.StdEncoding.EncodeToString(audio.EncodeS16LE(seg.PCM)),
	}
}

// postJSON marshals the payload and posts it, retrying transient server
// errors, and decodes the response into out.
func postJSON(ctx context.Context, client *http.Client, url string, payload, out any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal request", err)
	}

	backoff := util.NewBackoff(initialRetryWait, maxRetryWait)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff.Next()):
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
		if err != nil {
			return util.WrapError("create request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = util.WrapError("send request", err)
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return util.WrapError("decode response", err)
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= http.StatusInternalServerError:
			// Transient; retry.
			lastErr = fmt.Errorf("api returned %d: %s", resp.StatusCode, string(body))
			continue
		default:
			return fmt.Errorf("api error %d: %s", resp.StatusCode, string(body))
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// HTTPValidator asks a hosted endpoint whether a segment contains usable
// speech. It implements Validator.
type HTTPValidator struct {
	url    string
	client *http.Client
}

// NewHTTPValidator creates a validator client for the configured endpoint.
func NewHTTPValidator(cfg APIConfig) (*HTTPValidator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("validation URL is required")
	}
	return &HTTPValidator{url: cfg.URL, client: newHTTPClient(&cfg)}, nil
}

// Validate posts the segment and returns the endpoint's verdict.
func (v *HTTPValidator) Validate(ctx context.Context, seg *capture.Segment) (Verdict, error) {
	var verdict Verdict
	if err := postJSON(ctx, v.client, v.url, encodeSegment(seg), &verdict); err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// transcribeRequest carries the segment plus the transcript context the
// endpoint uses to choose its analysis depth.
type transcribeRequest struct {
	segmentPayload
	Transcripts     []string `json:"transcripts"`
	SinceAnalysisMs int64    `json:"since_analysis_ms"`
	SinceSpeechMs   int64    `json:"since_speech_ms"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// HTTPTranscriber sends segments to a hosted transcription endpoint. It
// implements Transcriber.
type HTTPTranscriber struct {
	url    string
	client *http.Client
}

// NewHTTPTranscriber creates a transcription client for the configured endpoint.
func NewHTTPTranscriber(cfg APIConfig) (*HTTPTranscriber, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transcription URL is required")
	}
	return &HTTPTranscriber{url: cfg.URL, client: newHTTPClient(&cfg)}, nil
}

// Transcribe posts the segment with accumulated context and returns the text.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, seg *capture.Segment, items []string, sinceAnalysis, sinceSpeech time.Duration) (string, error) {
	req := transcribeRequest{
		segmentPayload:  encodeSegment(seg),
		Transcripts:     items,
		SinceAnalysisMs: sinceAnalysis.Milliseconds(),
		SinceSpeechMs:   sinceSpeech.Milliseconds(),
	}

	var resp transcribeResponse
	if err := postJSON(ctx, t.client, t.url, req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}
