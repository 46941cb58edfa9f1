package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/voxkit/capture/internal/types"
	"github.com/voxkit/capture/internal/util"
)

// Build metadata, set via -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	releaseURL           = "https://api.github.com/repos/voxkit/capture/releases/latest"
	releaseCheckDelay    = 30 * time.Second // keep startup unblocked
	releaseCheckInterval = 24 * time.Hour
	releaseCheckTimeout  = 30 * time.Second
	releaseCheckRetries  = 3
)

// VersionChecker polls for published releases and answers whether the
// running build is behind. Safe for concurrent use.
type VersionChecker struct {
	mu     sync.RWMutex
	latest string
	etag   string

	url    string
	stopCh chan struct{}
}

// NewVersionChecker starts the background release poller.
func NewVersionChecker() *VersionChecker {
	vc := &VersionChecker{
		url:    releaseURL,
		stopCh: make(chan struct{}),
	}
	go vc.run()
	return vc
}

// Stop halts the poller.
func (vc *VersionChecker) Stop() {
	close(vc.stopCh)
}

func (vc *VersionChecker) run() {
	timer := time.NewTimer(releaseCheckDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			vc.refresh()
			timer.Reset(releaseCheckInterval)
		case <-vc.stopCh:
			return
		}
	}
}

// refresh performs one poll cycle, backing off between failed attempts.
func (vc *VersionChecker) refresh() {
	backoff := util.NewBackoff(time.Minute, 4*time.Minute)

	for attempt := range releaseCheckRetries {
		if attempt > 0 {
			select {
			case <-time.After(backoff.Next()):
			case <-vc.stopCh:
				return
			}
		}

		if err := vc.fetch(); err != nil {
			slog.Debug("release check failed", "error", err)
			continue
		}
		return
	}
}

// fetch asks the release endpoint for the newest release, conditionally via
// ETag so an unchanged answer costs nothing. A missing, draft, or
// pre-release result is not an error; only transport and server failures
// are, and those get retried by refresh.
func (vc *VersionChecker) fetch() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.url, http.NoBody)
	if err != nil {
		return util.WrapError("build release request", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "capture/"+Version)

	vc.mu.RLock()
	if vc.etag != "" {
		req.Header.Set("If-None-Match", vc.etag)
	}
	vc.mu.RUnlock()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return util.WrapError("fetch latest release", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		// No releases published yet.
		return nil
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("release endpoint returned %d", resp.StatusCode)
	}

	var release struct {
		TagName    string `json:"tag_name"`
		Draft      bool   `json:"draft"`
		Prerelease bool   `json:"prerelease"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return util.WrapError("decode release", err)
	}
	if release.Draft || release.Prerelease || release.TagName == "" {
		return nil
	}

	vc.mu.Lock()
	vc.latest = strings.TrimPrefix(release.TagName, "v")
	if etag := resp.Header.Get("ETag"); etag != "" {
		vc.etag = etag
	}
	vc.mu.Unlock()
	return nil
}

// Info returns the running build's version alongside the newest release.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	latest := vc.latest
	vc.mu.RUnlock()

	current := strings.TrimPrefix(Version, "v")
	return types.VersionInfo{
		Current:     current,
		Latest:      latest,
		Commit:      Commit,
		BuildTime:   BuildTime,
		UpdateAvail: updateAvailable(latest, current),
	}
}

// updateAvailable reports whether latest is a newer semver than current.
// Development builds never report an update.
func updateAvailable(latest, current string) bool {
	if latest == "" || current == "dev" || current == "unknown" {
		return false
	}
	return semver.Compare("v"+latest, "v"+current) > 0
}
