package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateAvailable(t *testing.T) {
	cases := []struct {
		name            string
		latest, current string
		want            bool
	}{
		{"newer release", "1.4.0", "1.3.2", true},
		{"same release", "1.3.2", "1.3.2", false},
		{"older release", "1.2.0", "1.3.2", false},
		{"no release known", "", "1.3.2", false},
		{"dev build", "1.4.0", "dev", false},
		{"unknown build", "1.4.0", "unknown", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, updateAvailable(tc.latest, tc.current))
		})
	}
}

func TestFetchStoresLatestAndSendsConditionalRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			assert.Equal(t, `"release-1"`, r.Header.Get("If-None-Match"))
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"release-1"`)
		_ = json.NewEncoder(w).Encode(map[string]any{"tag_name": "v1.4.0"})
	}))
	defer srv.Close()

	vc := &VersionChecker{url: srv.URL, stopCh: make(chan struct{})}
	require.NoError(t, vc.fetch())
	assert.Equal(t, "1.4.0", vc.Info().Latest)

	// Unchanged answer keeps the stored release.
	require.NoError(t, vc.fetch())
	assert.Equal(t, "1.4.0", vc.Info().Latest)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchIgnoresDraftsAndPrereleases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"tag_name": "v2.0.0-rc1", "prerelease": true})
	}))
	defer srv.Close()

	vc := &VersionChecker{url: srv.URL, stopCh: make(chan struct{})}
	require.NoError(t, vc.fetch())
	assert.Empty(t, vc.Info().Latest)
}

func TestFetchReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()

	vc := &VersionChecker{url: srv.URL, stopCh: make(chan struct{})}
	err := vc.fetch()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
