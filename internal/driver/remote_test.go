package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T, handler http.HandlerFunc) *RemoteDriver {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	d, err := NewRemoteDriver(RemoteConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	return d
}

func TestRemoteDriverLogin(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/tok-1/login", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "owner@example.com", body["email"])

		_ = json.NewEncoder(w).Encode(map[string]any{"logged_in": true})
	})

	ok, err := d.Login(context.Background(), "tok-1", Credentials{Email: "owner@example.com", Password: "hunter2"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoteDriverLoginRejected(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"logged_in": false, "reason": "bad password"})
	})

	ok, err := d.Login(context.Background(), "tok-1", Credentials{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteDriverApplyToJob(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/tok-1/apply", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ApplyResult{Success: true})
	})

	result, err := d.ApplyToJob(context.Background(), "tok-1", "job-42")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRemoteDriverErrorCarriesStatusAndBody(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("too many requests, retry later"))
	})

	_, err := d.ApplyToJob(context.Background(), "tok-1", "job-42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "too many requests")
}

func TestRemoteDriverScrapeJobs(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/tok-1/scrape", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ScrapeResult{JobRefs: []string{"job-1", "job-2"}})
	})

	result, err := d.ScrapeJobs(context.Background(), "tok-1", "golang remote")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, result.JobRefs)
}

func TestNewRemoteDriverRequiresBaseURL(t *testing.T) {
	_, err := NewRemoteDriver(RemoteConfig{}, nil)
	assert.Error(t, err)
}
