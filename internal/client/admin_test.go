package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.True(t, isTransient(&RemoteError{Status: http.StatusInternalServerError}))
	assert.True(t, isTransient(&RemoteError{Status: http.StatusTooManyRequests}))
	assert.False(t, isTransient(&RemoteError{Status: http.StatusNotFound}))
	assert.False(t, isTransient(context.Canceled))
	assert.True(t, isTransient(&http.MaxBytesError{Limit: 100}))
}

func TestBackoff(t *testing.T) {
	c := NewAdminClient("http://localhost", "t").WithRetry(&RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
	})
	assert.Equal(t, 100*time.Millisecond, c.backoff(0))
	assert.Equal(t, 200*time.Millisecond, c.backoff(1))
	assert.Equal(t, 300*time.Millisecond, c.backoff(2))
	assert.Equal(t, 300*time.Millisecond, c.backoff(6))
}

func TestCreateToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/admin/tokens", r.URL.Path)
		assert.Equal(t, "Bearer admin", r.Header.Get("Authorization"))

		var req server.CreateTokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"acme"}, req.Owners)
		assert.Equal(t, "rw", req.Permission)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(server.CreateTokenResponse{
			Token:      "pks_raw",
			ID:         "tok-1",
			Owners:     req.Owners,
			Permission: req.Permission,
		})
	}))
	defer srv.Close()

	resp, err := NewAdminClient(srv.URL+"/", "admin").CreateToken(t.Context(), "ci", []string{"acme"}, "rw")
	require.NoError(t, err)
	assert.Equal(t, "pks_raw", resp.Token)
	assert.Equal(t, "tok-1", resp.ID)
}

func TestCreateToken_NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewAdminClient(srv.URL, "admin").WithRetry(noRetry()).CreateToken(t.Context(), "", []string{"*"}, "ro")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestListTokens_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]server.TokenEntry{{ID: "a", Owners: []string{"*"}, Permission: "ro"}})
	}))
	defer srv.Close()

	tokens, err := NewAdminClient(srv.URL, "admin").WithRetry(noRetry()).ListTokens(t.Context())
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "a", tokens[0].ID)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDeleteToken_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/tokens/missing", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"token not found"}`))
	}))
	defer srv.Close()

	err := NewAdminClient(srv.URL, "admin").DeleteToken(t.Context(), "missing")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.Status)
	assert.Equal(t, "token not found", re.Message)
}

func TestGC_PassesGrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1h0m0s", r.URL.Query().Get("grace"))
		json.NewEncoder(w).Encode(server.GCResult{BlobsScanned: 3, BlobsDeleted: 2, BytesFreed: 42})
	}))
	defer srv.Close()

	result, err := NewAdminClient(srv.URL, "admin").GC(t.Context(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, result.BlobsDeleted)
	assert.EqualValues(t, 42, result.BytesFreed)
}

func TestStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"blobs":{"count":2,"total_size":10},"packages":[{"type":"npm","packages":1,"versions":2,"files":2,"downloads":5}],"upload_sessions":1}`))
	}))
	defer srv.Close()

	stats, err := NewAdminClient(srv.URL, "admin").Stats(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Blobs.Count)
	require.Len(t, stats.Packages, 1)
	assert.EqualValues(t, 5, stats.Packages[0].Downloads)
	assert.Equal(t, 1, stats.UploadSessions)
}

func TestInsecure(t *testing.T) {
	assert.True(t, NewAdminClient("http://registry.local", "t").Insecure())
	assert.False(t, NewAdminClient("https://registry.local", "t").Insecure())
}
