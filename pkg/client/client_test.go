package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrx/orchestrator/pkg/types"
)

// TestHeartbeat tests a successful callback with key and path
func TestHeartbeat(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", "sbx-aaa111bbb222")
	require.NoError(t, c.Heartbeat(context.Background()))

	assert.Equal(t, "/sandboxes/sbx-aaa111bbb222/heartbeat", gotPath)
	assert.Equal(t, "secret", gotKey)
}

// TestCompletePayload tests that the result body is delivered
func TestCompletePayload(t *testing.T) {
	var got types.CompleteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "sbx-aaa111bbb222")
	require.NoError(t, c.Complete(context.Background(), map[string]any{"ok": true}))
	assert.Equal(t, map[string]any{"ok": true}, got.Result)
}

// TestRetryOnServerError tests that 5xx responses are retried and a
// later success is final
func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "sbx-aaa111bbb222")
	require.NoError(t, c.Heartbeat(context.Background()))
	assert.Equal(t, int32(3), attempts.Load())
}

// TestRetryExhausted tests failure after three attempts
func TestRetryExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "sbx-aaa111bbb222")
	err := c.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

// TestClientErrorNotRetried tests that 4xx responses fail immediately
func TestClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "sbx-missing00000")
	err := c.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

// TestErrorPayload tests the error report body
func TestErrorPayload(t *testing.T) {
	var got types.ErrorReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "sbx-aaa111bbb222")
	require.NoError(t, c.Error(context.Background(), "agent crashed", map[string]any{"code": "oom"}))
	assert.Equal(t, "agent crashed", got.Error)
	assert.Equal(t, map[string]any{"code": "oom"}, got.Details)
}
