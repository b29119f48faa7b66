package bridge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPForwarder_PostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"status":"ok","id":1}`))
	}))
	defer srv.Close()

	f := NewHTTPForwarder(ForwarderConfig{URL: srv.URL + "/datos", Timeout: time.Second, BreakerOpenDelay: time.Minute}, zap.NewNop())
	err := f.Forward(context.Background(), map[string]any{"temperature": 20.0, "nodeId": "n2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temperature": 20.0, "nodeId": "n2"}, got)
}

func TestHTTPForwarder_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"missing fields"}`))
	}))
	defer srv.Close()

	f := NewHTTPForwarder(ForwarderConfig{URL: srv.URL, Timeout: time.Second, BreakerOpenDelay: time.Minute}, nil)
	err := f.Forward(context.Background(), map[string]any{"nodeId": "n1"})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.Contains(t, te.Error(), "missing fields")
}

func TestHTTPForwarder_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := NewHTTPForwarder(ForwarderConfig{URL: url, Timeout: time.Second, BreakerOpenDelay: time.Minute}, nil)
	err := f.Forward(context.Background(), map[string]any{"t": 1.0})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.StatusCode)
	assert.Error(t, te.Unwrap())
}

func TestHTTPForwarder_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPForwarder(ForwarderConfig{
		URL:              srv.URL,
		Timeout:          time.Second,
		BreakerFailures:  2,
		BreakerOpenDelay: time.Minute,
	}, nil)

	for i := 0; i < 2; i++ {
		require.Error(t, f.Forward(context.Background(), map[string]any{"t": 1.0}))
	}
	err := f.Forward(context.Background(), map[string]any{"t": 1.0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), calls.Load(), "open breaker does not call the backend")
}
