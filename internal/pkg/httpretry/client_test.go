package httpretry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastClient(inner HTTPDoer, retries int) *RetryClient {
	rc := NewRetryClient(inner, retries)
	rc.baseDelay = time.Millisecond
	rc.maxDelay = time.Millisecond
	return rc
}

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"k":"v"}`))
	require.NoError(t, err)

	resp, err := fastClient(srv.Client(), 3).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, calls)
	// The request body must be replayed on every attempt.
	assert.Equal(t, []string{`{"k":"v"}`, `{"k":"v"}`, `{"k":"v"}`}, bodies)
}

func TestDoReturnsClientErrorsImmediately(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := fastClient(srv.Client(), 3).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, 1, calls)
}

// When every attempt fails retryably the last response comes back as-is so
// the caller can read the provider's error body.
func TestDoReturnsFinalResponseAfterExhaustion(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := fastClient(srv.Client(), 2).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 3, calls)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "rate limited", string(body))
}

func TestRetryableStatuses(t *testing.T) {
	assert.True(t, retryable(http.StatusTooManyRequests))
	assert.True(t, retryable(http.StatusBadGateway))
	assert.False(t, retryable(http.StatusBadRequest))
	assert.False(t, retryable(http.StatusOK))
}
