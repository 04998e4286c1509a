package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.Greater(t, rl.RetryAfter("1.2.3.4"), 0)

	// Other clients keep their own windows.
	assert.True(t, rl.Allow("5.6.7.8"))
}

func TestRateLimiterSweepsStaleWindows(t *testing.T) {
	rl := NewRateLimiter(1, time.Millisecond)

	require.True(t, rl.Allow("stale"))
	time.Sleep(25 * time.Millisecond)

	// The next request sweeps expired windows in place; no background
	// goroutine holds the map alive.
	require.True(t, rl.Allow("fresh"))

	rl.mu.Lock()
	_, staleKept := rl.windows["stale"]
	rl.mu.Unlock()
	assert.False(t, staleKept)
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	handler := rl.Middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/entry/confirm", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
