package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenline/vigil/internal/model"
)

func TestMemoryLimiter_Window(t *testing.T) {
	m := NewMemoryLimiter()
	defer m.Close()
	ctx := context.Background()

	rule := Rule{Prefix: "test", Limit: 3, Window: 50 * time.Millisecond}

	for i := 0; i < 3; i++ {
		res := m.Allow(ctx, rule, "key-a")
		assert.True(t, res.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}

	res := m.Allow(ctx, rule, "key-a")
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, 3, res.Limit)

	// Other keys have their own window.
	assert.True(t, m.Allow(ctx, rule, "key-b").Allowed)

	// Same key under a different prefix has its own budget too.
	other := Rule{Prefix: "other", Limit: 3, Window: 50 * time.Millisecond}
	assert.True(t, m.Allow(ctx, other, "key-a").Allowed)

	// The window expires and the budget refills.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, m.Allow(ctx, rule, "key-a").Allowed)
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	rule := Rule{Prefix: "x", Limit: 1, Window: time.Second}
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(context.Background(), rule, "k").Allowed)
	}
	require.NoError(t, l.Close())
}

func TestMiddleware(t *testing.T) {
	m := NewMemoryLimiter()
	defer m.Close()

	rule := Rule{Prefix: "mw", Limit: 2, Window: time.Minute}
	handler := MiddlewareWithRequestID(m, rule, IPKeyFunc, func(*http.Request) string {
		return "req-123"
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/emergency-calls", nil)
		req.RemoteAddr = "10.0.0.1:52100"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	do()
	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
	assert.Equal(t, "req-123", apiErr.Meta.RequestID)
}

func TestMiddleware_EmptyKeySkips(t *testing.T) {
	m := NewMemoryLimiter()
	defer m.Close()

	rule := Rule{Prefix: "skip", Limit: 1, Window: time.Minute}
	handler := Middleware(m, rule, func(*http.Request) string { return "" })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:41234"
	assert.Equal(t, "192.0.2.7", IPKeyFunc(req))

	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "[2001:db8::1]", IPKeyFunc(req))
}
