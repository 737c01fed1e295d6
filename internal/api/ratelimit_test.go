package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/release-gate/internal/state"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func limited(t *testing.T, cfg RateLimitConfig) http.Handler {
	t.Helper()
	mw, stop := RateLimitMiddleware(cfg)
	t.Cleanup(stop)
	return middleware.RealIP(mw(okHandler()))
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Run("blocks requests past the burst", func(t *testing.T) {
		h := limited(t, RateLimitConfig{Enabled: true, RequestsPerSecond: 0.5, BurstSize: 2})

		for i := 0; i < 2; i++ {
			assert.Equal(t, http.StatusOK, hit(h, "192.168.1.2:12345", "").Code)
		}
		rec := hit(h, "192.168.1.2:12345", "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	})

	t.Run("addresses have separate buckets", func(t *testing.T) {
		h := limited(t, RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1})

		assert.Equal(t, http.StatusOK, hit(h, "192.168.1.10:12345", "").Code)
		assert.Equal(t, http.StatusTooManyRequests, hit(h, "192.168.1.10:12345", "").Code)
		assert.Equal(t, http.StatusOK, hit(h, "192.168.1.20:12345", "").Code)
	})

	t.Run("forwarded clients behind one proxy are told apart", func(t *testing.T) {
		h := limited(t, RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1})

		assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:12345", "203.0.113.50").Code)
		assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1:12345", "203.0.113.50").Code)
		assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:12345", "203.0.113.100").Code)
	})

	t.Run("disabled passes everything", func(t *testing.T) {
		for _, cfg := range []RateLimitConfig{
			{Enabled: false, RequestsPerSecond: 1, BurstSize: 1},
			{Enabled: true, RequestsPerSecond: 0},
		} {
			h := limited(t, cfg)
			for i := 0; i < 50; i++ {
				require.Equal(t, http.StatusOK, hit(h, "192.168.1.30:12345", "").Code)
			}
		}
	})
}

func TestSubmissionLimitsKeyByOperator(t *testing.T) {
	cfg := submissionLimits()
	cfg.BurstSize = 1
	h := limited(t, cfg)

	as := func(id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
		req.RemoteAddr = "10.1.1.1:40000"
		if id != "" {
			req = req.WithContext(context.WithValue(req.Context(), OperatorContextKey, &state.Operator{ID: id}))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, as("ci-a").Code)
	assert.Equal(t, http.StatusTooManyRequests, as("ci-a").Code)
	// same runner address, different operator
	assert.Equal(t, http.StatusOK, as("ci-b").Code)
	assert.Equal(t, http.StatusOK, as("").Code)
	assert.Equal(t, http.StatusTooManyRequests, as("").Code)
}

func TestLimiterSetEvictsIdleBuckets(t *testing.T) {
	s := newLimiterSet(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Hour})
	defer s.stop()

	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	ok, _ := s.allow("192.168.1.1", start)
	assert.True(t, ok)
	ok, wait := s.allow("192.168.1.1", start)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	s.allow("192.168.1.2", start.Add(90*time.Minute))
	assert.Equal(t, 1, s.evict(start.Add(2*time.Hour)))
	assert.NotContains(t, s.buckets, "192.168.1.1")
	assert.Contains(t, s.buckets, "192.168.1.2")

	s.stop()
	s.stop()
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	assert.Equal(t, "192.168.1.1", clientKey(req))
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", clientKey(req))
	req.RemoteAddr = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", clientKey(req))
}

func TestRateLimitPresets(t *testing.T) {
	login, submit := loginLimits(), submissionLimits()
	assert.True(t, login.Enabled)
	assert.Nil(t, login.Key)
	assert.NotNil(t, submit.Key)
	assert.Less(t, login.RequestsPerSecond, submit.RequestsPerSecond)
}
