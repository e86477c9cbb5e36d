package api

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLimiterLocksOutAfterLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newRequestLimiter(3)
	rl.now = func() time.Time { return now }

	for range 3 {
		ok, _ := rl.allow("10.0.0.1")
		require.True(t, ok)
	}
	ok, retry := rl.allow("10.0.0.1")
	require.False(t, ok)
	assert.Equal(t, baseLockout, retry)

	// Other clients are unaffected.
	ok, _ = rl.allow("10.0.0.2")
	assert.True(t, ok)

	now = now.Add(baseLockout)
	for range 3 {
		ok, _ = rl.allow("10.0.0.1")
		require.True(t, ok)
	}
	ok, retry = rl.allow("10.0.0.1")
	require.False(t, ok)
	assert.Equal(t, 2*baseLockout, retry, "second strike doubles the lockout")
}

func TestRequestLimiterWindowResets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newRequestLimiter(2)
	rl.now = func() time.Time { return now }

	rl.allow("a")
	rl.allow("a")
	now = now.Add(limitWindow)
	ok, _ := rl.allow("a")
	assert.True(t, ok)
}

func TestRequestLimiterSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newRequestLimiter(0)
	rl.now = func() time.Time { return now }
	assert.Equal(t, defaultRequestLimit, rl.limit)

	rl.allow("a")
	assert.Equal(t, 0, rl.sweep())
	now = now.Add(clientExpiry + time.Second)
	assert.Equal(t, 1, rl.sweep())
	assert.Empty(t, rl.clients)
}

func TestRateLimitedMiddleware(t *testing.T) {
	a := New(Config{RequestLimit: 1})
	h := a.rateLimited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/sign", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted []netip.Prefix
		want    string
	}{
		{"remote only", "192.0.2.1:1234", nil, nil, "192.0.2.1"},
		{"untrusted peer ignores headers", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.9"}, trusted, "192.0.2.1"},
		{"no trusted proxies ignores headers", "10.1.1.1:80", map[string]string{"X-Forwarded-For": "203.0.113.9"}, nil, "10.1.1.1"},
		{"xff first valid", "10.1.1.1:80", map[string]string{"X-Forwarded-For": "junk, 203.0.113.9, 198.51.100.2"}, trusted, "203.0.113.9"},
		{"forwarded", "10.1.1.1:80", map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https`}, trusted, "2001:db8::1"},
		{"x-real-ip", "10.1.1.1:80", map[string]string{"X-Real-IP": "198.51.100.4"}, trusted, "198.51.100.4"},
		{"ipv6 remote with zone", "[fe80::1%eth0]:80", nil, nil, "fe80::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.trusted))
		})
	}
}
