package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// defaultRequestLimit is how many signing or upload requests one client
	// may make per window before lockout begins.
	defaultRequestLimit = 30
	limitWindow         = 1 * time.Minute
	baseLockout         = 1 * time.Minute
	maxLockout          = 30 * time.Minute
	// clientExpiry is how long an idle client record is kept.
	clientExpiry = 1 * time.Hour
)

// requestLimiter counts requests per client in fixed windows. Each window
// overrun locks the client out, doubling the lockout up to maxLockout.
type requestLimiter struct {
	mu      sync.Mutex
	limit   int
	now     func() time.Time
	clients map[string]*clientRecord
}

type clientRecord struct {
	windowStart time.Time
	count       int
	strikes     int
	lockedUntil time.Time
}

func newRequestLimiter(limit int) *requestLimiter {
	if limit <= 0 {
		limit = defaultRequestLimit
	}
	return &requestLimiter{limit: limit, now: time.Now, clients: make(map[string]*clientRecord)}
}

// allow records a request from key. It reports false, with how long the
// client should wait, when the client is locked out.
func (rl *requestLimiter) allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rec, ok := rl.clients[key]
	if !ok {
		rec = &clientRecord{windowStart: now}
		rl.clients[key] = rec
	}
	if now.Before(rec.lockedUntil) {
		return false, rec.lockedUntil.Sub(now)
	}
	if now.Sub(rec.windowStart) >= limitWindow {
		rec.windowStart = now
		rec.count = 0
	}
	rec.count++
	if rec.count <= rl.limit {
		return true, 0
	}
	rec.strikes++
	lockout := baseLockout
	for i := 1; i < rec.strikes && lockout < maxLockout; i++ {
		lockout *= 2
	}
	lockout = min(lockout, maxLockout)
	rec.lockedUntil = now.Add(lockout)
	rec.windowStart = rec.lockedUntil
	rec.count = 0
	return false, lockout
}

// sweep removes idle records and returns how many were dropped.
func (rl *requestLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	n := 0
	for key, rec := range rl.clients {
		if now.After(rec.lockedUntil) && now.Sub(rec.windowStart) > clientExpiry {
			delete(rl.clients, key)
			n++
		}
	}
	return n
}

// SweepRateLimits drops idle rate limit records. Call it periodically.
func (a *API) SweepRateLimits() int {
	if a.limiter == nil {
		return 0
	}
	return a.limiter.sweep()
}

// rateLimited throttles expensive endpoints per client IP.
func (a *API) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := a.extractClientIP(r)
		if ok, retryAfter := a.limiter.allow(ip); !ok {
			a.audit.logFailure(AuditRateLimited, r, "too many requests", slog.String("client_ip", ip))
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many requests; try again later")
}

func retryAfterString(d time.Duration) string {
	return strconv.Itoa(max(int(d.Seconds()), 1))
}

func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.TrustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
// Proxy headers are honored only when RemoteAddr falls within one of
// trustedProxies; otherwise RemoteAddr is returned.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if !isTrustedPeer(remoteIP, trustedProxies) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for part := range strings.SplitSeq(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}
	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		for elem := range strings.SplitSeq(fwd, ",") {
			for param := range strings.SplitSeq(elem, ";") {
				param = strings.TrimSpace(param)
				if len(param) > 4 && strings.EqualFold(param[:4], "for=") {
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}
	}
	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remoteIP
}

func isTrustedPeer(ip string, trusted []netip.Prefix) bool {
	if ip == "" || len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
