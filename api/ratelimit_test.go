package api

import (
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPrefixes(t *testing.T, cidrs ...string) []netip.Prefix {
	t.Helper()
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestPinRateLimiterLockout(t *testing.T) {
	rl := newPinRateLimiter()
	const pan = "603799******1234"

	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure(pan)
		blocked, _ := rl.check(pan)
		assert.False(t, blocked, "attempt %d should not lock", i+1)
	}

	rl.recordFailure(pan)
	blocked, retryAfter := rl.check(pan)
	assert.True(t, blocked)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, baseLockout)
}

func TestPinRateLimiterBackoffGrows(t *testing.T) {
	rl := newPinRateLimiter()
	const pan = "603799******1234"

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure(pan)
	}
	_, first := rl.check(pan)

	rl.recordFailure(pan)
	_, second := rl.check(pan)
	assert.Greater(t, second, first)
}

func TestPinRateLimiterBackoffCapped(t *testing.T) {
	rl := newPinRateLimiter()
	const pan = "603799******1234"

	for i := 0; i < maxFailures+20; i++ {
		rl.recordFailure(pan)
	}
	_, retryAfter := rl.check(pan)
	assert.LessOrEqual(t, retryAfter, maxLockout)
}

func TestPinRateLimiterSuccessResets(t *testing.T) {
	rl := newPinRateLimiter()
	const pan = "603799******1234"

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure(pan)
	}
	rl.recordSuccess(pan)
	blocked, _ := rl.check(pan)
	assert.False(t, blocked)
}

func TestPinRateLimiterSweep(t *testing.T) {
	rl := newPinRateLimiter()
	rl.recordFailure("a")
	rl.recordFailure("b")

	rl.mu.Lock()
	rl.attempts["a"].lastFailure = time.Now().Add(-2 * attemptExpiry)
	rl.mu.Unlock()

	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.attempts, "a")
	assert.Contains(t, rl.attempts, "b")
}

func TestIssuanceRateLimiterPerIP(t *testing.T) {
	rl := newIssuanceRateLimiter()
	const ip = "203.0.113.7"

	for i := 0; i < issueIPMaxRequests; i++ {
		blocked, _ := rl.check(ip)
		require.False(t, blocked, "request %d should pass", i+1)
		rl.record(ip)
	}

	blocked, retryAfter := rl.check(ip)
	assert.True(t, blocked)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Another IP is unaffected.
	blocked, _ = rl.check("198.51.100.1")
	assert.False(t, blocked)
}

func TestExtractClientIPDefaultsToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:4242"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")

	// No trusted proxies: headers are ignored.
	assert.Equal(t, "203.0.113.7", extractClientIPWithProxies(r, nil))
}

func TestExtractClientIPTrustedProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:4242"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.5")

	prefixes := mustPrefixes(t, "10.0.0.0/8")
	assert.Equal(t, "198.51.100.9", extractClientIPWithProxies(r, prefixes))

	// RemoteAddr outside the trusted range: header ignored.
	r.RemoteAddr = "203.0.113.7:4242"
	assert.Equal(t, "203.0.113.7", extractClientIPWithProxies(r, prefixes))
}

func TestParseIPCandidate(t *testing.T) {
	cases := map[string]string{
		"203.0.113.7":      "203.0.113.7",
		"203.0.113.7:80":   "203.0.113.7",
		"[::1]:8080":       "::1",
		"\"[::1]:8080\"":   "::1",
		"fe80::1%eth0":     "fe80::1",
		" 198.51.100.9 ":   "198.51.100.9",
		"not-an-ip":        "",
		"":                 "",
	}
	for in, want := range cases {
		got, ok := parseIPCandidate(in)
		if want == "" {
			assert.False(t, ok, "input %q", in)
		} else {
			assert.True(t, ok, "input %q", in)
			assert.Equal(t, want, got, "input %q", in)
		}
	}
}
