// Package retry provides the exponential-backoff-with-jitter and
// context-aware sleep helpers shared by every adapter that calls an
// external HTTP endpoint, generalized from the teacher's Helix client.
package retry

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Backoff returns an exponentially increasing delay for the given 1-based
// attempt number, capped at max, with up to 20% jitter to avoid thundering
// herds across concurrent tasks.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5 + 1))
	return d + jitter
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RateLimitDelay inspects Retry-After / Ratelimit-Reset response headers and
// returns how long to wait before retrying a 429, capped at 30s.
func RateLimitDelay(header http.Header) time.Duration {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			if secs < 0 {
				secs = 0
			}
			return capDuration(time.Duration(secs)*time.Second, 30*time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return capDuration(d, 30*time.Second)
			}
		}
	}
	if reset := strings.TrimSpace(header.Get("Ratelimit-Reset")); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return capDuration(d, 30*time.Second)
			}
		}
	}
	return 1 * time.Second
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}
