package uploader

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/subculture-collective/repubengine/db"
)

// RefreshFunc re-establishes a session for target, returning a fresh cookie
// jar blob and its expiry. Adapted from the teacher's OAuth token refresher
// (`oauth/refresh.go`): this is the same jittered-polling shape, generalized
// from bearer-token refresh to uploader session-cookie refresh, since the
// uploader has no OAuth token of its own to rotate (spec §4.13's "sessions
// are kept alive for the duration of an upload").
type RefreshFunc func(ctx context.Context) (cookieJar string, username string, expiry time.Time, err error)

// StartRefresher launches a goroutine that periodically checks a stored
// session row and proactively refreshes it before it expires.
//
// target: key in the sessions table (spec §4.13's upload host identity).
// checkInterval: how often to wake up and check.
// refreshBeforeExpiry: refresh when remaining lifetime falls within this window.
func StartRefresher(ctx context.Context, dbx *sql.DB, target string, checkInterval, refreshBeforeExpiry time.Duration, fn RefreshFunc) {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Minute
	}
	if refreshBeforeExpiry <= 0 {
		refreshBeforeExpiry = 15 * time.Minute
	}

	//nolint:gosec // scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(checkInterval / 2)))

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			jitterRange := int64(checkInterval / 5)
			//nolint:gosec // scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := checkInterval + jitter
			if nextSleep < checkInterval/2 {
				nextSleep = checkInterval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}

			_, _, expiry, err := db.GetSession(ctx, dbx, target)
			if err != nil {
				slog.Warn("session refresh: read session failed", slog.String("target", target), slog.Any("err", err))
				continue
			}
			if expiry.IsZero() {
				continue
			}
			if time.Until(expiry) > refreshBeforeExpiry {
				continue
			}

			//nolint:gosec // pre-refresh jitter to avoid thundering herds, not used for security
			pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pre):
			}

			ctx2, cancel := context.WithTimeout(ctx, 30*time.Second)
			newJar, newUsername, newExpiry, err := fn(ctx2)
			cancel()
			if err != nil {
				slog.Warn("session refresh failed", slog.String("target", target), slog.Any("err", err))
				continue
			}

			if err := db.UpsertSession(ctx, dbx, target, newJar, newUsername, newExpiry); err != nil {
				slog.Warn("session refresh: persist failed", slog.String("target", target), slog.Any("err", err))
				continue
			}
			slog.Info("uploader session refreshed", slog.String("target", target))
		}
	}()
}
