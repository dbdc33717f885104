package config

import (
	"context"
	"database/sql"
	"strconv"
	"sync/atomic"
)

// Live is a copy-on-write snapshot of the runtime-mutable subset of Config:
// concurrency caps, feature flags, and encoder choice (spec §6). Readers
// always see a consistent snapshot; a write replaces the whole snapshot
// rather than mutating fields in place, so concurrent readers never observe
// a half-updated config (spec §9, "pseudo-static config").
type Live struct {
	snapshot atomic.Pointer[Config]
}

// NewLive seeds a Live snapshot from the process-start Config.
func NewLive(base *Config) *Live {
	l := &Live{}
	cp := *base
	l.snapshot.Store(&cp)
	return l
}

// Snapshot returns the current configuration. The returned pointer is never
// mutated after being published; callers may hold it for the duration of a
// task without fear of torn reads.
func (l *Live) Snapshot() *Config {
	return l.snapshot.Load()
}

// liveKeys enumerates the kv-table keys that override Config fields at
// runtime, and how to apply a stored string value onto a copy of Config.
var liveKeys = map[string]func(c *Config, v string){
	"MAX_CONCURRENT_TASKS":         func(c *Config, v string) { c.MaxConcurrentTasks = atoiOr(v, c.MaxConcurrentTasks) },
	"MAX_CONCURRENT_UPLOADS":       func(c *Config, v string) { c.MaxConcurrentUploads = atoiOr(v, c.MaxConcurrentUploads) },
	"PENDING_SCAN_INTERVAL_SECONDS": func(c *Config, v string) {
		n := atoiOr(v, c.PendingScanIntervalSeconds)
		if n < 5 {
			n = 5
		}
		c.PendingScanIntervalSeconds = n
	},
	"VIDEO_ENCODER":                 func(c *Config, v string) { c.VideoEncoder = v },
	"AUTO_MODE_ENABLED":             func(c *Config, v string) { c.AutoModeEnabled = v == "true" },
	"TRANSLATE_TITLE":               func(c *Config, v string) { c.TranslateTitle = v == "true" },
	"TRANSLATE_DESCRIPTION":         func(c *Config, v string) { c.TranslateDescription = v == "true" },
	"GENERATE_TAGS":                 func(c *Config, v string) { c.GenerateTags = v == "true" },
	"RECOMMEND_PARTITION":           func(c *Config, v string) { c.RecommendPartition = v == "true" },
	"CONTENT_MODERATION_ENABLED":    func(c *Config, v string) { c.ContentModerationEnabled = v == "true" },
	"SUBTITLE_TRANSLATION_ENABLED":  func(c *Config, v string) { c.SubtitleTranslationEnabled = v == "true" },
	"SUBTITLE_EMBED_IN_VIDEO":       func(c *Config, v string) { c.SubtitleEmbedInVideo = v == "true" },
	"SUBTITLE_KEEP_ORIGINAL":        func(c *Config, v string) { c.SubtitleKeepOriginal = v == "true" },
	"SPEECH_RECOGNITION_ENABLED":    func(c *Config, v string) { c.SpeechRecognitionEnabled = v == "true" },
}

func atoiOr(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Reload reads every known override key from the kv table and publishes a
// new snapshot built from the process-start Config plus those overrides.
// Call after any admin-API config write.
func (l *Live) Reload(ctx context.Context, dbx *sql.DB, base *Config) error {
	cp := *base
	for key, apply := range liveKeys {
		var v string
		err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, "cfg:"+key).Scan(&v)
		if err == sql.ErrNoRows || v == "" {
			continue
		}
		if err != nil {
			return err
		}
		apply(&cp, v)
	}
	l.snapshot.Store(&cp)
	return nil
}

// SetOverride persists one override key and refreshes the live snapshot.
func (l *Live) SetOverride(ctx context.Context, dbx *sql.DB, base *Config, key, value string) error {
	if _, ok := liveKeys[key]; !ok {
		return nil
	}
	if _, err := dbx.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, "cfg:"+key, value); err != nil {
		return err
	}
	return l.Reload(ctx, dbx, base)
}
