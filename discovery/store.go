package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MonitorConfig is one periodic discovery job (spec §4.15, table
// monitor_configs). ChannelInclude/ChannelExclude and ExcludeKeywords are
// comma-joined on the wire and split back out at the Store boundary so the
// rest of the package works with slices.
type MonitorConfig struct {
	ID                     string
	Name                   string
	Enabled                bool
	Region                 string
	Category               string
	Keywords               string
	ExcludeKeywords        []string
	ChannelInclude         []string
	ChannelExclude         []string
	WindowDays             int
	StartDate              time.Time
	OrderBy                string
	MaxResults             int
	MinViews               int64
	MinLikes               int64
	MinComments            int64
	MinDurationSeconds     int
	MaxDurationSeconds     int
	Schedule               string // "manual" | "interval"
	IntervalMinutes        int
	RateLimitCalls         int
	RateLimitWindowSeconds int
	AutoAddToTasks         bool
	LastRunTime            time.Time
}

// publishedAfter derives the effective lower bound for a discovery query:
// the later of StartDate and now-WindowDays, matching spec §4.15's
// "configs may set an absolute start date or a rolling window, whichever is
// more restrictive has no defined precedence — we take the later cutoff".
func (c MonitorConfig) publishedAfter() time.Time {
	windowCutoff := time.Time{}
	if c.WindowDays > 0 {
		windowCutoff = time.Now().Add(-time.Duration(c.WindowDays) * 24 * time.Hour)
	}
	if windowCutoff.After(c.StartDate) {
		return windowCutoff
	}
	return c.StartDate
}

func joinCSV(ss []string) string {
	return strings.Join(ss, ",")
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Store is the durable layer for MonitorConfig and the dedup history
// recorded against it, grounded on the teacher's kv-cursor table design in
// `db/db.go` generalized to the monitor_configs/monitor_history tables.
type Store struct {
	DB *sql.DB
}

// NewStore constructs a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

const configCols = `id, name, enabled, region, category, keywords, exclude_keywords,
	channel_include, channel_exclude, window_days, start_date, order_by, max_results,
	min_views, min_likes, min_comments, min_duration_seconds, max_duration_seconds,
	schedule, interval_minutes, rate_limit_calls, rate_limit_window_seconds,
	auto_add_to_tasks, last_run_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*MonitorConfig, error) {
	var c MonitorConfig
	var excludeKeywords, channelInclude, channelExclude sql.NullString
	var startDate, lastRunTime sql.NullTime
	if err := row.Scan(
		&c.ID, &c.Name, &c.Enabled, &c.Region, &c.Category, &c.Keywords, &excludeKeywords,
		&channelInclude, &channelExclude, &c.WindowDays, &startDate, &c.OrderBy, &c.MaxResults,
		&c.MinViews, &c.MinLikes, &c.MinComments, &c.MinDurationSeconds, &c.MaxDurationSeconds,
		&c.Schedule, &c.IntervalMinutes, &c.RateLimitCalls, &c.RateLimitWindowSeconds,
		&c.AutoAddToTasks, &lastRunTime,
	); err != nil {
		return nil, err
	}
	c.ExcludeKeywords = splitCSV(excludeKeywords.String)
	c.ChannelInclude = splitCSV(channelInclude.String)
	c.ChannelExclude = splitCSV(channelExclude.String)
	if startDate.Valid {
		c.StartDate = startDate.Time
	}
	if lastRunTime.Valid {
		c.LastRunTime = lastRunTime.Time
	}
	return &c, nil
}

// List returns every configured monitor, enabled or not.
func (s *Store) List(ctx context.Context) ([]MonitorConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+configCols+` FROM monitor_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list monitor configs: %w", err)
	}
	defer rows.Close()

	var out []MonitorConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor config: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Get fetches one config by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*MonitorConfig, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+configCols+` FROM monitor_configs WHERE id=$1`, id)
	c, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor config %s: %w", id, err)
	}
	return c, nil
}

// Create inserts cfg, assigning it a new id, and returns the id.
func (s *Store) Create(ctx context.Context, cfg MonitorConfig) (string, error) {
	cfg.ID = uuid.New().String()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO monitor_configs (
		id, name, enabled, region, category, keywords, exclude_keywords,
		channel_include, channel_exclude, window_days, start_date, order_by, max_results,
		min_views, min_likes, min_comments, min_duration_seconds, max_duration_seconds,
		schedule, interval_minutes, rate_limit_calls, rate_limit_window_seconds,
		auto_add_to_tasks, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,NOW())`,
		cfg.ID, cfg.Name, cfg.Enabled, cfg.Region, cfg.Category, cfg.Keywords, joinCSV(cfg.ExcludeKeywords),
		joinCSV(cfg.ChannelInclude), joinCSV(cfg.ChannelExclude), cfg.WindowDays, nullableTime(cfg.StartDate), cfg.OrderBy, cfg.MaxResults,
		cfg.MinViews, cfg.MinLikes, cfg.MinComments, cfg.MinDurationSeconds, cfg.MaxDurationSeconds,
		cfg.Schedule, cfg.IntervalMinutes, cfg.RateLimitCalls, cfg.RateLimitWindowSeconds,
		cfg.AutoAddToTasks,
	)
	if err != nil {
		return "", fmt.Errorf("create monitor config: %w", err)
	}
	return cfg.ID, nil
}

// Update replaces cfg's mutable fields in place, identified by cfg.ID.
func (s *Store) Update(ctx context.Context, cfg MonitorConfig) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE monitor_configs SET
		name=$2, enabled=$3, region=$4, category=$5, keywords=$6, exclude_keywords=$7,
		channel_include=$8, channel_exclude=$9, window_days=$10, start_date=$11, order_by=$12, max_results=$13,
		min_views=$14, min_likes=$15, min_comments=$16, min_duration_seconds=$17, max_duration_seconds=$18,
		schedule=$19, interval_minutes=$20, rate_limit_calls=$21, rate_limit_window_seconds=$22,
		auto_add_to_tasks=$23, updated_at=NOW()
		WHERE id=$1`,
		cfg.ID, cfg.Name, cfg.Enabled, cfg.Region, cfg.Category, cfg.Keywords, joinCSV(cfg.ExcludeKeywords),
		joinCSV(cfg.ChannelInclude), joinCSV(cfg.ChannelExclude), cfg.WindowDays, nullableTime(cfg.StartDate), cfg.OrderBy, cfg.MaxResults,
		cfg.MinViews, cfg.MinLikes, cfg.MinComments, cfg.MinDurationSeconds, cfg.MaxDurationSeconds,
		cfg.Schedule, cfg.IntervalMinutes, cfg.RateLimitCalls, cfg.RateLimitWindowSeconds,
		cfg.AutoAddToTasks,
	)
	if err != nil {
		return fmt.Errorf("update monitor config %s: %w", cfg.ID, err)
	}
	return nil
}

// Delete removes a monitor config; its history rows cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM monitor_configs WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete monitor config %s: %w", id, err)
	}
	return nil
}

// MarkRun stamps last_run_time for cfg.
func (s *Store) MarkRun(ctx context.Context, id string, when time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE monitor_configs SET last_run_time=$2 WHERE id=$1`, id, when)
	if err != nil {
		return fmt.Errorf("mark monitor config run %s: %w", id, err)
	}
	return nil
}

// Seen reports whether video has already been recorded for configID.
func (s *Store) Seen(ctx context.Context, configID, videoID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(
		SELECT 1 FROM monitor_history WHERE config_id=$1 AND video_id=$2)`, configID, videoID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check monitor history %s/%s: %w", configID, videoID, err)
	}
	return exists, nil
}

// RecordSeen inserts a dedup row for configID/candidate, no-op on conflict
// (a candidate can be re-observed across polling runs without erroring).
func (s *Store) RecordSeen(ctx context.Context, configID string, cand Candidate, addedToTasks bool) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO monitor_history
		(config_id, video_id, view_count, like_count, comment_count, added_to_tasks)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (config_id, video_id) DO NOTHING`,
		configID, cand.VideoID, cand.ViewCount, cand.LikeCount, cand.CommentCount, addedToTasks)
	if err != nil {
		return fmt.Errorf("record monitor history %s/%s: %w", configID, cand.VideoID, err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
