package discovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/subculture-collective/repubengine/task"
)

// TaskEnqueuer is the subset of the Pipeline Engine a discovery run needs:
// enqueue a new task and kick off processing immediately (spec §4.15,
// "auto_add_to_tasks creates a task and starts it the same way a manual
// submission would").
type TaskEnqueuer interface {
	StartTask(id string)
}

// Scheduler runs each enabled MonitorConfig on its own interval, fetching
// candidates from a CatalogClient, filtering and deduping them, and
// optionally auto-enqueuing survivors into the Task Store. Grounded on
// teacher `vod/catalog.go`'s `StartVODCatalogBackfillJob` ticker-per-job
// shape, generalized from one fixed channel to N configs that can be
// added/replaced/removed at runtime (reconcile-on-edit), matching
// `original_source/modules/youtube_monitor.py`'s scheduler.
type Scheduler struct {
	Store   *Store
	Catalog CatalogClient
	Tasks   *task.Store
	Engine  TaskEnqueuer

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	cancel          context.CancelFunc
	intervalMinutes int
}

// NewScheduler wires the pieces a discovery run needs together.
func NewScheduler(store *Store, catalog CatalogClient, tasks *task.Store, engine TaskEnqueuer) *Scheduler {
	return &Scheduler{Store: store, Catalog: catalog, Tasks: tasks, Engine: engine, jobs: make(map[string]*job)}
}

// Start loads every MonitorConfig and launches its background job, then
// blocks until ctx is cancelled, at which point all jobs are stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.stopAll()
	return nil
}

// Reconcile diffs the current MonitorConfig table against running jobs:
// new or newly-`interval`-scheduled configs get a job started, removed or
// now-`manual`/disabled configs get theirs stopped, and configs whose
// interval changed get replaced. Safe to call repeatedly as configs are
// edited through the admin surface (spec §4.15's "reconcile on edit").
func (s *Scheduler) Reconcile(ctx context.Context) error {
	configs, err := s.Store.List(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]MonitorConfig, len(configs))
	for _, c := range configs {
		if c.Enabled && c.Schedule == "interval" && c.IntervalMinutes > 0 {
			wanted[c.ID] = c
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, j := range s.jobs {
		if _, ok := wanted[id]; !ok {
			j.cancel()
			delete(s.jobs, id)
		}
	}
	for id, c := range wanted {
		if j, running := s.jobs[id]; running {
			if j.intervalMinutes == c.IntervalMinutes {
				continue
			}
			j.cancel()
		}
		jobCtx, cancel := context.WithCancel(ctx)
		s.jobs[id] = &job{cancel: cancel, intervalMinutes: c.IntervalMinutes}
		go s.runJob(jobCtx, c)
	}
	return nil
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		j.cancel()
		delete(s.jobs, id)
	}
}

func (s *Scheduler) runJob(ctx context.Context, cfg MonitorConfig) {
	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fresh, err := s.Store.Get(ctx, cfg.ID)
			if err != nil {
				slog.Warn("discovery job: reload config failed", slog.String("config_id", cfg.ID), slog.Any("err", err))
				continue
			}
			if fresh == nil || !fresh.Enabled {
				return
			}
			if err := s.RunOnce(ctx, *fresh); err != nil {
				slog.Warn("discovery run failed", slog.String("config_id", cfg.ID), slog.Any("err", err))
			}
		}
	}
}

// RunOnce executes one discovery pass for cfg: gathers candidates (keyword
// search plus any per-channel uploads lists), applies the config's
// filters, dedups against monitor_history, and auto-enqueues survivors
// when cfg.AutoAddToTasks is set.
func (s *Scheduler) RunOnce(ctx context.Context, cfg MonitorConfig) error {
	limiter := newRateLimiter(cfg.RateLimitCalls, time.Duration(cfg.RateLimitWindowSeconds)*time.Second)

	var candidates []Candidate
	if strings.TrimSpace(cfg.Keywords) != "" {
		if !limiter.allow() {
			slog.Warn("discovery run aborted: rate limit reached before search", slog.String("config_id", cfg.ID))
			return s.Store.MarkRun(ctx, cfg.ID, time.Now())
		}
		found, err := s.Catalog.Search(ctx, cfg)
		if err != nil {
			return err
		}
		candidates = append(candidates, found...)
	}

	since := cfg.publishedAfter()
	for _, channelID := range cfg.ChannelInclude {
		if !limiter.allow() {
			slog.Warn("discovery run: rate limit reached, skipping remaining channels", slog.String("config_id", cfg.ID))
			break
		}
		found, err := s.Catalog.ChannelUploads(ctx, channelID, since)
		if err != nil {
			slog.Warn("channel uploads fetch failed", slog.String("channel_id", channelID), slog.Any("err", err))
			continue
		}
		candidates = append(candidates, found...)
	}

	added := 0
	for _, cand := range candidates {
		keep, err := s.accept(ctx, cfg, cand)
		if err != nil {
			return err
		}
		if !keep {
			continue
		}

		addedToTasks := false
		if cfg.AutoAddToTasks {
			id, err := s.Tasks.Create(ctx, videoURL(cand.VideoID))
			if err != nil {
				slog.Warn("discovery auto-add failed", slog.String("video_id", cand.VideoID), slog.Any("err", err))
			} else {
				addedToTasks = true
				added++
				if s.Engine != nil {
					s.Engine.StartTask(id)
				}
			}
		}
		if err := s.Store.RecordSeen(ctx, cfg.ID, cand, addedToTasks); err != nil {
			return err
		}
	}

	slog.Info("discovery run complete", slog.String("config_id", cfg.ID),
		slog.Int("candidates", len(candidates)), slog.Int("added", added))
	return s.Store.MarkRun(ctx, cfg.ID, time.Now())
}

// accept applies cfg's filters and the dedup check, in the order spec §4.15
// lists them: already-seen, then thresholds, then keyword/channel excludes.
func (s *Scheduler) accept(ctx context.Context, cfg MonitorConfig, cand Candidate) (bool, error) {
	seen, err := s.Store.Seen(ctx, cfg.ID, cand.VideoID)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	if cand.ViewCount < cfg.MinViews || cand.LikeCount < cfg.MinLikes || cand.CommentCount < cfg.MinComments {
		return false, nil
	}
	if cfg.MinDurationSeconds > 0 && cand.DurationSecs < cfg.MinDurationSeconds {
		return false, nil
	}
	if cfg.MaxDurationSeconds > 0 && cand.DurationSecs > cfg.MaxDurationSeconds {
		return false, nil
	}
	if !cfg.publishedAfter().IsZero() && cand.PublishedAt.Before(cfg.publishedAfter()) {
		return false, nil
	}
	for _, ex := range cfg.ChannelExclude {
		if ex == cand.ChannelID {
			return false, nil
		}
	}
	titleLower := strings.ToLower(cand.Title)
	for _, kw := range cfg.ExcludeKeywords {
		if kw != "" && strings.Contains(titleLower, strings.ToLower(kw)) {
			return false, nil
		}
	}
	return true, nil
}

func videoURL(videoID string) string {
	return "https://video.example-source.net/watch?v=" + videoID
}

// rateLimiter is a simple fixed-window call counter, matching the teacher's
// `twitchapi` rate-limit-header handling but applied proactively rather
// than reactively: `allow` is checked before issuing a call so a config's
// own budget is never exceeded regardless of what the catalog API reports.
type rateLimiter struct {
	max    int
	window time.Duration

	mu         sync.Mutex
	count      int
	windowOpen time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{max: max, window: window}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if r.windowOpen.IsZero() || now.Sub(r.windowOpen) > r.window {
		r.windowOpen = now
		r.count = 0
	}
	if r.count >= r.max {
		return false
	}
	r.count++
	return true
}
