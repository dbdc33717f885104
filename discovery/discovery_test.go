package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/subculture-collective/repubengine/task"
	"github.com/subculture-collective/repubengine/testutil"
)

type fakeCatalog struct {
	searchResult  []Candidate
	channelResult map[string][]Candidate
}

func (f *fakeCatalog) Search(ctx context.Context, cfg MonitorConfig) ([]Candidate, error) {
	return f.searchResult, nil
}

func (f *fakeCatalog) ChannelUploads(ctx context.Context, channelID string, since time.Time) ([]Candidate, error) {
	return f.channelResult[channelID], nil
}

type fakeEnqueuer struct {
	started []string
}

func (f *fakeEnqueuer) StartTask(id string) {
	f.started = append(f.started, id)
}

func TestRunOnceFiltersThresholdsAndExcludes(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	cfg := MonitorConfig{
		Keywords:        "recipe",
		ExcludeKeywords: []string{"reaction"},
		MinViews:        1000,
		AutoAddToTasks:  true,
	}
	id, err := store.Create(ctx, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cfg.ID = id

	catalog := &fakeCatalog{searchResult: []Candidate{
		{VideoID: "low-views", Title: "braise recipe", ViewCount: 10},
		{VideoID: "excluded", Title: "recipe reaction video", ViewCount: 5000},
		{VideoID: "good", Title: "braise recipe walkthrough", ViewCount: 5000},
	}}
	enq := &fakeEnqueuer{}
	taskStore := task.New(db, t.TempDir())

	sched := NewScheduler(store, catalog, taskStore, enq)
	if err := sched.RunOnce(ctx, cfg); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(enq.started) != 1 {
		t.Fatalf("expected exactly 1 auto-enqueued task, got %d (%v)", len(enq.started), enq.started)
	}

	seenGood, err := store.Seen(ctx, id, "good")
	if err != nil || !seenGood {
		t.Fatalf("expected 'good' recorded as seen: %v %v", seenGood, err)
	}
	seenLow, err := store.Seen(ctx, id, "low-views")
	if err != nil || seenLow {
		t.Fatalf("expected 'low-views' NOT recorded (filtered before dedup insert): %v %v", seenLow, err)
	}
}

func TestRunOnceSkipsAlreadySeenCandidates(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	cfg := MonitorConfig{Keywords: "recipe", MinViews: 0, AutoAddToTasks: true}
	id, err := store.Create(ctx, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cfg.ID = id

	cand := Candidate{VideoID: "repeat", Title: "recipe", ViewCount: 100}
	if err := store.RecordSeen(ctx, id, cand, true); err != nil {
		t.Fatalf("RecordSeen: %v", err)
	}

	catalog := &fakeCatalog{searchResult: []Candidate{cand}}
	enq := &fakeEnqueuer{}
	taskStore := task.New(db, t.TempDir())

	sched := NewScheduler(store, catalog, taskStore, enq)
	if err := sched.RunOnce(ctx, cfg); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(enq.started) != 0 {
		t.Fatalf("expected no new tasks for an already-seen candidate, got %v", enq.started)
	}
}

func TestRateLimiterCapsCallsPerWindow(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	if !rl.allow() || !rl.allow() {
		t.Fatal("expected first two calls within limit to be allowed")
	}
	if rl.allow() {
		t.Fatal("expected third call within the same window to be denied")
	}
}

func TestAcceptAppliesDurationBounds(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	cfg := MonitorConfig{MinDurationSeconds: 60, MaxDurationSeconds: 600}
	id, err := store.Create(ctx, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cfg.ID = id

	sched := NewScheduler(store, nil, nil, nil)

	tooShort, err := sched.accept(ctx, cfg, Candidate{VideoID: "a", DurationSecs: 10})
	if err != nil || tooShort {
		t.Fatalf("expected too-short candidate rejected: %v %v", tooShort, err)
	}
	tooLong, err := sched.accept(ctx, cfg, Candidate{VideoID: "b", DurationSecs: 900})
	if err != nil || tooLong {
		t.Fatalf("expected too-long candidate rejected: %v %v", tooLong, err)
	}
	ok, err := sched.accept(ctx, cfg, Candidate{VideoID: "c", DurationSecs: 300})
	if err != nil || !ok {
		t.Fatalf("expected in-range candidate accepted: %v %v", ok, err)
	}
}
