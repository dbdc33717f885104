// Command reset-stuck is a CLI tool that moves tasks stuck in an in-progress
// status to failed, with an error message naming the status they were stuck
// in, the same operation the Submission API exposes at
// POST /tasks/reset_stuck, runnable out-of-band (e.g. from a cron job or an
// operator's shell) without going through HTTP admin auth.
//
// Usage:
//
//	reset-stuck [--dry-run] [--threshold-minutes N]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/subculture-collective/repubengine/task"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report stuck tasks without resetting them")
	thresholdMinutes := flag.Int("threshold-minutes", 30, "minutes of inactivity before an in-progress task is considered stuck")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("err", err))
		os.Exit(1)
	}

	threshold := time.Duration(*thresholdMinutes) * time.Minute
	store := task.New(database, "")

	if *dryRun {
		ids, err := stuckTaskIDs(ctx, database, threshold)
		if err != nil {
			slog.Error("stuck task query failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("stuck tasks found (dry-run, no changes made)", slog.Int("count", len(ids)), slog.Any("task_ids", ids), slog.Duration("threshold", threshold))
		return
	}

	n, err := store.StuckReset(ctx, threshold)
	if err != nil {
		slog.Error("stuck reset failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("stuck reset completed", slog.Int("reset_count", n), slog.Duration("threshold", threshold))
}

// stuckTaskIDs mirrors the selection criteria of task.Store.StuckReset
// without mutating anything, for --dry-run reporting.
func stuckTaskIDs(ctx context.Context, database *sql.DB, threshold time.Duration) ([]string, error) {
	rows, err := database.QueryContext(ctx, `SELECT id FROM tasks
		WHERE status NOT IN ('pending','awaiting_manual_review','completed','failed')
		AND updated_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
