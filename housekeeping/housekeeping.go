// Package housekeeping implements the periodic maintenance sweeps of C16:
// log retention, download retention, and stuck-task reset, plus the
// one-shot "clear current logs" admin operation. Grounded on teacher
// `vod/retention.go`'s ticker-driven sweep shape (load policy once, run
// immediately, then tick on Interval), generalized from one VOD-row
// retention query into a pair of filesystem sweeps plus the task store's
// own stuck-reset query.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subculture-collective/repubengine/config"
	"github.com/subculture-collective/repubengine/task"
)

// stuckThreshold is how long a task may sit in a non-terminal, non-pending
// status before housekeeping considers it abandoned (spec §4.16 via the
// StuckTask edge case in spec §8).
const stuckThreshold = 30 * time.Minute

// Sweeper runs the three background jobs against a fixed logs dir,
// downloads dir, and Task Store.
type Sweeper struct {
	Live    *config.Live
	Tasks   *task.Store
	LogsDir string
	DataDir string // the downloads root (spec §6: downloads/<task_id>/)
}

// NewSweeper constructs a Sweeper. logsDir and the downloads root come from
// the process's DATA_DIR layout (spec §6's persisted on-disk layout).
func NewSweeper(live *config.Live, tasks *task.Store, logsDir, downloadsRoot string) *Sweeper {
	return &Sweeper{Live: live, Tasks: tasks, LogsDir: logsDir, DataDir: downloadsRoot}
}

// Start launches the log-retention, download-retention, and stuck-task
// sweeps as independent ticker loops, returning once ctx is cancelled and
// all three loops have exited.
func (s *Sweeper) Start(ctx context.Context) {
	done := make(chan struct{}, 3)
	go func() { s.logRetentionLoop(ctx); done <- struct{}{} }()
	go func() { s.downloadRetentionLoop(ctx); done <- struct{}{} }()
	go func() { s.stuckTaskLoop(ctx); done <- struct{}{} }()
	<-ctx.Done()
	<-done
	<-done
	<-done
}

func (s *Sweeper) logRetentionLoop(ctx context.Context) {
	for {
		cfg := s.Live.Snapshot()
		if !cfg.LogRetentionEnabled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Hour):
				continue
			}
		}
		interval := time.Duration(cfg.LogRetentionIntervalHours) * time.Hour
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		if n, err := s.SweepLogs(cfg.LogRetentionHours); err != nil {
			slog.Warn("log retention sweep failed", slog.Any("err", err))
		} else if n > 0 {
			slog.Info("log retention sweep", slog.Int("deleted", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (s *Sweeper) downloadRetentionLoop(ctx context.Context) {
	for {
		cfg := s.Live.Snapshot()
		if !cfg.DownloadRetentionEnabled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Hour):
				continue
			}
		}
		interval := time.Duration(cfg.DownloadRetentionIntervalHours) * time.Hour
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		n, bytesFreed, err := s.SweepDownloads(cfg.DownloadRetentionHours)
		if err != nil {
			slog.Warn("download retention sweep failed", slog.Any("err", err))
		} else if n > 0 {
			slog.Info("download retention sweep", slog.Int("deleted", n), slog.Int64("bytes_freed", bytesFreed))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (s *Sweeper) stuckTaskLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Tasks.StuckReset(ctx, stuckThreshold)
			if err != nil {
				slog.Warn("stuck task reset failed", slog.Any("err", err))
			} else if n > 0 {
				slog.Info("stuck task reset", slog.Int("count", n))
			}
		}
	}
}

// SweepLogs deletes files directly under LogsDir older than retentionHours,
// matching the teacher's CleanupTempFiles age-threshold shape applied to
// the whole logs directory rather than a *.part/*.tmp suffix filter.
func (s *Sweeper) SweepLogs(retentionHours int) (int, error) {
	if retentionHours <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(retentionHours) * time.Hour)

	entries, err := os.ReadDir(s.LogsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read logs dir %s: %w", s.LogsDir, err)
	}

	deleted := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.LogsDir, e.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("log retention: failed to remove file", slog.String("path", path), slog.Any("err", err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

// SweepDownloads deletes per-task directories (and any stray files) under
// DataDir older than retentionHours, based on each entry's most recent
// modification time within the tree (a directory counts as old only once
// every file inside it is older than the cutoff), and reports total bytes
// freed.
func (s *Sweeper) SweepDownloads(retentionHours int) (deletedCount int, bytesFreed int64, err error) {
	if retentionHours <= 0 {
		return 0, 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(retentionHours) * time.Hour)

	entries, err := os.ReadDir(s.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read downloads root %s: %w", s.DataDir, err)
	}

	for _, e := range entries {
		path := filepath.Join(s.DataDir, e.Name())
		newest, size, statErr := newestModTimeAndSize(path)
		if statErr != nil {
			slog.Warn("download retention: failed to stat entry", slog.String("path", path), slog.Any("err", statErr))
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("download retention: failed to remove entry", slog.String("path", path), slog.Any("err", err))
			continue
		}
		deletedCount++
		bytesFreed += size
	}
	return deletedCount, bytesFreed, nil
}

// newestModTimeAndSize walks path (a file or a directory) and returns the
// most recent modification time seen and the total size of every regular
// file under it, so a directory is only swept once its newest file ages
// past the cutoff and its size is attributed correctly.
func newestModTimeAndSize(path string) (time.Time, int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return time.Time{}, 0, err
	}
	if !info.IsDir() {
		return info.ModTime(), info.Size(), nil
	}

	var newest time.Time
	var total int64
	walkErr := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
		total += fi.Size()
		return nil
	})
	if walkErr != nil {
		return time.Time{}, 0, walkErr
	}
	if newest.IsZero() {
		newest = info.ModTime()
	}
	return newest, total, nil
}

// ClearCurrentLogs is the one-shot admin operation (spec §4.16): truncates
// the two long-lived log files in place (so any open file handle keeps
// writing to the same inode) and deletes every per-task log file.
func (s *Sweeper) ClearCurrentLogs() error {
	for _, name := range []string{"app.log", "task_manager.log"} {
		path := filepath.Join(s.LogsDir, name)
		if err := truncateInPlace(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("truncate %s: %w", path, err)
		}
	}

	entries, err := os.ReadDir(s.LogsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read logs dir %s: %w", s.LogsDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "task_") || e.Name() == "task_manager.log" {
			continue
		}
		if err := os.Remove(filepath.Join(s.LogsDir, e.Name())); err != nil {
			slog.Warn("clear logs: failed to remove per-task log", slog.String("name", e.Name()), slog.Any("err", err))
		}
	}
	return nil
}

func truncateInPlace(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
