package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the durable Task Store (C1). Reads are lock-free snapshots;
// writes to a single row are serialized by Postgres's row-level locking on
// the UPDATE statement itself, matching the teacher's single-writer-per-row
// discipline.
type Store struct {
	DB          *sql.DB
	DownloadDir string
}

// New constructs a Store rooted at downloadDir for per-task working directories.
func New(db *sql.DB, downloadDir string) *Store {
	return &Store{DB: db, DownloadDir: downloadDir}
}

// Create inserts a new pending task for sourceURL and returns its id.
func (s *Store) Create(ctx context.Context, sourceURL string) (string, error) {
	id := uuid.New().String()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tasks (id, source_url, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())`, id, sourceURL, StatusPending)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// Get fetches one task by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.DB.QueryRowContext(ctx, selectCols+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// List returns all tasks ordered by created_at ascending.
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	return s.query(ctx, selectCols+` FROM tasks ORDER BY created_at ASC`)
}

// ListByStatus returns tasks in a given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Task, error) {
	return s.query(ctx, selectCols+` FROM tasks WHERE status=$1 ORDER BY created_at ASC`, status)
}

// CountInProgress returns the number of tasks currently in an in-progress
// (non-pending, non-terminal, non-awaiting-review) status.
func (s *Store) CountInProgress(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status NOT IN ($1,$2,$3,$4)`,
		StatusPending, StatusAwaitingReview, StatusCompleted, StatusFailed).Scan(&n)
	return n, err
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectCols = `SELECT id, source_url, status, title_original, title_translated,
	description_original, description_translated, tags_generated,
	recommended_category_id, selected_category_id, cover_path, video_path,
	metadata_path, subtitle_original_path, subtitle_translated_path,
	subtitle_language_detected, moderation_result, upload_progress,
	upload_response, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var tags, modRes, upResp sql.NullString
	var recCat, selCat, cover, video, meta, subOrig, subTrans, subLang, progress, errMsg sql.NullString
	var titleT, descOrig, descT sql.NullString
	if err := row.Scan(&t.ID, &t.SourceURL, &t.Status, &t.TitleOriginal, &titleT,
		&descOrig, &descT, &tags, &recCat, &selCat, &cover, &video, &meta,
		&subOrig, &subTrans, &subLang, &modRes, &progress, &upResp, &errMsg,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.TitleTranslated = titleT.String
	t.DescriptionOriginal = descOrig.String
	t.DescriptionTranslated = descT.String
	t.RecommendedCategoryID = recCat.String
	t.SelectedCategoryID = selCat.String
	t.CoverPath = cover.String
	t.VideoPath = video.String
	t.MetadataPath = meta.String
	t.SubtitleOriginalPath = subOrig.String
	t.SubtitleTranslatedPath = subTrans.String
	t.SubtitleLanguageDetected = subLang.String
	t.UploadProgress = progress.String
	t.ErrorMessage = errMsg.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &t.TagsGenerated)
	}
	if modRes.Valid && modRes.String != "" {
		var mr ModerationResult
		if json.Unmarshal([]byte(modRes.String), &mr) == nil {
			t.ModerationResult = &mr
		}
	}
	if upResp.Valid && upResp.String != "" {
		var ur UploadResponse
		if json.Unmarshal([]byte(upResp.String), &ur) == nil {
			t.UploadResponse = &ur
		}
	}
	return &t, nil
}

// Fields is a partial update: only non-nil pointer fields are applied.
// This mirrors the teacher's single atomic-update-with-optional-fields shape.
type Fields struct {
	Status                   *Status
	TitleOriginal            *string
	TitleTranslated          *string
	DescriptionOriginal      *string
	DescriptionTranslated    *string
	TagsGenerated            []string
	RecommendedCategoryID    *string
	SelectedCategoryID       *string
	CoverPath                *string
	VideoPath                *string
	MetadataPath             *string
	SubtitleOriginalPath     *string
	SubtitleTranslatedPath   *string
	SubtitleLanguageDetected *string
	ModerationResult         *ModerationResult
	UploadProgress           *string
	UploadResponse           *UploadResponse
	ErrorMessage             *string
}

// Update applies f to the row, bumping updated_at, and logs at info level.
// Every state transition MUST bump updated_at (spec §3 invariant).
func (s *Store) Update(ctx context.Context, id string, f Fields) error {
	return s.update(ctx, id, f, false)
}

// UpdateSilent behaves like Update but logs at debug level only, for
// high-frequency progress/counter updates that must not spam the log
// (spec §9, "silent updates").
func (s *Store) UpdateSilent(ctx context.Context, id string, f Fields) error {
	return s.update(ctx, id, f, true)
}

func (s *Store) update(ctx context.Context, id string, f Fields, silent bool) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	n := 1

	add := func(col string, val any) {
		n++
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, val)
	}

	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.TitleOriginal != nil {
		add("title_original", *f.TitleOriginal)
	}
	if f.TitleTranslated != nil {
		add("title_translated", *f.TitleTranslated)
	}
	if f.DescriptionOriginal != nil {
		add("description_original", *f.DescriptionOriginal)
	}
	if f.DescriptionTranslated != nil {
		add("description_translated", *f.DescriptionTranslated)
	}
	if f.TagsGenerated != nil {
		b, _ := json.Marshal(f.TagsGenerated)
		add("tags_generated", string(b))
	}
	if f.RecommendedCategoryID != nil {
		add("recommended_category_id", *f.RecommendedCategoryID)
	}
	if f.SelectedCategoryID != nil {
		add("selected_category_id", *f.SelectedCategoryID)
	}
	if f.CoverPath != nil {
		add("cover_path", *f.CoverPath)
	}
	if f.VideoPath != nil {
		add("video_path", *f.VideoPath)
	}
	if f.MetadataPath != nil {
		add("metadata_path", *f.MetadataPath)
	}
	if f.SubtitleOriginalPath != nil {
		add("subtitle_original_path", *f.SubtitleOriginalPath)
	}
	if f.SubtitleTranslatedPath != nil {
		add("subtitle_translated_path", *f.SubtitleTranslatedPath)
	}
	if f.SubtitleLanguageDetected != nil {
		add("subtitle_language_detected", *f.SubtitleLanguageDetected)
	}
	if f.ModerationResult != nil {
		b, _ := json.Marshal(f.ModerationResult)
		add("moderation_result", string(b))
	}
	if f.UploadProgress != nil {
		add("upload_progress", *f.UploadProgress)
	}
	if f.UploadResponse != nil {
		b, _ := json.Marshal(f.UploadResponse)
		add("upload_response", string(b))
	}
	if f.ErrorMessage != nil {
		add("error_message", *f.ErrorMessage)
	}

	args = append([]any{id}, args...)
	q := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $1`, strings.Join(sets, ", "))
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil // row gone (deleted mid-flight); caller observes this as a no-op, per spec cancellation model
	}
	if silent {
		slog.Debug("task updated", slog.String("task_id", id))
	} else {
		slog.Info("task updated", slog.String("task_id", id), slog.Any("status", f.Status))
	}
	return nil
}

// Delete removes a task row and, unless dropFiles is false, its working directory.
func (s *Store) Delete(ctx context.Context, id string, dropFiles bool) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if dropFiles {
		dir := filepath.Join(s.DownloadDir, id)
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("failed to remove task working directory", slog.String("task_id", id), slog.Any("err", err))
		}
	}
	return nil
}

// ClearAll deletes every task row, optionally dropping every working directory.
func (s *Store) ClearAll(ctx context.Context, dropFiles bool) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear all tasks: %w", err)
	}
	if dropFiles {
		entries, err := os.ReadDir(s.DownloadDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			_ = os.RemoveAll(filepath.Join(s.DownloadDir, e.Name()))
		}
	}
	return nil
}

// StuckReset finds in-progress tasks whose updated_at is strictly older than
// threshold and moves them to failed with a "timeout reset" reason (C16,
// housekeeping). Exactly threshold does not reset (spec §8 boundary).
func (s *Store) StuckReset(ctx context.Context, threshold time.Duration) (int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, status FROM tasks
		WHERE status NOT IN ($1,$2,$3,$4) AND updated_at < NOW() - $5::interval`,
		StatusPending, StatusAwaitingReview, StatusCompleted, StatusFailed,
		fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return 0, err
	}
	type stuck struct{ id, status string }
	var found []stuck
	for rows.Next() {
		var st stuck
		if err := rows.Scan(&st.id, &st.status); err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, st)
	}
	rows.Close()

	reset := 0
	for _, st := range found {
		reason := fmt.Sprintf("timeout reset (prev=%s)", st.status)
		failed := StatusFailed
		if err := s.Update(ctx, st.id, Fields{Status: &failed, ErrorMessage: &reason}); err != nil {
			slog.Warn("stuck task reset failed", slog.String("task_id", st.id), slog.Any("err", err))
			continue
		}
		reset++
	}
	return reset, nil
}
