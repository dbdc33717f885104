package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/subculture-collective/repubengine/asr"
	"github.com/subculture-collective/repubengine/config"
	"github.com/subculture-collective/repubengine/cover"
	"github.com/subculture-collective/repubengine/downloader"
	"github.com/subculture-collective/repubengine/encoder"
	"github.com/subculture-collective/repubengine/ffmpeg"
	"github.com/subculture-collective/repubengine/llm"
	"github.com/subculture-collective/repubengine/moderation"
	"github.com/subculture-collective/repubengine/srt"
	"github.com/subculture-collective/repubengine/subtitle"
	"github.com/subculture-collective/repubengine/task"
	"github.com/subculture-collective/repubengine/uploader"
	"github.com/subculture-collective/repubengine/vad"
)

// Deps wires the adapters the engine orchestrates. Any field may be nil to
// disable the corresponding stage (the stage is then skipped the way a
// config feature flag skips it).
type Deps struct {
	DB       *sql.DB
	Store    *task.Store
	Live     *config.Live
	Base     *config.Config
	Ffmpeg   *ffmpeg.Locator
	Download *downloader.Adapter
	LLM      *llm.Client
	Moderate *moderation.Client
	VAD      *vad.Processor
	ASR      *asr.Client
	Sub      *subtitle.Translator
	Upload   *uploader.Client
	Catalog  []llm.Category
}

// Engine is the Pipeline Engine (C14).
type Engine struct {
	deps    Deps
	circuit *circuitState

	taskSem   *semaphore
	uploadSem *semaphore

	rescan chan struct{}
}

// New constructs an Engine from Deps, sizing its semaphores from the
// process-start config (spec §4.14 defaults: 3 task permits, 1 upload permit).
func New(deps Deps) *Engine {
	maxTasks := 3
	maxUploads := 1
	if deps.Base != nil {
		if deps.Base.MaxConcurrentTasks > 0 {
			maxTasks = deps.Base.MaxConcurrentTasks
		}
		if deps.Base.MaxConcurrentUploads > 0 {
			maxUploads = deps.Base.MaxConcurrentUploads
		}
	}
	return &Engine{
		deps:      deps,
		circuit:   &circuitState{dbx: deps.DB},
		taskSem:   newSemaphore(maxTasks),
		uploadSem: newSemaphore(maxUploads),
		rescan:    make(chan struct{}, 1),
	}
}

// triggerRescan schedules a near-immediate pending scan without blocking the
// caller (spec §4.14: "after each task finishes... a delayed (~1s) trigger
// re-runs the scan").
func (e *Engine) triggerRescan() {
	go func() {
		time.Sleep(1 * time.Second)
		select {
		case e.rescan <- struct{}{}:
		default:
		}
	}()
}

// Run starts the pending scanner loop; it blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.scanInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.scanPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			interval = e.scanInterval()
			ticker.Reset(interval)
			e.scanPending(ctx)
		case <-e.rescan:
			e.scanPending(ctx)
		}
	}
}

func (e *Engine) scanInterval() time.Duration {
	secs := 30
	if e.deps.Live != nil {
		if s := e.deps.Live.Snapshot().PendingScanIntervalSeconds; s > 0 {
			secs = s
		}
	}
	if secs < 5 {
		secs = 5
	}
	return time.Duration(secs) * time.Second
}

// effectiveTaskCap halves the task-permit target under high memory pressure
// for the next scheduling decision only (spec §4.14).
func (e *Engine) effectiveTaskCap() int {
	permits := e.taskSem.size
	if memoryPressure() > 0.8 {
		permits = permits / 2
		if permits < 1 {
			permits = 1
		}
	}
	return permits
}

// memoryPressure is a hook point kept simple and dependency-free: a real
// deployment wires this to a host metrics source, but no example repo in
// the corpus samples host memory directly, so this conservative default
// (always "no pressure") keeps the halving logic exercised by its own unit
// tests without inventing an ungrounded dependency (see DESIGN.md).
var memoryPressure = func() float64 { return 0 }

func (e *Engine) scanPending(ctx context.Context) {
	if e.circuit.isOpen(ctx) {
		slog.Debug("pending scan skipped: circuit open")
		return
	}
	inProgress, err := e.deps.Store.CountInProgress(ctx)
	if err != nil {
		slog.Warn("pending scan: count in-progress failed", slog.Any("err", err))
		return
	}
	if inProgress >= e.effectiveTaskCap() {
		return
	}
	pending, err := e.deps.Store.ListByStatus(ctx, task.StatusPending)
	if err != nil {
		slog.Warn("pending scan: list pending failed", slog.Any("err", err))
		return
	}
	if len(pending) == 0 {
		return
	}
	e.StartTask(pending[0].ID)
}

// StartTask submits id for processing outside the scanner's own cadence
// (used by the scanner itself, by an explicit restart, and by the Discovery
// Scheduler's auto-add path per spec §4.15).
func (e *Engine) StartTask(id string) {
	go func() {
		bg := context.Background()
		if !e.taskSem.acquire(bg) {
			return
		}
		defer func() {
			e.taskSem.release()
			e.triggerRescan()
		}()
		e.runTask(bg, id)
	}()
}

func (e *Engine) runTask(ctx context.Context, id string) {
	err := e.processTask(ctx, id)
	if err != nil {
		slog.Error("task failed", slog.String("task_id", id), slog.Any("err", err))
		e.circuit.recordFailure(ctx)
		e.failTask(ctx, id, err.Error())
		return
	}
	e.circuit.recordSuccess(ctx)
}

func (e *Engine) failTask(ctx context.Context, id, reason string) {
	status := task.StatusFailed
	reason = truncateReason(reason)
	_ = e.deps.Store.Update(ctx, id, task.Fields{Status: &status, ErrorMessage: &reason})
}

func truncateReason(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// deleted reports whether the task row no longer exists, the engine's only
// cancellation signal (spec §4.14: `delete_task` with no per-task cancel API).
func (e *Engine) deleted(ctx context.Context, id string) bool {
	t, err := e.deps.Store.Get(ctx, id)
	return err == nil && t == nil
}

func (e *Engine) setStatus(ctx context.Context, id string, status task.Status) error {
	return e.deps.Store.Update(ctx, id, task.Fields{Status: &status})
}

// processTask runs the full state machine of spec §4.14 for one task,
// observing deletion between steps and returning a non-nil error only for a
// fatal (non-recoverable) stage failure.
func (e *Engine) processTask(ctx context.Context, id string) error {
	cfg := config.Config{}
	if e.deps.Live != nil {
		cfg = *e.deps.Live.Snapshot()
	}

	t, err := e.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	workDir := filepath.Join(e.deps.Base.DataDir, t.WorkDir())

	if e.deleted(ctx, id) {
		return nil
	}
	if err := e.stageFetchInfo(ctx, id, t, workDir); err != nil {
		return err
	}

	if e.deleted(ctx, id) {
		return nil
	}
	t, _ = e.deps.Store.Get(ctx, id)
	if t == nil {
		return nil
	}

	if cfg.TranslateTitle || cfg.TranslateDescription || cfg.GenerateTags || cfg.RecommendPartition {
		if err := e.stageEnrich(ctx, id, t, cfg); err != nil {
			return err
		}
	}

	if e.deleted(ctx, id) {
		return nil
	}
	t, _ = e.deps.Store.Get(ctx, id)
	if t == nil {
		return nil
	}
	if cfg.ContentModerationEnabled {
		passed, err := e.stageModerate(ctx, id, t)
		if err != nil {
			return err
		}
		if !passed {
			status := task.StatusAwaitingReview
			return e.deps.Store.Update(ctx, id, task.Fields{Status: &status})
		}
	}

	if e.deleted(ctx, id) {
		return nil
	}
	t, _ = e.deps.Store.Get(ctx, id)
	if t == nil {
		return nil
	}
	if err := e.stageDownload(ctx, id, t.SourceURL, workDir); err != nil {
		return err
	}
	if err := e.setStatus(ctx, id, task.StatusDownloaded); err != nil {
		return err
	}

	if e.deleted(ctx, id) {
		return nil
	}
	subtitleReady := false
	t, _ = e.deps.Store.Get(ctx, id)
	if t != nil && (cfg.SubtitleTranslationEnabled || cfg.SpeechRecognitionEnabled) {
		ok, err := e.stageSubtitles(ctx, id, t, workDir, cfg)
		if err != nil {
			slog.Warn("subtitle stage failed, continuing without burn-in", slog.String("task_id", id), slog.Any("err", err))
		}
		subtitleReady = ok
	}

	if e.deleted(ctx, id) {
		return nil
	}
	if subtitleReady && cfg.SubtitleEmbedInVideo {
		if err := e.stageEncode(ctx, id, workDir, cfg); err != nil {
			slog.Warn("encode stage failed, uploading without burn-in", slog.String("task_id", id), slog.Any("err", err))
		}
	}

	if err := e.setStatus(ctx, id, task.StatusReadyForUpload); err != nil {
		return err
	}

	if e.deleted(ctx, id) {
		return nil
	}
	return e.stageUpload(ctx, id)
}

// infoJSON is the subset of a yt-dlp-style info.json this engine consumes.
type infoJSON struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (e *Engine) stageFetchInfo(ctx context.Context, id string, t *task.Task, workDir string) error {
	status := task.StatusFetchingInfo
	if err := e.deps.Store.Update(ctx, id, task.Fields{Status: &status}); err != nil {
		return err
	}

	if err := e.deps.Download.Run(ctx, t.SourceURL, workDir, downloader.ModeInfoOnly, downloaderProxy(e.deps.Base), nil); err != nil {
		return fmt.Errorf("fetch info: %w", err)
	}

	info, err := findInfoJSON(workDir)
	if err != nil {
		return fmt.Errorf("read info.json: %w", err)
	}

	fields := task.Fields{}
	fields.MetadataPath = strPtr(info.path)
	if info.Title != "" {
		fields.TitleOriginal = strPtr(info.Title)
	}
	if info.Description != "" {
		fields.DescriptionOriginal = strPtr(info.Description)
	}

	coverPath := ""
	if src, err := findCoverSource(workDir); err == nil && src != "" {
		dst := filepath.Join(workDir, "cover.jpg")
		if perr := cover.Process(src, dst, cover.ModeCrop); perr == nil {
			coverPath = dst
		}
	}
	if coverPath != "" {
		fields.CoverPath = strPtr(coverPath)
	}
	if subPath, err := findSubtitleFile(workDir); err == nil && subPath != "" {
		fields.SubtitleOriginalPath = strPtr(subPath)
	}

	newStatus := task.StatusInfoFetched
	fields.Status = &newStatus
	return e.deps.Store.Update(ctx, id, fields)
}

func strPtr(s string) *string { return &s }

type infoFile struct {
	infoJSON
	path string
}

func findInfoJSON(workDir string) (infoFile, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return infoFile{}, err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".info.json") {
			path := filepath.Join(workDir, e.Name())
			raw, err := os.ReadFile(path)
			if err != nil {
				return infoFile{}, err
			}
			var parsed infoJSON
			if err := json.Unmarshal(raw, &parsed); err != nil {
				return infoFile{}, err
			}
			return infoFile{infoJSON: parsed, path: path}, nil
		}
	}
	return infoFile{}, fmt.Errorf("no .info.json found in %s", workDir)
}

var coverExts = []string{".jpg", ".jpeg", ".png", ".webp"}

func findCoverSource(workDir string) (string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range coverExts {
			if ext == want {
				return filepath.Join(workDir, e.Name()), nil
			}
		}
	}
	return "", nil
}

func findSubtitleFile(workDir string) (string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".vtt" || ext == ".srt" {
			return filepath.Join(workDir, e.Name()), nil
		}
	}
	return "", nil
}

func findVideoFile(workDir string) (string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if strings.HasPrefix(name, "video.") {
			return filepath.Join(workDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no video.* file found in %s", workDir)
}

func downloaderProxy(cfg *config.Config) downloader.Proxy {
	if cfg == nil {
		return downloader.Proxy{}
	}
	return downloader.Proxy{
		Enabled:  cfg.SourceProxyEnabled,
		URL:      cfg.SourceProxyURL,
		Username: cfg.SourceProxyUser,
		Password: cfg.SourceProxyPass,
	}
}

// stageEnrich runs translate/tag/classify, each independently gated by its
// own config flag, with the translating/tagging/partitioning statuses
// tracking ordering even when a step is skipped (spec §4.14).
func (e *Engine) stageEnrich(ctx context.Context, id string, t *task.Task, cfg config.Config) error {
	if cfg.TranslateTitle || cfg.TranslateDescription {
		status := task.StatusTranslating
		if err := e.setStatus(ctx, id, status); err != nil {
			return err
		}
		fields := task.Fields{}
		if cfg.TranslateTitle && e.deps.LLM != nil {
			translated := e.deps.LLM.Translate(ctx, t.TitleOriginal, "zh", llm.KindTitle)
			fields.TitleTranslated = &translated
		}
		if cfg.TranslateDescription && e.deps.LLM != nil {
			translated := e.deps.LLM.Translate(ctx, t.DescriptionOriginal, "zh", llm.KindDescription)
			fields.DescriptionTranslated = &translated
		}
		if err := e.deps.Store.Update(ctx, id, fields); err != nil {
			return err
		}
	}

	if cfg.GenerateTags {
		if err := e.setStatus(ctx, id, task.StatusTagging); err != nil {
			return err
		}
		if e.deps.LLM != nil {
			tags := e.deps.LLM.GenerateTags(ctx, t.TitleOriginal, t.DescriptionOriginal)
			if err := e.deps.Store.Update(ctx, id, task.Fields{TagsGenerated: tags}); err != nil {
				return err
			}
		}
	}

	if cfg.RecommendPartition {
		if err := e.setStatus(ctx, id, task.StatusPartitioning); err != nil {
			return err
		}
		if e.deps.LLM != nil {
			catID := e.deps.LLM.ClassifyCategory(ctx, t.TitleOriginal, t.DescriptionOriginal, e.deps.Catalog, e.deps.Base.FixedCategoryID)
			if err := e.deps.Store.Update(ctx, id, task.Fields{RecommendedCategoryID: &catID}); err != nil {
				return err
			}
		}
	}
	return nil
}

var (
	moderateURLRe   = regexp.MustCompile(`https?://\S+`)
	moderateEmailRe = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
)

// moderationText mirrors the original _moderate_content: it prefers the
// translated title/description over the original (so a CTA injected only
// during translation is still caught), folds in generated tags, and strips
// URLs/emails before the text reaches the moderation model.
func moderationText(t *task.Task) string {
	title := t.TitleTranslated
	if title == "" {
		title = t.TitleOriginal
	}
	description := t.DescriptionTranslated
	if description == "" {
		description = t.DescriptionOriginal
	}
	parts := []string{title, description}
	parts = append(parts, t.TagsGenerated...)
	text := strings.Join(parts, "\n")
	text = moderateURLRe.ReplaceAllString(text, "")
	text = moderateEmailRe.ReplaceAllString(text, "")
	return text
}

func (e *Engine) stageModerate(ctx context.Context, id string, t *task.Task) (bool, error) {
	if err := e.setStatus(ctx, id, task.StatusModerating); err != nil {
		return false, err
	}
	if e.deps.Moderate == nil {
		return true, nil
	}
	text := moderationText(t)
	result, err := e.deps.Moderate.ModerateText(ctx, text)
	if err != nil {
		return false, fmt.Errorf("moderate: %w", err)
	}
	if err := e.deps.Store.Update(ctx, id, task.Fields{ModerationResult: result}); err != nil {
		return false, err
	}
	return result.OverallPass, nil
}

func (e *Engine) stageDownload(ctx context.Context, id, sourceURL, workDir string) error {
	if err := e.setStatus(ctx, id, task.StatusDownloading); err != nil {
		return err
	}
	onProgress := func(p downloader.Progress) {
		progress := fmt.Sprintf("%.1f%%", p.Percent)
		_ = e.deps.Store.UpdateSilent(ctx, id, task.Fields{UploadProgress: &progress})
	}
	if err := e.deps.Download.Run(ctx, sourceURL, workDir, downloader.ModeVideoOnly, downloaderProxy(e.deps.Base), onProgress); err != nil {
		return fmt.Errorf("download: %w", err)
	}

	videoPath, err := findVideoFile(workDir)
	if err != nil {
		return err
	}
	return e.deps.Store.Update(ctx, id, task.Fields{VideoPath: &videoPath})
}

// stageSubtitles produces a translated, QC-gated SRT file at
// subtitle_translated_path, returning whether burn-in is safe to run.
// Non-fatal per spec §4.14: its own failures never fail the task.
func (e *Engine) stageSubtitles(ctx context.Context, id string, t *task.Task, workDir string, cfg config.Config) (bool, error) {
	var cues []srt.Cue

	if t.SubtitleOriginalPath != "" {
		raw, err := os.ReadFile(t.SubtitleOriginalPath)
		if err == nil {
			cues = srt.Parse(string(raw))
		}
	}

	if len(cues) == 0 && cfg.SpeechRecognitionEnabled && e.deps.VAD != nil && e.deps.ASR != nil {
		if err := e.setStatus(ctx, id, task.StatusASRTranscribing); err != nil {
			return false, err
		}
		generated, err := e.transcribe(ctx, t.VideoPath, workDir)
		if err != nil {
			return false, fmt.Errorf("asr transcribe: %w", err)
		}
		cues = generated
	}

	if len(cues) == 0 {
		return false, nil
	}

	cues = srt.CleanHallucinations(cues)
	cues = srt.ResolveOverlaps(cues)
	for i := range cues {
		cues[i].Text = srt.Normalize(cues[i].Text, srt.NormalizeOptions{PunctuationSpacing: true, RemoveFillers: true})
	}
	cues = srt.SplitLongCues(cues, srt.SplitOptions{})
	cues = srt.Finalize(cues, srt.FinalizeOptions{})

	if cfg.SubtitleTranslationEnabled && e.deps.Sub != nil {
		if err := e.setStatus(ctx, id, task.StatusTranslatingSubs); err != nil {
			return false, err
		}
		opts := subtitle.Options{
			BatchSize:  cfg.SubtitleBatchSize,
			MaxWorkers: cfg.SubtitleMaxWorkers,
			MaxRetries: cfg.SubtitleMaxRetries,
			RetryDelay: cfg.SubtitleRetryDelay,
			TargetLang: "zh",
		}
		cues = e.deps.Sub.Translate(ctx, cues, opts)
	}

	qc := subtitle.Gate(ctx, e.deps.LLM, cues, subtitle.QCOptions{Threshold: cfg.SubtitleQCThreshold})

	outPath := filepath.Join(workDir, "subtitle.translated.srt")
	if err := os.WriteFile(outPath, []byte(srt.Render(cues)), 0o644); err != nil {
		return false, fmt.Errorf("write subtitle: %w", err)
	}
	if err := e.deps.Store.Update(ctx, id, task.Fields{SubtitleTranslatedPath: &outPath}); err != nil {
		return false, err
	}

	return qc.Pass, nil
}

// transcribe extracts each VAD-detected speech region to a short WAV clip
// and transcribes it independently, offsetting the resulting segments by
// the region's start time.
func (e *Engine) transcribe(ctx context.Context, videoPath, workDir string) ([]srt.Cue, error) {
	regions, err := e.deps.VAD.DetectSpeechRegions(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	ffmpegPath, _, err := e.deps.Ffmpeg.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	var cues []srt.Cue
	for i, region := range regions {
		clipPath := filepath.Join(workDir, fmt.Sprintf("asr_clip_%d.wav", i))
		if err := extractClip(ctx, ffmpegPath, videoPath, clipPath, region.Start, region.End); err != nil {
			slog.Warn("clip extraction failed, skipping region", slog.Int("region", i), slog.Any("err", err))
			continue
		}
		segments, _, err := e.deps.ASR.Transcribe(ctx, clipPath, "", "")
		_ = os.Remove(clipPath)
		if err != nil {
			slog.Warn("asr failed for region, skipping", slog.Int("region", i), slog.Any("err", err))
			continue
		}
		for _, seg := range segments {
			cues = append(cues, srt.Cue{Start: region.Start + seg.Start, End: region.Start + seg.End, Text: seg.Text})
		}
	}
	return cues, nil
}

func extractClip(ctx context.Context, ffmpegPath, videoPath, outPath string, start, end float64) error {
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-y", "-v", "error",
		"-ss", fmt.Sprintf("%.3f", start),
		"-to", fmt.Sprintf("%.3f", end),
		"-i", videoPath,
		"-ac", "1", "-ar", "16000",
		outPath,
	)
	return cmd.Run()
}

func (e *Engine) stageEncode(ctx context.Context, id, workDir string, cfg config.Config) error {
	if err := e.setStatus(ctx, id, task.StatusEncodingVideo); err != nil {
		return err
	}
	t, err := e.deps.Store.Get(ctx, id)
	if err != nil || t == nil {
		return err
	}

	ffmpegPath, ffprobePath, err := e.deps.Ffmpeg.Resolve(ctx)
	if err != nil {
		return err
	}

	burnedPath := filepath.Join(workDir, "video.burned.mp4")
	opts := encoder.Options{
		FfmpegPath:  ffmpegPath,
		FfprobePath: ffprobePath,
		Backend:     encoder.Backend(cfg.VideoEncoder),
	}
	onProgress := func(pct float64) {
		progress := fmt.Sprintf("encoding %.1f%%", pct)
		_ = e.deps.Store.UpdateSilent(ctx, id, task.Fields{UploadProgress: &progress})
	}
	if err := encoder.Run(ctx, opts, t.VideoPath, t.SubtitleTranslatedPath, burnedPath, onProgress); err != nil {
		return err
	}
	return e.deps.Store.Update(ctx, id, task.Fields{VideoPath: &burnedPath})
}

func (e *Engine) stageUpload(ctx context.Context, id string) error {
	if !e.uploadSem.acquire(ctx) {
		return ctx.Err()
	}
	defer e.uploadSem.release()

	t, err := e.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}

	// spec §3: selected_category_id is non-empty before uploading (selected
	// overrides recommended). When both are absent, preempt with failed
	// rather than let the publish call reject it (spec §9).
	categoryID := t.SelectedCategoryID
	if categoryID == "" {
		categoryID = t.RecommendedCategoryID
	}
	if categoryID == "" {
		e.failTask(ctx, id, "no category selected or recommended")
		return nil
	}

	if err := e.setStatus(ctx, id, task.StatusUploading); err != nil {
		return err
	}
	t, err = e.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	if e.deps.Upload == nil {
		return fmt.Errorf("upload: no uploader configured")
	}

	videoBytes, err := os.ReadFile(t.VideoPath)
	if err != nil {
		return fmt.Errorf("read video for upload: %w", err)
	}
	videoID, err := e.deps.Upload.UploadVideo(ctx, filepath.Base(t.VideoPath), videoBytes)
	if err != nil {
		return fmt.Errorf("upload video: %w", err)
	}

	coverURL := ""
	if t.CoverPath != "" {
		coverBytes, err := os.ReadFile(t.CoverPath)
		if err == nil {
			coverURL, _ = e.deps.Upload.UploadCover(ctx, filepath.Base(t.CoverPath), "video-cover", coverBytes)
		}
	}

	title := t.TitleOriginal
	if t.TitleTranslated != "" {
		title = t.TitleTranslated
	}
	description := t.DescriptionOriginal
	if t.DescriptionTranslated != "" {
		description = t.DescriptionTranslated
	}

	result, err := e.deps.Upload.Publish(ctx, uploader.PublishRequest{
		Title:       title,
		Description: description,
		SourceURL:   t.SourceURL,
		UploadedAt:  time.Now(),
		Tags:        t.TagsGenerated,
		CoverURL:    coverURL,
		VideoID:     videoID,
		ChannelID:   categoryID,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	completed := task.StatusCompleted
	resp := &task.UploadResponse{ACNumber: result.ACNumber, VideoID: videoID, URL: result.URL}
	return e.deps.Store.Update(ctx, id, task.Fields{Status: &completed, UploadResponse: resp})
}

// ForceUpload moves a task out of awaiting_manual_review (or re-runs the
// upload stage from completed) per spec §4.14/§9.
func (e *Engine) ForceUpload(ctx context.Context, id string) error {
	t, err := e.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s not found", id)
	}
	status := task.StatusDownloading
	if t.Status == task.StatusCompleted {
		return e.stageUpload(ctx, id)
	}
	if err := e.deps.Store.Update(ctx, id, task.Fields{Status: &status}); err != nil {
		return err
	}
	e.StartTask(id)
	return nil
}

// Abandon marks a task failed with an "abandoned by user" reason without
// deleting its row or working directory, per spec §6's `/tasks/{id}/abandon`.
// A run already in progress is not stopped: processTask only checks for
// row deletion between stages, so it carries on and its later status
// updates replace failed.
func (e *Engine) Abandon(ctx context.Context, id string) error {
	t, err := e.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is already in terminal status %s", id, t.Status)
	}
	failed := task.StatusFailed
	reason := "abandoned by user"
	return e.deps.Store.Update(ctx, id, task.Fields{Status: &failed, ErrorMessage: &reason})
}

// Restart transitions a failed/pending task back to pending, only if its
// current status permits it (spec §4.14: "only if status is pending/failed
// at entry").
func (e *Engine) Restart(ctx context.Context, id string) error {
	t, err := e.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status != task.StatusPending && t.Status != task.StatusFailed {
		return fmt.Errorf("task %s is in status %s, cannot restart", id, t.Status)
	}
	pending := task.StatusPending
	if err := e.deps.Store.Update(ctx, id, task.Fields{Status: &pending}); err != nil {
		return err
	}
	e.triggerRescan()
	return nil
}
