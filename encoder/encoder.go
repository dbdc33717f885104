// Package encoder implements the Video Encoder (C12): burning subtitles
// into a video via ffmpeg, with encoder-backend selection, real-time
// progress parsing, and automatic CPU fallback on hardware-encoder
// failure. Grounded on the C2 ffmpeg locator's CommandContext invocation
// idiom (itself grounded on the teacher's `vod.go` yt-dlp shell-out
// pattern), generalized per spec §4.12.
package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/subculture-collective/repubengine/srt"
)

// Backend is a configured encoder choice.
type Backend string

const (
	BackendCPU   Backend = "cpu"
	BackendNVENC Backend = "nvenc"
	BackendQSV   Backend = "qsv"
	BackendAMF   Backend = "amf"
)

// hardwareFailurePatterns recognizes a fixed list of error substrings
// indicating a hardware-encoder failure (spec §4.12).
var hardwareFailurePatterns = []string{
	"cannot load nvenc", "no nvenc capable devices", "no device available for decoder",
	"failed to initialise qsv", "qsv: error", "hevc_qsv @", "no amf device",
	"error initializing output stream", "encoder not found",
}

// Options configures one burn-in run.
type Options struct {
	FfmpegPath  string
	FfprobePath string
	Backend     Backend
	FontDir     string
	Is10Bit     bool
}

// ProgressFunc is invoked with a 0-100 percent estimate as ffmpeg reports
// progress.
type ProgressFunc func(percent float64)

// Run burns subtitlePath into videoPath and writes the result to
// outputPath, selecting an encoder backend, computing GOP from source fps,
// and retrying once on the CPU preset if a hardware encoder fails
// (spec §4.12).
func Run(ctx context.Context, opts Options, videoPath, subtitlePath, outputPath string, onProgress ProgressFunc) error {
	workDir, err := os.MkdirTemp("", "repub-encode-*")
	if err != nil {
		return fmt.Errorf("create encode temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	shortVideo := filepath.Join(workDir, "in"+filepath.Ext(videoPath))
	shortSub := filepath.Join(workDir, "sub.srt")
	shortOut := filepath.Join(workDir, "out"+filepath.Ext(outputPath))

	if err := copyFile(videoPath, shortVideo); err != nil {
		return err
	}
	if err := convertToSRTFile(subtitlePath, shortSub); err != nil {
		return err
	}

	duration, fps, bitDepth := probeVideo(ctx, opts.FfprobePath, shortVideo)
	if bitDepth >= 10 {
		opts.Is10Bit = true
	}

	fontFamily := discoverFont(opts.FontDir)
	gop := gopFor(fps)

	backend := opts.Backend
	if backend == "" {
		backend = BackendCPU
	}

	err = runFfmpeg(ctx, opts, backend, shortVideo, shortSub, shortOut, fontFamily, gop, duration, onProgress)
	if err != nil && backend != BackendCPU && isHardwareFailure(err) {
		err = runFfmpeg(ctx, opts, BackendCPU, shortVideo, shortSub, shortOut, fontFamily, gop, duration, onProgress)
	}
	if err != nil {
		return err
	}

	return copyFile(shortOut, outputPath)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// convertToSRTFile converts VTT to SRT via a local parser when needed
// (comma-vs-dot millisecond, tag/cue-style stripping), else copies through
// (spec §4.12).
func convertToSRTFile(inputPath, outputPath string) error {
	raw, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read subtitle: %w", err)
	}
	text := string(raw)
	if strings.HasPrefix(strings.TrimSpace(text), "WEBVTT") || strings.EqualFold(filepath.Ext(inputPath), ".vtt") {
		text = vttToSRTText(text)
	}
	return os.WriteFile(outputPath, []byte(text), 0o644)
}

var vttTagRe = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
var vttCueSettingsRe = regexp.MustCompile(`\s+(align|position|size|line):\S+`)

func vttToSRTText(text string) string {
	cues := srt.Parse(text)
	for i := range cues {
		cues[i].Text = vttTagRe.ReplaceAllString(cues[i].Text, "")
	}
	return srt.Render(cues)
}

// discoverFont returns the family name of the first font file in fontDir
// that yields one, else the first entry of a fixed list of CJK families
// (spec §4.12). The later entries of the list are never returned.
var cjkFontFallbacks = []string{"Noto Sans CJK SC", "Source Han Sans SC", "WenQuanYi Zen Hei", "Microsoft YaHei"}

func discoverFont(fontDir string) string {
	if fontDir != "" {
		entries, err := os.ReadDir(fontDir)
		if err == nil {
			for _, e := range entries {
				ext := strings.ToLower(filepath.Ext(e.Name()))
				if ext == ".ttf" || ext == ".otf" || ext == ".ttc" {
					if name := readFontFamilyName(filepath.Join(fontDir, e.Name())); name != "" {
						return name
					}
				}
			}
		}
	}
	return cjkFontFallbacks[0]
}

// readFontFamilyName does not parse the font: it returns "" for every
// path, so discoverFont always falls back to cjkFontFallbacks[0] (see
// DESIGN.md).
func readFontFamilyName(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) < 4 {
		return ""
	}
	return ""
}

func gopFor(fps float64) int {
	if fps <= 0 {
		fps = 30
	}
	gop := int(math.Round(2 * fps))
	if gop < 24 {
		gop = 24
	}
	return gop
}

func probeVideo(ctx context.Context, ffprobePath, path string) (duration, fps float64, bitDepth int) {
	duration = probeDuration(ctx, ffprobePath, path)
	fps = 30
	bitDepth = 8

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate,pix_fmt",
		"-of", "default=noprint_wrappers=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return duration, fps, bitDepth
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "r_frame_rate=") {
			if v := parseFrameRate(strings.TrimPrefix(line, "r_frame_rate=")); v > 0 {
				fps = v
			}
		}
		if strings.HasPrefix(line, "pix_fmt=") {
			if strings.Contains(line, "10le") || strings.Contains(line, "10be") {
				bitDepth = 10
			}
		}
	}
	return duration, fps, bitDepth
}

func probeDuration(ctx context.Context, ffprobePath, path string) float64 {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	d, _ := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	return d
}

func parseFrameRate(s string) float64 {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		v, _ := strconv.ParseFloat(parts[0], 64)
		return v
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

func isHardwareFailure(err error) bool {
	lower := strings.ToLower(err.Error())
	for _, p := range hardwareFailurePatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func encoderArgs(backend Backend, is10Bit bool) []string {
	switch backend {
	case BackendNVENC:
		if is10Bit {
			return []string{"-c:v", "hevc_nvenc", "-preset", "p6", "-cq", "20", "-rc-lookahead", "32", "-pix_fmt", "p010le", "-profile:v", "main10"}
		}
		return []string{"-c:v", "hevc_nvenc", "-preset", "p6", "-cq", "20", "-rc-lookahead", "32"}
	case BackendQSV:
		if is10Bit {
			return []string{"-c:v", "hevc_qsv", "-preset", "slow", "-look_ahead", "1", "-global_quality", "20", "-pix_fmt", "p010le", "-profile:v", "main10"}
		}
		return []string{"-c:v", "hevc_qsv", "-preset", "slow", "-look_ahead", "1", "-global_quality", "20"}
	case BackendAMF:
		if is10Bit {
			return []string{"-c:v", "hevc_amf", "-quality", "quality", "-rc", "cqp", "-qp", "20", "-pix_fmt", "p010le", "-profile:v", "main10"}
		}
		return []string{"-c:v", "hevc_amf", "-quality", "quality", "-rc", "cqp", "-qp", "20"}
	default:
		return []string{"-c:v", "libx264", "-crf", "18", "-preset", "slow", "-profile:v", "high", "-level", "4.2"}
	}
}

// computeTimeout returns 3×duration clamped to the range [30min, 3h], or
// 1h when the duration is unknown (spec §4.12).
func computeTimeout(duration float64) time.Duration {
	if duration <= 0 {
		return time.Hour
	}
	candidate := 3 * time.Duration(duration) * time.Second
	if candidate > 3*time.Hour {
		candidate = 3 * time.Hour
	}
	if candidate < 30*time.Minute {
		candidate = 30 * time.Minute
	}
	return candidate
}

var progressKeyValRe = regexp.MustCompile(`^(\w+)=(.+)$`)

func runFfmpeg(ctx context.Context, opts Options, backend Backend, videoPath, subtitlePath, outputPath, fontFamily string, gop int, duration float64, onProgress ProgressFunc) error {
	ctx, cancel := context.WithTimeout(ctx, computeTimeout(duration))
	defer cancel()

	subFilter := fmt.Sprintf("subtitles=%s:force_style='FontName=%s'", escapeFilterPath(subtitlePath), fontFamily)

	args := []string{"-y", "-i", videoPath, "-vf", subFilter}
	args = append(args, encoderArgs(backend, opts.Is10Bit)...)
	args = append(args, "-g", strconv.Itoa(gop), "-c:a", "aac", "-b:a", "320k", "-progress", "pipe:1", outputPath)

	cmd := exec.CommandContext(ctx, opts.FfmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	var outTimeUs float64
	for scanner.Scan() {
		line := scanner.Text()
		m := progressKeyValRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1] == "out_time_us" {
			if v, err := strconv.ParseFloat(m[2], 64); err == nil {
				outTimeUs = v
				if onProgress != nil && duration > 0 {
					pct := (outTimeUs / 1e6) / duration * 100
					if pct > 100 {
						pct = 100
					}
					onProgress(pct)
				}
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode failed (%s): %w: %s", backend, err, stderr.String())
	}
	return nil
}

func escapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, `\`, `/`)
	path = strings.ReplaceAll(path, ":", `\:`)
	return path
}
