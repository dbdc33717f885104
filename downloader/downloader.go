// Package downloader implements the Source Downloader Adapter (C3): driving
// the external downloader binary in info-only and video-only modes, with
// format-probe anti-bot detection, retry with decreasing format strictness,
// progress callbacks, and proxy credential handling. Grounded directly on
// the teacher's vod.downloadVOD.
package downloader

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/subculture-collective/repubengine/errclass"
	"github.com/subculture-collective/repubengine/retry"
)

// Mode selects which artifacts a Run call fetches.
type Mode int

const (
	// ModeInfoOnly writes metadata JSON, cover image, and embedded subtitle
	// files into the task directory; no media.
	ModeInfoOnly Mode = iota
	// ModeVideoOnly downloads media only, preserving any metadata/cover
	// already present in the directory from a prior info-only pass.
	ModeVideoOnly
)

// Progress reports downloader progress for a video-only run.
type Progress struct {
	Percent float64
	Speed   string
	ETA     string
	Size    string
}

// ProgressFunc receives progress updates; implementations must not block.
type ProgressFunc func(Progress)

// Proxy describes an optional HTTP/SOCKS proxy, with credentials merged
// into the URL authority the way the teacher merges user/pass.
type Proxy struct {
	Enabled  bool
	URL      string
	Username string
	Password string
}

// URL_ returns the effective proxy URL with credentials embedded in the
// authority component, or "" if disabled/unset.
func (p Proxy) URL_() (string, error) {
	if !p.Enabled || p.URL == "" {
		return "", nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("invalid proxy url: %w", err)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String(), nil
}

// Adapter drives the external downloader binary (e.g. yt-dlp).
type Adapter struct {
	BinaryPath string
	CookieJar  string // path to a Netscape-format cookie jar, optional

	mu            struct{} // no shared mutable state beyond what's passed in
}

// New constructs an Adapter.
func New(binaryPath, cookieJar string) *Adapter {
	return &Adapter{BinaryPath: binaryPath, CookieJar: cookieJar}
}

// cookieRefreshPatterns are substring hints on a format-probe failure that
// indicate anti-bot gating requiring a fresh cookie jar.
var cookieRefreshPatterns = []string{
	"sign in to confirm",
	"login required",
	"confirm you're not a bot",
	"unable to extract",
}

// ErrCookiesRefreshNeeded signals the externalized "cookies-refresh-needed"
// condition (spec §4.3); the caller surfaces it via /api/cookies/refresh-needed.
var ErrCookiesRefreshNeeded = fmt.Errorf("downloader: cookies refresh needed")

// ProbeFormats performs a short-timeout format listing to detect anti-bot
// gating before committing to a full download.
func (a *Adapter) ProbeFormats(ctx context.Context, sourceURL string, proxy Proxy) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	args := []string{"--list-formats", "--no-warnings", sourceURL}
	args = a.withAuth(args, proxy)

	cmd := exec.CommandContext(cctx, a.BinaryPath, args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	text := sanitize(string(out))
	for _, p := range cookieRefreshPatterns {
		if strings.Contains(strings.ToLower(text), p) {
			slog.Warn("downloader format probe indicates anti-bot gating", slog.String("source_url", sourceURL))
			return ErrCookiesRefreshNeeded
		}
	}
	return fmt.Errorf("format probe failed: %w", err)
}

// formatStrictness lists format selectors tried in order of decreasing
// strictness, per spec §4.3: merged best video+audio -> single-file best
// mp4 -> any best.
var formatStrictness = []string{
	"bestvideo+bestaudio/best",
	"best[ext=mp4]",
	"best",
}

// Run executes the downloader in the given mode, retrying up to 3 times with
// decreasing format strictness on each attempt (video-only mode). Progress
// updates are forwarded via onProgress for video-only runs.
func (a *Adapter) Run(ctx context.Context, sourceURL, workDir string, mode Mode, proxy Proxy, onProgress ProgressFunc) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	if mode == ModeInfoOnly {
		return a.runInfoOnly(ctx, sourceURL, workDir, proxy)
	}
	return a.runVideoOnly(ctx, sourceURL, workDir, proxy, onProgress)
}

func (a *Adapter) runInfoOnly(ctx context.Context, sourceURL, workDir string, proxy Proxy) error {
	args := []string{
		"--skip-download",
		"--write-info-json",
		"--write-thumbnail",
		"--write-subs", "--write-auto-subs",
		"-o", filepath.Join(workDir, "%(id)s.%(ext)s"),
		sourceURL,
	}
	args = a.withAuth(args, proxy)
	cmd := exec.CommandContext(ctx, a.BinaryPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return classifyAndWrap(err, string(out))
	}
	return nil
}

func (a *Adapter) runVideoOnly(ctx context.Context, sourceURL, workDir string, proxy Proxy, onProgress ProgressFunc) error {
	var lastErr error
	for attempt, format := range formatStrictness {
		if attempt >= 3 {
			break
		}
		args := []string{
			"-f", format,
			"--newline",
			"--progress",
			"-o", filepath.Join(workDir, "video.%(ext)s"),
			sourceURL,
		}
		args = a.withAuth(args, proxy)

		cmd := exec.CommandContext(ctx, a.BinaryPath, args...)
		stderr, _ := cmd.StderrPipe()
		stdout, _ := cmd.StdoutPipe()

		if err := cmd.Start(); err != nil {
			lastErr = err
			continue
		}

		done := make(chan struct{}, 2)
		go streamProgress(stdout, onProgress, done)
		go streamProgress(stderr, onProgress, done)
		<-done
		<-done

		err := cmd.Wait()
		if err == nil {
			return nil
		}
		lastErr = classifyAndWrap(err, "")
		slog.Warn("download attempt failed, retrying with looser format",
			slog.Int("attempt", attempt+1), slog.String("format", format), slog.Any("err", lastErr))
		if err := retry.Sleep(ctx, retry.Backoff(attempt+1, 500*time.Millisecond, 5*time.Second)); err != nil {
			return err
		}
	}
	return fmt.Errorf("download failed after retries: %w", lastErr)
}

var progressLineRe = regexp.MustCompile(`\[download\]\s+([\d.]+)%\s+of\s+(\S+)\s+at\s+(\S+)\s+ETA\s+(\S+)`)

func streamProgress(r interface {
	Read([]byte) (int, error)
}, onProgress ProgressFunc, done chan struct{}) {
	defer func() { done <- struct{}{} }()
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := progressLineRe.FindStringSubmatch(line); m != nil && onProgress != nil {
			pct, _ := strconv.ParseFloat(m[1], 64)
			onProgress(Progress{Percent: pct, Size: m[2], Speed: m[3], ETA: m[4]})
		}
	}
}

func (a *Adapter) withAuth(args []string, proxy Proxy) []string {
	if a.CookieJar != "" {
		if _, err := os.Stat(a.CookieJar); err == nil {
			args = append(args, "--cookies", a.CookieJar)
		}
	}
	if u, err := proxy.URL_(); err == nil && u != "" {
		args = append(args, "--proxy", u)
	}
	return args
}

// secretPattern redacts cookie/auth tokens that might leak into logs.
var secretPattern = regexp.MustCompile(`(?i)(cookie|token|authorization)[=:]\s*\S+`)

func sanitize(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=***")
}

func classifyAndWrap(err error, extra string) error {
	k := errclass.Classify(err, extra)
	sanitized := sanitize(extra)
	switch k {
	case errclass.KindCookieInvalid:
		return fmt.Errorf("%w: %s", ErrCookiesRefreshNeeded, sanitized)
	default:
		return fmt.Errorf("downloader (%s): %w: %s", k, err, sanitized)
	}
}

// playlistURLPattern matches the URL shapes the source site uses for
// playlists/channels rather than single videos (spec §6: "if URL matches a
// playlist pattern, expand it via the downloader").
var playlistURLPattern = regexp.MustCompile(`(?i)[?&]list=|/playlist|/channel/|/@[^/]+/videos`)

// IsPlaylist reports whether sourceURL looks like a playlist/channel URL.
func IsPlaylist(sourceURL string) bool {
	return playlistURLPattern.MatchString(sourceURL)
}

// ExpandPlaylist lists the member video URLs of a playlist/channel URL via
// a flat (metadata-only) listing, without downloading anything.
func (a *Adapter) ExpandPlaylist(ctx context.Context, sourceURL string, proxy Proxy) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	args := []string{"--flat-playlist", "--print", "url", sourceURL}
	args = a.withAuth(args, proxy)

	cmd := exec.CommandContext(cctx, a.BinaryPath, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, classifyAndWrap(err, string(out))
	}

	var urls []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			urls = append(urls, line)
		}
	}
	return urls, nil
}

// BuildCookieHeaderFromNetscape reads a Netscape-format cookie jar and
// renders a single "name=value; name2=value2" header string, for adapters
// that need a raw Cookie header rather than a file path (e.g. the VAD/ASR
// probes reusing the same session). Malformed lines are skipped silently.
func BuildCookieHeaderFromNetscape(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var pairs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		name, value := fields[5], fields[6]
		if name == "" {
			continue
		}
		pairs = append(pairs, name+"="+value)
	}
	return strings.Join(pairs, "; "), scanner.Err()
}
