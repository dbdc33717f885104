// Package ffmpeg implements the Ffmpeg Locator (C2): resolving a usable
// ffmpeg/ffprobe executable, auto-provisioning one when a platform supports
// it, and memoizing the result until explicitly refreshed.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Locator resolves and memoizes ffmpeg/ffprobe binary paths.
type Locator struct {
	// ConfiguredPath is an absolute path from config, checked first.
	ConfiguredPath string
	// BundledDir is the directory next to the application where an
	// auto-provisioned or manually-placed binary is expected.
	BundledDir string

	mu          sync.Mutex
	ffmpegPath  string
	ffprobePath string
	resolved    bool
}

// New constructs a Locator.
func New(configuredPath, bundledDir string) *Locator {
	return &Locator{ConfiguredPath: configuredPath, BundledDir: bundledDir}
}

// Refresh clears the memoized result, forcing the next Resolve to re-probe.
func (l *Locator) Refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resolved = false
	l.ffmpegPath = ""
	l.ffprobePath = ""
}

// Resolve returns (ffmpegPath, ffprobePath), memoized until Refresh is called.
func (l *Locator) Resolve(ctx context.Context) (string, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolved {
		return l.ffmpegPath, l.ffprobePath, nil
	}

	fp, err := l.resolveFfmpeg(ctx)
	if err != nil {
		return "", "", err
	}
	pp := l.resolveFfprobe(ctx, fp)

	l.ffmpegPath = fp
	l.ffprobePath = pp
	l.resolved = true
	return fp, pp, nil
}

func (l *Locator) resolveFfmpeg(ctx context.Context) (string, error) {
	// (i) configured absolute path
	if l.ConfiguredPath != "" {
		if usable(ctx, l.ConfiguredPath) {
			return l.ConfiguredPath, nil
		}
		return "", fmt.Errorf("configured ffmpeg path %q is not usable", l.ConfiguredPath)
	}

	// (ii) bundled directory next to the application
	bundled := filepath.Join(l.BundledDir, binName("ffmpeg"))
	if usable(ctx, bundled) {
		return bundled, nil
	}

	// (iii) platform-specific auto-download into the bundled directory (Windows only)
	if runtime.GOOS == "windows" {
		if path, err := l.autoProvision(ctx); err == nil {
			return path, nil
		}
	}

	// (iv) PATH lookup
	if path, err := exec.LookPath("ffmpeg"); err == nil && usable(ctx, path) {
		return path, nil
	}

	return "", fmt.Errorf("ffmpeg: not found (checked configured path, bundled dir, auto-provision, PATH)")
}

func (l *Locator) resolveFfprobe(ctx context.Context, ffmpegPath string) string {
	// Same locator resolves ffprobe by checking alongside ffmpeg first, then PATH.
	alongside := filepath.Join(filepath.Dir(ffmpegPath), binName("ffprobe"))
	if usable(ctx, alongside) {
		return alongside
	}
	if path, err := exec.LookPath("ffprobe"); err == nil && usable(ctx, path) {
		return path
	}
	return ""
}

func binName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

// usable verifies the binary by invoking `-version` with a 5-second cap.
func usable(ctx context.Context, path string) bool {
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, path, "-version")
	return cmd.Run() == nil
}
