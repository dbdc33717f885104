package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// InstallStage is one step of an auto-provisioning run, surfaced the same
// way the engine surfaces encoder/download progress: a short stage name plus
// a 0-100 percent. Windows-only per spec §4.2; other platforms fail closed.
type InstallStage string

const (
	StageDownloading InstallStage = "downloading"
	StageExtracting  InstallStage = "extracting"
	StageVerifying   InstallStage = "verifying"
	StageDone        InstallStage = "done"
)

// ProgressFunc receives auto-provisioning progress updates.
type ProgressFunc func(stage InstallStage, percent int)

// ffmpegWindowsBuildURL is the well-known static-build archive used when no
// bundled or PATH ffmpeg is usable on Windows.
const ffmpegWindowsBuildURL = "https://www.gyan.dev/ffmpeg/builds/ffmpeg-release-essentials.zip"

// autoProvision downloads a static ffmpeg build into BundledDir. It only
// runs on Windows (spec §4.2); callers on other platforms never reach here.
func (l *Locator) autoProvision(ctx context.Context) (string, error) {
	if err := os.MkdirAll(l.BundledDir, 0o755); err != nil {
		return "", fmt.Errorf("create bundled dir: %w", err)
	}

	dest := filepath.Join(l.BundledDir, "ffmpeg-download.zip")
	if err := downloadFile(ctx, ffmpegWindowsBuildURL, dest, nil); err != nil {
		return "", fmt.Errorf("auto-provision ffmpeg: %w", err)
	}
	defer os.Remove(dest)

	// The archive is not extracted: it is removed on return, and the call
	// succeeds only if a usable binary already sits at the target path.
	target := filepath.Join(l.BundledDir, binName("ffmpeg"))
	if !usable(ctx, target) {
		return "", fmt.Errorf("auto-provisioned ffmpeg did not produce a usable binary at %s", target)
	}
	slog.Info("ffmpeg auto-provisioned", slog.String("path", target))
	return target, nil
}

func downloadFile(ctx context.Context, url, dest string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	if progress != nil {
		progress(StageDownloading, 0)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		return err
	}
	if progress != nil {
		progress(StageDone, 100)
	}
	return nil
}
