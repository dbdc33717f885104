package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/subculture-collective/repubengine/config"
)

func TestTruncateReasonClampsToMax(t *testing.T) {
	long := make([]byte, 900)
	for i := range long {
		long[i] = 'a'
	}
	got := truncateReason(string(long))
	if len(got) != 500 {
		t.Fatalf("truncateReason length = %d, want 500", len(got))
	}
}

func TestTruncateReasonLeavesShortStringAlone(t *testing.T) {
	if got := truncateReason("short"); got != "short" {
		t.Fatalf("truncateReason short = %q", got)
	}
}

func TestDownloaderProxyMapsConfigFields(t *testing.T) {
	cfg := &config.Config{
		SourceProxyEnabled: true,
		SourceProxyURL:     "http://proxy.example:8080",
		SourceProxyUser:    "u",
		SourceProxyPass:    "p",
	}
	p := downloaderProxy(cfg)
	if !p.Enabled || p.URL != cfg.SourceProxyURL || p.Username != "u" || p.Password != "p" {
		t.Fatalf("downloaderProxy mismatch: %+v", p)
	}
}

func TestDownloaderProxyNilConfig(t *testing.T) {
	p := downloaderProxy(nil)
	if p.Enabled {
		t.Fatalf("expected disabled proxy for nil config, got %+v", p)
	}
}

func TestFindInfoJSONLocatesSuffixedFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("abc123.info.json", `{"id":"abc123","title":"Hello","description":"World"}`)

	info, err := findInfoJSON(dir)
	if err != nil {
		t.Fatalf("findInfoJSON: %v", err)
	}
	if info.Title != "Hello" || info.Description != "World" {
		t.Fatalf("parsed info mismatch: %+v", info.infoJSON)
	}
}

func TestFindInfoJSONErrorsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := findInfoJSON(dir); err == nil {
		t.Fatal("expected error for missing info.json")
	}
}

func TestFindCoverSourcePrefersFirstImageExt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "thumb.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := findCoverSource(dir)
	if err != nil {
		t.Fatalf("findCoverSource: %v", err)
	}
	if filepath.Base(got) != "thumb.jpg" {
		t.Fatalf("findCoverSource = %q", got)
	}
}

func TestFindCoverSourceEmptyWhenNoneMatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := findCoverSource(dir)
	if err != nil {
		t.Fatalf("findCoverSource: %v", err)
	}
	if got != "" {
		t.Fatalf("expected no cover match, got %q", got)
	}
}

func TestFindSubtitleFileAcceptsVTTAndSRT(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "en.vtt"), []byte("WEBVTT"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := findSubtitleFile(dir)
	if err != nil {
		t.Fatalf("findSubtitleFile: %v", err)
	}
	if filepath.Base(got) != "en.vtt" {
		t.Fatalf("findSubtitleFile = %q", got)
	}
}

func TestFindVideoFileRequiresVideoPrefix(t *testing.T) {
	dir := t.TempDir()
	if _, err := findVideoFile(dir); err == nil {
		t.Fatal("expected error when no video.* file present")
	}
	if err := os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := findVideoFile(dir)
	if err != nil {
		t.Fatalf("findVideoFile: %v", err)
	}
	if filepath.Base(got) != "video.mp4" {
		t.Fatalf("findVideoFile = %q", got)
	}
}

func TestEngineEffectiveTaskCapHalvesUnderPressure(t *testing.T) {
	e := New(Deps{Base: &config.Config{MaxConcurrentTasks: 4, MaxConcurrentUploads: 1}})

	orig := memoryPressure
	defer func() { memoryPressure = orig }()

	memoryPressure = func() float64 { return 0 }
	if got := e.effectiveTaskCap(); got != 4 {
		t.Fatalf("effectiveTaskCap with no pressure = %d, want 4", got)
	}

	memoryPressure = func() float64 { return 0.9 }
	if got := e.effectiveTaskCap(); got != 2 {
		t.Fatalf("effectiveTaskCap under pressure = %d, want 2", got)
	}
}

func TestEngineScanIntervalFloorsAtFiveSeconds(t *testing.T) {
	e := New(Deps{Base: &config.Config{}})
	if got := e.scanInterval(); got.Seconds() < 5 {
		t.Fatalf("scanInterval = %v, want floor of 5s", got)
	}
}
