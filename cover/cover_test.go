package cover

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

func writeTestImage(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 255), G: uint8(y % 255), B: 10, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "src.png")
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("write test image: %v", err)
	}
	return path
}

func TestProcessCropAspect(t *testing.T) {
	src := writeTestImage(t, 1920, 1080) // 16:9, wider than 16:10
	dst := filepath.Join(t.TempDir(), "out.png")
	if err := Process(src, dst, ModeCrop); err != nil {
		t.Fatalf("Process crop: %v", err)
	}
	assertAspect16x10(t, dst)
}

func TestProcessPadAspect(t *testing.T) {
	src := writeTestImage(t, 1000, 1000) // square, taller than 16:10
	dst := filepath.Join(t.TempDir(), "out.png")
	if err := Process(src, dst, ModePad); err != nil {
		t.Fatalf("Process pad: %v", err)
	}
	assertAspect16x10(t, dst)
}

func TestProcessIdempotentOnExactRatio(t *testing.T) {
	src := writeTestImage(t, 1600, 1000) // already exactly 16:10
	dst := filepath.Join(t.TempDir(), "out.png")
	if err := Process(src, dst, ModeCrop); err != nil {
		t.Fatalf("Process: %v", err)
	}
	assertAspect16x10(t, dst)
}

func assertAspect16x10(t *testing.T, path string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	got := float64(cfg.Width) / float64(cfg.Height)
	want := 16.0 / 10.0
	if diff := got - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("aspect ratio = %.4f, want %.4f (w=%d h=%d)", got, want, cfg.Width, cfg.Height)
	}
}
