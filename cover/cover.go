// Package cover implements the Cover Processor (C4): forcing an exact 16:10
// aspect ratio on a raster image by center-crop or letterbox padding. No
// example repo in the retrieved corpus performs raster image processing, so
// this package is built on the ecosystem's standard imaging toolkit rather
// than a hand-rolled decoder (see DESIGN.md).
package cover

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Mode selects how the source image is forced to 16:10.
type Mode string

const (
	ModeCrop Mode = "crop" // center-crop the excess dimension
	ModePad  Mode = "pad"  // add black bars to the short dimension
)

// targetRatio is width/height for 16:10.
const targetRatio = 16.0 / 10.0

// Process reads srcPath, forces a 16:10 aspect via mode, and writes the
// result to dstPath. It is idempotent: an image already at 16:10 is passed
// through unchanged (modulo re-encoding).
func Process(srcPath, dstPath string, mode Mode) error {
	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open cover image: %w", err)
	}

	var out image.Image
	switch mode {
	case ModeCrop:
		out = cropTo16x10(img)
	case ModePad:
		out = padTo16x10(img)
	default:
		return fmt.Errorf("unknown cover mode %q", mode)
	}

	if err := imaging.Save(out, dstPath); err != nil {
		return fmt.Errorf("save cover image: %w", err)
	}
	return nil
}

func cropTo16x10(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	curRatio := float64(w) / float64(h)

	if curRatio > targetRatio {
		// too wide: crop width
		newW := int(float64(h) * targetRatio)
		return imaging.CropCenter(img, newW, h)
	}
	if curRatio < targetRatio {
		// too tall: crop height
		newH := int(float64(w) / targetRatio)
		return imaging.CropCenter(img, w, newH)
	}
	return img
}

func padTo16x10(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	curRatio := float64(w) / float64(h)

	canvasW, canvasH := w, h
	if curRatio > targetRatio {
		// too wide: grow height
		canvasH = int(float64(w) / targetRatio)
	} else if curRatio < targetRatio {
		// too tall: grow width
		canvasW = int(float64(h) * targetRatio)
	} else {
		return img
	}

	canvas := imaging.New(canvasW, canvasH, color.NRGBA{0, 0, 0, 255})
	return imaging.PasteCenter(canvas, img)
}
