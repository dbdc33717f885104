// Package vad implements the VAD Processor (C7): coarse speech-region
// detection used to produce search windows for downstream ASR, not
// subtitle cues. Grounded on spec §4.7; audio decode-to-PCM reuses the same
// ffmpeg-shell-out idiom as the C2 locator and the teacher's external-binary
// invocation style.
package vad

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"sort"
	"sync"
)

// Region is one detected speech window, in seconds, relative to clip start.
type Region struct {
	Start float64
	End   float64
}

const (
	windowSeconds     = 25.0
	overlapSeconds    = 0.2
	minGapSeconds     = 1.0
	minSegmentSeconds = 1.0
	defaultMaxSegment = 60.0
	padSeconds        = 0.5
)

// Model is the loaded VAD model. Construction is expensive, so Processor
// caches one instance per process behind a mutex, mirroring spec §4.7's
// "class-level cache, guarded by a mutex" requirement.
type Model interface {
	// Detect returns raw speech probabilities/regions for PCM samples in
	// [-1, 1], sampled at 16kHz.
	Detect(samples []float32) []Region
}

// Processor decodes audio via ffmpeg and runs Model over it, chunking long
// clips into overlapping windows and lenient-merging the result.
type Processor struct {
	FfmpegPath string
	MaxSegment float64 // 0 uses defaultMaxSegment

	mu    sync.Mutex
	model Model
	newFn func() (Model, error)
}

// New constructs a Processor. newModel is invoked at most once per process
// (the first call to Detect), lazily, guarded by Processor.mu.
func New(ffmpegPath string, maxSegment float64, newModel func() (Model, error)) *Processor {
	return &Processor{FfmpegPath: ffmpegPath, MaxSegment: maxSegment, newFn: newModel}
}

func (p *Processor) model_(ctx context.Context) (Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model, nil
	}
	m, err := p.newFn()
	if err != nil {
		return nil, err
	}
	p.model = m
	return m, nil
}

// decodeToPCM shells out to ffmpeg to produce 16kHz mono float32 PCM,
// matching the teacher's pattern of invoking external binaries with
// CombinedOutput-style error surfacing.
func (p *Processor) decodeToPCM(ctx context.Context, sourcePath string) ([]float32, float64, error) {
	cmd := exec.CommandContext(ctx, p.FfmpegPath,
		"-i", sourcePath,
		"-ac", "1",
		"-ar", "16000",
		"-f", "f32le",
		"-v", "error",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, 0, fmt.Errorf("ffmpeg pcm decode: %w: %s", err, stderr.String())
	}

	raw := stdout.Bytes()
	n := len(raw) / 4
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		samples[i] = math.Float32frombits(bits)
	}
	duration := float64(n) / 16000.0
	return samples, duration, nil
}

// DetectSpeechRegions runs the full spec §4.7 algorithm: decode, window
// (if long), detect, pad, then lenient-merge/drop/split.
func (p *Processor) DetectSpeechRegions(ctx context.Context, sourcePath string) ([]Region, error) {
	samples, duration, err := p.decodeToPCM(ctx, sourcePath)
	if err != nil {
		return nil, err
	}

	model, err := p.model_(ctx)
	if err != nil {
		return nil, fmt.Errorf("load vad model: %w", err)
	}

	var regions []Region
	if duration <= windowSeconds {
		regions = model.Detect(samples)
	} else {
		regions = p.detectChunked(model, samples, duration)
	}

	regions = padRegions(regions, duration)
	regions = mergeClose(regions)
	regions = dropShortByMerging(regions)
	regions = splitLong(regions, p.maxSegment())

	return regions, nil
}

func (p *Processor) maxSegment() float64 {
	if p.MaxSegment > defaultMaxSegment {
		return p.MaxSegment
	}
	return defaultMaxSegment
}

const sampleRate = 16000

func (p *Processor) detectChunked(model Model, samples []float32, duration float64) []Region {
	windowSamples := int(windowSeconds * sampleRate)
	overlapSamples := int(overlapSeconds * sampleRate)
	step := windowSamples - overlapSamples
	if step <= 0 {
		step = windowSamples
	}

	var all []Region
	for start := 0; start < len(samples); start += step {
		end := start + windowSamples
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[start:end]
		offset := float64(start) / sampleRate

		for _, r := range model.Detect(chunk) {
			all = append(all, Region{Start: r.Start + offset, End: r.End + offset})
		}
		if end == len(samples) {
			break
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })
	return all
}

func padRegions(regions []Region, duration float64) []Region {
	out := make([]Region, len(regions))
	for i, r := range regions {
		start := r.Start - padSeconds
		if start < 0 {
			start = 0
		}
		end := r.End + padSeconds
		if end > duration {
			end = duration
		}
		out[i] = Region{Start: start, End: end}
	}
	return out
}

// mergeClose merges adjacent regions whose gap is < 1.0s (spec §4.7 step 3).
func mergeClose(regions []Region) []Region {
	if len(regions) == 0 {
		return regions
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })

	out := []Region{regions[0]}
	for _, r := range regions[1:] {
		last := &out[len(out)-1]
		if r.Start-last.End < minGapSeconds {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// dropShortByMerging merges any region shorter than 1.0s into its nearest
// neighbor (by gap distance), repeating until stable.
func dropShortByMerging(regions []Region) []Region {
	changed := true
	for changed && len(regions) > 1 {
		changed = false
		for i := 0; i < len(regions); i++ {
			dur := regions[i].End - regions[i].Start
			if dur >= minSegmentSeconds {
				continue
			}
			var targetIdx int
			var best float64 = -1
			if i > 0 {
				gap := regions[i].Start - regions[i-1].End
				if best < 0 || gap < best {
					best = gap
					targetIdx = i - 1
				}
			}
			if i < len(regions)-1 {
				gap := regions[i+1].Start - regions[i].End
				if best < 0 || gap < best {
					best = gap
					targetIdx = i + 1
				}
			}
			if best < 0 {
				continue
			}
			merged := mergeTwo(regions[i], regions[targetIdx])
			lo, hi := i, targetIdx
			if lo > hi {
				lo, hi = hi, lo
			}
			next := append([]Region{}, regions[:lo]...)
			next = append(next, merged)
			next = append(next, regions[hi+1:]...)
			regions = next
			changed = true
			break
		}
	}
	return regions
}

func mergeTwo(a, b Region) Region {
	start, end := a.Start, a.End
	if b.Start < start {
		start = b.Start
	}
	if b.End > end {
		end = b.End
	}
	return Region{Start: start, End: end}
}

// splitLong splits any region longer than max(config, 60)s at hard
// boundaries (spec §4.7 step 3).
func splitLong(regions []Region, maxSeg float64) []Region {
	var out []Region
	for _, r := range regions {
		dur := r.End - r.Start
		if dur <= maxSeg {
			out = append(out, r)
			continue
		}
		n := int(dur/maxSeg) + 1
		each := dur / float64(n)
		for i := 0; i < n; i++ {
			start := r.Start + float64(i)*each
			end := start + each
			if i == n-1 {
				end = r.End
			}
			out = append(out, Region{Start: start, End: end})
		}
	}
	return out
}
