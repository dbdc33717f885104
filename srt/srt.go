// Package srt implements the SRT Transform Engine (C9): a pure function
// layer over parsed subtitle cues covering tolerant parsing, calibration,
// hallucination cleanup, overlap resolution, text normalization, long-cue
// splitting, a finalization pass, and rendering. Grounded on spec §4.9
// directly; there is no pack precedent for subtitle-cue transforms, so the
// shape follows the spec's own pipeline-of-pure-functions structure.
package srt

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Cue is one subtitle entry.
type Cue struct {
	Start float64 // seconds
	End   float64 // seconds
	Text  string
}

// duration returns the cue's length in seconds.
func (c Cue) duration() float64 { return c.End - c.Start }

// ---- Parsing ----

var timestampLineRe = regexp.MustCompile(`(\d{1,2}):(\d{2}):(\d{2})[,.](\d{1,3})\s*-->\s*(\d{1,2}):(\d{2}):(\d{2})[,.](\d{1,3})`)

// Parse accepts both canonical and loose SRT: missing indices, dot-vs-comma
// millisecond separators, a stray WEBVTT header, and single- or
// double-digit hour fields. Malformed blocks are skipped silently.
func Parse(raw string) []Cue {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "WEBVTT")
	blocks := strings.Split(raw, "\n\n")

	var cues []Cue
	for _, block := range blocks {
		lines := splitNonEmptyPreserving(block)
		if len(lines) == 0 {
			continue
		}

		tsIdx := -1
		for i, l := range lines {
			if timestampLineRe.MatchString(l) {
				tsIdx = i
				break
			}
		}
		if tsIdx == -1 {
			continue
		}

		m := timestampLineRe.FindStringSubmatch(lines[tsIdx])
		start, ok1 := parseTimestampParts(m[1], m[2], m[3], m[4])
		end, ok2 := parseTimestampParts(m[5], m[6], m[7], m[8])
		if !ok1 || !ok2 {
			continue
		}

		text := strings.TrimSpace(strings.Join(lines[tsIdx+1:], "\n"))
		if text == "" {
			continue
		}
		cues = append(cues, Cue{Start: start, End: end, Text: text})
	}
	return cues
}

func splitNonEmptyPreserving(block string) []string {
	var out []string
	for _, l := range strings.Split(block, "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

func parseTimestampParts(h, m, s, ms string) (float64, bool) {
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	ss, err3 := strconv.Atoi(s)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	// Normalize 1-3 digit fractional fields to milliseconds.
	for len(ms) < 3 {
		ms += "0"
	}
	ms = ms[:3]
	msv, err4 := strconv.Atoi(ms)
	if err4 != nil {
		return 0, false
	}
	return float64(hh)*3600 + float64(mm)*60 + float64(ss) + float64(msv)/1000, true
}

// ---- Global calibration ----

// Calibrate maps each cue's timestamp by its segment's base offset:
// t_rel → o_i + t_rel (spec §4.9).
func Calibrate(cues []Cue, offset float64) []Cue {
	out := make([]Cue, len(cues))
	for i, c := range cues {
		out[i] = Cue{Start: c.Start + offset, End: c.End + offset, Text: c.Text}
	}
	return out
}

// ---- Hallucination cleanup ----

var repeatedPhraseRe = regexp.MustCompile(`(.{2,30}?)(\1){2,}`)

func collapseIntraCueRepetition(text string) string {
	return repeatedPhraseRe.ReplaceAllString(text, "$1")
}

func normalizeForDedup(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// CleanHallucinations collapses intra-cue phrase repetition and suppresses
// cues whose normalized text repeats one emitted within the last 5 seconds
// (spec §4.9).
func CleanHallucinations(cues []Cue) []Cue {
	var out []Cue
	type emitted struct {
		text string
		at   float64
	}
	var recent []emitted

	for _, c := range cues {
		text := collapseIntraCueRepetition(c.Text)
		norm := normalizeForDedup(text)

		dup := false
		var kept []emitted
		for _, e := range recent {
			if c.Start-e.at > 5.0 {
				continue
			}
			kept = append(kept, e)
			if e.text == norm {
				dup = true
			}
		}
		recent = kept
		if dup {
			continue
		}
		recent = append(recent, emitted{text: norm, at: c.Start})
		out = append(out, Cue{Start: c.Start, End: c.End, Text: text})
	}
	return out
}

// ---- Overlap resolution ----

const minCueDurationSeconds = 0.05

// ResolveOverlaps sorts cues by start and trims cue i's end to the next
// cue's start when they overlap, enforcing a 50ms minimum duration
// (spec §4.9).
func ResolveOverlaps(cues []Cue) []Cue {
	out := append([]Cue{}, cues...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	for i := 0; i < len(out)-1; i++ {
		if out[i].End > out[i+1].Start {
			newEnd := out[i+1].Start
			if newEnd-out[i].Start < minCueDurationSeconds {
				newEnd = out[i].Start + minCueDurationSeconds
			}
			out[i].End = newEnd
		}
	}
	return out
}

// ---- Text normalization ----

var punctSpacingRe = regexp.MustCompile(`([.,!?;:])(\S)`)

// collapseDuplicateWords drops each word that repeats the word before it,
// ignoring case, in whitespace-collapsed text.
func collapseDuplicateWords(text string) string {
	words := strings.Fields(text)
	var out []string
	for i, w := range words {
		if i == 0 || !strings.EqualFold(w, words[i-1]) {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}

// fillerPatterns covers English fillers, CJK interjections, ASMR
// onomatopoeia, and bracketed/parenthesized/asterisk annotations.
var fillerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(um+|uh+|er+|you know|like,|i mean)\b`),
	regexp.MustCompile(`(嗯+|啊+|呃+|那个|就是说)`),
	regexp.MustCompile(`(?i)\b(shh+|mm+|ahh+)\b`),
	regexp.MustCompile(`\[[^\]]*\]`),
	regexp.MustCompile(`\([^)]*\)`),
	regexp.MustCompile(`\*[^*]*\*`),
}

// NormalizeOptions toggles optional normalization behaviors.
type NormalizeOptions struct {
	PunctuationSpacing bool
	RemoveFillers      bool
}

// Normalize applies whitespace collapse, optional punctuation spacing,
// optional filler removal, and adjacent duplicate-word collapse
// (spec §4.9).
func Normalize(text string, opts NormalizeOptions) string {
	text = strings.Join(strings.Fields(text), " ")

	if opts.RemoveFillers {
		for _, re := range fillerPatterns {
			text = re.ReplaceAllString(text, "")
		}
		text = strings.Join(strings.Fields(text), " ")
	}

	if opts.PunctuationSpacing {
		text = punctSpacingRe.ReplaceAllString(text, "$1 $2")
	}

	text = collapseDuplicateWords(text)
	return strings.TrimSpace(text)
}

// ---- Long-cue splitting ----

// SplitOptions configures long-cue splitting.
type SplitOptions struct {
	MaxCharsPerLine int // default 42
	MaxLines        int // default 2
}

func defaultSplitOptions(o SplitOptions) SplitOptions {
	if o.MaxCharsPerLine <= 0 {
		o.MaxCharsPerLine = 42
	}
	if o.MaxLines <= 0 {
		o.MaxLines = 2
	}
	return o
}

var sentenceEndRe = regexp.MustCompile(`[.!?。！？]\s*`)

// SplitLongCues splits any cue whose text exceeds MaxCharsPerLine*MaxLines
// into multiple cues, preferring sentence-ending punctuation as the split
// point, then word boundaries; each sub-cue's time budget is proportional
// to its character share of the parent (spec §4.9).
func SplitLongCues(cues []Cue, opts SplitOptions) []Cue {
	opts = defaultSplitOptions(opts)
	limit := opts.MaxCharsPerLine * opts.MaxLines

	var out []Cue
	for _, c := range cues {
		if len([]rune(c.Text)) <= limit {
			out = append(out, c)
			continue
		}
		parts := splitTextIntoChunks(c.Text, limit)
		total := 0
		for _, p := range parts {
			total += len([]rune(p))
		}
		if total == 0 {
			out = append(out, c)
			continue
		}

		cursor := c.Start
		dur := c.duration()
		for i, p := range parts {
			share := float64(len([]rune(p))) / float64(total)
			subDur := dur * share
			end := cursor + subDur
			if i == len(parts)-1 {
				end = c.End
			}
			out = append(out, Cue{Start: cursor, End: end, Text: p})
			cursor = end
		}
	}
	return out
}

func splitTextIntoChunks(text string, limit int) []string {
	var chunks []string
	remaining := text
	for len([]rune(remaining)) > limit {
		cut := findSplitPoint(remaining, limit)
		chunk := strings.TrimSpace(remaining[:cut])
		if chunk == "" {
			chunk = strings.TrimSpace(remaining[:limit])
			cut = limit
		}
		chunks = append(chunks, chunk)
		remaining = strings.TrimSpace(remaining[cut:])
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findSplitPoint returns a byte index ≤ len(text) to split at, preferring
// the last sentence-ending punctuation within the limit, then the last
// word boundary, falling back to a hard cut.
func findSplitPoint(text string, limit int) int {
	runes := []rune(text)
	if limit >= len(runes) {
		return len(text)
	}
	window := string(runes[:limit])

	if loc := lastMatchEnd(sentenceEndRe, window); loc > 0 {
		return byteIndexForRunePos(text, loc)
	}
	if idx := strings.LastIndex(window, " "); idx > 0 {
		return byteIndexForRunePos(text, len([]rune(window[:idx])))
	}
	return len(string(runes[:limit]))
}

func lastMatchEnd(re *regexp.Regexp, s string) int {
	locs := re.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return -1
	}
	last := locs[len(locs)-1]
	return len([]rune(s[:last[1]]))
}

func byteIndexForRunePos(text string, runePos int) int {
	runes := []rune(text)
	if runePos > len(runes) {
		runePos = len(runes)
	}
	return len(string(runes[:runePos]))
}

// ---- Finalization pass ----

// FinalizeOptions configures the finalization pass.
type FinalizeOptions struct {
	Offset          float64
	TotalDuration   float64
	MergeGapSeconds float64 // default 0.5
	MinTextLength   int     // default 4
	MinCueDuration  float64 // default 0.7
	MinVisible      float64 // default 0.05
}

func defaultFinalizeOptions(o FinalizeOptions) FinalizeOptions {
	if o.MergeGapSeconds <= 0 {
		o.MergeGapSeconds = 0.5
	}
	if o.MinTextLength <= 0 {
		o.MinTextLength = 4
	}
	if o.MinCueDuration <= 0 {
		o.MinCueDuration = 0.7
	}
	if o.MinVisible <= 0 {
		o.MinVisible = 0.05
	}
	return o
}

// Finalize applies the global offset/clamp, merges short adjacent cues,
// enforces minimum cue duration by extension or merge, and drops cues that
// remain too short (spec §4.9).
func Finalize(cues []Cue, opts FinalizeOptions) []Cue {
	opts = defaultFinalizeOptions(opts)

	shifted := make([]Cue, 0, len(cues))
	for _, c := range cues {
		start := c.Start + opts.Offset
		end := c.End + opts.Offset
		if opts.TotalDuration > 0 {
			if start < 0 {
				start = 0
			}
			if end > opts.TotalDuration {
				end = opts.TotalDuration
			}
		}
		if end <= start {
			continue
		}
		shifted = append(shifted, Cue{Start: start, End: end, Text: c.Text})
	}

	merged := mergeShortCues(shifted, opts)
	extended := extendShortCues(merged, opts)
	return dropUltraShort(extended, opts)
}

func mergeShortCues(cues []Cue, opts FinalizeOptions) []Cue {
	if len(cues) == 0 {
		return cues
	}
	out := []Cue{cues[0]}
	for _, c := range cues[1:] {
		last := &out[len(out)-1]
		combined := c.End - last.Start
		gap := c.Start - last.End
		fragment := len(last.Text) < opts.MinTextLength || len(c.Text) < opts.MinTextLength
		if combined < 7.0 && (gap <= opts.MergeGapSeconds || fragment) {
			last.End = c.End
			last.Text = strings.TrimSpace(last.Text + " " + c.Text)
			continue
		}
		out = append(out, c)
	}
	return out
}

func extendShortCues(cues []Cue, opts FinalizeOptions) []Cue {
	for i := range cues {
		if cues[i].duration() >= opts.MinCueDuration {
			continue
		}
		var nextStart float64 = -1
		if i < len(cues)-1 {
			nextStart = cues[i+1].Start
		}
		if nextStart >= 0 {
			candidate := nextStart - 0.01
			if candidate > cues[i].Start+opts.MinCueDuration {
				candidate = cues[i].Start + opts.MinCueDuration
			}
			if candidate > cues[i].End {
				cues[i].End = candidate
			}
		}
	}
	return cues
}

func dropUltraShort(cues []Cue, opts FinalizeOptions) []Cue {
	var out []Cue
	for _, c := range cues {
		dur := c.duration()
		if dur < opts.MinVisible {
			continue
		}
		if dur < opts.MinCueDuration && len(strings.TrimSpace(c.Text)) < opts.MinTextLength {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ---- Rendering ----

// Render re-sequences cue indices 1..n and emits canonical SRT with
// millisecond-precision HH:MM:SS,mmm timestamps (spec §4.9).
func Render(cues []Cue) string {
	var b strings.Builder
	for i, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, formatTimestamp(c.Start), formatTimestamp(c.End), c.Text)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func formatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds*1000 + 0.5)
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	s := totalSec % 60
	totalMin := totalSec / 60
	m := totalMin % 60
	h := totalMin / 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
