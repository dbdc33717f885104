// Package subtitle implements the Subtitle Translator (C10) and Subtitle QC
// (C11): batched structured-JSON translation with a two-pass repair cycle,
// and a rule-score-plus-LLM-judge gate on whether a translated SRT is safe
// to burn into the video. Grounded on the C5 LLM Adapter's chatJSON shape
// plus the teacher's `vod/concurrency.go` channel-semaphore worker-pool
// idiom, generalized per spec §4.10/§4.11.
package subtitle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/subculture-collective/repubengine/llm"
	"github.com/subculture-collective/repubengine/srt"
)

// Options configures the translator.
type Options struct {
	BatchSize       int // default 3
	MaxWorkers      int // default 4
	MaxRetries      int // default 2
	RetryDelay      time.Duration
	TargetLang      string
	MemoryPressure  func() float64 // returns fraction in [0,1]; nil disables the halving heuristic
}

func defaultOptions(o Options) Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 3
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.TargetLang == "" {
		o.TargetLang = "zh"
	}
	return o
}

// Translator batch-translates SRT cue text via the LLM Adapter.
type Translator struct {
	LLM *llm.Client
}

// New constructs a Translator.
func New(client *llm.Client) *Translator { return &Translator{LLM: client} }

// Translate runs the full batched-translation-with-repair pipeline of
// spec §4.10 over cues, returning new cues with translated text (falling
// back to source text per-batch on exhausted retries).
func (t *Translator) Translate(ctx context.Context, cues []srt.Cue, opts Options) []srt.Cue {
	opts = defaultOptions(opts)

	texts := make([]string, len(cues))
	for i, c := range cues {
		texts[i] = c.Text
	}

	translated := t.batchTranslate(ctx, texts, opts)
	translated = t.repairPass1(ctx, texts, translated, opts)
	translated = t.repairPass2(ctx, texts, translated, opts)

	out := make([]srt.Cue, len(cues))
	for i, c := range cues {
		out[i] = srt.Cue{Start: c.Start, End: c.End, Text: sanitize(translated[i])}
	}
	return out
}

// poolSize returns min(configured_max, ceil(n/batch)), halved under memory
// pressure (spec §4.10).
func poolSize(n, batchSize, maxWorkers int, pressure func() float64) int {
	batches := (n + batchSize - 1) / batchSize
	if batches < 1 {
		batches = 1
	}
	size := maxWorkers
	if batches < size {
		size = batches
	}
	if pressure != nil && pressure() > 0.8 {
		size = size / 2
		if size < 1 {
			size = 1
		}
	}
	return size
}

func batchesOf(texts []string, size int) [][]int {
	var out [][]int
	for i := 0; i < len(texts); i += size {
		end := i + size
		if end > len(texts) {
			end = len(texts)
		}
		idxs := make([]int, 0, end-i)
		for j := i; j < end; j++ {
			idxs = append(idxs, j)
		}
		out = append(out, idxs)
	}
	return out
}

func (t *Translator) batchTranslate(ctx context.Context, texts []string, opts Options) []string {
	result := make([]string, len(texts))
	batches := batchesOf(texts, opts.BatchSize)
	workers := poolSize(len(texts), opts.BatchSize, opts.MaxWorkers, opts.MemoryPressure)

	jobs := make(chan []int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idxs := range jobs {
				batchTexts := make([]string, len(idxs))
				for i, idx := range idxs {
					batchTexts[i] = texts[idx]
				}
				translations := t.translateBatch(ctx, batchTexts, opts, false)
				for i, idx := range idxs {
					result[idx] = translations[i]
				}
			}
		}()
	}
	for _, b := range batches {
		jobs <- b
	}
	close(jobs)
	wg.Wait()
	return result
}

// translateBatch sends { "texts": [...] } and parses { "translations": [...] },
// right-padding/truncating a mismatched count, retrying up to MaxRetries
// times with a fixed delay, and falling back to source text on exhaustion
// (spec §4.10).
func (t *Translator) translateBatch(ctx context.Context, texts []string, opts Options, strict bool) []string {
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, err := t.requestBatch(ctx, texts, opts.TargetLang, strict)
		if err == nil {
			return normalizeLength(result, len(texts))
		}
		if attempt < opts.MaxRetries {
			select {
			case <-ctx.Done():
				return append([]string{}, texts...)
			case <-time.After(opts.RetryDelay):
			}
		}
	}
	return append([]string{}, texts...)
}

func normalizeLength(result []string, n int) []string {
	if len(result) == n {
		return result
	}
	out := make([]string, n)
	copy(out, result)
	return out
}

func (t *Translator) requestBatch(ctx context.Context, texts []string, targetLang string, strict bool) ([]string, error) {
	payload, _ := json.Marshal(map[string][]string{"texts": texts})
	system := fmt.Sprintf("Translate each string in the JSON array into %s, preserving order and count. Respond as JSON: {\"translations\": [...]}.", targetLang)
	if strict {
		system += " Strict mode: you MUST translate every entry; never return the source text unchanged."
	}

	raw, err := t.LLM.ChatJSON(ctx, system, string(payload))
	if err != nil {
		return nil, err
	}
	js, ok := llm.ExtractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("subtitle translate: no JSON in response")
	}
	var parsed struct {
		Translations []string `json:"translations"`
	}
	if err := json.Unmarshal([]byte(js), &parsed); err != nil {
		return nil, fmt.Errorf("subtitle translate: decode: %w", err)
	}
	return parsed.Translations, nil
}

// likelyUntranslated flags a cue as needing repair: empty, equal to
// source, or non-CJK character share > 80% (spec §4.10).
func likelyUntranslated(source, translated string) bool {
	if strings.TrimSpace(translated) == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(translated), strings.TrimSpace(source)) {
		return true
	}
	return llm.NonCJKShare(translated) > 0.8
}

// repairPass1 re-requests flagged cues in smaller sub-batches (spec §4.10).
func (t *Translator) repairPass1(ctx context.Context, sources, translated []string, opts Options) []string {
	var flagged []int
	for i := range translated {
		if likelyUntranslated(sources[i], translated[i]) {
			flagged = append(flagged, i)
		}
	}
	if len(flagged) == 0 {
		return translated
	}

	subBatchSize := opts.BatchSize
	if subBatchSize > 1 {
		subBatchSize = subBatchSize / 2
		if subBatchSize < 1 {
			subBatchSize = 1
		}
	}

	out := append([]string{}, translated...)
	for start := 0; start < len(flagged); start += subBatchSize {
		end := start + subBatchSize
		if end > len(flagged) {
			end = len(flagged)
		}
		idxs := flagged[start:end]
		texts := make([]string, len(idxs))
		for i, idx := range idxs {
			texts[i] = sources[idx]
		}
		repaired := t.translateBatch(ctx, texts, opts, false)
		for i, idx := range idxs {
			out[idx] = repaired[i]
		}
	}
	return out
}

// repairPass2 sends still-untranslated cues through a strict prompt that
// forbids retaining the source text (spec §4.10).
func (t *Translator) repairPass2(ctx context.Context, sources, translated []string, opts Options) []string {
	var flagged []int
	for i := range translated {
		if likelyUntranslated(sources[i], translated[i]) {
			flagged = append(flagged, i)
		}
	}
	if len(flagged) == 0 {
		return translated
	}

	out := append([]string{}, translated...)
	texts := make([]string, len(flagged))
	for i, idx := range flagged {
		texts[i] = sources[idx]
	}
	repaired := t.translateBatch(ctx, texts, opts, true)
	for i, idx := range flagged {
		out[idx] = repaired[i]
	}
	return out
}

// sanitize strips leading numbering/bullets, surrounding quotes, trailing
// commas/periods, deduplicates identical consecutive lines, and removes
// CR (spec §4.10).
func sanitize(text string) string {
	text = strings.ReplaceAll(text, "\r", "")
	lines := strings.Split(text, "\n")

	var out []string
	var prev string
	for _, line := range lines {
		line = stripLeadingNumbering(line)
		line = strings.Trim(line, `"'“”‘’ `)
		line = strings.TrimRight(line, ",.")
		if line == prev {
			continue
		}
		out = append(out, line)
		prev = line
	}
	return strings.Join(out, "\n")
}

func stripLeadingNumbering(line string) string {
	trimmed := strings.TrimLeft(line, " ")
	i := 0
	for i < len(trimmed) && trimmed[i] >= '0' && trimmed[i] <= '9' {
		i++
	}
	if i > 0 && i < len(trimmed) && (trimmed[i] == '.' || trimmed[i] == ')' || trimmed[i] == '-') {
		return strings.TrimLeft(trimmed[i+1:], " ")
	}
	bulletPrefixes := []string{"- ", "* ", "• "}
	for _, p := range bulletPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return trimmed[len(p):]
		}
	}
	return line
}
