package subtitle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/subculture-collective/repubengine/llm"
	"github.com/subculture-collective/repubengine/srt"
)

// QCResult is the two-stage gate outcome of spec §4.11.
type QCResult struct {
	Pass   bool
	Score  float64
	Reason string
}

// QCOptions configures the gate.
type QCOptions struct {
	Threshold float64 // default 0.35
}

func defaultQCOptions(o QCOptions) QCOptions {
	if o.Threshold <= 0 {
		o.Threshold = 0.35
	}
	return o
}

// RuleScore computes the stage-1 penalty score over SRT items: mostly-empty
// / repetition ratio / variety ratio / average line length (spec §4.11).
func RuleScore(cues []srt.Cue) (float64, string) {
	score := 1.0
	var reasons []string

	n := len(cues)
	if n == 0 {
		return 0, "empty subtitle"
	}

	phraseCounts := map[string]int{}
	uniqueSet := map[string]bool{}
	var totalLen, emptyCount int
	for _, c := range cues {
		t := strings.TrimSpace(c.Text)
		if t == "" {
			emptyCount++
		}
		phraseCounts[t]++
		uniqueSet[t] = true
		totalLen += len([]rune(t))
	}

	topPhraseRatio := 0.0
	for _, count := range phraseCounts {
		ratio := float64(count) / float64(n)
		if ratio > topPhraseRatio {
			topPhraseRatio = ratio
		}
	}
	uniqueRatio := float64(len(uniqueSet)) / float64(n)
	lowContentRatio := float64(emptyCount) / float64(n)
	avgLen := float64(totalLen) / float64(n)

	if topPhraseRatio >= 0.5 && n >= 15 {
		score -= 0.40
		reasons = append(reasons, "high_repetition")
	}
	if uniqueRatio < 0.2 && n >= 20 {
		score -= 0.25
		reasons = append(reasons, "low_variety")
	}
	if lowContentRatio >= 0.6 {
		score -= 0.30
		reasons = append(reasons, "mostly_empty")
	}
	if avgLen < 2.0 && n >= 15 {
		score -= 0.15
		reasons = append(reasons, "too_short")
	}

	if score < 0 {
		score = 0
	}
	reason := "ok"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, ",")
	}
	return score, reason
}

// llmJudgeResponse is the LLM judge's structured verdict (spec §4.11).
type llmJudgeResponse struct {
	Passed *bool    `json:"passed"`
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

// judgeSample picks head/middle/tail indices totaling up to ~100 items and
// ~12k chars (spec §4.11).
func judgeSample(cues []srt.Cue) []srt.Cue {
	const maxItems = 100
	const maxChars = 12000

	if len(cues) <= maxItems {
		return capByChars(cues, maxChars)
	}

	third := maxItems / 3
	var idxs []int
	for i := 0; i < third && i < len(cues); i++ {
		idxs = append(idxs, i)
	}
	mid := len(cues) / 2
	for i := mid - third/2; i < mid+third/2 && i >= 0 && i < len(cues); i++ {
		idxs = append(idxs, i)
	}
	for i := len(cues) - third; i < len(cues); i++ {
		if i >= 0 {
			idxs = append(idxs, i)
		}
	}

	seen := map[int]bool{}
	var unique []int
	for _, i := range idxs {
		if !seen[i] {
			seen[i] = true
			unique = append(unique, i)
		}
	}
	sort.Ints(unique)

	sampled := make([]srt.Cue, 0, len(unique))
	for _, i := range unique {
		sampled = append(sampled, cues[i])
	}
	return capByChars(sampled, maxChars)
}

func capByChars(cues []srt.Cue, maxChars int) []srt.Cue {
	var out []srt.Cue
	total := 0
	for _, c := range cues {
		total += len(c.Text)
		if total > maxChars {
			break
		}
		out = append(out, c)
	}
	return out
}

// llmJudge runs the lenient LLM judge over a sampled subset.
func llmJudge(ctx context.Context, client *llm.Client, cues []srt.Cue) (*llmJudgeResponse, error) {
	sample := judgeSample(cues)
	var b strings.Builder
	for i, c := range sample {
		fmt.Fprintf(&b, "%d: %s\n", i+1, c.Text)
	}

	system := "You are a lenient subtitle quality judge. Only fail blatantly unusable subtitles: dominant repetition, gibberish, or placeholder floods. Respond as JSON: {\"passed\": bool, \"score\": number 0-1, \"reason\": \"...\"}."
	raw, err := client.ChatJSON(ctx, system, b.String())
	if err != nil {
		return nil, err
	}
	js, ok := llm.ExtractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("subtitle qc: no JSON in judge response")
	}
	var resp llmJudgeResponse
	if err := json.Unmarshal([]byte(js), &resp); err != nil {
		return nil, fmt.Errorf("subtitle qc: decode judge response: %w", err)
	}
	return &resp, nil
}

// Gate runs the two-stage QC per spec §4.11. Overall pass = LLM's `passed`
// if present, else `score ≥ threshold`, else default to pass. A gate
// failure is never fatal to the pipeline; callers skip burn-in only.
func Gate(ctx context.Context, client *llm.Client, cues []srt.Cue, opts QCOptions) QCResult {
	opts = defaultQCOptions(opts)

	ruleScore, ruleReason := RuleScore(cues)

	if client != nil {
		if judge, err := llmJudge(ctx, client, cues); err == nil {
			res := QCResult{Pass: true, Score: ruleScore, Reason: judge.Reason}
			if judge.Score != nil {
				res.Score = *judge.Score
				res.Pass = res.Score >= opts.Threshold
			}
			if judge.Passed != nil {
				res.Pass = *judge.Passed
			}
			return res
		}
	}

	return QCResult{Pass: ruleScore >= opts.Threshold, Score: ruleScore, Reason: ruleReason}
}
