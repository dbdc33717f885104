package subtitle

import (
	"strings"
	"testing"

	"github.com/subculture-collective/repubengine/srt"
)

func repeatCue(text string, n int) []srt.Cue {
	cues := make([]srt.Cue, n)
	for i := range cues {
		cues[i] = srt.Cue{Start: float64(i), End: float64(i) + 1, Text: text}
	}
	return cues
}

func TestRuleScoreHighRepetitionPenalty(t *testing.T) {
	cues := repeatCue("same phrase every time", 20)
	score, reason := RuleScore(cues)
	if !strings.Contains(reason, "high_repetition") {
		t.Fatalf("expected high_repetition reason, got %q", reason)
	}
	if score >= 1.0 {
		t.Fatalf("expected penalty applied, got score %v", score)
	}
}

func TestRuleScoreMostlyEmptyPenalty(t *testing.T) {
	cues := repeatCue("", 10)
	score, reason := RuleScore(cues)
	if !strings.Contains(reason, "mostly_empty") {
		t.Fatalf("expected mostly_empty reason, got %q", reason)
	}
	if score >= 1.0 {
		t.Fatalf("expected penalty applied, got %v", score)
	}
}

func TestRuleScoreCleanSubtitleNoPenalty(t *testing.T) {
	cues := make([]srt.Cue, 0, 20)
	phrases := []string{
		"the quick brown fox jumps", "over the lazy dog today",
		"a journey of a thousand miles", "begins with a single step forward",
		"time flies when having fun", "practice makes perfect every day",
	}
	for i := 0; i < 20; i++ {
		cues = append(cues, srt.Cue{Start: float64(i), End: float64(i) + 1, Text: phrases[i%len(phrases)]})
	}
	score, reason := RuleScore(cues)
	if reason != "ok" {
		t.Fatalf("expected no penalty reasons, got %q (score %v)", reason, score)
	}
	if score != 1.0 {
		t.Fatalf("expected full score, got %v", score)
	}
}

func TestRuleScoreEmptyInput(t *testing.T) {
	score, reason := RuleScore(nil)
	if score != 0 || reason != "empty subtitle" {
		t.Fatalf("expected empty-input sentinel, got %v/%q", score, reason)
	}
}

func TestGateFallsBackToRuleScoreWithoutLLM(t *testing.T) {
	cues := repeatCue("", 10)
	result := Gate(nil, nil, cues, QCOptions{})
	if !result.Pass {
		t.Fatalf("expected mostly-empty subtitle (rule score 0.70) to pass the default 0.35 threshold, got %+v", result)
	}
}

func TestGateDefaultThreshold(t *testing.T) {
	cues := make([]srt.Cue, 5)
	for i := range cues {
		cues[i] = srt.Cue{Start: float64(i), End: float64(i) + 1, Text: "a reasonably long unique sentence here"}
	}
	result := Gate(nil, nil, cues, QCOptions{})
	if !result.Pass {
		t.Fatalf("expected small clean subtitle to pass the default threshold, got %+v", result)
	}
}

func TestJudgeSampleCapsItemsAndChars(t *testing.T) {
	cues := repeatCue("x", 500)
	sample := judgeSample(cues)
	if len(sample) > 100 {
		t.Fatalf("expected sample capped at ~100 items, got %d", len(sample))
	}
}
