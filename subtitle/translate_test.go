package subtitle

import "testing"

func TestSanitizeStripsNumberingQuotesAndDupes(t *testing.T) {
	in := "1. \"Hello there,\"\n1. \"Hello there,\"\n- Another line."
	got := sanitize(in)
	want := "Hello there\nAnother line"
	if got != want {
		t.Fatalf("sanitize = %q, want %q", got, want)
	}
}

func TestSanitizeRemovesCR(t *testing.T) {
	got := sanitize("hello\r\nworld")
	if got != "hello\nworld" {
		t.Fatalf("sanitize did not strip CR: %q", got)
	}
}

func TestLikelyUntranslatedEmpty(t *testing.T) {
	if !likelyUntranslated("source", "") {
		t.Fatalf("expected empty translation flagged")
	}
}

func TestLikelyUntranslatedEqualsSource(t *testing.T) {
	if !likelyUntranslated("hello world", "hello world") {
		t.Fatalf("expected identical text flagged")
	}
}

func TestLikelyUntranslatedNonCJKShare(t *testing.T) {
	if !likelyUntranslated("你好世界", "this is still english text") {
		t.Fatalf("expected high non-CJK share flagged when target is CJK")
	}
}

func TestLikelyUntranslatedOK(t *testing.T) {
	if likelyUntranslated("hello world", "你好世界") {
		t.Fatalf("expected properly translated CJK text not flagged")
	}
}

func TestPoolSizeCapsAtBatchCount(t *testing.T) {
	got := poolSize(5, 3, 10, nil)
	if got != 2 { // ceil(5/3) = 2
		t.Fatalf("poolSize = %d, want 2", got)
	}
}

func TestPoolSizeHalvesUnderMemoryPressure(t *testing.T) {
	got := poolSize(30, 3, 10, func() float64 { return 0.9 })
	if got != 5 {
		t.Fatalf("poolSize under pressure = %d, want 5", got)
	}
}

func TestNormalizeLengthPadsAndTruncates(t *testing.T) {
	padded := normalizeLength([]string{"a"}, 3)
	if len(padded) != 3 || padded[0] != "a" || padded[1] != "" {
		t.Fatalf("normalizeLength pad = %+v", padded)
	}
	truncated := normalizeLength([]string{"a", "b", "c"}, 2)
	if len(truncated) != 2 {
		t.Fatalf("normalizeLength truncate = %+v", truncated)
	}
}
