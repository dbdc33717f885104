package vad

import "testing"

func regionsEqual(a, b []Region) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if diff := a[i].Start - b[i].Start; diff > 1e-6 || diff < -1e-6 {
			return false
		}
		if diff := a[i].End - b[i].End; diff > 1e-6 || diff < -1e-6 {
			return false
		}
	}
	return true
}

func TestMergeCloseMergesSmallGap(t *testing.T) {
	in := []Region{{Start: 0, End: 2}, {Start: 2.5, End: 4}}
	got := mergeClose(in)
	want := []Region{{Start: 0, End: 4}}
	if !regionsEqual(got, want) {
		t.Fatalf("mergeClose = %+v, want %+v", got, want)
	}
}

func TestMergeCloseKeepsFarApart(t *testing.T) {
	in := []Region{{Start: 0, End: 2}, {Start: 5, End: 7}}
	got := mergeClose(in)
	if len(got) != 2 {
		t.Fatalf("mergeClose should not merge distant regions, got %+v", got)
	}
}

func TestDropShortByMergingAbsorbsTinyRegion(t *testing.T) {
	in := []Region{{Start: 0, End: 3}, {Start: 3.2, End: 3.5}, {Start: 10, End: 13}}
	got := dropShortByMerging(in)
	if len(got) != 2 {
		t.Fatalf("expected the 0.3s region merged away, got %+v", got)
	}
}

func TestSplitLongSplitsAtHardBoundary(t *testing.T) {
	in := []Region{{Start: 0, End: 130}}
	got := splitLong(in, defaultMaxSegment)
	if len(got) != 3 {
		t.Fatalf("expected 3 sub-regions for 130s/60s max, got %d: %+v", len(got), got)
	}
	if got[len(got)-1].End != 130 {
		t.Fatalf("last sub-region should end exactly at original end, got %v", got[len(got)-1])
	}
}

func TestSplitLongLeavesShortRegionsAlone(t *testing.T) {
	in := []Region{{Start: 0, End: 10}}
	got := splitLong(in, defaultMaxSegment)
	if !regionsEqual(got, in) {
		t.Fatalf("splitLong should not touch regions under the max, got %+v", got)
	}
}

func TestPadRegionsClampsToClipBounds(t *testing.T) {
	in := []Region{{Start: 0.1, End: 9.9}}
	got := padRegions(in, 10.0)
	want := []Region{{Start: 0, End: 10}}
	if !regionsEqual(got, want) {
		t.Fatalf("padRegions = %+v, want %+v", got, want)
	}
}
