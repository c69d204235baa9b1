package sizing

import (
	"math"
	"testing"

	"mrs/src/signal"
)

func records(zs []float64, held []int) []signal.Record {
	out := make([]signal.Record, len(zs))
	for i := range zs {
		out[i] = signal.Record{ZScore: zs[i], Position: held[i]}
	}
	return out
}

func TestBinarySizing(t *testing.T) {
	recs := records([]float64{0, 0.47, -0.44, 0.31, 0.48}, []int{0, -1, 1, 1, -1})
	got := Size(recs, signal.Params{Window: 2, ZEntry: 0.4, ZExit: 0.3})
	want := []float64{0, -1, 1, 1, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("day %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestDynamicSizingGolden(t *testing.T) {
	zs := []float64{0, 0.47140452079102496, -0.44535426002190054, 0.3152302041089274, 0.4846006774919481}
	recs := records(zs, []int{0, -1, 1, 1, -1})
	got := Size(recs, signal.Params{Window: 2, ZEntry: 0.4, ZExit: 0.3, DynamicSizing: true})
	want := []float64{0, -1, 1, 0.7880755102723185, -1}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("day %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestDynamicSizingFlatHeldIsZero(t *testing.T) {
	// z far past the band but the held state is flat: no exposure.
	recs := records([]float64{-3, 2.5}, []int{0, 0})
	for i, v := range Size(recs, signal.Params{Window: 5, ZEntry: 1, ZExit: 0.5, DynamicSizing: true}) {
		if v != 0 {
			t.Fatalf("day %d: expected 0, got %v", i, v)
		}
	}
}

func TestDynamicSizingUsesHeldSide(t *testing.T) {
	// Held long while z has drifted above the mean: sign follows the held side.
	recs := records([]float64{0.5}, []int{1})
	got := Size(recs, signal.Params{Window: 5, ZEntry: 1, ZExit: 0.2, DynamicSizing: true})
	if math.Abs(got[0]-0.5) > 1e-12 {
		t.Fatalf("expected 0.5, got %v", got[0])
	}
}
