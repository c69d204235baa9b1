package signal

import (
	"math"
	"testing"
)

func TestQuantileLinear(t *testing.T) {
	if q := Quantile([]float64{4, 1, 3, 2}, 0.9); !near(q, 3.7) {
		t.Fatalf("expected 3.7, got %v", q)
	}
	if q := Quantile([]float64{5}, 0.9); q != 5 {
		t.Fatalf("single value quantile: %v", q)
	}
	if !math.IsNaN(Quantile(nil, 0.5)) {
		t.Fatalf("empty quantile should be NaN")
	}
}

func TestRollingStdWarmup(t *testing.T) {
	xs := []float64{0.01, -0.01, 0.02, 0.0}
	vols, ready := RollingStd(xs, 3)
	if ready[0] || ready[1] || !ready[2] || !ready[3] {
		t.Fatalf("unexpected ready flags %v", ready)
	}
	// sample std of {0.01,-0.01,0.02}
	if !near(vols[2], 0.015275252316519466) {
		t.Fatalf("unexpected vol %v", vols[2])
	}
}

func spikyReturns() []float64 {
	rets := make([]float64, 120)
	for i := range rets {
		if i%2 == 0 {
			rets[i] = 0.002
		} else {
			rets[i] = -0.002
		}
	}
	rets[100] = 0.08
	return rets
}

func TestFullSampleGateFlagsSpike(t *testing.T) {
	rets := spikyReturns()
	sup := DefaultGate().Suppress(rets)
	for i := 0; i < 9; i++ {
		if sup[i] {
			t.Fatalf("warm-up day %d must never be suppressed", i)
		}
	}
	n := 0
	for i, f := range sup {
		if f {
			n++
		}
		if i >= 100 && i < 110 && !f {
			t.Fatalf("day %d inside the spike window should be suppressed", i)
		}
	}
	// 111 defined vols: only the ones ranked above the 90th percentile can trip.
	if n > 11 {
		t.Fatalf("too many suppressed days: %d", n)
	}
}

func TestRollingGateIgnoresFuture(t *testing.T) {
	rets := spikyReturns()
	g := RollingGate{Lookback: 10, Quantile: 0.9, Window: 15}
	before := g.Suppress(rets)
	alt := append([]float64{}, rets...)
	alt[110] = -0.2
	after := g.Suppress(alt)
	for i := 0; i < 110; i++ {
		if before[i] != after[i] {
			t.Fatalf("day %d flag changed after mutating a later return", i)
		}
	}
}

func TestVolFilterZeroesZScore(t *testing.T) {
	closes := []float64{100}
	for _, r := range spikyReturns() {
		closes = append(closes, closes[len(closes)-1]*(1+r))
	}
	s := mustSeries(t, closes)
	recs, err := NewEngine(nil).Compute(s, Params{Window: 5, ZEntry: 1, ZExit: 0.2, VolFilter: true})
	if err != nil {
		t.Fatal(err)
	}
	seen := false
	for _, r := range recs {
		if r.Filtered {
			seen = true
			if r.ZScore != 0 {
				t.Fatalf("filtered day kept z=%v", r.ZScore)
			}
		}
	}
	if !seen {
		t.Fatalf("expected at least one filtered day")
	}
}
