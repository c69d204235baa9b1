package backtest

import (
	"errors"
	"math"
	"testing"
	"time"

	"mrs/src/series"
	"mrs/src/signal"
)

func seriesFromReturns(t *testing.T, rets []float64) series.Series {
	t.Helper()
	start := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	recs := make([]series.Record, len(rets))
	px := 100.0
	for i, r := range rets {
		px *= 1 + r
		recs[i] = series.Record{Date: start.AddDate(0, 0, i), Close: px, Return: r}
	}
	s, err := series.New(recs)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	return s
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestAccountCostOnEntryAndExit(t *testing.T) {
	// Long through both sessions, entered and exited at a cost of 0.001 per unit.
	cfg := Config{InitialCapital: 10000, CostPerTrade: 0.001, StopLoss: -0.03, TakeProfit: 0.05}
	d0 := cfg.Account(1, 1, 0.02)
	d1 := cfg.Account(1, -1, -0.01)
	if !approx(d0.Net, 0.019) || !approx(d1.Net, -0.011) {
		t.Fatalf("unexpected nets %v %v", d0.Net, d1.Net)
	}
	if d0.Clipped != d0.Raw || d1.Clipped != d1.Raw {
		t.Fatalf("clip should not trigger")
	}
}

func TestSimulateLagAndCost(t *testing.T) {
	s := seriesFromReturns(t, []float64{0.01, 0.02, -0.01, 0.03})
	pos := []float64{1, 1, 0, 0.5}
	sim, err := Simulate(s, pos, Config{InitialCapital: 1000, CostPerTrade: 0.001, StopLoss: math.Inf(-1), TakeProfit: math.Inf(1)})
	if err != nil {
		t.Fatal(err)
	}
	wantLag := []float64{0, 1, 1, 0}
	wantCost := []float64{0, 0, 0.001, 0.0005}
	wantNet := []float64{0, 0.02, -0.011, -0.0005}
	eq := 1000.0
	for i, r := range sim {
		if r.PositionLag != wantLag[i] || !approx(r.TradeCost, wantCost[i]) || !approx(r.NetReturn, wantNet[i]) {
			t.Fatalf("day %d: %+v", i, r)
		}
		eq *= 1 + wantNet[i]
		if math.Abs(r.Equity-eq) > 1e-9 {
			t.Fatalf("day %d equity %v want %v", i, r.Equity, eq)
		}
	}
	bh := 1000 * 1.01 * 1.02 * 0.99 * 1.03
	if math.Abs(sim[3].BuyHoldEquity-bh) > 1e-9 {
		t.Fatalf("buy & hold %v want %v", sim[3].BuyHoldEquity, bh)
	}
}

func TestSimulateClipsDailyReturn(t *testing.T) {
	s := seriesFromReturns(t, []float64{0, 0.10, -0.08})
	sim, err := Simulate(s, []float64{1, 1, 1}, Config{InitialCapital: 1, StopLoss: -0.03, TakeProfit: 0.05})
	if err != nil {
		t.Fatal(err)
	}
	if sim[1].ClippedReturn != 0.05 || sim[2].ClippedReturn != -0.03 {
		t.Fatalf("clip failed: %+v", sim)
	}
	if sim[1].RawReturn != 0.10 {
		t.Fatalf("raw return should be kept: %v", sim[1].RawReturn)
	}
}

func TestSimulateZeroBoundsClip(t *testing.T) {
	s := seriesFromReturns(t, []float64{0, -0.02, 0.01})
	sim, err := Simulate(s, []float64{1, 1, 1}, Config{InitialCapital: 1, StopLoss: 0, TakeProfit: 0.05})
	if err != nil {
		t.Fatal(err)
	}
	if sim[1].ClippedReturn != 0 || sim[2].ClippedReturn != 0.01 {
		t.Fatalf("zero stop loss must floor daily returns at 0: %+v", sim)
	}
	sim, _ = Simulate(s, []float64{1, 1, 1}, Config{InitialCapital: 1, StopLoss: -0.03, TakeProfit: 0})
	if sim[2].ClippedReturn != 0 || sim[1].ClippedReturn != -0.02 {
		t.Fatalf("zero take profit must cap daily returns at 0: %+v", sim)
	}
}

func TestSimulateInfiniteBoundsLeaveReturnsOpen(t *testing.T) {
	s := seriesFromReturns(t, []float64{0, -0.2, 0.3})
	sim, err := Simulate(s, []float64{1, 1, 1}, Config{InitialCapital: 1, StopLoss: math.Inf(-1), TakeProfit: math.Inf(1)})
	if err != nil {
		t.Fatal(err)
	}
	if sim[1].ClippedReturn != -0.2 || sim[2].ClippedReturn != 0.3 {
		t.Fatalf("infinite bounds should not clip: %+v", sim)
	}
}

func TestSimulateNoLookAhead(t *testing.T) {
	rets := []float64{0.01, -0.02, 0.015, 0.03, -0.01, 0.02}
	pos := []float64{1, -1, 0.5, 0, 1, -1}
	s1 := seriesFromReturns(t, rets)
	alt := append([]float64{}, rets...)
	alt[4], alt[5] = 0.5, -0.4
	s2 := seriesFromReturns(t, alt)
	cfg := DefaultConfig()
	a, _ := Simulate(s1, pos, cfg)
	b, _ := Simulate(s2, pos, cfg)
	for i := 0; i < 4; i++ {
		if a[i].Equity != b[i].Equity {
			t.Fatalf("equity[%d] depends on later returns", i)
		}
	}
}

func TestSimulateRejects(t *testing.T) {
	s := seriesFromReturns(t, []float64{0.01, 0.02})
	if _, err := Simulate(s, []float64{1}, DefaultConfig()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected length mismatch error, got %v", err)
	}
	bad := DefaultConfig()
	bad.CostPerTrade = -1
	if _, err := Simulate(s, []float64{1, 1}, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	bad = DefaultConfig()
	bad.StopLoss = 0.01
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("positive stop loss accepted")
	}
}

func TestSummarizeWinRateExcludesFlatDays(t *testing.T) {
	sim := []SimRecord{
		{NetReturn: 0.01, Equity: 101},
		{NetReturn: 0.0, Equity: 101},
		{NetReturn: -0.01, Equity: 99.99, Drawdown: -0.01},
	}
	sum := Summarize(sim, 100)
	if !approx(sum.WinRate, 0.5) {
		t.Fatalf("expected 0.5 win rate, got %v", sum.WinRate)
	}
	if !approx(sum.MaxDrawdown, -0.01) {
		t.Fatalf("max drawdown %v", sum.MaxDrawdown)
	}
	if math.Abs(sum.TotalReturn-(-0.0001)) > 1e-12 {
		t.Fatalf("total return %v", sum.TotalReturn)
	}
}

func TestSummarizeDegenerate(t *testing.T) {
	flat := []SimRecord{{Equity: 100}, {Equity: 100}, {Equity: 100}}
	sum := Summarize(flat, 100)
	if sum.Sharpe != 0 || sum.WinRate != 0 || sum.TotalReturn != 0 {
		t.Fatalf("flat run should summarize to zeros: %+v", sum)
	}
	if one := Summarize(flat[:1], 100); one.Sharpe != 0 {
		t.Fatalf("single observation sharpe should be 0")
	}
	if (Summarize(nil, 100) != Summary{}) {
		t.Fatalf("empty simulation should yield zero summary")
	}
}

func TestSummarizeSharpeAndCAGR(t *testing.T) {
	nets := []float64{0.01, -0.005, 0.002, 0.004}
	sim := make([]SimRecord, len(nets))
	eq := 1.0
	for i, n := range nets {
		eq *= 1 + n
		sim[i] = SimRecord{NetReturn: n, Equity: eq}
	}
	sum := Summarize(sim, 1)
	mean := (0.01 - 0.005 + 0.002 + 0.004) / 4
	var ss float64
	for _, n := range nets {
		ss += (n - mean) * (n - mean)
	}
	sd := math.Sqrt(ss / 3)
	if math.Abs(sum.Sharpe-mean/sd*math.Sqrt(252)) > 1e-9 {
		t.Fatalf("sharpe %v", sum.Sharpe)
	}
	want := math.Pow(eq, 252.0/4) - 1
	if math.Abs(sum.CAGR-want) > 1e-9 {
		t.Fatalf("cagr %v want %v", sum.CAGR, want)
	}
}

func TestEngineRun(t *testing.T) {
	closes := []float64{100, 102, 99, 101, 105}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := make([]series.Record, len(closes))
	for i, c := range closes {
		r := 0.0
		if i > 0 {
			r = c/closes[i-1] - 1
		}
		recs[i] = series.Record{Date: start.AddDate(0, 0, i), Close: c, Return: r}
	}
	s, _ := series.New(recs)
	eng := New(Config{CostPerTrade: 0.001, StopLoss: -0.03, TakeProfit: 0.05})
	res, err := eng.Run(s, signal.Params{Window: 2, ZEntry: 0.4, ZExit: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	if eng.Config().InitialCapital != 10000 {
		t.Fatalf("default capital not applied")
	}
	want := []float64{0, -1, 1, 1, -1}
	for i, p := range res.Positions() {
		if p != want[i] {
			t.Fatalf("day %d position %v want %v", i, p, want[i])
		}
	}
	if len(res.Signals) != len(res.Series) {
		t.Fatalf("signals and series misaligned")
	}
	if _, err := eng.Run(s, signal.Params{Window: 2, ZEntry: 1, ZExit: 1}); !errors.Is(err, signal.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}
