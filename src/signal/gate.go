package signal

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	defaultVolLookback = 10
	defaultVolQuantile = 0.9
)

// VolatilityGate decides which days get their z-score zeroed. The result is aligned with
// returns and never flags a day whose rolling volatility is still undefined.
type VolatilityGate interface {
	Suppress(returns []float64) []bool
}

func DefaultGate() VolatilityGate {
	return FullSampleGate{Lookback: defaultVolLookback, Quantile: defaultVolQuantile}
}

// FullSampleGate thresholds every day against one quantile taken over the whole series.
// Later days therefore influence earlier ones.
type FullSampleGate struct {
	Lookback int
	Quantile float64
}

func (g FullSampleGate) LookbackDays() int { return orDefault(g.Lookback, defaultVolLookback) }

func (g FullSampleGate) Suppress(returns []float64) []bool {
	vols, ready := RollingStd(returns, g.LookbackDays())
	out := make([]bool, len(returns))
	defined := make([]float64, 0, len(vols))
	for i, v := range vols {
		if ready[i] {
			defined = append(defined, v)
		}
	}
	if len(defined) == 0 {
		return out
	}
	th := Quantile(defined, quantileOr(g.Quantile))
	for i, v := range vols {
		out[i] = ready[i] && v > th
	}
	return out
}

// RollingGate only looks back: day t is compared with the quantile of the defined
// volatilities in (t-Window, t].
type RollingGate struct {
	Lookback int
	Quantile float64
	Window   int
}

func (g RollingGate) LookbackDays() int { return orDefault(g.Lookback, defaultVolLookback) }

func (g RollingGate) Suppress(returns []float64) []bool {
	vols, ready := RollingStd(returns, g.LookbackDays())
	win := orDefault(g.Window, 252)
	q := quantileOr(g.Quantile)
	out := make([]bool, len(returns))
	buf := make([]float64, 0, win)
	for t := range vols {
		if !ready[t] {
			continue
		}
		buf = buf[:0]
		for k := max(0, t-win+1); k <= t; k++ {
			if ready[k] {
				buf = append(buf, vols[k])
			}
		}
		out[t] = vols[t] > Quantile(buf, q)
	}
	return out
}

// ===================== helpers =====================

// RollingStd is the sample (n-1) standard deviation over the trailing lookback values.
// The first lookback-1 entries are not ready and report 0.
func RollingStd(xs []float64, lookback int) ([]float64, []bool) {
	vols := make([]float64, len(xs))
	ready := make([]bool, len(xs))
	if lookback < 2 {
		return vols, ready
	}
	for i := lookback - 1; i < len(xs); i++ {
		v := stat.StdDev(xs[i-lookback+1:i+1], nil)
		if math.IsNaN(v) {
			continue
		}
		vols[i] = v
		ready[i] = true
	}
	return vols, ready
}

// Quantile interpolates linearly between order statistics at position (n-1)*q.
func Quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	q = math.Max(0, math.Min(1, q))
	pos := float64(len(sorted)-1) * q
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func quantileOr(q float64) float64 {
	if q <= 0 || q > 1 {
		return defaultVolQuantile
	}
	return q
}
