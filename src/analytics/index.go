package analytics

// Analytics: calendar aggregation and drawdown episodes over a simulated run.

import (
	"math"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"mrs/src/backtest"
)

// Drawdown episode thresholds.
const (
	EpisodeEnter   = -0.01
	EpisodeRecover = -0.005
)

// ===================== Period returns =====================

type Period string

const (
	Monthly Period = "monthly"
	Annual  Period = "annual"
)

type PeriodReturn struct {
	Start  time.Time `json:"start"`
	Label  string    `json:"label"`
	Return float64   `json:"return"`
	Days   int       `json:"days"`
}

// PeriodReturns compounds net returns into calendar months or years, in date order.
func PeriodReturns(sim []backtest.SimRecord, period Period) []PeriodReturn {
	var out []PeriodReturn
	for _, r := range sim {
		start, label := bucket(r.Date, period)
		if len(out) == 0 || !out[len(out)-1].Start.Equal(start) {
			out = append(out, PeriodReturn{Start: start, Label: label, Return: 0})
		}
		cur := &out[len(out)-1]
		cur.Return = (1+cur.Return)*(1+r.NetReturn) - 1
		cur.Days++
	}
	return out
}

func bucket(d time.Time, period Period) (time.Time, string) {
	if period == Annual {
		return time.Date(d.Year(), 1, 1, 0, 0, 0, 0, time.UTC), d.Format("2006")
	}
	return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC), d.Format("2006-01")
}

type MonthlySummary struct {
	Months   int     `json:"months"`
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	Best     float64 `json:"best"`
	Worst    float64 `json:"worst"`
	Positive int     `json:"positive"`
}

func MonthlyStats(sim []backtest.SimRecord) MonthlySummary {
	months := PeriodReturns(sim, Monthly)
	if len(months) == 0 {
		return MonthlySummary{}
	}
	rets := lo.Map(months, func(p PeriodReturn, _ int) float64 { return p.Return })
	out := MonthlySummary{
		Months:   len(rets),
		Best:     lo.Max(rets),
		Worst:    lo.Min(rets),
		Positive: lo.CountBy(rets, func(r float64) bool { return r > 0 }),
	}
	if len(rets) > 1 {
		out.Mean, out.Std = stat.MeanStdDev(rets, nil)
	} else {
		out.Mean = rets[0]
	}
	return out
}

// ===================== Drawdown episodes =====================

type Episode struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
	Depth float64   `json:"depth"`
}

// DrawdownEpisodes opens an episode when drawdown falls below EpisodeEnter and closes it
// once drawdown is back at or above EpisodeRecover. An episode still open at the end is
// not reported.
func DrawdownEpisodes(sim []backtest.SimRecord) []Episode {
	var out []Episode
	inside := false
	var cur Episode
	for _, r := range sim {
		switch {
		case !inside && r.Drawdown < EpisodeEnter:
			inside = true
			cur = Episode{Start: r.Date, Depth: r.Drawdown}
		case inside && r.Drawdown >= EpisodeRecover:
			inside = false
			cur.End = r.Date
			cur.Days = int(math.Round(cur.End.Sub(cur.Start).Hours() / 24))
			out = append(out, cur)
		case inside:
			cur.Depth = math.Min(cur.Depth, r.Drawdown)
		}
	}
	return out
}

type EpisodeSummary struct {
	Count           int     `json:"count"`
	AvgRecoveryDays float64 `json:"avg_recovery_days"`
	LongestDays     int     `json:"longest_days"`
	Deepest         float64 `json:"deepest"`
}

func SummarizeEpisodes(eps []Episode) EpisodeSummary {
	if len(eps) == 0 {
		return EpisodeSummary{}
	}
	return EpisodeSummary{
		Count:           len(eps),
		AvgRecoveryDays: float64(lo.SumBy(eps, func(e Episode) int { return e.Days })) / float64(len(eps)),
		LongestDays:     lo.MaxBy(eps, func(a, b Episode) bool { return a.Days > b.Days }).Days,
		Deepest:         lo.MinBy(eps, func(a, b Episode) bool { return a.Depth < b.Depth }).Depth,
	}
}
