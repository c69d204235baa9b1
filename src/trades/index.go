package trades

// Trades: collapses a dated position series into round trips.
// FLAT -> LONG/SHORT opens, LONG/SHORT -> FLAT closes, LONG <-> SHORT closes and reopens on
// the same date at the same close. A position still open on the last day is not reported.

import (
	"math"
	"time"

	"github.com/samber/lo"

	"mrs/src/backtest"
)

type Side string

const (
	Long  Side = "Long"
	Short Side = "Short"
)

type Point struct {
	Date     time.Time
	Position float64
	Price    float64
}

type Trade struct {
	EntryDate   time.Time `json:"entry_date"`
	ExitDate    time.Time `json:"exit_date"`
	Side        Side      `json:"side"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	ReturnPct   float64   `json:"return_pct"`
	HoldingDays int       `json:"holding_days"`
}

// ===================== Reconstruction =====================

type state int

const (
	flat state = iota
	long
	short
)

func stateOf(pos float64) state {
	switch {
	case pos > 0:
		return long
	case pos < 0:
		return short
	}
	return flat
}

func (s state) side() Side {
	if s == short {
		return Short
	}
	return Long
}

type open struct {
	state state
	date  time.Time
	price float64
}

func Reconstruct(points []Point) []Trade {
	var out []Trade
	cur := open{state: flat}
	for _, p := range points {
		next := stateOf(p.Position)
		if next == cur.state {
			continue
		}
		if cur.state != flat {
			out = append(out, closeTrade(cur, p))
		}
		cur = open{state: next, date: p.Date, price: p.Price}
	}
	return out
}

// FromSimulation reads positions and closes straight off a simulated run.
func FromSimulation(sim []backtest.SimRecord) []Trade {
	return Reconstruct(lo.Map(sim, func(r backtest.SimRecord, _ int) Point {
		return Point{Date: r.Date, Position: r.Position, Price: r.Close}
	}))
}

func closeTrade(o open, p Point) Trade {
	ret := 0.0
	if o.price != 0 {
		ret = (p.Price - o.price) / o.price * 100
		if o.state == short {
			ret = (o.price - p.Price) / o.price * 100
		}
	}
	return Trade{
		EntryDate:   o.date,
		ExitDate:    p.Date,
		Side:        o.state.side(),
		EntryPrice:  o.price,
		ExitPrice:   p.Price,
		ReturnPct:   ret,
		HoldingDays: calendarDays(o.date, p.Date),
	}
}

func calendarDays(from, to time.Time) int {
	y1, m1, d1 := from.Date()
	y2, m2, d2 := to.Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(math.Round(b.Sub(a).Hours() / 24))
}

// ===================== Statistics =====================

type Stats struct {
	Count          int     `json:"count"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRate        float64 `json:"win_rate"`
	AvgReturnPct   float64 `json:"avg_return_pct"`
	AvgWinPct      float64 `json:"avg_win_pct"`
	AvgLossPct     float64 `json:"avg_loss_pct"`
	BestPct        float64 `json:"best_pct"`
	WorstPct       float64 `json:"worst_pct"`
	AvgHoldingDays float64 `json:"avg_holding_days"`
}

type Summary struct {
	Stats
	Long  Stats `json:"long"`
	Short Stats `json:"short"`
}

func Summarize(trades []Trade) Summary {
	return Summary{
		Stats: stats(trades),
		Long:  stats(lo.Filter(trades, func(t Trade, _ int) bool { return t.Side == Long })),
		Short: stats(lo.Filter(trades, func(t Trade, _ int) bool { return t.Side == Short })),
	}
}

func stats(trades []Trade) Stats {
	if len(trades) == 0 {
		return Stats{}
	}
	ret := func(t Trade) float64 { return t.ReturnPct }
	wins := lo.Filter(trades, func(t Trade, _ int) bool { return t.ReturnPct > 0 })
	losses := lo.Filter(trades, func(t Trade, _ int) bool { return t.ReturnPct < 0 })
	n := float64(len(trades))

	out := Stats{
		Count:          len(trades),
		Wins:           len(wins),
		Losses:         len(losses),
		WinRate:        float64(len(wins)) / n,
		AvgReturnPct:   lo.SumBy(trades, ret) / n,
		BestPct:        lo.MaxBy(trades, func(a, b Trade) bool { return a.ReturnPct > b.ReturnPct }).ReturnPct,
		WorstPct:       lo.MinBy(trades, func(a, b Trade) bool { return a.ReturnPct < b.ReturnPct }).ReturnPct,
		AvgHoldingDays: float64(lo.SumBy(trades, func(t Trade) int { return t.HoldingDays })) / n,
	}
	if len(wins) > 0 {
		out.AvgWinPct = lo.SumBy(wins, ret) / float64(len(wins))
	}
	if len(losses) > 0 {
		out.AvgLossPct = lo.SumBy(losses, ret) / float64(len(losses))
	}
	return out
}
