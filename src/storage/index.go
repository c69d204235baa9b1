package storage

// Storage: price ingest and the on-disk export of one optimization run.
// Files written by SaveAll under the output dir:
//   stats.json        run id, best params, final summary, trade/monthly/drawdown statistics
//   leaderboard.csv   every evaluated grid point, ranked
//   equity_curve.csv  daily series of the final run
//   trades.csv        round-trip ledger
//   trades.json       same ledger as JSON

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shopspring/decimal"

	"mrs/src/analytics"
	"mrs/src/backtest"
	"mrs/src/optimize"
	"mrs/src/signal"
	"mrs/src/trades"
)

const dateLayout = "2006-01-02"

type Stats struct {
	RunID        string                   `json:"run_id"`
	Ticker       string                   `json:"ticker,omitempty"`
	From         string                   `json:"from"`
	To           string                   `json:"to"`
	Best         signal.Params            `json:"best_params"`
	SearchSharpe float64                  `json:"search_sharpe"`
	Final        backtest.Summary         `json:"final"`
	Trades       trades.Summary           `json:"trades"`
	Monthly      analytics.MonthlySummary `json:"monthly"`
	Drawdowns    analytics.EpisodeSummary `json:"drawdowns"`
	Evaluated    int                      `json:"evaluated"`
	Skipped      int                      `json:"skipped"`
}

func BuildStats(out optimize.Outcome, ticker string) Stats {
	st := Stats{
		RunID:        out.RunID,
		Ticker:       ticker,
		Best:         out.Final.Params,
		SearchSharpe: out.Best.Summary.Sharpe,
		Final:        out.Final.Summary,
		Trades:       out.TradeSummary,
		Monthly:      analytics.MonthlyStats(out.Final.Series),
		Drawdowns:    analytics.SummarizeEpisodes(analytics.DrawdownEpisodes(out.Final.Series)),
		Evaluated:    len(out.Leaderboard),
		Skipped:      len(out.Skipped),
	}
	if n := len(out.Final.Series); n > 0 {
		st.From = out.Final.Series[0].Date.Format(dateLayout)
		st.To = out.Final.Series[n-1].Date.Format(dateLayout)
	}
	return st
}

// SaveAll writes every export file for out into dir and returns the paths written.
func SaveAll(dir string, out optimize.Outcome, ticker string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	steps := []struct {
		name string
		fn   func(string) error
	}{
		{"stats.json", func(p string) error { return saveJSON(p, BuildStats(out, ticker)) }},
		{"leaderboard.csv", func(p string) error { return saveLeaderboard(p, out.Leaderboard) }},
		{"equity_curve.csv", func(p string) error { return saveEquityCurve(p, out.Final.Series) }},
		{"trades.csv", func(p string) error { return saveTrades(p, out.Trades) }},
		{"trades.json", func(p string) error { return saveJSON(p, nonNil(out.Trades)) }},
	}
	written := make([]string, 0, len(steps))
	for _, s := range steps {
		p := filepath.Join(dir, s.name)
		if err := s.fn(p); err != nil {
			return written, fmt.Errorf("write %s: %w", s.name, err)
		}
		written = append(written, p)
	}
	return written, nil
}

func saveJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Sync()
}

func saveLeaderboard(path string, entries []optimize.Entry) error {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.Itoa(e.Rank),
			strconv.Itoa(e.Params.Window),
			fixed(e.Params.ZEntry, 2),
			fixed(e.Params.ZExit, 2),
			pct(e.Summary.TotalReturn),
			pct(e.Summary.CAGR),
			fixed(e.Summary.Sharpe, 4),
			pct(e.Summary.MaxDrawdown),
			pct(e.Summary.WinRate),
			fixed(e.Summary.FinalEquity, 2),
		})
	}
	return writeCSV(path, []string{"rank", "window", "z_entry", "z_exit", "total_return_pct", "cagr_pct", "sharpe", "max_dd_pct", "win_rate_pct", "final_equity"}, rows)
}

func saveEquityCurve(path string, sim []backtest.SimRecord) error {
	rows := make([][]string, 0, len(sim))
	for _, r := range sim {
		rows = append(rows, []string{
			r.Date.Format(dateLayout),
			fixed(r.Close, 4),
			fixed(r.Position, 4),
			fixed(r.PositionLag, 4),
			fixed(r.MarketReturn, 6),
			fixed(r.NetReturn, 6),
			fixed(r.TradeCost, 6),
			fixed(r.Equity, 2),
			fixed(r.BuyHoldEquity, 2),
			fixed(r.Drawdown, 6),
		})
	}
	return writeCSV(path, []string{"date", "close", "position", "position_lag", "market_return", "net_return", "trade_cost", "equity", "buy_hold_equity", "drawdown"}, rows)
}

func saveTrades(path string, trs []trades.Trade) error {
	rows := make([][]string, 0, len(trs))
	for i, t := range trs {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			string(t.Side),
			t.EntryDate.Format(dateLayout),
			fixed(t.EntryPrice, 4),
			t.ExitDate.Format(dateLayout),
			fixed(t.ExitPrice, 4),
			fixed(t.ReturnPct, 4),
			strconv.Itoa(t.HoldingDays),
		})
	}
	return writeCSV(path, []string{"idx", "side", "entry_date", "entry_price", "exit_date", "exit_price", "return_pct", "holding_days"}, rows)
}

// ===================== formatting =====================

// fixed renders x with a fixed number of places; decimal panics on NaN/Inf, so those pass
// through strconv.
func fixed(x float64, places int32) string {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return decimal.NewFromFloat(x).StringFixed(places)
}

// pct renders a fraction as a percentage with two decimals.
func pct(x float64) string {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return decimal.NewFromFloat(x).Mul(decimal.NewFromInt(100)).StringFixed(2)
}

func nonNil(trs []trades.Trade) []trades.Trade {
	if trs == nil {
		return []trades.Trade{}
	}
	return trs
}
