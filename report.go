package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"mrs/src/analytics"
	"mrs/src/backtest"
	"mrs/src/optimize"
	"mrs/src/trades"
)

const (
	reportWidth = 60
	topN        = 5
)

var (
	heavyRule = strings.Repeat("=", reportWidth)
	lightRule = strings.Repeat("-", reportWidth)
)

// ==================== Reporting ====================

func printReport(w io.Writer, out optimize.Outcome) {
	printLeaderboard(w, optimize.Report{Leaderboard: out.Leaderboard}.Top(topN), len(out.Leaderboard), len(out.Skipped))
	printBest(w, out)
	printSummary(w, out.Final.Summary)
	printTradeStats(w, out.TradeSummary)
	printMonthly(w, analytics.MonthlyStats(out.Final.Series), analytics.PeriodReturns(out.Final.Series, analytics.Annual))
	printDrawdowns(w, analytics.SummarizeEpisodes(analytics.DrawdownEpisodes(out.Final.Series)))
	fmt.Fprintln(w, heavyRule)
}

func printLeaderboard(w io.Writer, top []optimize.Entry, evaluated, skipped int) {
	fmt.Fprintln(w, heavyRule)
	fmt.Fprintf(w, "Top %d of %d configurations by Sharpe (%d skipped)\n", len(top), evaluated, skipped)
	fmt.Fprintln(w, lightRule)
	fmt.Fprintf(w, "%-4s %6s %7s %6s %10s %8s %9s\n", "rank", "window", "z_entry", "z_exit", "return", "sharpe", "max_dd")
	for _, e := range top {
		fmt.Fprintf(w, "%-4d %6d %7.2f %6.2f %9.2f%% %8.3f %8.2f%%\n",
			e.Rank, e.Params.Window, e.Params.ZEntry, e.Params.ZExit,
			e.Summary.TotalReturn*100, e.Summary.Sharpe, e.Summary.MaxDrawdown*100)
	}
}

func printBest(w io.Writer, out optimize.Outcome) {
	p := out.Final.Params
	fmt.Fprintln(w, heavyRule)
	fmt.Fprintf(w, "Optimal parameters  : window=%d z_entry=%.2f z_exit=%.2f\n", p.Window, p.ZEntry, p.ZExit)
	fmt.Fprintf(w, "Search Sharpe       : %.3f (binary sizing)\n", out.Best.Summary.Sharpe)
	fmt.Fprintf(w, "Final run           : dynamic sizing, run %s\n", out.RunID)
}

func printSummary(w io.Writer, s backtest.Summary) {
	fmt.Fprintln(w, lightRule)
	fmt.Fprintf(w, "Final Equity        : %s\n", money(s.FinalEquity))
	fmt.Fprintf(w, "Total Return        : %.2f%%\n", s.TotalReturn*100)
	fmt.Fprintf(w, "CAGR                : %.2f%%\n", s.CAGR*100)
	fmt.Fprintf(w, "Sharpe              : %.3f\n", s.Sharpe)
	fmt.Fprintf(w, "Max Drawdown        : %.2f%%\n", s.MaxDrawdown*100)
	fmt.Fprintf(w, "Win Rate (days)     : %.2f%%\n", s.WinRate*100)
	fmt.Fprintf(w, "Buy & Hold Return   : %.2f%%\n", s.BuyHoldReturn*100)
	fmt.Fprintf(w, "Outperformance      : %+.2f%%\n", s.Outperformance()*100)
}

func printTradeStats(w io.Writer, s trades.Summary) {
	fmt.Fprintln(w, lightRule)
	fmt.Fprintln(w, "Trades")
	if s.Count == 0 {
		fmt.Fprintln(w, "  no completed trades")
		return
	}
	row := func(label string, st trades.Stats) {
		fmt.Fprintf(w, "  %-6s n=%-4d win=%6.2f%% avg=%+7.3f%% best=%+7.3f%% worst=%+7.3f%% hold=%.1fd\n",
			label, st.Count, st.WinRate*100, st.AvgReturnPct, st.BestPct, st.WorstPct, st.AvgHoldingDays)
	}
	row("all", s.Stats)
	row("long", s.Long)
	row("short", s.Short)
}

func printMonthly(w io.Writer, m analytics.MonthlySummary, years []analytics.PeriodReturn) {
	fmt.Fprintln(w, lightRule)
	fmt.Fprintf(w, "Monthly             : %d months, %d positive, mean %.2f%%, std %.2f%%, best %.2f%%, worst %.2f%%\n",
		m.Months, m.Positive, m.Mean*100, m.Std*100, m.Best*100, m.Worst*100)
	for _, y := range years {
		fmt.Fprintf(w, "  %s %+8.2f%% (%d days)\n", y.Label, y.Return*100, y.Days)
	}
}

func printDrawdowns(w io.Writer, e analytics.EpisodeSummary) {
	fmt.Fprintln(w, lightRule)
	if e.Count == 0 {
		fmt.Fprintln(w, "Drawdown episodes   : none recovered")
		return
	}
	fmt.Fprintf(w, "Drawdown episodes   : %d, avg recovery %.1fd, longest %dd, deepest %.2f%%\n",
		e.Count, e.AvgRecoveryDays, e.LongestDays, e.Deepest*100)
}

func money(x float64) string {
	return decimal.NewFromFloat(x).StringFixed(2)
}
