package backtest

// Backtest: daily PnL simulation of a position series over one instrument.
// Flow per run: signal.Engine -> sizing.Size -> Simulate -> Summarize.
// 1) a position decided at the close of day t-1 earns the return of day t (lag, no look-ahead);
// 2) the lagged return is clipped into [StopLoss, TakeProfit] as a daily stop/target;
// 3) every change in position, including partial resizing, pays CostPerTrade per unit;
// 4) equity compounds from InitialCapital; buy & hold compounds the raw market returns.

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"mrs/src/series"
	"mrs/src/signal"
	"mrs/src/sizing"
)

var ErrInvalidConfig = errors.New("invalid backtest config")

// Trading days per year for annualisation.
const TradingDays = 252.0

// ===================== Config =====================

type Config struct {
	InitialCapital float64 `json:"initial_capital" yaml:"initialCapital"`
	CostPerTrade   float64 `json:"cost_per_trade" yaml:"costPerTrade"`
	StopLoss       float64 `json:"stop_loss" yaml:"stopLoss"`     // lower clip on the daily return, <= 0
	TakeProfit     float64 `json:"take_profit" yaml:"takeProfit"` // upper clip on the daily return, >= 0
}

func DefaultConfig() Config {
	return Config{InitialCapital: 10000, CostPerTrade: 0.001, StopLoss: -0.03, TakeProfit: 0.05}
}

func (c *Config) withDefaults() Config {
	q := *c
	if q.InitialCapital == 0 {
		q.InitialCapital = 10000
	}
	return q
}

func (c Config) Validate() error {
	switch {
	case !(c.InitialCapital > 0) || math.IsInf(c.InitialCapital, 0):
		return fmt.Errorf("%w: initial_capital=%v must be > 0", ErrInvalidConfig, c.InitialCapital)
	case !(c.CostPerTrade >= 0):
		return fmt.Errorf("%w: cost_per_trade=%v must be >= 0", ErrInvalidConfig, c.CostPerTrade)
	case math.IsNaN(c.StopLoss) || c.StopLoss > 0:
		return fmt.Errorf("%w: stop_loss=%v must be <= 0", ErrInvalidConfig, c.StopLoss)
	case math.IsNaN(c.TakeProfit) || c.TakeProfit < 0:
		return fmt.Errorf("%w: take_profit=%v must be >= 0", ErrInvalidConfig, c.TakeProfit)
	}
	return nil
}

// clip bounds a daily return into [StopLoss, TakeProfit]. Use -Inf / +Inf to leave a side open.
func (c Config) clip(r float64) float64 {
	return math.Max(c.StopLoss, math.Min(c.TakeProfit, r))
}

// ===================== Records =====================

type SimRecord struct {
	Date          time.Time `json:"date"`
	Close         float64   `json:"close"`
	Position      float64   `json:"position"`
	PositionLag   float64   `json:"position_lag"`
	MarketReturn  float64   `json:"market_return"`
	RawReturn     float64   `json:"raw_return"`
	ClippedReturn float64   `json:"clipped_return"`
	TradeCost     float64   `json:"trade_cost"`
	NetReturn     float64   `json:"net_return"`
	Equity        float64   `json:"equity"`
	BuyHoldEquity float64   `json:"buy_hold_equity"`
	Drawdown      float64   `json:"drawdown"`
}

// Day is the return accounting of a single session.
type Day struct {
	Raw     float64
	Clipped float64
	Cost    float64
	Net     float64
}

// Account books one day: lag is the exposure carried into the session, turnover the
// absolute position change made at its close.
func (c Config) Account(lag, turnover, marketReturn float64) Day {
	raw := lag * marketReturn
	clipped := c.clip(raw)
	cost := c.CostPerTrade * math.Abs(turnover)
	return Day{Raw: raw, Clipped: clipped, Cost: cost, Net: clipped - cost}
}

// Simulate replays positions over s. positions[t] is decided at the close of day t.
func Simulate(s series.Series, positions []float64, cfg Config) ([]SimRecord, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s.Empty() {
		return nil, series.ErrEmptySeries
	}
	if len(positions) != s.Len() {
		return nil, fmt.Errorf("%w: %d positions for %d records", ErrInvalidConfig, len(positions), s.Len())
	}

	out := make([]SimRecord, s.Len())
	eq, bh := cfg.InitialCapital, cfg.InitialCapital
	peak := eq
	for i := 0; i < s.Len(); i++ {
		r := s.At(i)
		lag, turnover := 0.0, 0.0
		if i > 0 {
			lag = positions[i-1]
			turnover = positions[i] - positions[i-1]
		}
		d := cfg.Account(lag, turnover, r.Return)
		eq *= 1 + d.Net
		bh *= 1 + r.Return
		if eq > peak {
			peak = eq
		}
		out[i] = SimRecord{
			Date:          r.Date,
			Close:         r.Close,
			Position:      positions[i],
			PositionLag:   lag,
			MarketReturn:  r.Return,
			RawReturn:     d.Raw,
			ClippedReturn: d.Clipped,
			TradeCost:     d.Cost,
			NetReturn:     d.Net,
			Equity:        eq,
			BuyHoldEquity: bh,
			Drawdown:      (eq - peak) / peak,
		}
	}
	return out, nil
}

// ===================== Summary =====================

type Summary struct {
	FinalEquity   float64 `json:"final_equity"`
	TotalReturn   float64 `json:"total_return"`
	CAGR          float64 `json:"cagr"`
	Sharpe        float64 `json:"sharpe"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	WinRate       float64 `json:"win_rate"`
	BuyHoldReturn float64 `json:"buy_hold_return"`
	Days          int     `json:"days"`
}

// Outperformance of the strategy over buy & hold, as a return difference.
func (s Summary) Outperformance() float64 { return s.TotalReturn - s.BuyHoldReturn }

// Summarize computes the performance block. All ratios are fractions, not percent.
func Summarize(sim []SimRecord, initialCapital float64) Summary {
	if len(sim) == 0 || !(initialCapital > 0) {
		return Summary{}
	}
	final := sim[len(sim)-1].Equity
	out := Summary{
		FinalEquity:   final,
		TotalReturn:   final/initialCapital - 1,
		BuyHoldReturn: sim[len(sim)-1].BuyHoldEquity/initialCapital - 1,
		Days:          len(sim),
	}
	years := float64(len(sim)) / TradingDays
	if years > 0 {
		out.CAGR = math.Pow(final/initialCapital, 1/years) - 1
	}

	nets := make([]float64, len(sim))
	wins, losses := 0, 0
	for i, r := range sim {
		nets[i] = r.NetReturn
		switch {
		case r.NetReturn > 0:
			wins++
		case r.NetReturn < 0:
			losses++
		}
		out.MaxDrawdown = math.Min(out.MaxDrawdown, r.Drawdown)
	}
	out.Sharpe = sharpe(nets)
	if wins+losses > 0 {
		out.WinRate = float64(wins) / float64(wins+losses)
	}
	return out
}

func sharpe(rets []float64) float64 {
	if len(rets) < 2 {
		return 0
	}
	m, sd := stat.MeanStdDev(rets, nil)
	if !(sd > 0) {
		return 0
	}
	return m / sd * math.Sqrt(TradingDays)
}

// ===================== Engine =====================

type Result struct {
	Params  signal.Params   `json:"params"`
	Summary Summary         `json:"summary"`
	Signals []signal.Record `json:"-"`
	Series  []SimRecord     `json:"-"`
}

func (r Result) SummaryJSON() string {
	b, _ := json.MarshalIndent(map[string]any{
		"params":          r.Params,
		"final_equity":    r.Summary.FinalEquity,
		"total_return":    r.Summary.TotalReturn,
		"cagr":            r.Summary.CAGR,
		"sharpe":          r.Summary.Sharpe,
		"max_dd":          r.Summary.MaxDrawdown,
		"win_rate":        r.Summary.WinRate,
		"buy_hold_return": r.Summary.BuyHoldReturn,
	}, "", "  ")
	return string(b)
}

// Positions returns the sized position of every day.
func (r Result) Positions() []float64 {
	out := make([]float64, len(r.Series))
	for i, s := range r.Series {
		out[i] = s.Position
	}
	return out
}

type Engine struct {
	cfg     Config
	signals *signal.Engine
	log     *zap.Logger
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), signals: signal.NewEngine(nil), log: zap.NewNop()}
}

func (e *Engine) SetSignalEngine(s *signal.Engine) { e.signals = s }
func (e *Engine) SetLogger(l *zap.Logger)          { e.log = l }
func (e *Engine) Config() Config                   { return e.cfg }

// Run executes the full pipeline for one parameter set. The result shares no memory with
// the input series or with other runs.
func (e *Engine) Run(s series.Series, p signal.Params) (Result, error) {
	if err := e.cfg.Validate(); err != nil {
		return Result{}, err
	}
	sigs, err := e.signals.Compute(s, p)
	if err != nil {
		return Result{}, err
	}
	positions := sizing.Size(sigs, p)
	sim, err := Simulate(s, positions, e.cfg)
	if err != nil {
		return Result{}, err
	}
	sum := Summarize(sim, e.cfg.InitialCapital)
	e.log.Debug("backtest run",
		zap.Int("window", p.Window),
		zap.Float64("z_entry", p.ZEntry),
		zap.Float64("z_exit", p.ZExit),
		zap.Bool("dynamic", p.DynamicSizing),
		zap.Float64("sharpe", sum.Sharpe),
		zap.Float64("total_return", sum.TotalReturn),
	)
	return Result{Params: p, Summary: sum, Signals: sigs, Series: sim}, nil
}
