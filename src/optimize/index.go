package optimize

// Optimize: parameter sweep over window x z_entry x z_exit.
// Search phase: every grid point runs with binary sizing and the volatility gate on, across
// a fixed worker pool; results are ranked by Sharpe with grid order breaking ties.
// Final phase: the winner is re-run once with dynamic sizing and its trades reconstructed.

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"mrs/src/backtest"
	"mrs/src/series"
	"mrs/src/signal"
	"mrs/src/trades"
)

var ErrNoValidConfiguration = errors.New("no valid configuration in grid")

// Daily compounding above this total return (10,000%) usually means bad input data.
const suspiciousTotalReturn = 100.0

// ===================== Grid =====================

type Grid struct {
	Windows  []int     `json:"windows" yaml:"windows"`
	ZEntries []float64 `json:"z_entries" yaml:"zEntries"`
	ZExits   []float64 `json:"z_exits" yaml:"zExits"`
}

func DefaultGrid() Grid {
	return Grid{
		Windows:  []int{10, 20, 30, 50},
		ZEntries: []float64{1.0, 1.5, 2.0},
		ZExits:   []float64{0.3, 0.5, 0.7},
	}
}

func (g Grid) Size() int { return len(g.Windows) * len(g.ZEntries) * len(g.ZExits) }

// Points enumerates the grid windows-major, then z_entry, then z_exit.
func (g Grid) Points() []signal.Params {
	return lo.FlatMap(g.Windows, func(w int, _ int) []signal.Params {
		return lo.FlatMap(g.ZEntries, func(ze float64, _ int) []signal.Params {
			return lo.Map(g.ZExits, func(zx float64, _ int) signal.Params {
				return signal.Params{Window: w, ZEntry: ze, ZExit: zx, DynamicSizing: false, VolFilter: true}
			})
		})
	})
}

// ===================== Results =====================

type Entry struct {
	Rank    int              `json:"rank"`
	Index   int              `json:"grid_index"`
	Params  signal.Params    `json:"params"`
	Summary backtest.Summary `json:"summary"`
}

type Skipped struct {
	Index  int           `json:"grid_index"`
	Params signal.Params `json:"params"`
	Reason string        `json:"reason"`
}

type Report struct {
	RunID       string    `json:"run_id"`
	Leaderboard []Entry   `json:"leaderboard"`
	Skipped     []Skipped `json:"skipped"`
}

func (r Report) Best() Entry { return r.Leaderboard[0] }

// Top returns up to n leading entries.
func (r Report) Top(n int) []Entry {
	if n > len(r.Leaderboard) {
		n = len(r.Leaderboard)
	}
	return r.Leaderboard[:n]
}

type Outcome struct {
	RunID        string          `json:"run_id"`
	StartedAt    time.Time       `json:"started_at"`
	Elapsed      time.Duration   `json:"elapsed"`
	Leaderboard  []Entry         `json:"leaderboard"`
	Skipped      []Skipped       `json:"skipped"`
	Best         Entry           `json:"best"`
	Final        backtest.Result `json:"final"`
	Trades       []trades.Trade  `json:"trades"`
	TradeSummary trades.Summary  `json:"trade_summary"`
}

// Progress is emitted once per evaluated grid point and once per phase change.
type Progress struct {
	RunID   string        `json:"run_id"`
	Phase   string        `json:"phase"` // search | final | done
	Done    int           `json:"done"`
	Total   int           `json:"total"`
	Params  signal.Params `json:"params"`
	Sharpe  float64       `json:"sharpe"`
	Skipped bool          `json:"skipped"`
}

// ===================== Optimizer =====================

type Optimizer struct {
	cfg      backtest.Config
	signals  *signal.Engine
	workers  int
	log      *zap.Logger
	progress func(Progress)
}

func New(cfg backtest.Config) *Optimizer {
	return &Optimizer{cfg: cfg, signals: signal.NewEngine(nil), log: zap.NewNop()}
}

func (o *Optimizer) SetWorkers(n int)                 { o.workers = n }
func (o *Optimizer) SetLogger(l *zap.Logger)          { o.log = l }
func (o *Optimizer) SetSignalEngine(s *signal.Engine) { o.signals = s }
func (o *Optimizer) OnProgress(fn func(Progress))     { o.progress = fn }
func (o *Optimizer) Config() backtest.Config          { return o.cfg }

func (o *Optimizer) emit(p Progress) {
	if o.progress != nil {
		o.progress(p)
	}
}

func (o *Optimizer) newEngine() *backtest.Engine {
	e := backtest.New(o.cfg)
	e.SetSignalEngine(o.signals)
	e.SetLogger(o.log)
	return e
}

type evaluated struct {
	res backtest.Result
	err error
}

// Search evaluates every grid point. Invalid parameter combinations are skipped; any other
// failure aborts the sweep.
func (o *Optimizer) Search(s series.Series, g Grid) (Report, error) {
	return o.search(uuid.NewString(), s, g)
}

func (o *Optimizer) search(runID string, s series.Series, g Grid) (Report, error) {
	if s.Empty() {
		return Report{}, series.ErrEmptySeries
	}
	points := g.Points()
	results := make([]evaluated, len(points))

	jobs := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0
	for w := 0; w < clampWorkers(o.workers, len(points)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := s.Clone()
			eng := o.newEngine()
			for idx := range jobs {
				res, err := eng.Run(local, points[idx])
				results[idx] = evaluated{res: res, err: err}

				mu.Lock()
				done++
				p := Progress{RunID: runID, Phase: "search", Done: done, Total: len(points), Params: points[idx],
					Sharpe: res.Summary.Sharpe, Skipped: err != nil}
				o.emit(p)
				mu.Unlock()
			}
		}()
	}
	for i := range points {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	rep := Report{RunID: runID}
	for i, r := range results {
		switch {
		case r.err == nil:
			rep.Leaderboard = append(rep.Leaderboard, Entry{Index: i, Params: points[i], Summary: r.res.Summary})
		case errors.Is(r.err, signal.ErrInvalidParams):
			o.log.Warn("skipping grid point",
				zap.String("run_id", runID),
				zap.Int("window", points[i].Window),
				zap.Float64("z_entry", points[i].ZEntry),
				zap.Float64("z_exit", points[i].ZExit),
				zap.Error(r.err),
			)
			rep.Skipped = append(rep.Skipped, Skipped{Index: i, Params: points[i], Reason: r.err.Error()})
		default:
			return Report{}, fmt.Errorf("grid point %d (%s): %w", i, points[i], r.err)
		}
	}
	if len(rep.Leaderboard) == 0 {
		return rep, fmt.Errorf("%w: %d points, %d skipped", ErrNoValidConfiguration, len(points), len(rep.Skipped))
	}

	Rank(rep.Leaderboard)
	if lo.ContainsBy(rep.Leaderboard, func(e Entry) bool { return e.Summary.TotalReturn > suspiciousTotalReturn }) {
		o.log.Warn("unrealistic returns on leaderboard, check the input data", zap.String("run_id", runID))
	}
	o.log.Info("grid search complete",
		zap.String("run_id", runID),
		zap.Int("evaluated", len(rep.Leaderboard)),
		zap.Int("skipped", len(rep.Skipped)),
		zap.Float64("best_sharpe", rep.Best().Summary.Sharpe),
	)
	return rep, nil
}

// Rank sorts entries by Sharpe descending in place. Entries must arrive in grid order;
// the stable sort keeps the first-enumerated point ahead on ties. NaN ranks last.
func Rank(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Summary.Sharpe, entries[j].Summary.Sharpe
		if math.IsNaN(a) {
			return false
		}
		if math.IsNaN(b) {
			return true
		}
		return a > b
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

// Optimize runs the search, then re-runs the best point with dynamic sizing.
func (o *Optimizer) Optimize(s series.Series, g Grid) (Outcome, error) {
	started := time.Now()
	runID := uuid.NewString()
	rep, err := o.search(runID, s, g)
	if err != nil {
		return Outcome{RunID: runID, Skipped: rep.Skipped}, err
	}
	best := rep.Best()

	o.emit(Progress{RunID: runID, Phase: "final", Done: len(rep.Leaderboard) + len(rep.Skipped), Total: g.Size(), Params: best.Params, Sharpe: best.Summary.Sharpe})
	fp := best.Params
	fp.DynamicSizing = true
	final, err := o.newEngine().Run(s.Clone(), fp)
	if err != nil {
		return Outcome{RunID: runID}, fmt.Errorf("final run %s: %w", fp, err)
	}
	trs := trades.FromSimulation(final.Series)

	out := Outcome{
		RunID:        runID,
		StartedAt:    started,
		Elapsed:      time.Since(started),
		Leaderboard:  rep.Leaderboard,
		Skipped:      rep.Skipped,
		Best:         best,
		Final:        final,
		Trades:       trs,
		TradeSummary: trades.Summarize(trs),
	}
	o.log.Info("optimization finished",
		zap.String("run_id", runID),
		zap.String("best", best.Params.String()),
		zap.Float64("final_sharpe", final.Summary.Sharpe),
		zap.Int("trades", len(trs)),
		zap.Duration("elapsed", out.Elapsed),
	)
	o.emit(Progress{RunID: runID, Phase: "done", Done: g.Size(), Total: g.Size(), Params: fp, Sharpe: final.Summary.Sharpe})
	return out, nil
}

func clampWorkers(n, jobs int) int {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > jobs {
		n = jobs
	}
	if n < 1 {
		n = 1
	}
	return n
}
