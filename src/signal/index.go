package signal

// Signal: exponentially weighted z-score of the close, optional volatility gate, and the
// held discrete long/flat/short state derived from it in a single ordered pass.

import (
	"errors"
	"fmt"
	"math"
	"time"

	"mrs/src/series"
)

var ErrInvalidParams = errors.New("invalid params")

// Band multiple for the chart envelopes around the mean.
const bandSigmas = 2.0

// ===================== Params =====================

type Params struct {
	Window        int     `json:"window" yaml:"window"`
	ZEntry        float64 `json:"z_entry" yaml:"zEntry"`
	ZExit         float64 `json:"z_exit" yaml:"zExit"`
	DynamicSizing bool    `json:"dynamic_sizing" yaml:"dynamicSizing"`
	VolFilter     bool    `json:"vol_filter" yaml:"volFilter"`
}

func (p Params) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("%w: window=%d must be > 0", ErrInvalidParams, p.Window)
	}
	if !(p.ZEntry > 0) {
		return fmt.Errorf("%w: z_entry=%v must be > 0", ErrInvalidParams, p.ZEntry)
	}
	if !(p.ZExit >= 0) || p.ZExit >= p.ZEntry {
		return fmt.Errorf("%w: z_exit=%v must be in [0, z_entry=%v)", ErrInvalidParams, p.ZExit, p.ZEntry)
	}
	return nil
}

func (p Params) String() string {
	return fmt.Sprintf("window=%d z_entry=%.2f z_exit=%.2f dynamic=%t vol_filter=%t",
		p.Window, p.ZEntry, p.ZExit, p.DynamicSizing, p.VolFilter)
}

// ===================== Records =====================

// Record is the per-day signal state. Position is the held discrete signal after the
// day's rule was applied; RawSignal is 0 on days without a trigger.
type Record struct {
	Date        time.Time `json:"date"`
	Close       float64   `json:"close"`
	Mean        float64   `json:"mean"`
	Std         float64   `json:"std"`
	ZScore      float64   `json:"z_score"`
	RawSignal   int       `json:"raw_signal"`
	Triggered   bool      `json:"triggered"`
	Position    int       `json:"position"`
	Volatility  float64   `json:"volatility"`
	VolReady    bool      `json:"vol_ready"`
	Filtered    bool      `json:"filtered"`
	UpperBand   float64   `json:"upper_band"`
	LowerBand   float64   `json:"lower_band"`
	EntryMarker bool      `json:"entry_marker"`
}

// ===================== Engine =====================

type Engine struct {
	gate VolatilityGate
}

// NewEngine uses the full-sample gate when gate is nil.
func NewEngine(gate VolatilityGate) *Engine {
	if gate == nil {
		gate = DefaultGate()
	}
	return &Engine{gate: gate}
}

func (e *Engine) Gate() VolatilityGate { return e.gate }

// Compute walks the series once in date order. The gate only runs when p.VolFilter is set.
func (e *Engine) Compute(s series.Series, p Params) ([]Record, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if s.Empty() {
		return nil, series.ErrEmptySeries
	}
	recs := s.Records()
	returns := s.Returns()

	vols, ready := RollingStd(returns, e.lookback())
	var suppress []bool
	if p.VolFilter {
		suppress = e.gate.Suppress(returns)
	}

	out := make([]Record, len(recs))
	ewm := newEWMTracker(p.Window)
	held, prevRaw := 0, 0
	for i, r := range recs {
		mean, std := ewm.Update(r.Close)
		z := 0.0
		if std > 0 {
			z = (r.Close - mean) / std
		}
		filtered := suppress != nil && suppress[i]
		if filtered {
			z = 0
		}

		raw, triggered := discretize(z, p.ZEntry, p.ZExit)
		if triggered {
			held = raw
		}

		out[i] = Record{
			Date:        r.Date,
			Close:       r.Close,
			Mean:        mean,
			Std:         std,
			ZScore:      z,
			RawSignal:   raw,
			Triggered:   triggered,
			Position:    held,
			Volatility:  vols[i],
			VolReady:    ready[i],
			Filtered:    filtered,
			UpperBand:   mean + bandSigmas*std,
			LowerBand:   mean - bandSigmas*std,
			EntryMarker: raw != 0 && raw != prevRaw,
		}
		prevRaw = raw
	}
	return out, nil
}

func (e *Engine) lookback() int {
	if lb, ok := e.gate.(interface{ LookbackDays() int }); ok {
		return lb.LookbackDays()
	}
	return defaultVolLookback
}

// discretize applies the entry rules in fixed order: long, short, exit.
func discretize(z, zEntry, zExit float64) (int, bool) {
	switch {
	case z < -zEntry:
		return 1, true
	case z > zEntry:
		return -1, true
	case math.Abs(z) < zExit:
		return 0, true
	}
	return 0, false
}

// ===================== EWM =====================

// ewmTracker is the recursive exponentially weighted mean and bias-corrected standard
// deviation with alpha=2/(span+1), seeded from the first observation.
type ewmTracker struct {
	alpha  float64
	mean   float64
	cov    float64
	sw2    float64
	seeded bool
}

func newEWMTracker(span int) *ewmTracker {
	if span < 1 {
		span = 1
	}
	return &ewmTracker{alpha: 2.0 / (float64(span) + 1)}
}

func (t *ewmTracker) Update(x float64) (mean, std float64) {
	if !t.seeded {
		t.mean = x
		t.cov = 0
		t.sw2 = 1
		t.seeded = true
		return t.mean, 0
	}
	a := t.alpha
	old := t.mean
	t.mean = (1-a)*old + a*x
	t.cov = (1-a)*(t.cov+(old-t.mean)*(old-t.mean)) + a*(x-t.mean)*(x-t.mean)
	t.sw2 = t.sw2*(1-a)*(1-a) + a*a
	return t.mean, t.Std()
}

func (t *ewmTracker) Std() float64 {
	if !t.seeded || t.sw2 >= 1 {
		return 0
	}
	v := t.cov / (1 - t.sw2)
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return math.Sqrt(v)
}
