package series

// Series: daily close/return records for a single instrument.
// Built once by the ingest layer and then only read: every accessor hands out copies,
// so one Series can be shared by any number of grid-search workers.

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrEmptySeries   = errors.New("empty series")
	ErrInvalidSeries = errors.New("invalid series")
)

// extremeRangeRatio flags data that most likely carries unadjusted splits.
const extremeRangeRatio = 10000.0

// Record is one trading day. Return is close/prevClose-1.
type Record struct {
	Date   time.Time `json:"date"`
	Close  float64   `json:"close"`
	Return float64   `json:"return"`
}

type Series struct {
	records []Record
}

// ===================== Constructors =====================

// FromCloses derives returns from consecutive closes. The first observation only seeds
// the first return and is dropped, so n closes yield n-1 records.
func FromCloses(dates []time.Time, closes []float64) (Series, error) {
	if len(dates) != len(closes) {
		return Series{}, fmt.Errorf("%w: %d dates vs %d closes", ErrInvalidSeries, len(dates), len(closes))
	}
	if len(closes) < 2 {
		return Series{}, fmt.Errorf("%w: need at least 2 price observations, got %d", ErrEmptySeries, len(closes))
	}
	if err := checkClose(0, closes[0]); err != nil {
		return Series{}, err
	}
	recs := make([]Record, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if !dates[i].After(dates[i-1]) {
			return Series{}, fmt.Errorf("%w: date %s at %d not after %s", ErrInvalidSeries,
				dates[i].Format("2006-01-02"), i, dates[i-1].Format("2006-01-02"))
		}
		if err := checkClose(i, closes[i]); err != nil {
			return Series{}, err
		}
		recs = append(recs, Record{Date: dates[i], Close: closes[i], Return: closes[i]/closes[i-1] - 1})
	}
	return Series{records: recs}, nil
}

// New validates records that already carry their returns.
func New(records []Record) (Series, error) {
	if len(records) == 0 {
		return Series{}, fmt.Errorf("%w: no records", ErrEmptySeries)
	}
	for i, r := range records {
		if err := checkClose(i, r.Close); err != nil {
			return Series{}, err
		}
		if math.IsNaN(r.Return) || math.IsInf(r.Return, 0) {
			return Series{}, fmt.Errorf("%w: non-finite return at %d", ErrInvalidSeries, i)
		}
		if i > 0 && !r.Date.After(records[i-1].Date) {
			return Series{}, fmt.Errorf("%w: date %s at %d not after %s", ErrInvalidSeries,
				r.Date.Format("2006-01-02"), i, records[i-1].Date.Format("2006-01-02"))
		}
	}
	out := make([]Record, len(records))
	copy(out, records)
	return Series{records: out}, nil
}

func checkClose(i int, c float64) error {
	if math.IsNaN(c) || math.IsInf(c, 0) || c <= 0 {
		return fmt.Errorf("%w: close %v at %d must be positive", ErrInvalidSeries, c, i)
	}
	return nil
}

// ===================== Accessors =====================

func (s Series) Len() int          { return len(s.records) }
func (s Series) At(i int) Record   { return s.records[i] }
func (s Series) Empty() bool       { return len(s.records) == 0 }
func (s Series) First() time.Time  { return s.records[0].Date }
func (s Series) Last() time.Time   { return s.records[len(s.records)-1].Date }
func (s Series) Records() []Record { return s.Clone().records }

func (s Series) Clone() Series {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return Series{records: out}
}

func (s Series) Dates() []time.Time {
	out := make([]time.Time, len(s.records))
	for i, r := range s.records {
		out[i] = r.Date
	}
	return out
}

func (s Series) Closes() []float64 {
	out := make([]float64, len(s.records))
	for i, r := range s.records {
		out[i] = r.Close
	}
	return out
}

func (s Series) Returns() []float64 {
	out := make([]float64, len(s.records))
	for i, r := range s.records {
		out[i] = r.Return
	}
	return out
}

// MinMax returns the lowest and highest close.
func (s Series) MinMax() (lo, hi float64) {
	if len(s.records) == 0 {
		return 0, 0
	}
	lo, hi = s.records[0].Close, s.records[0].Close
	for _, r := range s.records[1:] {
		lo = math.Min(lo, r.Close)
		hi = math.Max(hi, r.Close)
	}
	return lo, hi
}

// ExtremeRange reports a max/min close ratio above 10000, which usually means the
// upstream split adjustment went wrong.
func (s Series) ExtremeRange() bool {
	lo, hi := s.MinMax()
	return lo > 0 && hi/lo > extremeRangeRatio
}
