// Package columnar exports a backtest run as an Apache Arrow IPC stream for charting tools.
package columnar

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"mrs/src/backtest"
)

// MIME type of an Arrow IPC stream.
const ContentType = "application/vnd.apache.arrow.stream"

var ErrMisaligned = errors.New("signal and simulation series are not aligned")

// Schema is one row per trading day of the run.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "date", Type: arrow.FixedWidthTypes.Date32},
	{Name: "close", Type: arrow.PrimitiveTypes.Float64},
	{Name: "mean", Type: arrow.PrimitiveTypes.Float64},
	{Name: "upper_band", Type: arrow.PrimitiveTypes.Float64},
	{Name: "lower_band", Type: arrow.PrimitiveTypes.Float64},
	{Name: "z_score", Type: arrow.PrimitiveTypes.Float64},
	{Name: "raw_signal", Type: arrow.PrimitiveTypes.Int8},
	{Name: "entry_marker", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "position", Type: arrow.PrimitiveTypes.Float64},
	{Name: "net_return", Type: arrow.PrimitiveTypes.Float64},
	{Name: "equity", Type: arrow.PrimitiveTypes.Float64},
	{Name: "buy_hold_equity", Type: arrow.PrimitiveTypes.Float64},
	{Name: "drawdown", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// Build assembles the run into a single record. The caller must Release it.
func Build(mem memory.Allocator, res backtest.Result) (arrow.Record, error) {
	if len(res.Signals) != len(res.Series) {
		return nil, fmt.Errorf("%w: %d signals vs %d days", ErrMisaligned, len(res.Signals), len(res.Series))
	}
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	dates := b.Field(0).(*array.Date32Builder)
	floats := func(i int) *array.Float64Builder { return b.Field(i).(*array.Float64Builder) }
	raw := b.Field(6).(*array.Int8Builder)
	markers := b.Field(7).(*array.BooleanBuilder)

	for i, sim := range res.Series {
		sig := res.Signals[i]
		if !sig.Date.Equal(sim.Date) {
			return nil, fmt.Errorf("%w: day %d %s vs %s", ErrMisaligned, i, sig.Date, sim.Date)
		}
		dates.Append(arrow.Date32FromTime(sim.Date))
		floats(1).Append(sim.Close)
		floats(2).Append(sig.Mean)
		floats(3).Append(sig.UpperBand)
		floats(4).Append(sig.LowerBand)
		floats(5).Append(sig.ZScore)
		raw.Append(int8(sig.RawSignal))
		markers.Append(sig.EntryMarker)
		floats(8).Append(sim.Position)
		floats(9).Append(sim.NetReturn)
		floats(10).Append(sim.Equity)
		floats(11).Append(sim.BuyHoldEquity)
		floats(12).Append(sim.Drawdown)
	}
	return b.NewRecord(), nil
}

// Encode writes the run to w as an IPC stream.
func Encode(w io.Writer, res backtest.Result) error {
	mem := memory.NewGoAllocator()
	rec, err := Build(mem, res)
	if err != nil {
		return err
	}
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		_ = wr.Close()
		return fmt.Errorf("write arrow record: %w", err)
	}
	return wr.Close()
}

func WriteFile(path string, res backtest.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, res); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
