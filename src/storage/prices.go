package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"mrs/src/series"
)

var ErrMissingColumn = errors.New("missing column")

type LoadOptions struct {
	DateColumn  string
	CloseColumn string // empty: "adj close", then "close"
	DateLayout  string
}

// fallback layouts tried after the configured one
var dateLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339, "01/02/2006", "2006/01/02"}

type pricePoint struct {
	date  time.Time
	close float64
}

// LoadPrices reads a daily price CSV (UTF-8 or UTF-16, BOM tolerated) into a series.
// Rows with an unparsable date or a missing close are skipped; duplicate dates keep the
// first occurrence.
func LoadPrices(path string, opts LoadOptions) (series.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return series.Series{}, err
	}
	defer f.Close()
	return ReadPrices(f, opts)
}

func ReadPrices(r io.Reader, opts LoadOptions) (series.Series, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	cr := csv.NewReader(transform.NewReader(r, dec))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return series.Series{}, fmt.Errorf("%w: no header", series.ErrEmptySeries)
		}
		return series.Series{}, err
	}
	dateIdx, closeIdx, err := resolveColumns(header, opts)
	if err != nil {
		return series.Series{}, err
	}

	var pts []pricePoint
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return series.Series{}, err
		}
		if dateIdx >= len(rec) || closeIdx >= len(rec) {
			continue
		}
		d, ok := parseDate(rec[dateIdx], opts.DateLayout)
		if !ok {
			continue
		}
		c, err := strconv.ParseFloat(strings.TrimSpace(rec[closeIdx]), 64)
		if err != nil {
			continue
		}
		pts = append(pts, pricePoint{date: d, close: c})
	}

	pts = ensureAscUnique(pts)
	dates := make([]time.Time, len(pts))
	closes := make([]float64, len(pts))
	for i, p := range pts {
		dates[i], closes[i] = p.date, p.close
	}
	return series.FromCloses(dates, closes)
}

func resolveColumns(header []string, opts LoadOptions) (int, int, error) {
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	dateCol := strings.ToLower(strings.TrimSpace(opts.DateColumn))
	if dateCol == "" {
		dateCol = "date"
	}
	di, ok := idx[dateCol]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q in %v", ErrMissingColumn, dateCol, header)
	}
	candidates := []string{"adj close", "adj_close", "adjclose", "close"}
	if c := strings.ToLower(strings.TrimSpace(opts.CloseColumn)); c != "" {
		candidates = []string{c}
	}
	for _, c := range candidates {
		if ci, ok := idx[c]; ok {
			return di, ci, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: close (tried %v) in %v", ErrMissingColumn, candidates, header)
}

func parseDate(s, layout string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if layout != "" {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ensureAscUnique sorts by date and drops repeated dates, keeping the first one seen.
func ensureAscUnique(xs []pricePoint) []pricePoint {
	sort.SliceStable(xs, func(i, j int) bool { return xs[i].date.Before(xs[j].date) })
	out := make([]pricePoint, 0, len(xs))
	for _, p := range xs {
		if len(out) > 0 && !p.date.After(out[len(out)-1].date) {
			continue
		}
		out = append(out, p)
	}
	return out
}
