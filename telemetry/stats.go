package telemetry

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FieldStats summarises the potential over the active nodes at one step.
type FieldStats struct {
	Step int     `csv:"step"`
	Time float64 `csv:"time"`

	Mean float64 `csv:"mean"`
	Std  float64 `csv:"std"`
	Min  float64 `csv:"min"`
	Max  float64 `csv:"max"`
	P10  float64 `csv:"p10"`
	P50  float64 `csv:"p50"`
	P90  float64 `csv:"p90"`

	// Fraction of active nodes at or above the excitation threshold.
	Excited float64 `csv:"excited"`

	// Non-finite values signal numerical divergence.
	NonFinite int `csv:"non_finite"`
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// SummarizeField computes FieldStats of u over idx. scratch is reused for
// the sorted copy when large enough and is returned for the next call.
func SummarizeField(u []float64, idx []int, threshold float64, scratch []float64) (FieldStats, []float64) {
	var s FieldStats
	values := scratch[:0]
	excited := 0
	for _, i := range idx {
		v := u[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			s.NonFinite++
			continue
		}
		if v >= threshold {
			excited++
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return s, values
	}

	s.Mean, s.Std = stat.PopMeanStdDev(values, nil)
	s.Min = floats.Min(values)
	s.Max = floats.Max(values)

	sort.Float64s(values)
	s.P10 = Percentile(values, 0.10)
	s.P50 = Percentile(values, 0.50)
	s.P90 = Percentile(values, 0.90)
	s.Excited = float64(excited) / float64(len(idx))
	return s, values
}

// LogValue implements slog.LogValuer for structured logging.
func (s FieldStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("step", s.Step),
		slog.Float64("time", s.Time),
		slog.Float64("mean", s.Mean),
		slog.Float64("min", s.Min),
		slog.Float64("max", s.Max),
		slog.Float64("p50", s.P50),
		slog.Float64("excited", s.Excited),
		slog.Int("non_finite", s.NonFinite),
	)
}

// LogStats logs the field stats using slog.
func (s FieldStats) LogStats() {
	level := slog.LevelInfo
	if s.NonFinite > 0 {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "field",
		"step", s.Step,
		"time", s.Time,
		"mean", s.Mean,
		"min", s.Min,
		"max", s.Max,
		"excited", s.Excited,
		"non_finite", s.NonFinite,
	)
}
