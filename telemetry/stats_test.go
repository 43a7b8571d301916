package telemetry

import (
	"math"
	"testing"
)

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		sorted []float64
		p      float64
		want   float64
	}{
		{"empty slice", []float64{}, 0.5, 0},
		{"single element", []float64{5.0}, 0.5, 5.0},
		{"p0", []float64{1, 2, 3, 4, 5}, 0.0, 1.0},
		{"p100", []float64{1, 2, 3, 4, 5}, 1.0, 5.0},
		{"p50 odd", []float64{1, 2, 3, 4, 5}, 0.5, 3.0},
		{"p50 even", []float64{1, 2, 3, 4}, 0.5, 2.5},
		{"p10", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0.1, 1.9},
		{"p90", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0.9, 9.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Percentile(tt.sorted, tt.p)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("Percentile(%v, %v) = %v, want %v", tt.sorted, tt.p, got, tt.want)
			}
		})
	}
}

func TestSummarizeField(t *testing.T) {
	u := []float64{-1, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0, -1}
	idx := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	s, scratch := SummarizeField(u, idx, 0.5, nil)

	if math.Abs(s.Mean-0.55) > 1e-12 {
		t.Errorf("mean = %v, want 0.55", s.Mean)
	}
	if s.Min != 0.1 || s.Max != 1.0 {
		t.Errorf("min/max = %v/%v", s.Min, s.Max)
	}
	if math.Abs(s.P10-0.19) > 0.01 || math.Abs(s.P50-0.55) > 0.01 || math.Abs(s.P90-0.91) > 0.01 {
		t.Errorf("percentiles = %v %v %v", s.P10, s.P50, s.P90)
	}
	if s.Excited != 0.6 {
		t.Errorf("excited = %v, want 0.6", s.Excited)
	}
	if len(scratch) != len(idx) {
		t.Errorf("scratch len = %d", len(scratch))
	}
	// Input order is untouched.
	if u[1] != 0.1 || u[10] != 1.0 {
		t.Error("SummarizeField reordered its input")
	}
}

func TestSummarizeFieldNonFinite(t *testing.T) {
	u := []float64{math.NaN(), 1, math.Inf(1)}
	s, _ := SummarizeField(u, []int{0, 1, 2}, 0.5, nil)
	if s.NonFinite != 2 {
		t.Errorf("non-finite = %d, want 2", s.NonFinite)
	}
	if s.Mean != 1 {
		t.Errorf("mean over finite values = %v, want 1", s.Mean)
	}

	empty, _ := SummarizeField(u, nil, 0.5, nil)
	if empty.Mean != 0 || empty.NonFinite != 0 {
		t.Error("empty index set should return zeros")
	}
}
