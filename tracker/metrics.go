package tracker

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/cardio/tissue"
)

// ConductionVelocity returns distance / (t2 - t1), or NaN when the second
// activation does not follow the first.
func ConductionVelocity(t1, t2, distance float64) float64 {
	if math.IsNaN(t1) || math.IsNaN(t2) || t2 <= t1 {
		return math.NaN()
	}
	return distance / (t2 - t1)
}

// NodeDistance returns the physical distance between two nodes.
func NodeDistance(g *tissue.Grid, a, b int, dr float64) float64 {
	ca, cb := toFloat(g.Coords(a)), toFloat(g.Coords(b))
	return floats.Distance(ca, cb, 2) * dr
}

// ActivationVelocity measures the conduction velocity between two nodes of
// an activation map.
func ActivationVelocity(a *ActivationTime, g *tissue.Grid, from, to int, dr float64) float64 {
	return ConductionVelocity(a.At(from), a.At(to), NodeDistance(g, from, to, dr))
}

// APD returns the duration of the first action potential in series: the
// time from the first upward crossing of threshold to the next downward
// crossing, both linearly interpolated. ok is false when no complete action
// potential is present.
func APD(times, series []float64, threshold float64) (apd float64, ok bool) {
	up := -1
	for i := 1; i < len(series); i++ {
		prev, cur := series[i-1], series[i]
		switch {
		case up < 0 && prev < threshold && cur >= threshold:
			up = i
		case up >= 0 && prev >= threshold && cur < threshold:
			tUp := crossing(times[up-1], times[up], series[up-1], series[up], threshold)
			tDown := crossing(times[i-1], times[i], prev, cur, threshold)
			return tDown - tUp, true
		}
	}
	return 0, false
}

// Peak returns the maximum of series and its time.
func Peak(times, series []float64) (t, value float64) {
	if len(series) == 0 {
		return math.NaN(), math.NaN()
	}
	i := floats.MaxIdx(series)
	return times[i], series[i]
}

func crossing(t0, t1, v0, v1, threshold float64) float64 {
	if v1 == v0 {
		return t1
	}
	return t0 + (threshold-v0)*(t1-t0)/(v1-v0)
}

func toFloat(c []int) []float64 {
	out := make([]float64, len(c))
	for i, v := range c {
		out[i] = float64(v)
	}
	return out
}
