package tracker

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/cardio/engine"
	"github.com/pthm-cable/cardio/telemetry"
)

// Period detects beats at probe nodes as upward crossings of Threshold and
// reports the intervals between them.
type Period struct {
	Probes    [][]int
	Threshold float64

	nodes     []int
	above     []bool
	crossings [][]float64
}

func (p *Period) Name() string { return "period" }

func (p *Period) Initialize(v engine.View) error {
	p.nodes, p.above, p.crossings = nil, nil, nil
	nodes, err := resolveProbes(v.Grid(), p.Probes)
	if err != nil {
		return err
	}
	u := v.Potential()
	p.nodes = nodes
	p.above = make([]bool, len(nodes))
	p.crossings = make([][]float64, len(nodes))
	for k, n := range nodes {
		p.above[k] = u[n] >= p.Threshold
	}
	return nil
}

func (p *Period) OnStep(v engine.View) error {
	u := v.Potential()
	for k, n := range p.nodes {
		above := u[n] >= p.Threshold
		if above && !p.above[k] {
			p.crossings[k] = append(p.crossings[k], v.Time())
		}
		p.above[k] = above
	}
	return nil
}

// Crossings returns the beat times at probe k.
func (p *Period) Crossings(k int) []float64 { return p.crossings[k] }

// Intervals returns the times between consecutive beats at probe k.
func (p *Period) Intervals(k int) []float64 {
	c := p.crossings[k]
	if len(c) < 2 {
		return nil
	}
	out := make([]float64, len(c)-1)
	for i := 1; i < len(c); i++ {
		out[i-1] = c[i] - c[i-1]
	}
	return out
}

// Mean returns the mean beat interval and its standard deviation at probe
// k. Both are NaN with fewer than two beats.
func (p *Period) Mean(k int) (mean, std float64) {
	iv := p.Intervals(k)
	if len(iv) == 0 {
		return math.NaN(), math.NaN()
	}
	if len(iv) == 1 {
		return iv[0], 0
	}
	return stat.MeanStdDev(iv, nil)
}

// BeatRecords lists every detected beat.
func (p *Period) BeatRecords() []telemetry.BeatRecord {
	var out []telemetry.BeatRecord
	for k, c := range p.crossings {
		for i, t := range c {
			var interval float64
			if i > 0 {
				interval = t - c[i-1]
			}
			out = append(out, telemetry.BeatRecord{Probe: k, Beat: i, Time: t, Interval: interval})
		}
	}
	return out
}
