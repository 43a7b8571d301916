package tracker

import (
	"math"

	"github.com/pthm-cable/cardio/engine"
	"github.com/pthm-cable/cardio/telemetry"
)

// ActivationTime records, per active node, the first time the potential
// reaches Threshold at or after StartTime.
type ActivationTime struct {
	Threshold float64
	StartTime float64

	times     []float64 // full grid, NaN until activated
	pending   []int     // active nodes not yet activated
	shape     []int
	activated int
}

func (a *ActivationTime) Name() string { return "activation" }

func (a *ActivationTime) Initialize(v engine.View) error {
	g := v.Grid()
	a.shape = g.Shape
	a.times = make([]float64, g.Len())
	for i := range a.times {
		a.times[i] = math.NaN()
	}
	a.pending = append(a.pending[:0], v.ActiveIndices()...)
	a.activated = 0
	return nil
}

func (a *ActivationTime) OnStep(v engine.View) error {
	t := v.Time()
	if t < a.StartTime || len(a.pending) == 0 {
		return nil
	}
	u := v.Potential()
	keep := a.pending[:0]
	for _, i := range a.pending {
		if u[i] >= a.Threshold {
			a.times[i] = t
			a.activated++
			continue
		}
		keep = append(keep, i)
	}
	a.pending = keep
	return nil
}

// Map returns the activation times over the full grid. Nodes that never
// activated, and inactive nodes, hold NaN.
func (a *ActivationTime) Map() []float64 { return a.times }

// At returns the activation time of a flat node index.
func (a *ActivationTime) At(idx int) float64 { return a.times[idx] }

// Activated returns the number of activated nodes.
func (a *ActivationTime) Activated() int { return a.activated }

// Complete reports whether every active node has activated.
func (a *ActivationTime) Complete() bool { return a.times != nil && len(a.pending) == 0 }

// Records lists the activated nodes with their coordinates.
func (a *ActivationTime) Records() []telemetry.ActivationRecord {
	out := make([]telemetry.ActivationRecord, 0, a.activated)
	var coords [3]int
	for idx, t := range a.times {
		if math.IsNaN(t) {
			continue
		}
		rem := idx
		for axis := len(a.shape) - 1; axis >= 0; axis-- {
			coords[axis] = rem % a.shape[axis]
			rem /= a.shape[axis]
		}
		out = append(out, telemetry.ActivationRecord{
			Node: idx,
			X:    coords[0],
			Y:    coords[1],
			Z:    coords[2],
			Time: t,
		})
	}
	return out
}
