package tracker

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/cardio/engine"
	"github.com/pthm-cable/cardio/simerr"
	"github.com/pthm-cable/cardio/telemetry"
)

// ECG computes a pseudo-ECG: at each electrode r0 the sum over active nodes
// of the diffusive transmembrane current divided by |r - r0|.
//
// Electrodes are given in grid units. An electrode with one coordinate more
// than the grid has dimensions sits at that height above the tissue.
type ECG struct {
	Electrodes [][]float64
	Every      int

	weights  [][]float64 // per electrode, per active row
	currents []float64
	steps    []int
	times    []float64
	values   [][]float64
}

func (e *ECG) Name() string { return "ecg" }

func (e *ECG) Initialize(v engine.View) error {
	e.weights, e.values = nil, nil
	e.steps, e.times = e.steps[:0], e.times[:0]
	if e.Every < 1 {
		e.Every = 1
	}

	g, st := v.Grid(), v.Stencil()
	dims, dr := g.Dims(), v.DR()
	weights := make([][]float64, len(e.Electrodes))
	for k, el := range e.Electrodes {
		if len(el) != dims && len(el) != dims+1 {
			return simerr.Configf("tracker", "ecg.electrodes", simerr.ErrInvalidRegion,
				"electrode %d has %d coordinates for %d dimensions", k, len(el), dims)
		}
		var height float64
		if len(el) > dims {
			height = el[dims]
		}
		w := make([]float64, len(st.Active))
		for a, idx := range st.Active {
			sq := height * height
			for axis, c := range g.Coords(idx) {
				d := float64(c) - el[axis]
				sq += d * d
			}
			if sq == 0 {
				return simerr.Configf("tracker", "ecg.electrodes", simerr.ErrInvalidRegion,
					"electrode %d coincides with node %v", k, g.Coords(idx))
			}
			w[a] = 1 / (math.Sqrt(sq) * dr)
		}
		weights[k] = w
	}

	e.weights = weights
	e.currents = make([]float64, len(st.Active))
	e.values = make([][]float64, len(weights))
	return nil
}

func (e *ECG) OnStep(v engine.View) error {
	if e.weights == nil || v.StepIndex()%e.Every != 0 {
		return nil
	}
	st, u := v.Stencil(), v.Potential()
	inv := 1 / v.DT()
	for a := range e.currents {
		e.currents[a] = st.Flux(u, a) * inv
	}
	e.steps = append(e.steps, v.StepIndex())
	e.times = append(e.times, v.Time())
	for k, w := range e.weights {
		e.values[k] = append(e.values[k], floats.Dot(w, e.currents))
	}
	return nil
}

// Times returns the sample times.
func (e *ECG) Times() []float64 { return e.times }

// Series returns the signal at electrode k.
func (e *ECG) Series(k int) []float64 { return e.values[k] }

// Records flattens all samples for CSV output.
func (e *ECG) Records() []telemetry.ECGRecord {
	out := make([]telemetry.ECGRecord, 0, len(e.times)*len(e.values))
	for i, step := range e.steps {
		for k := range e.values {
			out = append(out, telemetry.ECGRecord{Step: step, Time: e.times[i], Electrode: k, Value: e.values[k][i]})
		}
	}
	return out
}
