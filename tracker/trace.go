// Package tracker holds step observers that record simulation results:
// probe traces, activation times, beat periods and a pseudo-ECG.
package tracker

import (
	"github.com/pthm-cable/cardio/engine"
	"github.com/pthm-cable/cardio/ionic"
	"github.com/pthm-cable/cardio/simerr"
	"github.com/pthm-cable/cardio/telemetry"
	"github.com/pthm-cable/cardio/tissue"
)

// Trace samples state variables at probe nodes every Every steps.
type Trace struct {
	Probes    [][]int
	Variables []string
	Every     int

	nodes   []int
	columns [][]float64 // probe-major: column p*len(Variables)+v
	steps   []int
	times   []float64
}

// NewActionPotential traces the potential at the given probes.
func NewActionPotential(every int, probes ...[]int) *Trace {
	return &Trace{Probes: probes, Variables: []string{ionic.PotentialName}, Every: every}
}

// NewMultiVariable traces several variables at one probe.
func NewMultiVariable(every int, probe []int, variables ...string) *Trace {
	return &Trace{Probes: [][]int{probe}, Variables: variables, Every: every}
}

func (t *Trace) Name() string { return "trace" }

// Initialize resolves probes and clears previous samples.
func (t *Trace) Initialize(v engine.View) error {
	t.nodes, t.columns = nil, nil
	t.steps, t.times = t.steps[:0], t.times[:0]
	if t.Every < 1 {
		t.Every = 1
	}

	nodes, err := resolveProbes(v.Grid(), t.Probes)
	if err != nil {
		return err
	}
	for _, name := range t.Variables {
		if _, ok := v.Variable(name); !ok {
			return simerr.Configf("tracker", "variables", simerr.ErrUnknownVariable, "%q", name)
		}
	}
	t.nodes = nodes
	t.columns = make([][]float64, len(nodes)*len(t.Variables))
	return nil
}

// OnStep samples the probes when the step index is a multiple of Every.
func (t *Trace) OnStep(v engine.View) error {
	if t.nodes == nil || v.StepIndex()%t.Every != 0 {
		return nil
	}
	t.steps = append(t.steps, v.StepIndex())
	t.times = append(t.times, v.Time())
	nv := len(t.Variables)
	for k, name := range t.Variables {
		values, _ := v.Variable(name)
		for p, node := range t.nodes {
			col := p*nv + k
			t.columns[col] = append(t.columns[col], values[node])
		}
	}
	return nil
}

// Times returns the sample times.
func (t *Trace) Times() []float64 { return t.times }

// Series returns the samples of the first variable at probe p.
func (t *Trace) Series(p int) []float64 { return t.VariableSeries(p, 0) }

// VariableSeries returns the samples of variable k at probe p.
func (t *Trace) VariableSeries(p, k int) []float64 {
	col := p*len(t.Variables) + k
	if col < 0 || col >= len(t.columns) {
		return nil
	}
	return t.columns[col]
}

// Node returns the flat index of probe p.
func (t *Trace) Node(p int) int { return t.nodes[p] }

// Records flattens all samples for CSV output.
func (t *Trace) Records() []telemetry.TraceRecord {
	out := make([]telemetry.TraceRecord, 0, len(t.times)*len(t.columns))
	nv := len(t.Variables)
	for i, step := range t.steps {
		for p, node := range t.nodes {
			for k, name := range t.Variables {
				out = append(out, telemetry.TraceRecord{
					Step:     step,
					Time:     t.times[i],
					Probe:    p,
					Node:     node,
					Variable: name,
					Value:    t.columns[p*nv+k][i],
				})
			}
		}
	}
	return out
}

// resolveProbes converts probe coordinates into flat indices of active
// nodes.
func resolveProbes(g *tissue.Grid, probes [][]int) ([]int, error) {
	nodes := make([]int, len(probes))
	for p, c := range probes {
		if len(c) != g.Dims() || !g.InBounds(c) {
			return nil, simerr.Configf("tracker", "probes", simerr.ErrInvalidRegion,
				"probe %d at %v outside grid %v", p, c, g.Shape)
		}
		idx := g.Index(c...)
		if !g.IsActive(idx) {
			return nil, simerr.Configf("tracker", "probes", simerr.ErrInvalidRegion,
				"probe %d at %v is not tissue", p, c)
		}
		nodes[p] = idx
	}
	return nodes, nil
}
