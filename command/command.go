// Package command holds scheduled mutators that change model parameters
// while a simulation runs.
package command

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/pthm-cable/cardio/engine"
)

// SetParameter sets a model parameter once the simulation time reaches At.
type SetParameter struct {
	At    float64
	Param string
	Value float64
}

// Due reports whether the scheduled time has been reached.
func (c SetParameter) Due(v engine.View) bool { return v.Time() >= c.At }

// Execute applies the parameter change.
func (c SetParameter) Execute(m engine.Mutable) error {
	if err := m.SetParameter(c.Param, c.Value); err != nil {
		return fmt.Errorf("set %s at t=%g: %w", c.Param, c.At, err)
	}
	return nil
}

// Name identifies the command in hook error logs.
func (c SetParameter) Name() string { return "set " + c.Param }

// Func is an ad-hoc mutator: Fn runs once when the time reaches At.
type Func struct {
	At    float64
	Label string
	Fn    func(m engine.Mutable) error
}

func (f Func) Due(v engine.View) bool         { return v.Time() >= f.At }
func (f Func) Execute(m engine.Mutable) error { return f.Fn(m) }

func (f Func) Name() string {
	if f.Label == "" {
		return "func"
	}
	return f.Label
}

// Sequence orders commands by time, keeping the given order for equal
// times, so commands due in the same step apply in that order.
func Sequence(cmds ...SetParameter) []engine.ScheduledMutator {
	sorted := slices.Clone(cmds)
	slices.SortStableFunc(sorted, func(a, b SetParameter) int { return cmp.Compare(a.At, b.At) })
	out := make([]engine.ScheduledMutator, len(sorted))
	for i, c := range sorted {
		out[i] = c
	}
	return out
}
