package engine

import (
	"fmt"

	"github.com/pthm-cable/cardio/ionic"
	"github.com/pthm-cable/cardio/tissue"
)

// View is the read-only engine state handed to hooks. Slices returned by
// Potential and Variable alias engine buffers and must not be written or
// retained past the call.
type View interface {
	Time() float64
	StepIndex() int
	DT() float64
	DR() float64
	TMax() float64
	Model() ionic.Kind
	Grid() *tissue.Grid
	Stencil() *tissue.Stencil
	ActiveIndices() []int
	Potential() []float64
	Variable(name string) ([]float64, bool)
	VariableNames() []string
}

// Mutable extends View with model parameter access. It is only handed to
// scheduled mutators, between steps.
type Mutable interface {
	View
	Parameter(name string) (float64, error)
	SetParameter(name string, value float64) error
}

// StepObserver records results. Initialize is called once per engine
// initialisation, OnStep once after every completed step.
type StepObserver interface {
	Initialize(v View) error
	OnStep(v View) error
}

// ScheduledMutator changes model parameters at a scheduled point. Due is
// queried after every step until it first returns true; Execute then runs
// once. The engine resets this on every initialisation.
type ScheduledMutator interface {
	Due(v View) bool
	Execute(m Mutable) error
}

// ObserverFunc adapts a function to StepObserver with a no-op Initialize.
type ObserverFunc func(v View) error

func (f ObserverFunc) Initialize(View) error { return nil }
func (f ObserverFunc) OnStep(v View) error   { return f(v) }

type mutatorSlot struct {
	m      ScheduledMutator
	passed bool
}

// hookName names a hook in logs and errors.
func hookName(h any) string {
	if n, ok := h.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

// safeCall runs fn and converts a panic into an error so one hook cannot
// abort the step.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
