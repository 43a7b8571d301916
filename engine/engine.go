// Package engine drives the operator-split reaction-diffusion time step:
// diffusion, ionic reaction, stimulation, buffer swap, then hooks.
package engine

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/pthm-cable/cardio/ionic"
	"github.com/pthm-cable/cardio/simerr"
	"github.com/pthm-cable/cardio/stim"
	"github.com/pthm-cable/cardio/telemetry"
	"github.com/pthm-cable/cardio/tissue"
)

// State is the engine lifecycle state.
type State uint8

const (
	Unconfigured State = iota
	Initialized
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", s)
}

// Options configure execution, not the model.
type Options struct {
	Workers           int // 0 uses GOMAXPROCS, 1 disables the pool
	ParallelThreshold int // minimum active nodes for the pool; 0 uses the default
	LogEvery          int // progress log interval in steps; 0 disables
	Perf              *telemetry.PerfCollector
	Logger            *slog.Logger
}

// Setup binds everything a run needs.
type Setup struct {
	Grid         *tissue.Grid
	Kernel       ionic.Kernel
	Stimuli      *stim.Sequence
	Coefficients tissue.Coefficients
	DT, DR, TMax float64

	// Initial overrides the resting value per variable name ("u" for the
	// potential) on every node.
	Initial map[string]float64

	// Snapshot, when set, replaces the initial state and clock.
	Snapshot *telemetry.StateSnapshot

	// Stencil, when set, is used instead of building one from the grid.
	Stencil *tissue.Stencil
}

// Engine owns all state buffers of a run.
type Engine struct {
	opts   Options
	log    *slog.Logger
	perf   *telemetry.PerfCollector
	pool   *workerPool
	thresh int

	state   State
	grid    *tissue.Grid
	kernel  ionic.Kernel
	stimuli *stim.Sequence
	stencil *tissue.Stencil
	active  []int

	dt, dr, tmax float64
	time         float64
	step         int

	u, next  []float64
	vars     [][]float64
	varNames []string
	varIndex map[string]int

	observers  []StepObserver
	mutators   []*mutatorSlot
	hookErrors int

	diffuse   func(lo, hi int)
	integrate func(lo, hi int)
}

// New creates an unconfigured engine.
func New(opts Options) *Engine {
	e := &Engine{
		opts:   opts,
		log:    opts.Logger,
		perf:   opts.Perf,
		thresh: opts.ParallelThreshold,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.thresh <= 0 {
		e.thresh = defaultParallelThreshold
	}
	if opts.Workers != 1 {
		e.pool = newWorkerPool(opts.Workers)
	}
	e.diffuse = func(lo, hi int) {
		e.stencil.Apply(e.u, e.next, lo, hi)
	}
	e.integrate = func(lo, hi int) {
		e.kernel.Integrate(e.u, e.next, e.vars, e.active[lo:hi], e.dt)
	}
	return e
}

// AddObserver registers a step observer. Observers run in registration
// order, before mutators.
func (e *Engine) AddObserver(o StepObserver) {
	e.observers = append(e.observers, o)
}

// AddMutator registers a scheduled mutator.
func (e *Engine) AddMutator(m ScheduledMutator) {
	e.mutators = append(e.mutators, &mutatorSlot{m: m})
}

// Initialize binds a run. It may be called again at any time, including
// after Finished, to start over.
func (e *Engine) Initialize(s Setup) error {
	e.state = Unconfigured
	if err := e.bind(s); err != nil {
		return err
	}

	for _, slot := range e.mutators {
		slot.passed = false
	}
	e.hookErrors = 0
	e.state = Initialized
	if e.perf != nil {
		e.perf.SetNodes(len(e.active))
	}

	for _, o := range e.observers {
		if err := safeCall(func() error { return o.Initialize(e) }); err != nil {
			e.hookFailed(o, err)
		}
	}

	e.log.Info("engine initialized",
		"model", e.kernel.Kind().String(),
		"shape", e.grid.Shape,
		"active", len(e.active),
		"stencil", e.stencil.Kind.String(),
		"dt", e.dt,
		"dr", e.dr,
		"t_max", e.tmax,
		"stimuli", e.stimuli.Len(),
		"variables", len(e.varNames),
	)

	// A snapshot taken at or after the end time leaves nothing to run.
	if e.done() {
		e.finish()
	}
	return nil
}

func (e *Engine) bind(s Setup) error {
	switch {
	case s.Grid == nil:
		return simerr.Configf("engine", "grid", simerr.ErrMissingBinding, "no tissue grid")
	case s.Kernel == nil:
		return simerr.Configf("engine", "kernel", simerr.ErrMissingBinding, "no ionic kernel")
	case !(s.DT > 0) || !(s.DR > 0):
		return simerr.Configf("engine", "dt", simerr.ErrInvalidTimeStep, "dt=%g dr=%g", s.DT, s.DR)
	case !(s.TMax > 0):
		return simerr.Configf("engine", "t_max", simerr.ErrInvalidTimeStep, "t_max=%g", s.TMax)
	}
	if err := s.Grid.Validate(); err != nil {
		return err
	}
	active := s.Grid.ActiveIndices()
	if len(active) == 0 {
		return simerr.Configf("engine", "grid", simerr.ErrMissingBinding, "grid has no active nodes")
	}

	st := s.Stencil
	if st == nil {
		coeff := s.Coefficients
		if coeff.D == 0 {
			coeff.D = s.Kernel.DefaultDiffusion()
		}
		kind := s.Kernel.SelectStencil(s.Grid)
		var err error
		if st, err = tissue.BuildStencil(s.Grid, kind, coeff, s.DT, s.DR); err != nil {
			return err
		}
		if err := tissue.CheckStability(kind, coeff, s.DT, s.DR, s.Grid.Dims()); err != nil {
			e.log.Warn("unstable time step", "err", err,
				"stable_dt", tissue.StableDT(kind, coeff, s.DR, s.Grid.Dims()))
		}
	} else if len(st.Active) != len(active) {
		return simerr.Configf("engine", "stencil", simerr.ErrInvalidShape,
			"stencil has %d rows for %d active nodes", len(st.Active), len(active))
	}

	if err := s.Stimuli.Initialize(s.Grid); err != nil {
		return err
	}

	vars := s.Kernel.Variables()
	n := s.Grid.Len()
	names := make([]string, len(vars))
	index := make(map[string]int, len(vars))
	initial := make([]float64, len(vars))
	for k, v := range vars {
		names[k] = v.Name
		index[v.Name] = k
		initial[k] = v.Initial
	}
	rest := s.Kernel.RestingPotential()
	for name, val := range s.Initial {
		if name == ionic.PotentialName {
			rest = val
			continue
		}
		k, ok := index[name]
		if !ok {
			return simerr.Configf("engine", "initial", simerr.ErrUnknownVariable, "%q", name)
		}
		initial[k] = val
	}

	u := make([]float64, n)
	fill(u, rest)
	state := make([][]float64, len(vars))
	for k := range state {
		state[k] = make([]float64, n)
		fill(state[k], initial[k])
	}

	var t float64
	var step int
	if snap := s.Snapshot; snap != nil {
		if err := restore(snap, s.Grid, s.Kernel, u, state, names); err != nil {
			return err
		}
		t, step = snap.Time, snap.Step
	}

	e.grid, e.kernel, e.stimuli, e.stencil, e.active = s.Grid, s.Kernel, s.Stimuli, st, active
	e.dt, e.dr, e.tmax = s.DT, s.DR, s.TMax
	e.time, e.step = t, step
	e.u, e.next = u, slices.Clone(u)
	e.vars, e.varNames, e.varIndex = state, names, index
	return nil
}

func restore(snap *telemetry.StateSnapshot, g *tissue.Grid, k ionic.Kernel, u []float64, vars [][]float64, names []string) error {
	if err := snap.Validate(); err != nil {
		return simerr.Configf("engine", "snapshot", simerr.ErrInvalidShape, "%v", err)
	}
	if !slices.Equal(snap.Shape, g.Shape) {
		return simerr.Configf("engine", "snapshot", simerr.ErrInvalidShape, "shape %v, grid %v", snap.Shape, g.Shape)
	}
	if snap.Model != k.Kind().String() {
		return simerr.Configf("engine", "snapshot", simerr.ErrUnknownModel, "snapshot of %q, kernel %q", snap.Model, k.Kind())
	}
	copy(u, snap.Potential)
	for i, name := range names {
		v, ok := snap.Variables[name]
		if !ok {
			return simerr.Configf("engine", "snapshot", simerr.ErrUnknownVariable, "missing %q", name)
		}
		copy(vars[i], v)
	}
	for name, val := range snap.Params {
		if err := k.Params().Set(name, val); err != nil {
			return simerr.Configf("engine", "snapshot", simerr.ErrUnknownParameter, "%v", err)
		}
	}
	return nil
}

func fill(s []float64, v float64) {
	for i := range s {
		s[i] = v
	}
}

// Step advances the simulation by one time step.
func (e *Engine) Step() error {
	switch e.state {
	case Unconfigured:
		return simerr.ErrNotInitialized
	case Finished:
		return simerr.ErrFinished
	case Initialized:
		e.state = Running
	}

	e.perf.StartStep()

	e.perf.StartPhase(telemetry.PhaseDiffusion)
	e.parallel(e.diffuse)

	e.perf.StartPhase(telemetry.PhaseIonic)
	e.parallel(e.integrate)

	e.perf.StartPhase(telemetry.PhaseStimulation)
	e.stimuli.Apply(e.next, e.time, e.dt)

	e.u, e.next = e.next, e.u
	e.time += e.dt
	e.step++

	e.perf.StartPhase(telemetry.PhaseHooks)
	e.runHooks()
	e.perf.EndStep()

	if e.opts.LogEvery > 0 && e.step%e.opts.LogEvery == 0 {
		e.log.Info("progress", "step", e.step, "time", e.time, "t_max", e.tmax)
	}

	if e.done() {
		e.finish()
	}
	return nil
}

func (e *Engine) done() bool {
	return e.time >= e.tmax-1e-9*e.dt
}

func (e *Engine) finish() {
	e.state = Finished
	if e.pool != nil {
		e.pool.stop()
	}
	e.log.Info("run finished", "step", e.step, "time", e.time, "hook_errors", e.hookErrors)
}

// Run steps until the configured end time.
func (e *Engine) Run() error {
	for e.state != Finished {
		if err := e.Step(); err != nil {
			return err
		}
	}
	return nil
}

// parallel runs fn over the active set, on the pool when it is large
// enough. It returns after all chunks finish.
func (e *Engine) parallel(fn func(lo, hi int)) {
	n := len(e.active)
	if e.pool == nil || n < e.thresh {
		fn(0, n)
		return
	}
	e.pool.run(n, fn)
}

func (e *Engine) runHooks() {
	for _, o := range e.observers {
		if err := safeCall(func() error { return o.OnStep(e) }); err != nil {
			e.hookFailed(o, err)
		}
	}
	for _, slot := range e.mutators {
		if slot.passed {
			continue
		}
		m := slot.m
		var due bool
		if err := safeCall(func() error { due = m.Due(e); return nil }); err != nil {
			e.hookFailed(m, err)
			continue
		}
		if !due {
			continue
		}
		slot.passed = true
		if err := safeCall(func() error { return m.Execute(e) }); err != nil {
			e.hookFailed(m, err)
		}
	}
}

func (e *Engine) hookFailed(h any, err error) {
	e.hookErrors++
	herr := &simerr.HookError{Hook: hookName(h), Step: e.step, Time: e.time, Err: err}
	e.log.Warn("hook failed", "err", herr)
}

// HookErrors returns the number of failed hook invocations since the last
// Initialize.
func (e *Engine) HookErrors() int { return e.hookErrors }

// State returns the lifecycle state.
func (e *Engine) State() State { return e.state }

// Close stops the worker pool. The engine stays usable; the pool restarts
// on demand.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.stop()
	}
}

// Snapshot captures the full state. It returns nil before Initialize.
func (e *Engine) Snapshot() *telemetry.StateSnapshot {
	if e.state == Unconfigured {
		return nil
	}
	s := &telemetry.StateSnapshot{
		Version:   telemetry.SnapshotVersion,
		Model:     e.kernel.Kind().String(),
		Shape:     slices.Clone(e.grid.Shape),
		Step:      e.step,
		Time:      e.time,
		DT:        e.dt,
		DR:        e.dr,
		Potential: slices.Clone(e.u),
		Variables: make(map[string][]float64, len(e.vars)),
		Params:    e.kernel.Params().Snapshot(),
	}
	for k, name := range e.varNames {
		s.Variables[name] = slices.Clone(e.vars[k])
	}
	return s
}

// View implementation.

func (e *Engine) Time() float64            { return e.time }
func (e *Engine) StepIndex() int           { return e.step }
func (e *Engine) DT() float64              { return e.dt }
func (e *Engine) DR() float64              { return e.dr }
func (e *Engine) TMax() float64            { return e.tmax }
func (e *Engine) Grid() *tissue.Grid       { return e.grid }
func (e *Engine) Stencil() *tissue.Stencil { return e.stencil }
func (e *Engine) ActiveIndices() []int     { return e.active }
func (e *Engine) Potential() []float64     { return e.u }
func (e *Engine) VariableNames() []string  { return slices.Clone(e.varNames) }
func (e *Engine) Model() ionic.Kind        { return e.kernel.Kind() }

// Variable returns the state array of a model variable, or the potential
// for "u".
func (e *Engine) Variable(name string) ([]float64, bool) {
	if name == ionic.PotentialName {
		return e.u, true
	}
	k, ok := e.varIndex[name]
	if !ok {
		return nil, false
	}
	return e.vars[k], true
}

// Parameter returns a model parameter.
func (e *Engine) Parameter(name string) (float64, error) {
	if e.kernel == nil {
		return 0, simerr.ErrNotInitialized
	}
	return e.kernel.Params().Get(name)
}

// SetParameter changes a model parameter; it takes effect on the next step.
func (e *Engine) SetParameter(name string, value float64) error {
	if e.kernel == nil {
		return simerr.ErrNotInitialized
	}
	if err := e.kernel.Params().Set(name, value); err != nil {
		return err
	}
	e.log.Info("parameter changed", "name", name, "value", value, "time", e.time)
	return nil
}

// NonFinite reports whether any active potential value is NaN or infinite.
func (e *Engine) NonFinite() bool {
	for _, i := range e.active {
		if math.IsNaN(e.u[i]) || math.IsInf(e.u[i], 0) {
			return true
		}
	}
	return false
}

var _ Mutable = (*Engine)(nil)
