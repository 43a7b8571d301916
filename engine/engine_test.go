package engine

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/cardio/ionic"
	"github.com/pthm-cable/cardio/simerr"
	"github.com/pthm-cable/cardio/stim"
	"github.com/pthm-cable/cardio/telemetry"
	"github.com/pthm-cable/cardio/tissue"
)

func quietOptions() Options {
	return Options{Workers: 1, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func grid(t *testing.T, shape ...int) *tissue.Grid {
	t.Helper()
	g, err := tissue.New(shape...)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// cableSetup is a 1D Aliev-Panfilov cable stimulated on its first three nodes.
func cableSetup(t *testing.T, n int, tmax float64) Setup {
	return Setup{
		Grid:    grid(t, n),
		Kernel:  ionic.NewAlievPanfilov(),
		Stimuli: stim.NewSequence(stim.NewVoltage(0, 1, stim.Region{Lo: []int{0}, Hi: []int{3}})),
		DT:      0.01,
		DR:      0.25,
		TMax:    tmax,
	}
}

// recorder keeps the potential at fixed nodes after every step.
type recorder struct {
	nodes  []int
	times  []float64
	series [][]float64
	inits  int
}

func (r *recorder) Initialize(v View) error {
	r.inits++
	r.times = r.times[:0]
	r.series = make([][]float64, len(r.nodes))
	return nil
}

func (r *recorder) OnStep(v View) error {
	r.times = append(r.times, v.Time())
	for k, n := range r.nodes {
		r.series[k] = append(r.series[k], v.Potential()[n])
	}
	return nil
}

func firstCrossing(times, s []float64, thr float64) float64 {
	for i, v := range s {
		if v >= thr {
			return times[i]
		}
	}
	return math.NaN()
}

func TestNoStimulusStaysAtRest(t *testing.T) {
	g := grid(t, 12, 12)
	g.AddBoundaries()
	g.SetRegion([]int{4, 4}, []int{7, 6}, tissue.Boundary)

	e := New(quietOptions())
	defer e.Close()
	err := e.Initialize(Setup{
		Grid:    g,
		Kernel:  ionic.NewAlievPanfilov(),
		Stimuli: stim.NewSequence(),
		DT:      0.01,
		DR:      0.25,
		TMax:    2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if e.StepIndex() != 200 {
		t.Errorf("steps = %d, want 200", e.StepIndex())
	}
	for i, u := range e.Potential() {
		if u != 0 {
			t.Fatalf("u[%d] = %v after a run without stimuli", i, u)
		}
	}
	v, _ := e.Variable("v")
	if floats.Max(v) != 0 || floats.Min(v) != 0 {
		t.Error("recovery variable moved")
	}
}

func TestInitializeErrors(t *testing.T) {
	g := grid(t, 10)
	fibred := grid(t, 6, 6)
	if err := fibred.SetUniformFibers(0.3); err != nil {
		t.Fatal(err)
	}
	empty := grid(t, 4)
	empty.SetRegion([]int{0}, []int{4}, tissue.Empty)

	tests := []struct {
		name     string
		setup    Setup
		sentinel error
	}{
		{"no grid", Setup{Kernel: ionic.NewAlievPanfilov(), DT: 0.01, DR: 0.25, TMax: 1}, simerr.ErrMissingBinding},
		{"no kernel", Setup{Grid: g, DT: 0.01, DR: 0.25, TMax: 1}, simerr.ErrMissingBinding},
		{"zero dt", Setup{Grid: g, Kernel: ionic.NewAlievPanfilov(), DR: 0.25, TMax: 1}, simerr.ErrInvalidTimeStep},
		{"zero t_max", Setup{Grid: g, Kernel: ionic.NewAlievPanfilov(), DT: 0.01, DR: 0.25}, simerr.ErrInvalidTimeStep},
		{"no active nodes", Setup{Grid: empty, Kernel: ionic.NewAlievPanfilov(), DT: 0.01, DR: 0.25, TMax: 1}, simerr.ErrMissingBinding},
		{"unknown initial", Setup{
			Grid: g, Kernel: ionic.NewAlievPanfilov(), DT: 0.01, DR: 0.25, TMax: 1,
			Initial: map[string]float64{"w": 1},
		}, simerr.ErrUnknownVariable},
		{"anisotropic without coefficients", Setup{
			Grid: fibred, Kernel: ionic.NewAlievPanfilov(), DT: 0.01, DR: 0.25, TMax: 1,
		}, simerr.ErrMissingCoefficient},
		{"bad stimulus region", Setup{
			Grid: g, Kernel: ionic.NewAlievPanfilov(), DT: 0.01, DR: 0.25, TMax: 1,
			Stimuli: stim.NewSequence(stim.NewVoltage(0, 1, stim.Region{Lo: []int{0, 0}, Hi: []int{1, 1}})),
		}, simerr.ErrInvalidRegion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(quietOptions())
			err := e.Initialize(tt.setup)
			if !errors.Is(err, tt.sentinel) || !simerr.IsConfig(err) {
				t.Errorf("Initialize error = %v, want config error %v", err, tt.sentinel)
			}
			if e.State() != Unconfigured {
				t.Errorf("state = %v after failed Initialize", e.State())
			}
		})
	}
}

func TestStateMachine(t *testing.T) {
	e := New(quietOptions())
	if err := e.Step(); !errors.Is(err, simerr.ErrNotInitialized) {
		t.Errorf("Step before Initialize = %v", err)
	}

	setup := cableSetup(t, 10, 0.05)
	if err := e.Initialize(setup); err != nil {
		t.Fatal(err)
	}
	if e.State() != Initialized {
		t.Errorf("state = %v", e.State())
	}
	if err := e.Step(); err != nil {
		t.Fatal(err)
	}
	if e.State() != Running {
		t.Errorf("state = %v", e.State())
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if e.State() != Finished || e.StepIndex() != 5 {
		t.Errorf("state = %v at step %d", e.State(), e.StepIndex())
	}
	if err := e.Step(); !errors.Is(err, simerr.ErrFinished) {
		t.Errorf("Step after Finished = %v", err)
	}

	if err := e.Initialize(setup); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if e.State() != Initialized || e.StepIndex() != 0 || e.Time() != 0 {
		t.Errorf("re-initialised engine at step %d time %v", e.StepIndex(), e.Time())
	}
}

func TestStepOrder(t *testing.T) {
	setup := cableSetup(t, 10, 0.1)
	e := New(quietOptions())
	var times []float64
	var stimulated []float64
	e.AddObserver(ObserverFunc(func(v View) error {
		times = append(times, v.Time())
		stimulated = append(stimulated, v.Potential()[0])
		return nil
	}))
	if err := e.Initialize(setup); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	// Stimulation overwrites after diffusion and reaction in the first step.
	if stimulated[0] != 1 {
		t.Errorf("u[0] after first step = %v, want exactly 1", stimulated[0])
	}
	if stimulated[1] == 1 {
		t.Error("voltage stimulus applied twice")
	}
	for i, tm := range times {
		if math.Abs(tm-float64(i+1)*0.01) > 1e-12 {
			t.Fatalf("hook %d saw time %v", i, tm)
		}
	}
}

type failing struct{ panics bool }

func (f failing) Initialize(View) error { return errors.New("init failed") }
func (f failing) OnStep(View) error {
	if f.panics {
		panic("observer bug")
	}
	return errors.New("write failed")
}

func TestHookErrorsAreIsolated(t *testing.T) {
	e := New(quietOptions())
	good := &recorder{nodes: []int{5}}
	e.AddObserver(failing{})
	e.AddObserver(failing{panics: true})
	e.AddObserver(good)

	if err := e.Initialize(cableSetup(t, 10, 0.1)); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if len(good.times) != 10 {
		t.Errorf("healthy observer saw %d steps, want 10", len(good.times))
	}
	// Two failing Initialize calls plus two failures per step.
	if e.HookErrors() != 2+20 {
		t.Errorf("hook errors = %d, want 22", e.HookErrors())
	}
}

type counter struct {
	at    float64
	fired []float64
}

func (c *counter) Due(v View) bool { return v.Time() >= c.at }
func (c *counter) Execute(m Mutable) error {
	c.fired = append(c.fired, m.Time())
	return m.SetParameter("k", 9)
}

func TestMutatorFiresOncePerRun(t *testing.T) {
	e := New(quietOptions())
	c := &counter{at: 0.05}
	e.AddMutator(c)
	setup := cableSetup(t, 10, 0.2)

	if err := e.Initialize(setup); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if len(c.fired) != 1 || c.fired[0] < 0.05 || c.fired[0] > 0.06+1e-9 {
		t.Fatalf("fired at %v, want once at 0.05", c.fired)
	}
	if k, _ := e.Parameter("k"); k != 9 {
		t.Errorf("k = %v after command", k)
	}

	if err := e.Initialize(setup); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if len(c.fired) != 2 {
		t.Errorf("re-initialised run fired %d times in total, want 2", len(c.fired))
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	build := func() Setup {
		g := grid(t, 40, 40)
		if err := g.SetUniformFibers(0.5); err != nil {
			t.Fatal(err)
		}
		g.SetRegion([]int{15, 15}, []int{25, 20}, tissue.Boundary)
		return Setup{
			Grid:         g,
			Kernel:       ionic.NewAlievPanfilov(),
			Stimuli:      stim.NewSequence(stim.NewCurrent(0, 0.5, 4, stim.Region{Lo: []int{0, 0}, Hi: []int{40, 3}})),
			Coefficients: tissue.Coefficients{Along: 1, Across: 0.3},
			DT:           0.01,
			DR:           0.25,
			TMax:         1,
		}
	}

	serial := New(quietOptions())
	if err := serial.Initialize(build()); err != nil {
		t.Fatal(err)
	}
	if err := serial.Run(); err != nil {
		t.Fatal(err)
	}

	opts := quietOptions()
	opts.Workers = 4
	opts.ParallelThreshold = 1
	par := New(opts)
	defer par.Close()
	if err := par.Initialize(build()); err != nil {
		t.Fatal(err)
	}
	if err := par.Run(); err != nil {
		t.Fatal(err)
	}

	if !floats.Equal(serial.Potential(), par.Potential()) {
		t.Error("parallel run differs from serial run")
	}
	if floats.Max(par.Potential()) < 0.5 {
		t.Error("no excitation developed")
	}
}

func TestConductionVelocity(t *testing.T) {
	e := New(quietOptions())
	r := &recorder{nodes: []int{20, 40}}
	e.AddObserver(r)
	if err := e.Initialize(cableSetup(t, 60, 10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	t1 := firstCrossing(r.times, r.series[0], 0.5)
	t2 := firstCrossing(r.times, r.series[1], 0.5)
	cv := 20 * 0.25 / (t2 - t1)
	if !(cv >= 1.5 && cv <= 2.0) {
		t.Errorf("conduction velocity = %v (activations %v, %v), want in [1.5, 2.0]", cv, t1, t2)
	}
}

func TestActionPotentialShape(t *testing.T) {
	e := New(quietOptions())
	r := &recorder{nodes: []int{10}}
	e.AddObserver(r)
	if err := e.Initialize(cableSetup(t, 12, 30)); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	s := r.series[0]
	if peak := floats.Max(s); math.Abs(peak-1) > 0.02 {
		t.Errorf("peak = %v, want 1 +/- 0.02", peak)
	}

	const thr = 0.1
	up, down := -1, -1
	for i, v := range s {
		if up < 0 && v >= thr {
			up = i
		}
		if up >= 0 && v < thr {
			down = i
			break
		}
	}
	if up < 0 || down < 0 {
		t.Fatalf("no complete action potential: up=%d down=%d", up, down)
	}
	apd := r.times[down] - r.times[up]
	if apd < 20 || apd > 30 {
		t.Errorf("APD = %v, want in [20, 30]", apd)
	}
}

func TestSnapshotResume(t *testing.T) {
	full := New(quietOptions())
	if err := full.Initialize(cableSetup(t, 20, 2)); err != nil {
		t.Fatal(err)
	}
	if err := full.Run(); err != nil {
		t.Fatal(err)
	}

	first := New(quietOptions())
	if err := first.Initialize(cableSetup(t, 20, 1)); err != nil {
		t.Fatal(err)
	}
	if err := first.Run(); err != nil {
		t.Fatal(err)
	}
	snap := first.Snapshot()

	resumed := New(quietOptions())
	setup := cableSetup(t, 20, 2)
	setup.Stimuli = nil
	setup.Snapshot = snap
	if err := resumed.Initialize(setup); err != nil {
		t.Fatal(err)
	}
	if resumed.StepIndex() != 100 {
		t.Errorf("resumed at step %d", resumed.StepIndex())
	}
	if err := resumed.Run(); err != nil {
		t.Fatal(err)
	}
	if !floats.EqualApprox(full.Potential(), resumed.Potential(), 1e-12) {
		t.Error("resumed run diverged from uninterrupted run")
	}

	// Restoring at the end time leaves the engine finished.
	ended := New(quietOptions())
	setup.Snapshot = snap
	setup.TMax = snap.Time
	if err := ended.Initialize(setup); err != nil {
		t.Fatal(err)
	}
	if ended.State() != Finished {
		t.Errorf("state after restoring at t_max = %v", ended.State())
	}
	if err := ended.Step(); !errors.Is(err, simerr.ErrFinished) {
		t.Errorf("Step after restoring at t_max: %v", err)
	}
	if ended.StepIndex() != 100 || ended.Time() != snap.Time {
		t.Errorf("ended at step %d time %v", ended.StepIndex(), ended.Time())
	}
	setup.TMax = 2

	bad := *snap
	bad.Shape = []int{21}
	setup.Snapshot = &bad
	if err := resumed.Initialize(setup); !simerr.IsConfig(err) {
		t.Errorf("mismatched snapshot error = %v", err)
	}
}

func TestPerfPhases(t *testing.T) {
	opts := quietOptions()
	opts.Perf = telemetry.NewPerfCollector(10)
	e := New(opts)
	if err := e.Initialize(cableSetup(t, 30, 0.2)); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	stats := opts.Perf.Stats()
	for _, phase := range telemetry.Phases {
		if _, ok := stats.PhaseAvg[phase]; !ok {
			t.Errorf("phase %s not timed", phase)
		}
	}
}
