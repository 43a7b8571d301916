package tracker

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/cardio/engine"
	"github.com/pthm-cable/cardio/ionic"
	"github.com/pthm-cable/cardio/stim"
	"github.com/pthm-cable/cardio/tissue"
)

// runCable runs an Aliev-Panfilov cable of n nodes, excited on its first
// three nodes at each of the given times, with the observers attached.
func runCable(t *testing.T, n int, tmax float64, at []float64, observers ...engine.StepObserver) *engine.Engine {
	t.Helper()
	g, err := tissue.New(n)
	if err != nil {
		t.Fatal(err)
	}
	seq := stim.NewSequence()
	for _, start := range at {
		seq.Add(stim.NewVoltage(start, 1, stim.Region{Lo: []int{0}, Hi: []int{3}}))
	}
	e := engine.New(engine.Options{Workers: 1, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	for _, o := range observers {
		e.AddObserver(o)
	}
	err = e.Initialize(engine.Setup{
		Grid:    g,
		Kernel:  ionic.NewAlievPanfilov(),
		Stimuli: seq,
		DT:      0.01,
		DR:      0.25,
		TMax:    tmax,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestActionPotentialTrace(t *testing.T) {
	tr := NewActionPotential(1, []int{10})
	e := runCable(t, 12, 30, []float64{0}, tr)

	if len(tr.Times()) != e.StepIndex() {
		t.Fatalf("samples = %d, steps = %d", len(tr.Times()), e.StepIndex())
	}
	_, peak := Peak(tr.Times(), tr.Series(0))
	if math.Abs(peak-1) > 0.02 {
		t.Errorf("peak = %v, want 1 +/- 0.02", peak)
	}
	apd, ok := APD(tr.Times(), tr.Series(0), 0.1)
	if !ok || apd < 20 || apd > 30 {
		t.Errorf("APD = %v (ok=%v), want in [20, 30]", apd, ok)
	}

	recs := tr.Records()
	if len(recs) != len(tr.Times()) {
		t.Fatalf("records = %d", len(recs))
	}
	last := recs[len(recs)-1]
	if last.Node != 10 || last.Variable != "u" || last.Step != e.StepIndex() {
		t.Errorf("last record = %+v", last)
	}
}

func TestTraceEvery(t *testing.T) {
	tr := NewActionPotential(25, []int{2}, []int{5})
	e := runCable(t, 8, 2, nil, tr)
	if len(tr.Times()) != e.StepIndex()/25 {
		t.Errorf("samples = %d, want %d", len(tr.Times()), e.StepIndex()/25)
	}
	if len(tr.Records()) != 2*len(tr.Times()) {
		t.Errorf("records = %d for two probes", len(tr.Records()))
	}
	for _, r := range tr.Records() {
		if r.Step%25 != 0 {
			t.Fatalf("sample at step %d", r.Step)
		}
	}
}

func TestMultiVariable(t *testing.T) {
	tr := NewMultiVariable(10, []int{6}, "u", "v")
	runCable(t, 12, 20, []float64{0}, tr)
	u, v := tr.VariableSeries(0, 0), tr.VariableSeries(0, 1)
	if floats.Max(u) < 0.9 {
		t.Errorf("potential never excited: max %v", floats.Max(u))
	}
	if floats.Max(v) <= 0 {
		t.Error("recovery variable never rose")
	}
	if tr.VariableSeries(1, 0) != nil {
		t.Error("out-of-range series should be nil")
	}
}

func TestTraceInitializeErrors(t *testing.T) {
	tests := []struct {
		name string
		tr   *Trace
	}{
		{"unknown variable", NewMultiVariable(1, []int{3}, "h")},
		{"probe out of grid", NewActionPotential(1, []int{30})},
		{"probe dims", NewActionPotential(1, []int{3, 3})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := runCable(t, 8, 0.05, nil, tt.tr)
			if e.HookErrors() != 1 {
				t.Errorf("hook errors = %d, want 1", e.HookErrors())
			}
			if len(tt.tr.Records()) != 0 {
				t.Error("unbound trace recorded samples")
			}
		})
	}
}

func TestActivationTime(t *testing.T) {
	act := &ActivationTime{Threshold: 0.5}
	e := runCable(t, 60, 10, []float64{0}, act)

	if !act.Complete() || act.Activated() != 60 {
		t.Fatalf("activated %d of 60", act.Activated())
	}
	if got := act.At(0); math.Abs(got-0.01) > 1e-12 {
		t.Errorf("stimulated node activated at %v, want first step", got)
	}
	cv := ActivationVelocity(act, e.Grid(), 20, 40, 0.25)
	if cv < 1.5 || cv > 2.0 {
		t.Errorf("conduction velocity = %v, want in [1.5, 2.0]", cv)
	}
	m := act.Map()
	for i := 1; i < 60; i++ {
		if m[i] < m[i-1] {
			t.Fatalf("activation not monotone at node %d: %v < %v", i, m[i], m[i-1])
		}
	}
	recs := act.Records()
	if len(recs) != 60 || recs[40].X != 40 || recs[40].Time != m[40] {
		t.Errorf("record 40 = %+v", recs[40])
	}
}

func TestActivationStartTime(t *testing.T) {
	act := &ActivationTime{Threshold: 0.5, StartTime: 5}
	runCable(t, 60, 10, []float64{0}, act)
	if !act.Complete() {
		t.Fatalf("activated %d of 60", act.Activated())
	}
	// Nodes still excited at StartTime take the first sample time after it.
	if got := act.At(0); got < 5 || got > 5.01+1e-9 {
		t.Errorf("node 0 activation = %v, want first step after 5", got)
	}
	if m := act.Map(); floats.Min(m) < 5 {
		t.Errorf("activation before StartTime: %v", floats.Min(m))
	}
}

func TestPeriod(t *testing.T) {
	p := &Period{Probes: [][]int{{10}}, Threshold: 0.5}
	runCable(t, 12, 145, []float64{0, 50, 100}, p)

	if got := p.Crossings(0); len(got) != 3 {
		t.Fatalf("beats = %v, want 3", got)
	}
	mean, std := p.Mean(0)
	if math.Abs(mean-50) > 0.2 || std > 0.2 {
		t.Errorf("period = %v +/- %v, want 50", mean, std)
	}
	beats := p.BeatRecords()
	if len(beats) != 3 || beats[0].Interval != 0 || math.Abs(beats[2].Interval-50) > 0.2 {
		t.Errorf("beats = %+v", beats)
	}
}

func TestPeriodSingleBeat(t *testing.T) {
	p := &Period{Probes: [][]int{{10}}, Threshold: 0.5}
	runCable(t, 12, 10, []float64{0}, p)
	if mean, _ := p.Mean(0); !math.IsNaN(mean) {
		t.Errorf("mean of a single beat = %v, want NaN", mean)
	}
}

func TestECG(t *testing.T) {
	rest := &ECG{Electrodes: [][]float64{{20, 4}}, Every: 5}
	runCable(t, 40, 1, nil, rest)
	for i, v := range rest.Series(0) {
		if v != 0 {
			t.Fatalf("resting ECG sample %d = %v", i, v)
		}
	}

	wave := &ECG{Electrodes: [][]float64{{20, 4}, {39.5}}, Every: 5}
	runCable(t, 40, 10, []float64{0}, wave)
	if len(wave.Times()) != 200 {
		t.Fatalf("samples = %d, want 200", len(wave.Times()))
	}
	for k := range wave.Electrodes {
		s := wave.Series(k)
		if floats.Max(s) <= 0 || floats.Min(s) >= 0 {
			t.Errorf("electrode %d: signal [%v, %v] lacks a biphasic deflection", k, floats.Min(s), floats.Max(s))
		}
	}
	if len(wave.Records()) != 400 {
		t.Errorf("records = %d", len(wave.Records()))
	}
}

func TestECGElectrodeOnNode(t *testing.T) {
	e := runCable(t, 10, 0.05, nil, &ECG{Electrodes: [][]float64{{4}}})
	if e.HookErrors() != 1 {
		t.Errorf("hook errors = %d, want 1", e.HookErrors())
	}
}

func TestMetrics(t *testing.T) {
	if !math.IsNaN(ConductionVelocity(2, 1, 1)) || !math.IsNaN(ConductionVelocity(math.NaN(), 1, 1)) {
		t.Error("invalid activation order should give NaN")
	}
	if cv := ConductionVelocity(1, 3, 5); cv != 2.5 {
		t.Errorf("cv = %v", cv)
	}

	g, err := tissue.New(10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if d := NodeDistance(g, g.Index(0, 0), g.Index(3, 4), 0.5); math.Abs(d-2.5) > 1e-12 {
		t.Errorf("distance = %v, want 2.5", d)
	}

	times := []float64{0, 1, 2, 3, 4, 5, 6}
	series := []float64{0, 0, 1, 1, 1, 0, 0}
	apd, ok := APD(times, series, 0.5)
	if !ok || math.Abs(apd-3) > 1e-12 {
		t.Errorf("APD = %v (ok=%v), want 3", apd, ok)
	}
	if _, ok := APD(times[:4], series[:4], 0.5); ok {
		t.Error("APD of an unfinished action potential")
	}
	if tp, v := Peak(times, []float64{0, 2, 5, 1, 0, 0, 0}); tp != 2 || v != 5 {
		t.Errorf("peak = %v at %v", v, tp)
	}
}
