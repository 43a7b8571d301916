// Package scenario assembles a simulation from a configuration: tissue,
// ionic model, stimuli, recorders, commands and output.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/pthm-cable/cardio/command"
	"github.com/pthm-cable/cardio/config"
	"github.com/pthm-cable/cardio/engine"
	"github.com/pthm-cable/cardio/ionic"
	"github.com/pthm-cable/cardio/simerr"
	"github.com/pthm-cable/cardio/stim"
	"github.com/pthm-cable/cardio/telemetry"
	"github.com/pthm-cable/cardio/tissue"
	"github.com/pthm-cable/cardio/tracker"
)

// divergenceCheckEvery is the step interval of the non-finite check.
const divergenceCheckEvery = 100

// Run is a configured simulation ready to execute.
type Run struct {
	Config *config.Config
	Grid   *tissue.Grid
	Kernel ionic.Kernel
	Engine *engine.Engine

	// Recorders; nil when disabled.
	Traces     *tracker.Trace
	Activation *tracker.ActivationTime
	Period     *tracker.Period
	ECG        *tracker.ECG

	setup   engine.Setup
	field   *fieldMonitor
	out     *telemetry.OutputManager
	perf    *telemetry.PerfCollector
	catalog *telemetry.Catalog
	log     *slog.Logger
}

// Summary describes a finished or interrupted run.
type Summary struct {
	Steps       int
	Time        float64
	Active      int
	Activated   int
	HookErrors  int
	Interrupted bool
	Field       telemetry.FieldStats
	Snapshot    string
	OutputDir   string
	CatalogID   int64
}

// LogValue implements slog.LogValuer for structured logging.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("steps", s.Steps),
		slog.Float64("time", s.Time),
		slog.Int("active", s.Active),
		slog.Int("activated", s.Activated),
		slog.Int("hook_errors", s.HookErrors),
		slog.Bool("interrupted", s.Interrupted),
		slog.String("snapshot", s.Snapshot),
		slog.Int64("catalog_id", s.CatalogID),
	)
}

// BuildGrid creates the tissue described by cfg: boundaries, obstacles,
// fibrosis, then fibers.
func BuildGrid(cfg *config.Config) (*tissue.Grid, int, error) {
	g, err := tissue.New(cfg.Grid.Shape...)
	if err != nil {
		return nil, 0, err
	}
	if cfg.Grid.Boundaries {
		g.AddBoundaries()
	}
	for _, b := range cfg.Grid.Obstacles {
		g.SetRegion(b.Lo, b.Hi, tissue.Boundary)
	}
	var fibrotic int
	if f := cfg.Grid.Fibrosis; f.Enabled {
		fibrotic = g.AddFibrosis(tissue.FibrosisPattern{
			Density: f.Density,
			Scale:   1 / f.Scale,
			Seed:    f.Seed,
		})
	}
	if cfg.Fibers.Enabled {
		if err := g.SetUniformFibers(cfg.Derived.FiberRad); err != nil {
			return nil, 0, err
		}
	}
	return g, fibrotic, g.Validate()
}

// Build validates cfg and wires a run. Validation warnings are logged.
func Build(cfg *config.Config, log *slog.Logger) (*Run, error) {
	if log == nil {
		log = slog.Default()
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		log.Warn("config", "warning", w)
	}

	g, fibrotic, err := BuildGrid(cfg)
	if err != nil {
		return nil, err
	}
	kernel, err := ionic.NewWithParams(cfg.Derived.Kind, cfg.Model.Params)
	if err != nil {
		return nil, err
	}
	stimuli, err := cfg.StimulusList()
	if err != nil {
		return nil, err
	}
	log.Info("tissue built",
		"shape", g.Shape,
		"active", len(g.ActiveIndices()),
		"fibrotic", fibrotic,
		"fibers", g.HasFibers(),
	)

	out, err := telemetry.NewOutputManager(cfg.Telemetry.OutputDir)
	if err != nil {
		return nil, err
	}
	var perf *telemetry.PerfCollector
	if cfg.Telemetry.PerfWindow > 0 {
		perf = telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow)
	}
	catalog, err := telemetry.OpenCatalog(context.Background(), cfg.Telemetry.Catalog)
	if err != nil {
		out.Close()
		return nil, err
	}

	r := &Run{
		Config: cfg,
		Grid:   g,
		Kernel: kernel,
		Engine: engine.New(engine.Options{
			Workers:  cfg.Engine.Workers,
			LogEvery: cfg.Engine.LogEvery,
			Perf:     perf,
			Logger:   log,
		}),
		out:     out,
		perf:    perf,
		catalog: catalog,
		log:     log,
	}
	r.setup = engine.Setup{
		Grid:         g,
		Kernel:       kernel,
		Stimuli:      stim.NewSequence(stimuli...),
		Coefficients: cfg.DiffusionFor(kernel),
		DT:           cfg.Numerics.DT,
		DR:           cfg.Numerics.DR,
		TMax:         cfg.Numerics.TMax,
		Initial:      cfg.Model.Initial,
	}
	if path := cfg.Telemetry.Resume; path != "" {
		snap, err := telemetry.LoadSnapshot(path)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.setup.Snapshot = snap
		pending := pendingStimuli(stimuli, snap.Time)
		r.setup.Stimuli = stim.NewSequence(pending...)
		log.Info("resuming", "path", path, "step", snap.Step, "time", snap.Time,
			"stimuli_dropped", len(stimuli)-len(pending))
	}

	r.attachTrackers()
	for _, m := range command.Sequence(commandList(cfg)...) {
		r.Engine.AddMutator(m)
	}
	return r, nil
}

// pendingStimuli drops stimuli that already acted before t: voltage
// stimuli that started earlier and current stimuli whose window closed.
func pendingStimuli(list []stim.Stimulus, t float64) []stim.Stimulus {
	var out []stim.Stimulus
	for _, st := range list {
		if st.Start < t && (st.Kind == stim.Voltage || st.End <= t) {
			continue
		}
		out = append(out, st)
	}
	return out
}

func commandList(cfg *config.Config) []command.SetParameter {
	cmds := make([]command.SetParameter, len(cfg.Commands))
	for i, c := range cfg.Commands {
		cmds[i] = command.SetParameter{At: c.At, Param: c.Param, Value: c.Value}
	}
	return cmds
}

func (r *Run) attachTrackers() {
	tc := r.Config.Trackers
	if len(tc.Probes) > 0 {
		vars := []string{ionic.PotentialName}
		for _, name := range tc.Variables {
			if !slices.Contains(vars, name) {
				vars = append(vars, name)
			}
		}
		r.Traces = &tracker.Trace{Probes: tc.Probes, Variables: vars, Every: tc.Every}
		r.Engine.AddObserver(r.Traces)
		if tc.Period {
			r.Period = &tracker.Period{Probes: tc.Probes, Threshold: tc.Threshold}
			r.Engine.AddObserver(r.Period)
		}
	}
	if tc.Activation {
		r.Activation = &tracker.ActivationTime{Threshold: tc.Threshold}
		r.Engine.AddObserver(r.Activation)
	}
	if tc.ECG.Enabled && len(tc.ECG.Electrodes) > 0 {
		r.ECG = &tracker.ECG{Electrodes: tc.ECG.Electrodes, Every: tc.ECG.Every}
		r.Engine.AddObserver(r.ECG)
	}
	if tc.Field.Every > 0 {
		r.field = &fieldMonitor{every: tc.Field.Every, threshold: tc.Threshold, out: r.out, log: r.log}
		r.Engine.AddObserver(r.field)
	}
	if r.perf != nil {
		r.Engine.AddObserver(&perfMonitor{perf: r.perf, out: r.out})
	}
}

// Execute initializes the engine and steps it to the end time or until ctx
// is cancelled. Recorded results are written to the output directory in
// both cases, and the run is added to the catalog when one is configured.
func (r *Run) Execute(ctx context.Context) (Summary, error) {
	started := time.Now()
	if err := r.Engine.Initialize(r.setup); err != nil {
		return Summary{}, err
	}
	if err := r.out.WriteConfig(r.Config); err != nil {
		return Summary{}, err
	}

	e := r.Engine
	sum := Summary{Active: len(e.ActiveIndices()), OutputDir: r.out.Dir()}
	var runErr error
	for e.State() != engine.Finished {
		if err := ctx.Err(); err != nil {
			sum.Interrupted = true
			r.log.Warn("run interrupted", "step", e.StepIndex(), "time", e.Time(), "reason", err)
			break
		}
		if err := e.Step(); err != nil {
			return sum, err
		}
		if e.StepIndex()%divergenceCheckEvery == 0 && e.NonFinite() {
			runErr = fmt.Errorf("step %d (t=%g): %w", e.StepIndex(), e.Time(), simerr.ErrDiverged)
			break
		}
	}

	sum.Steps, sum.Time, sum.HookErrors = e.StepIndex(), e.Time(), e.HookErrors()
	sum.Field, _ = telemetry.SummarizeField(e.Potential(), e.ActiveIndices(), r.Config.Trackers.Threshold, nil)
	sum.Field.Step, sum.Field.Time = sum.Steps, sum.Time
	if r.Activation != nil {
		sum.Activated = r.Activation.Activated()
	}

	if err := r.writeResults(); err != nil {
		return sum, err
	}
	if runErr == nil && (r.Config.Telemetry.SnapshotAtEnd || sum.Interrupted) {
		snap := e.Snapshot()
		if sum.Interrupted {
			snap.Label = "interrupted"
		}
		path, err := r.out.WriteSnapshot(snap)
		if err != nil {
			return sum, err
		}
		sum.Snapshot = path
	}
	id, err := r.catalogRun(sum, started, runErr)
	if err != nil {
		return sum, err
	}
	sum.CatalogID = id
	r.log.Info("run complete", "summary", sum)
	return sum, runErr
}

// catalogRun records sum in the run catalog and returns the assigned id.
func (r *Run) catalogRun(sum Summary, started time.Time, runErr error) (int64, error) {
	if r.catalog == nil {
		return 0, nil
	}
	status := telemetry.StatusFinished
	switch {
	case errors.Is(runErr, simerr.ErrDiverged):
		status = telemetry.StatusDiverged
	case sum.Interrupted:
		status = telemetry.StatusInterrupted
	}
	cfgYAML, err := r.Config.Marshal()
	if err != nil {
		return 0, err
	}
	// The run context may already be cancelled; the record is still wanted.
	id, err := r.catalog.Record(context.Background(), telemetry.RunRecord{
		StartedAt:  started,
		FinishedAt: time.Now(),
		Status:     status,
		Model:      r.Kernel.Kind().String(),
		Shape:      r.Grid.Shape,
		DT:         r.setup.DT,
		DR:         r.setup.DR,
		TMax:       r.setup.TMax,
		Steps:      sum.Steps,
		Time:       sum.Time,
		Active:     sum.Active,
		Activated:  sum.Activated,
		HookErrors: sum.HookErrors,
		Snapshot:   sum.Snapshot,
		OutputDir:  sum.OutputDir,
		Config:     string(cfgYAML),
	})
	if err != nil {
		return 0, err
	}
	r.log.Debug("run catalogued", "catalog", r.catalog.Path(), "id", id)
	return id, nil
}

func (r *Run) writeResults() error {
	if r.Traces != nil {
		if err := r.out.WriteTraces(r.Traces.Records()); err != nil {
			return err
		}
	}
	if r.Activation != nil {
		if err := r.out.WriteActivation(r.Activation.Records()); err != nil {
			return err
		}
	}
	if r.Period != nil {
		if err := r.out.WriteBeats(r.Period.BeatRecords()); err != nil {
			return err
		}
	}
	if r.ECG != nil {
		if err := r.out.WriteECG(r.ECG.Records()); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the engine workers and closes output files and the catalog.
func (r *Run) Close() error {
	r.Engine.Close()
	return errors.Join(r.out.Close(), r.catalog.Close())
}

// fieldMonitor writes a potential summary every few steps.
type fieldMonitor struct {
	every     int
	threshold float64
	out       *telemetry.OutputManager
	log       *slog.Logger
	scratch   []float64
}

func (m *fieldMonitor) Name() string { return "field" }

func (m *fieldMonitor) Initialize(engine.View) error { return nil }

func (m *fieldMonitor) OnStep(v engine.View) error {
	if v.StepIndex()%m.every != 0 {
		return nil
	}
	var s telemetry.FieldStats
	s, m.scratch = telemetry.SummarizeField(v.Potential(), v.ActiveIndices(), m.threshold, m.scratch)
	s.Step, s.Time = v.StepIndex(), v.Time()
	if s.NonFinite > 0 {
		m.log.Warn("field", "stats", s)
	} else {
		m.log.Debug("field", "stats", s)
	}
	return m.out.WriteField(s)
}

// perfMonitor writes step timings at the end of each perf window.
type perfMonitor struct {
	perf *telemetry.PerfCollector
	out  *telemetry.OutputManager
}

func (m *perfMonitor) Name() string { return "perf" }

func (m *perfMonitor) Initialize(engine.View) error { return nil }

func (m *perfMonitor) OnStep(v engine.View) error {
	if v.StepIndex()%m.perf.WindowSize() != 0 {
		return nil
	}
	stats := m.perf.Stats()
	stats.LogStats()
	return m.out.WritePerf(stats, v.StepIndex())
}
