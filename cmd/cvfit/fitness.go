package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/cardio/config"
	"github.com/pthm-cable/cardio/scenario"
	"github.com/pthm-cable/cardio/tracker"
)

// failedFitness is returned when a run diverges or the wave does not reach
// both probes.
const failedFitness = 1e3

// stimulusWidth is the number of nodes paced at the left end of the cable.
const stimulusWidth = 3

// Targets are the measurements the fit aims for. A zero APD disables the
// duration term.
type Targets struct {
	CV           float64
	APD          float64
	APDWeight    float64
	APDThreshold float64
}

// Measurement is the outcome of one cable run.
type Measurement struct {
	CV  float64
	APD float64 // NaN when no complete action potential was recorded
}

// FitnessEvaluator runs cable simulations and scores them against Targets.
type FitnessEvaluator struct {
	params  *ParamVector
	base    *config.Config
	length  int
	targets Targets
	log     *slog.Logger

	mu   sync.Mutex
	last Measurement
}

// NewFitnessEvaluator creates an evaluator that simulates a cable of length
// nodes using the numerics, model and first stimulus of base.
func NewFitnessEvaluator(params *ParamVector, base *config.Config, length int, targets Targets, log *slog.Logger) (*FitnessEvaluator, error) {
	if length < 4*stimulusWidth {
		return nil, fmt.Errorf("cable length %d is too short", length)
	}
	if len(base.Stimuli) == 0 {
		return nil, errors.New("base config has no stimulus to pace the cable with")
	}
	if targets.CV <= 0 {
		return nil, fmt.Errorf("target conduction velocity must be positive, got %g", targets.CV)
	}
	if targets.APDThreshold == 0 {
		targets.APDThreshold = base.Trackers.Threshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &FitnessEvaluator{params: params, base: base, length: length, targets: targets, log: log}, nil
}

// LastMeasurement returns the measurement of the most recent evaluation.
func (fe *FitnessEvaluator) LastMeasurement() Measurement {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.last
}

// Probes returns the two cable nodes the conduction velocity is measured
// between. The second also records the action potential.
func (fe *FitnessEvaluator) Probes() (int, int) {
	return fe.length / 3, 2 * fe.length / 3
}

// Evaluate computes the fitness of raw parameter values (lower = better):
// the squared relative error of the conduction velocity plus the weighted
// squared relative error of the APD.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	m, err := fe.Measure(x)
	fe.mu.Lock()
	fe.last = m
	fe.mu.Unlock()
	if err != nil {
		fe.log.Debug("evaluation failed", "params", fe.params.Format(x), "error", err)
		return failedFitness
	}
	if math.IsNaN(m.CV) {
		return failedFitness
	}

	rel := (m.CV - fe.targets.CV) / fe.targets.CV
	fitness := rel * rel
	if fe.targets.APD > 0 {
		if math.IsNaN(m.APD) {
			return failedFitness
		}
		rel = (m.APD - fe.targets.APD) / fe.targets.APD
		fitness += fe.targets.APDWeight * rel * rel
	}
	return fitness
}

// Measure runs the cable with parameter values x applied.
func (fe *FitnessEvaluator) Measure(x []float64) (Measurement, error) {
	m := Measurement{CV: math.NaN(), APD: math.NaN()}
	cfg, err := fe.CableConfig(x)
	if err != nil {
		return m, err
	}
	run, err := scenario.Build(cfg, fe.log)
	if err != nil {
		return m, err
	}
	defer run.Close()
	if _, err := run.Execute(context.Background()); err != nil {
		return m, err
	}

	p1, p2 := fe.Probes()
	m.CV = tracker.ActivationVelocity(run.Activation, run.Grid, p1, p2, cfg.Numerics.DR)
	if apd, ok := tracker.APD(run.Traces.Times(), run.Traces.Series(1), fe.targets.APDThreshold); ok {
		m.APD = apd
	}
	return m, nil
}

// CableConfig derives the cable run configuration from the base config with
// x applied. Only the numerics, model and pacing of the base carry over.
func (fe *FitnessEvaluator) CableConfig(x []float64) (*config.Config, error) {
	cfg, err := copyConfig(fe.base)
	if err != nil {
		return nil, err
	}
	p1, p2 := fe.Probes()

	cfg.Grid = config.GridConfig{Shape: []int{fe.length}}
	cfg.Fibers = config.FibersConfig{}
	pace := cfg.Stimuli[0]
	pace.Lo, pace.Hi = []int{0}, []int{stimulusWidth}
	cfg.Stimuli = []config.StimulusConfig{pace}
	cfg.Commands = nil
	cfg.Trackers = config.TrackersConfig{
		Probes:     [][]int{{p1}, {p2}},
		Every:      1,
		Threshold:  fe.base.Trackers.Threshold,
		Activation: true,
	}
	cfg.Engine = config.EngineConfig{Workers: 1}
	cfg.Telemetry = config.TelemetryConfig{}

	fe.params.ApplyToConfig(cfg, x)
	cfg.Refresh()
	return cfg, nil
}

// copyConfig deep-copies a config through its YAML form.
func copyConfig(c *config.Config) (*config.Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("copying config: %w", err)
	}
	out := &config.Config{}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("copying config: %w", err)
	}
	out.Refresh()
	return out, nil
}
