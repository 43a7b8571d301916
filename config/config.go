// Package config provides configuration loading and access for the simulation.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/cardio/ionic"
	"github.com/pthm-cable/cardio/simerr"
	"github.com/pthm-cable/cardio/stim"
	"github.com/pthm-cable/cardio/tissue"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all simulation configuration parameters.
type Config struct {
	Grid      GridConfig       `yaml:"grid"`
	Numerics  NumericsConfig   `yaml:"numerics"`
	Diffusion DiffusionConfig  `yaml:"diffusion"`
	Fibers    FibersConfig     `yaml:"fibers"`
	Model     ModelConfig      `yaml:"model"`
	Stimuli   []StimulusConfig `yaml:"stimuli"`
	Commands  []CommandConfig  `yaml:"commands"`
	Trackers  TrackersConfig   `yaml:"trackers"`
	Engine    EngineConfig     `yaml:"engine"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// GridConfig describes the tissue geometry.
type GridConfig struct {
	Shape      []int          `yaml:"shape"`
	Boundaries bool           `yaml:"boundaries"` // outer layer is empty
	Obstacles  []BoxConfig    `yaml:"obstacles"`  // non-conducting regions
	Fibrosis   FibrosisConfig `yaml:"fibrosis"`
}

// BoxConfig is a half-open box [Lo, Hi) in grid coordinates.
type BoxConfig struct {
	Lo []int `yaml:"lo"`
	Hi []int `yaml:"hi"`
}

// FibrosisConfig holds diffuse fibrosis pattern parameters.
type FibrosisConfig struct {
	Enabled bool    `yaml:"enabled"`
	Density float64 `yaml:"density"` // fraction of tissue converted, 0..1
	Scale   float64 `yaml:"scale"`   // noise feature size in nodes
	Seed    int64   `yaml:"seed"`
}

// NumericsConfig holds the integration steps.
type NumericsConfig struct {
	DT   float64 `yaml:"dt"`
	DR   float64 `yaml:"dr"`
	TMax float64 `yaml:"t_max"`
}

// DiffusionConfig holds diffusion coefficients. D of zero selects the
// model default.
type DiffusionConfig struct {
	D      float64 `yaml:"d"`
	Along  float64 `yaml:"along"`
	Across float64 `yaml:"across"`
}

// FibersConfig enables a uniform in-plane fiber field.
type FibersConfig struct {
	Enabled  bool    `yaml:"enabled"`
	AngleDeg float64 `yaml:"angle_deg"`
}

// ModelConfig selects the ionic model and overrides its parameters.
type ModelConfig struct {
	Kind    string             `yaml:"kind"`
	Params  map[string]float64 `yaml:"params"`
	Initial map[string]float64 `yaml:"initial"` // initial values by variable name, "u" for potential
}

// StimulusConfig describes one stimulus. Duration applies to current
// stimuli; voltage stimuli use End when set and fire once otherwise.
type StimulusConfig struct {
	Kind     string  `yaml:"kind"`
	Start    float64 `yaml:"start"`
	Duration float64 `yaml:"duration"`
	End      float64 `yaml:"end"`
	Value    float64 `yaml:"value"`
	Lo       []int   `yaml:"lo"`
	Hi       []int   `yaml:"hi"`
}

// CommandConfig schedules a parameter change.
type CommandConfig struct {
	At    float64 `yaml:"at"`
	Param string  `yaml:"param"`
	Value float64 `yaml:"value"`
}

// TrackersConfig selects the recorders attached to a run.
type TrackersConfig struct {
	Probes     [][]int     `yaml:"probes"`
	Variables  []string    `yaml:"variables"` // recorded at probes in addition to u
	Every      int         `yaml:"every"`
	Threshold  float64     `yaml:"threshold"` // activation threshold, model units
	Activation bool        `yaml:"activation"`
	Period     bool        `yaml:"period"`
	ECG        ECGConfig   `yaml:"ecg"`
	Field      FieldConfig `yaml:"field"`
}

// ECGConfig places pseudo-ECG electrodes in grid units.
type ECGConfig struct {
	Enabled    bool        `yaml:"enabled"`
	Electrodes [][]float64 `yaml:"electrodes"`
	Every      int         `yaml:"every"`
}

// FieldConfig controls periodic field summaries.
type FieldConfig struct {
	Every int `yaml:"every"` // 0 disables
}

// EngineConfig holds engine execution parameters.
type EngineConfig struct {
	Workers  int `yaml:"workers"` // 0 uses GOMAXPROCS
	LogEvery int `yaml:"log_every"`
}

// TelemetryConfig holds output parameters.
type TelemetryConfig struct {
	OutputDir     string `yaml:"output_dir"`
	PerfWindow    int    `yaml:"perf_window"`
	SnapshotAtEnd bool   `yaml:"snapshot_at_end"`
	Resume        string `yaml:"resume"`  // snapshot path to start from
	Catalog       string `yaml:"catalog"` // SQLite run catalog path, empty disables
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	Dims     int
	Steps    int
	FiberRad float64
	Kind     ionic.Kind
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Defaults returns the embedded default configuration document.
func Defaults() []byte {
	return append([]byte(nil), defaultsYAML...)
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.computeDerived()

	return cfg, nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.Dims = len(c.Grid.Shape)
	if c.Numerics.DT > 0 {
		c.Derived.Steps = int(math.Ceil(c.Numerics.TMax/c.Numerics.DT - 1e-9))
	}
	c.Derived.FiberRad = c.Fibers.AngleDeg * math.Pi / 180
	if k, err := ionic.ParseKind(c.Model.Kind); err == nil {
		c.Derived.Kind = k
	}

	if c.Trackers.Every < 1 {
		c.Trackers.Every = 1
	}
	if c.Trackers.ECG.Every < 1 {
		c.Trackers.ECG.Every = c.Trackers.Every
	}
	if c.Engine.LogEvery < 0 {
		c.Engine.LogEvery = 0
	}
}

// Refresh recomputes derived values after fields were changed in code.
func (c *Config) Refresh() {
	c.computeDerived()
}

// DiffusionFor returns the diffusion coefficients with the model default
// filled in for an unset D. Along and Across fall back to D only without a
// fiber field; with fibers they must be given explicitly.
func (c *Config) DiffusionFor(k ionic.Kernel) tissue.Coefficients {
	d := c.Diffusion.D
	if d == 0 {
		d = k.DefaultDiffusion()
	}
	along, across := c.Diffusion.Along, c.Diffusion.Across
	if !c.Fibers.Enabled {
		if along == 0 {
			along = d
		}
		if across == 0 {
			across = d
		}
	}
	return tissue.Coefficients{D: d, Along: along, Across: across}
}

// Validate checks the configuration. Fatal problems are returned as an
// error joining every ConfigError found; conditions that still allow a run,
// such as an explicit step above the stability bound, are returned as
// warnings.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error
	fail := func(field string, sentinel error, format string, args ...any) {
		errs = append(errs, simerr.Configf("config", field, sentinel, format, args...))
	}

	dims := len(c.Grid.Shape)
	if dims == 0 || dims > tissue.MaxDims {
		fail("grid.shape", simerr.ErrInvalidShape, "%d dimensions", dims)
	}
	for axis, n := range c.Grid.Shape {
		if n < 1 {
			fail("grid.shape", simerr.ErrInvalidShape, "extent %d on axis %d", n, axis)
		}
	}
	if f := c.Grid.Fibrosis; f.Enabled && (f.Density < 0 || f.Density > 1 || f.Scale <= 0) {
		fail("grid.fibrosis", simerr.ErrInvalidRegion, "density %g scale %g", f.Density, f.Scale)
	}
	for i, b := range c.Grid.Obstacles {
		if len(b.Lo) != dims || len(b.Hi) != dims {
			fail(fmt.Sprintf("grid.obstacles[%d]", i), simerr.ErrInvalidRegion, "box has %d/%d coordinates", len(b.Lo), len(b.Hi))
		}
	}

	if c.Numerics.DT <= 0 || c.Numerics.DR <= 0 || c.Numerics.TMax <= 0 {
		fail("numerics", simerr.ErrInvalidTimeStep, "dt=%g dr=%g t_max=%g", c.Numerics.DT, c.Numerics.DR, c.Numerics.TMax)
	}
	if c.Diffusion.D < 0 || c.Diffusion.Along < 0 || c.Diffusion.Across < 0 {
		fail("diffusion", simerr.ErrMissingCoefficient, "negative coefficient")
	}
	if c.Fibers.Enabled && dims < 2 {
		fail("fibers", simerr.ErrFiberShape, "fibers need at least 2 dimensions")
	}
	if c.Fibers.Enabled && (c.Diffusion.Along <= 0 || c.Diffusion.Across <= 0) {
		fail("diffusion", simerr.ErrMissingCoefficient, "fibers need along and across coefficients, got %g/%g",
			c.Diffusion.Along, c.Diffusion.Across)
	}

	kernel, kerr := ionic.NewWithParams(c.Derived.Kind, c.Model.Params)
	if _, perr := ionic.ParseKind(c.Model.Kind); perr != nil {
		errs = append(errs, perr)
		kernel = nil
	} else if kerr != nil {
		errs = append(errs, simerr.Configf("config", "model.params", simerr.ErrUnknownParameter, "%v", kerr))
	}
	if kernel != nil {
		known := map[string]bool{ionic.PotentialName: true}
		for _, v := range kernel.Variables() {
			known[v.Name] = true
		}
		for name := range c.Model.Initial {
			if !known[name] {
				fail("model.initial", simerr.ErrUnknownVariable, "%q", name)
			}
		}
		for _, name := range c.Trackers.Variables {
			if !known[name] {
				fail("trackers.variables", simerr.ErrUnknownVariable, "%q", name)
			}
		}
		for i, cmd := range c.Commands {
			if _, err := kernel.Params().Get(cmd.Param); err != nil {
				fail(fmt.Sprintf("commands[%d]", i), simerr.ErrUnknownParameter, "%q", cmd.Param)
			}
		}
	}

	for i, s := range c.Stimuli {
		field := fmt.Sprintf("stimuli[%d]", i)
		kind, err := stim.ParseKind(s.Kind)
		if err != nil {
			fail(field, simerr.ErrInvalidRegion, "%v", err)
			continue
		}
		if len(s.Lo) != dims || len(s.Hi) != dims {
			fail(field, simerr.ErrInvalidRegion, "region has %d/%d coordinates for %d dimensions", len(s.Lo), len(s.Hi), dims)
		}
		if kind == stim.Current && s.Duration <= 0 {
			fail(field, simerr.ErrInvalidRegion, "current stimulus needs a positive duration")
		}
	}

	for i, p := range c.Trackers.Probes {
		if len(p) != dims {
			fail(fmt.Sprintf("trackers.probes[%d]", i), simerr.ErrInvalidRegion, "%d coordinates for %d dimensions", len(p), dims)
		}
	}

	if len(errs) > 0 {
		return warnings, errors.Join(errs...)
	}

	// Stability is only meaningful once the numerics are valid.
	coeff := c.DiffusionFor(kernel)
	kind := tissue.Isotropic
	if c.Fibers.Enabled {
		kind = tissue.Anisotropic
	}
	if err := tissue.CheckStability(kind, coeff, c.Numerics.DT, c.Numerics.DR, dims); err != nil {
		warnings = append(warnings, err.Error())
	}
	if len(c.Stimuli) == 0 {
		warnings = append(warnings, "no stimuli configured: the tissue stays at rest")
	}
	return warnings, nil
}

// StimulusList converts the configured stimuli into stimulus values.
func (c *Config) StimulusList() ([]stim.Stimulus, error) {
	out := make([]stim.Stimulus, 0, len(c.Stimuli))
	for i, s := range c.Stimuli {
		kind, err := stim.ParseKind(s.Kind)
		if err != nil {
			return nil, simerr.Configf("config", fmt.Sprintf("stimuli[%d]", i), simerr.ErrInvalidRegion, "%v", err)
		}
		r := stim.Region{Lo: s.Lo, Hi: s.Hi}
		switch {
		case kind == stim.Current:
			out = append(out, stim.NewCurrent(s.Start, s.Duration, s.Value, r))
		case s.End > s.Start:
			out = append(out, stim.NewVoltageWindow(s.Start, s.End, s.Value, r))
		default:
			out = append(out, stim.NewVoltage(s.Start, s.Value, r))
		}
	}
	return out, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
