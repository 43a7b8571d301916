package main

import (
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/cardio/config"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(t *testing.T, tmax float64) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Numerics.TMax = tmax
	cfg.Refresh()
	return cfg
}

func TestParamVector(t *testing.T) {
	cfg := baseConfig(t, 10)
	pv, err := NewParamVector(cfg, []string{"k", " "}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if pv.Dim() != 2 || pv.Specs[0].Name != "d" || pv.Specs[1].Name != "k" {
		t.Fatalf("specs = %+v", pv.Specs)
	}
	// dr²/(2·dt) for a cable, with the margin.
	if want := 0.9 * 0.25 * 0.25 / (2 * 0.01); math.Abs(pv.Specs[0].Max-want) > 1e-12 {
		t.Errorf("max d = %v, want %v", pv.Specs[0].Max, want)
	}

	def := pv.DefaultVector()
	back := pv.Denormalize(pv.Normalize(def))
	for i := range def {
		if math.Abs(back[i]-def[i]) > 1e-12 {
			t.Errorf("round trip [%d] = %v, want %v", i, back[i], def[i])
		}
	}

	clamped := pv.Clamp([]float64{-1, 1e9})
	if clamped[0] != pv.Specs[0].Min || clamped[1] != pv.Specs[1].Max {
		t.Errorf("clamped = %v", clamped)
	}

	pv.ApplyToConfig(cfg, []float64{0.5, def[1]})
	if cfg.Diffusion.D != 0.5 || cfg.Model.Params["k"] != def[1] {
		t.Errorf("applied d=%v params=%v", cfg.Diffusion.D, cfg.Model.Params)
	}

	if _, err := NewParamVector(cfg, []string{"no_such_param"}, 0.5); err == nil {
		t.Error("unknown model parameter accepted")
	}
}

func TestCableConfig(t *testing.T) {
	base := baseConfig(t, 10)
	pv, err := NewParamVector(base, nil, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	fe, err := NewFitnessEvaluator(pv, base, 60, Targets{CV: 1}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := fe.CableConfig([]float64{0.7})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Grid.Shape) != 1 || cfg.Grid.Shape[0] != 60 || cfg.Derived.Dims != 1 {
		t.Errorf("shape = %v", cfg.Grid.Shape)
	}
	if len(cfg.Stimuli) != 1 || cfg.Stimuli[0].Hi[0] != stimulusWidth {
		t.Errorf("stimuli = %+v", cfg.Stimuli)
	}
	if cfg.Diffusion.D != 0.7 || base.Diffusion.D == 0.7 {
		t.Error("parameters not applied to a private copy")
	}
	if _, err := cfg.Validate(); err != nil {
		t.Errorf("cable config invalid: %v", err)
	}
}

func TestNewFitnessEvaluatorErrors(t *testing.T) {
	base := baseConfig(t, 10)
	pv, err := NewParamVector(base, nil, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	noStim := baseConfig(t, 10)
	noStim.Stimuli = nil

	tests := []struct {
		name   string
		cfg    *config.Config
		length int
		cv     float64
	}{
		{"short cable", base, 5, 1},
		{"no stimulus", noStim, 60, 1},
		{"no target", base, 60, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFitnessEvaluator(pv, tt.cfg, tt.length, Targets{CV: tt.cv}, quiet()); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestMeasure(t *testing.T) {
	base := baseConfig(t, 40)
	pv, err := NewParamVector(base, nil, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	fe, err := NewFitnessEvaluator(pv, base, 60, Targets{CV: 1, APD: 26, APDWeight: 1, APDThreshold: 0.1}, quiet())
	if err != nil {
		t.Fatal(err)
	}

	m, err := fe.Measure([]float64{1})
	if err != nil {
		t.Fatal(err)
	}
	if m.CV < 1.5 || m.CV > 2 {
		t.Errorf("cv = %v", m.CV)
	}
	if m.APD < 20 || m.APD > 32 {
		t.Errorf("apd = %v", m.APD)
	}

	slow, err := fe.Measure([]float64{0.25})
	if err != nil {
		t.Fatal(err)
	}
	if slow.CV >= m.CV {
		t.Errorf("cv did not fall with D: %v >= %v", slow.CV, m.CV)
	}

	if f := fe.Evaluate([]float64{1}); f <= 0 || f >= failedFitness {
		t.Errorf("fitness = %v", f)
	}
}

func TestFitConductionVelocity(t *testing.T) {
	out := t.TempDir()
	res, err := fit(baseConfig(t, 25), fitOptions{
		Targets:   Targets{CV: 1},
		Length:    60,
		MaxEvals:  40,
		Method:    "neldermead",
		OutputDir: out,
	}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Measurement.CV-1) > 0.05 {
		t.Errorf("best cv = %v (d=%v)", res.Measurement.CV, res.Values[0])
	}
	// Conduction velocity scales with the square root of D.
	if res.Values[0] < 0.2 || res.Values[0] > 0.7 {
		t.Errorf("best d = %v", res.Values[0])
	}

	best, err := config.Load(filepath.Join(out, "best_config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if best.Diffusion.D != res.Values[0] {
		t.Errorf("saved d = %v, want %v", best.Diffusion.D, res.Values[0])
	}

	f, err := os.Open(filepath.Join(out, "fit_log.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var rows []evalRecord
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != res.Evals || rows[0].Eval != 1 {
		t.Errorf("log rows = %d, evals = %d", len(rows), res.Evals)
	}
}

func TestFitUnknownMethod(t *testing.T) {
	_, err := fit(baseConfig(t, 10), fitOptions{
		Targets:   Targets{CV: 1},
		Length:    60,
		MaxEvals:  5,
		Method:    "annealing",
		OutputDir: t.TempDir(),
	}, quiet())
	if err == nil {
		t.Error("unknown method accepted")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		secs int
		want string
	}{
		{0, "0m00s"},
		{75, "1m15s"},
		{3725, "1h02m05s"},
	}
	for _, tt := range tests {
		if got := formatDuration(time.Duration(tt.secs) * time.Second); got != tt.want {
			t.Errorf("formatDuration(%ds) = %q, want %q", tt.secs, got, tt.want)
		}
	}
}
