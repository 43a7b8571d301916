package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/cardio/config"
)

// evalRecord is one row of the optimization log.
type evalRecord struct {
	Eval    int     `csv:"eval"`
	Fitness float64 `csv:"fitness"`
	CV      float64 `csv:"cv"`
	APD     float64 `csv:"apd"`
	Params  string  `csv:"params"`
}

// evalLog appends evalRecords to a CSV file, writing the header once.
type evalLog struct {
	f             *os.File
	headerWritten bool
}

func (l *evalLog) append(r evalRecord) error {
	rows := []evalRecord{r}
	if !l.headerWritten {
		l.headerWritten = true
		return gocsv.Marshal(rows, l.f)
	}
	return gocsv.MarshalWithoutHeaders(rows, l.f)
}

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// fitOptions collects the command-line settings of one fit.
type fitOptions struct {
	Targets   Targets
	Params    []string
	Spread    float64
	Length    int
	TMax      float64
	MaxEvals  int
	Method    string
	OutputDir string
}

// fitResult is the best point found.
type fitResult struct {
	Values      []float64
	Fitness     float64
	Measurement Measurement
	Evals       int
	Config      *config.Config
}

func main() {
	configPath := flag.String("config", "", "Base config YAML file (empty = use defaults)")
	targetCV := flag.Float64("target-cv", 0, "Target conduction velocity (space units per time unit)")
	targetAPD := flag.Float64("target-apd", 0, "Target action potential duration (0 = ignore)")
	apdWeight := flag.Float64("apd-weight", 1, "Weight of the APD error relative to the CV error")
	apdThreshold := flag.Float64("apd-threshold", 0, "Repolarization threshold for APD (0 = trackers.threshold)")
	paramList := flag.String("params", "", "Comma-separated model parameters to fit in addition to d")
	spread := flag.Float64("spread", 0.5, "Relative search range of model parameters around their base value")
	length := flag.Int("length", 100, "Cable length in nodes")
	tmax := flag.Float64("t-max", 0, "End time of each cable run (0 = use config)")
	maxEvals := flag.Int("max-evals", 60, "Maximum number of evaluations")
	method := flag.String("method", "neldermead", "Optimizer: neldermead or cmaes")
	outputDir := flag.String("output", "", "Output directory for results")
	logLevel := flag.String("log-level", "warn", "Log level for simulation runs")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *outputDir == "" {
		logger.Error("--output is required")
		os.Exit(2)
	}
	base, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var names []string
	if *paramList != "" {
		names = strings.Split(*paramList, ",")
	}
	opts := fitOptions{
		Targets: Targets{
			CV:           *targetCV,
			APD:          *targetAPD,
			APDWeight:    *apdWeight,
			APDThreshold: *apdThreshold,
		},
		Params:    names,
		Spread:    *spread,
		Length:    *length,
		TMax:      *tmax,
		MaxEvals:  *maxEvals,
		Method:    *method,
		OutputDir: *outputDir,
	}
	res, err := fit(base, opts, logger)
	if err != nil {
		logger.Error("fit failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("\nBest fitness: %.6g (cv=%.4f apd=%.4f)\n", res.Fitness, res.Measurement.CV, res.Measurement.APD)
	fmt.Printf("Best config saved to: %s\n", filepath.Join(*outputDir, "best_config.yaml"))
}

// fit minimizes the cable fitness over the parameters named in opts and
// writes fit_log.csv and best_config.yaml to opts.OutputDir.
func fit(base *config.Config, opts fitOptions, logger *slog.Logger) (*fitResult, error) {
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if opts.TMax > 0 {
		base.Numerics.TMax = opts.TMax
		base.Refresh()
	}

	params, err := NewParamVector(base, opts.Params, opts.Spread)
	if err != nil {
		return nil, err
	}
	evaluator, err := NewFitnessEvaluator(params, base, opts.Length, opts.Targets, logger)
	if err != nil {
		return nil, err
	}

	var method optimize.Method
	switch opts.Method {
	case "neldermead", "":
		method = &optimize.NelderMead{}
	case "cmaes":
		method = &optimize.CmaEsChol{InitStepSize: 0.3}
	default:
		return nil, fmt.Errorf("unknown method %q", opts.Method)
	}

	logFile, err := os.Create(filepath.Join(opts.OutputDir, "fit_log.csv"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()
	evals := &evalLog{f: logFile}

	res := &fitResult{Fitness: failedFitness + 1}
	startTime := time.Now()
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			raw := params.Clamp(params.Denormalize(x))
			fitness := evaluator.Evaluate(raw)
			m := evaluator.LastMeasurement()
			res.Evals++

			if fitness < res.Fitness {
				res.Fitness = fitness
				res.Values = raw
				res.Measurement = m
			}
			if err := evals.append(evalRecord{
				Eval: res.Evals, Fitness: fitness, CV: m.CV, APD: m.APD, Params: params.Format(raw),
			}); err != nil {
				logger.Warn("failed to write log row", "error", err)
			}

			elapsed := time.Since(startTime)
			remaining := time.Duration(opts.MaxEvals-res.Evals) * (elapsed / time.Duration(res.Evals))
			fmt.Printf("Eval %d/%d: %s cv=%.4f apd=%.4f fitness=%.3g (best=%.3g) | elapsed: %s, ETA: %s\n",
				res.Evals, opts.MaxEvals, params.Format(raw), m.CV, m.APD, fitness, res.Fitness,
				formatDuration(elapsed), formatDuration(remaining))
			return fitness
		},
	}
	settings := &optimize.Settings{FuncEvaluations: opts.MaxEvals}

	fmt.Printf("Fitting %d parameters on a %d-node cable, target cv=%g apd=%g, max_evals=%d\n",
		params.Dim(), opts.Length, opts.Targets.CV, opts.Targets.APD, opts.MaxEvals)
	result, err := optimize.Minimize(problem, params.Normalize(params.DefaultVector()), settings, method)
	if err != nil {
		logger.Warn("optimization ended", "error", err)
	}
	if res.Values == nil {
		if result == nil {
			return nil, fmt.Errorf("no evaluation succeeded: %w", err)
		}
		res.Values = params.Clamp(params.Denormalize(result.X))
	}
	fmt.Printf("Optimization complete after %d evaluations in %s\n", res.Evals, formatDuration(time.Since(startTime)))

	best, err := copyConfig(base)
	if err != nil {
		return nil, err
	}
	params.ApplyToConfig(best, res.Values)
	best.Refresh()
	if err := best.WriteYAML(filepath.Join(opts.OutputDir, "best_config.yaml")); err != nil {
		return nil, err
	}
	res.Config = best
	return res, nil
}
