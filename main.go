package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/cardio/config"
	"github.com/pthm-cable/cardio/scenario"
	"github.com/pthm-cable/cardio/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cardio",
		Short: "Cardiac reaction-diffusion simulator",
		Long: `cardio simulates electrical excitation in cardiac tissue with the
monodomain reaction-diffusion model on a regular 1D, 2D or 3D grid.

Runs are described by a YAML file layered over the built-in defaults
(see 'cardio defaults').`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml (empty = use defaults)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format: json or text")

	rootCmd.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newDefaultsCmd(),
		newRunsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the default logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	logger, err := newLogger(level, format, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	path, _ := cmd.Flags().GetString("config")
	if err := config.Init(path); err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return config.Cfg(), logger, nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		Long: `Run a simulation to its end time and write the recorded results.

Interrupting the run (Ctrl-C) stops after the current step, writes what was
recorded so far and saves a snapshot that 'run --resume' continues from.

Examples:
  cardio run --config spiral.yaml --output-dir out/spiral
  cardio run --t-max 500 --workers 8
  cardio run --config spiral.yaml --resume out/spiral/snapshot_20000_interrupted.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg)

			run, err := scenario.Build(cfg, logger)
			if err != nil {
				return err
			}
			defer run.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting simulation",
				"model", cfg.Model.Kind,
				"shape", cfg.Grid.Shape,
				"t_max", cfg.Numerics.TMax,
				"steps", cfg.Derived.Steps,
				"output_dir", cfg.Telemetry.OutputDir,
			)
			sum, err := run.Execute(ctx)
			if err != nil {
				return err
			}
			if sum.Snapshot != "" {
				logger.Info("snapshot saved", "path", sum.Snapshot)
			}
			return nil
		},
	}
	cmd.Flags().String("output-dir", "", "Output directory for CSV logs and snapshots (overrides config)")
	cmd.Flags().Float64("t-max", 0, "End time (0 = use config)")
	cmd.Flags().Int("workers", -1, "Worker goroutines (-1 = use config, 0 = GOMAXPROCS)")
	cmd.Flags().String("resume", "", "Snapshot file to resume from")
	cmd.Flags().Bool("snapshot", false, "Save a snapshot at the end of the run")
	cmd.Flags().String("catalog", "", "SQLite run catalog to record the run in (overrides config)")
	return cmd
}

// applyRunFlags overrides config values with the flags that were set.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("output-dir") {
		cfg.Telemetry.OutputDir, _ = flags.GetString("output-dir")
	}
	if tmax, _ := flags.GetFloat64("t-max"); tmax > 0 {
		cfg.Numerics.TMax = tmax
	}
	if workers, _ := flags.GetInt("workers"); workers >= 0 {
		cfg.Engine.Workers = workers
	}
	if flags.Changed("resume") {
		cfg.Telemetry.Resume, _ = flags.GetString("resume")
	}
	if snap, _ := flags.GetBool("snapshot"); snap {
		cfg.Telemetry.SnapshotAtEnd = true
	}
	if flags.Changed("catalog") {
		cfg.Telemetry.Catalog, _ = flags.GetString("catalog")
	}
	cfg.Refresh()
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			warnings, err := cfg.Validate()
			for _, w := range warnings {
				logger.Warn("config", "warning", w)
			}
			if err != nil {
				return err
			}
			if _, _, err := scenario.BuildGrid(cfg); err != nil {
				return err
			}
			logger.Info("config valid",
				"model", cfg.Model.Kind,
				"shape", cfg.Grid.Shape,
				"steps", cfg.Derived.Steps,
				"warnings", len(warnings),
			)
			return nil
		},
	}
}

func newDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print the built-in default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(config.Defaults())
			return err
		},
	}
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in a run catalog",
		Long: `List the runs recorded in a SQLite run catalog, newest first.

Examples:
  cardio runs --catalog out/runs.db
  cardio runs --config spiral.yaml --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			path := cfg.Telemetry.Catalog
			if cmd.Flags().Changed("catalog") {
				path, _ = cmd.Flags().GetString("catalog")
			}
			if path == "" {
				return fmt.Errorf("no catalog configured: set telemetry.catalog or --catalog")
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("catalog: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			catalog, err := telemetry.OpenCatalog(ctx, path)
			if err != nil {
				return err
			}
			defer catalog.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := catalog.Runs(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tMODEL\tSHAPE\tSTEPS\tTIME\tACTIVATED\tOUTPUT")
			for _, r := range runs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%d\t%g\t%d/%d\t%s\n",
					r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.Model, r.Shape,
					r.Steps, r.Time, r.Activated, r.Active, r.OutputDir)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("catalog", "", "Catalog path (overrides config)")
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 = all)")
	return cmd
}
