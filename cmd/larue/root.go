package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/config"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/database"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/monitoring"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/pipeline"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric"
)

// version is set at build time via -ldflags.
var version = "dev"

// app carries the state shared by every subcommand once flags are parsed.
type app struct {
	cfg     config.Config
	logger  *monitoring.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

func rootCmd() *cobra.Command {
	return newRootCmd(&app{now: time.Now})
}

func newRootCmd(a *app) *cobra.Command {
	var flags struct {
		dataDir    string
		rubricDir  string
		logLevel   string
		workers    int
		windowDays int
	}

	cmd := &cobra.Command{
		Use:   "larue",
		Short: "Civic decision scoring and drift detection",
		Long: `larue scores motions and roll-call votes from LaRue County public
meetings against a versioned rubric, detects drift in each official's
voting behaviour and serves the stored results over a read-only API.

Settings come from the environment (DATA_DIR, RUBRIC_DIR, LOG_LEVEL,
SCORING_WORKERS, WINDOW_DAYS, ...) and are overridden by flags.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			f := cmd.Flags()
			if f.Changed("data-dir") {
				cfg.DataDir = flags.dataDir
			}
			if f.Changed("rubric-dir") {
				cfg.RubricDir = flags.rubricDir
			}
			if f.Changed("log-level") {
				cfg.LogLevel = flags.logLevel
			}
			if f.Changed("workers") {
				cfg.ScoringWorkers = flags.workers
			}
			if f.Changed("window-days") {
				cfg.WindowDays = flags.windowDays
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			a.cfg = cfg
			a.logger = monitoring.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			a.metrics = monitoring.NewMetrics()
			slog.SetDefault(a.logger.Logger)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.dataDir, "data-dir", "./data", "Directory holding the sqlite database")
	pf.StringVar(&flags.rubricDir, "rubric-dir", "./rubric", "Rubric directory")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.IntVar(&flags.workers, "workers", 0, "Scoring workers (default: number of CPUs)")
	pf.IntVar(&flags.windowDays, "window-days", 7, "Days in the current scoring window")

	cmd.AddCommand(scoreCmd(a))
	cmd.AddCommand(driftCmd(a))
	cmd.AddCommand(runCmd(a))
	cmd.AddCommand(ingestCmd(a))
	cmd.AddCommand(rubricCmd(a))
	cmd.AddCommand(serveCmd(a))

	return cmd
}

// openStore opens the sqlite database under the configured data directory.
// Callers close the returned DB.
func (a *app) openStore() (*database.DB, *database.Repository, error) {
	db, err := database.NewDB(a.cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return db, database.NewRepository(db, a.logger.Logger), nil
}

func (a *app) loadRubric() (*rubric.Rubric, error) {
	r, err := rubric.Load(a.cfg.RubricDir)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Rubric loaded", "dir", a.cfg.RubricDir, "version", r.Version())
	return r, nil
}

func (a *app) runner(repo *database.Repository, r *rubric.Rubric) *pipeline.Runner {
	return pipeline.NewRunner(repo, r, a.logger, pipeline.Options{
		Workers: a.cfg.ScoringWorkers,
		Now:     a.now,
		Metrics: a.metrics,
	})
}
