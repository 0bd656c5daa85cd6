package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/drift"
	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/pipeline"
)

func scoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "score",
		Short: "Score motions and votes from meetings in the current window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.loadRubric()
			if err != nil {
				return err
			}
			db, repo, err := a.openStore()
			if err != nil {
				return err
			}
			defer apperrors.SafeClose(db, "database")

			window := pipeline.WindowFor(a.now(), a.cfg.WindowDays)
			summary, err := a.runner(repo, r).Score(cmd.Context(), window)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Window:                %s\n", window)
			fmt.Fprintf(out, "Rubric:                %s\n", r.Version())
			printSummary(out, summary)
			return nil
		},
	}
}

func driftCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drift",
		Short: "Detect drift for the current window from stored vote scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.loadRubric()
			if err != nil {
				return err
			}
			db, repo, err := a.openStore()
			if err != nil {
				return err
			}
			defer apperrors.SafeClose(db, "database")

			window := pipeline.WindowFor(a.now(), a.cfg.WindowDays)
			report, err := a.runner(repo, r).Drift(cmd.Context(), window)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Window:                %s\n", window)
			printReport(out, report)
			return nil
		},
	}
}

func runCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Score the current window, then detect drift, and record the run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.loadRubric()
			if err != nil {
				return err
			}
			db, repo, err := a.openStore()
			if err != nil {
				return err
			}
			defer apperrors.SafeClose(db, "database")

			window := pipeline.WindowFor(a.now(), a.cfg.WindowDays)
			run, err := a.runner(repo, r).Run(cmd.Context(), window)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			}
			fmt.Fprintf(out, "Run:                   %s\n", run.ID)
			fmt.Fprintf(out, "Window:                %s\n", window)
			fmt.Fprintf(out, "Rubric:                %s\n", run.RubricVersion)
			fmt.Fprintf(out, "Motions:               %d\n", run.Motions)
			fmt.Fprintf(out, "Votes:                 %d\n", run.Votes)
			fmt.Fprintf(out, "Vote scores:           %d\n", run.VoteScores)
			fmt.Fprintf(out, "Orphans:               %d\n", run.Orphans)
			fmt.Fprintf(out, "Insufficient evidence: %d\n", run.InsufficientEvidence)
			fmt.Fprintf(out, "Flagged:               %d\n", run.Flagged)
			fmt.Fprintf(out, "Drift events:          %d\n", run.DriftEvents)
			fmt.Fprintf(out, "Skipped:               %d\n", run.Skipped)
			fmt.Fprintf(out, "Duration:              %s\n", run.FinishedAt.Sub(run.StartedAt))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run summary as JSON")
	return cmd
}

func printSummary(out io.Writer, s *pipeline.Summary) {
	fmt.Fprintf(out, "Motions:               %d\n", s.Motions)
	fmt.Fprintf(out, "Votes:                 %d\n", s.Votes)
	fmt.Fprintf(out, "Vote scores:           %d\n", s.VoteScores)
	fmt.Fprintf(out, "Orphans:               %d\n", s.Orphans)
	fmt.Fprintf(out, "Insufficient evidence: %d\n", s.InsufficientEvidence)
	fmt.Fprintf(out, "Skipped:               %d\n", s.Skipped)
}

func printReport(out io.Writer, report *drift.Report) {
	fmt.Fprintf(out, "Officials evaluated:   %d\n", report.Evaluated)
	fmt.Fprintf(out, "Insufficient baseline: %d\n", report.InsufficientBaseline)
	fmt.Fprintf(out, "Flagged scores:        %d\n", report.FlaggedScores)
	fmt.Fprintf(out, "Skipped:               %d\n", report.Skipped)
	fmt.Fprintf(out, "Drift events:          %d\n", len(report.Events))
	for _, e := range report.Events {
		fmt.Fprintf(out, "  %s %s: %.2f -> %.2f (%+.2f)\n",
			e.Official, e.Axis, e.PriorAverage, e.CurrentAverage, e.Deviation)
	}
}
