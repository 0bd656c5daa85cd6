// Package drift compares each official's current-window axis averages with
// their own history and flags the vote scores of officials whose behaviour
// moved further than the rubric's drift threshold.
package drift

import (
	"context"
	"fmt"
	"time"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WindowEnding returns the window of the given number of days ending at end.
func WindowEnding(end time.Time, days int) Window {
	end = end.UTC()
	return Window{Start: end.AddDate(0, 0, -days), End: end}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Record is one detected drift event for an official on an axis.
type Record struct {
	ID             string    `json:"id"`
	Official       string    `json:"official"`
	Axis           string    `json:"axis"`
	PriorAverage   float64   `json:"prior_average"`
	CurrentAverage float64   `json:"current_average"`
	Deviation      float64   `json:"deviation"`
	Flags          []string  `json:"flags"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	ComputedAt     time.Time `json:"computed_at"`
}

// RecordID is the composite id of a drift record. Re-running a window
// overwrites its records.
func RecordID(official, axis string, windowEnd time.Time) string {
	return official + "|" + axis + "|" + windowEnd.UTC().Format(time.RFC3339)
}

// Store is the persistence the detector reads history from and writes
// events to.
type Store interface {
	// VoteScoresBetween returns vote-level scores with start <= computed_at < end.
	VoteScoresBetween(ctx context.Context, start, end time.Time) ([]scoring.DecisionScore, error)
	// VoteScoresBefore returns vote-level scores computed before the given
	// time, most recent first.
	VoteScoresBefore(ctx context.Context, before time.Time) ([]scoring.DecisionScore, error)
	UpsertDriftRecord(ctx context.Context, record Record) error
	UpdateScoreFlags(ctx context.Context, scoreID string, flags []string) error
}

// Report summarizes one detection pass.
type Report struct {
	Window               Window   `json:"window"`
	Evaluated            int      `json:"evaluated"`
	InsufficientBaseline int      `json:"insufficient_baseline"`
	Skipped              int      `json:"skipped"`
	FlaggedScores        int      `json:"flagged_scores"`
	Events               []Record `json:"events"`
}
