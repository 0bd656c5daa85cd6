package pipeline

import (
	"context"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/database"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/monitoring"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric/rubrictest"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *database.Repository
	runner  *Runner
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()

	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := monitoring.NewLogger(io.Discard, "debug")
	repo := database.NewRepository(db, logger.Logger)
	metrics := monitoring.NewMetrics()
	runner := NewRunner(repo, rubrictest.Load(t, nil), logger, Options{
		Workers: workers,
		Now:     func() time.Time { return now },
		Metrics: metrics,
	})
	return &fixture{repo: repo, runner: runner, metrics: metrics}
}

// seed stores one meeting inside the window with a spending motion, a motion
// whose only artifact is missing, a vote on the spending motion and a vote
// on an unknown motion, plus one meeting outside the window.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.repo.UpsertArtifact(ctx, database.Artifact{ID: "a-budget", Title: "FY26 budget", Tags: []string{"budget"}}))
	require.NoError(t, f.repo.UpsertMeeting(ctx, database.Meeting{ID: "m1", Body: "Fiscal Court", HeldAt: now.AddDate(0, 0, -2)}))
	require.NoError(t, f.repo.UpsertMeeting(ctx, database.Meeting{ID: "m0", Body: "Fiscal Court", HeldAt: now.AddDate(0, 0, -40)}))

	require.NoError(t, f.repo.UpsertMotion(ctx, database.Motion{
		ID: "mo-budget", MeetingID: "m1", Text: "Approve the budget appropriation", ArtifactIDs: []string{"a-budget"},
	}))
	require.NoError(t, f.repo.UpsertMotion(ctx, database.Motion{
		ID: "mo-missing", MeetingID: "m1", Text: "Accept the minutes", ArtifactIDs: []string{"a-gone"},
	}))
	require.NoError(t, f.repo.UpsertMotion(ctx, database.Motion{
		ID: "mo-old", MeetingID: "m0", Text: "Approve the budget", ArtifactIDs: []string{"a-budget"},
	}))

	require.NoError(t, f.repo.UpsertVote(ctx, scoring.VoteRecord{
		ID: "v1", MeetingID: "m1", MotionID: "mo-budget", VoteType: "roll_call", Outcome: "passed",
		Ayes: []string{"Adams", "Baker"}, Nays: []string{"Clark"}, Abstentions: []string{"Davis"},
	}))
	require.NoError(t, f.repo.UpsertVote(ctx, scoring.VoteRecord{
		ID: "v2", MeetingID: "m1", MotionID: "mo-ghost", VoteType: "voice", Outcome: "passed",
		Ayes: []string{"Adams"},
	}))
}

func TestWindowFor(t *testing.T) {
	w := WindowFor(time.Date(2025, 3, 10, 23, 59, 0, 0, time.FixedZone("EST", -5*3600)), 7)

	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), w.End)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, WindowFor(now, 7), WindowFor(now.Add(-11*time.Hour), 7))
}

func TestScoreWindow(t *testing.T) {
	f := newFixture(t, 2)
	f.seed(t)
	ctx := context.Background()

	summary, err := f.runner.Score(ctx, WindowFor(now, 7))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Motions)
	assert.Equal(t, 2, summary.Votes)
	assert.Equal(t, 4, summary.VoteScores)
	assert.Equal(t, 1, summary.Orphans)
	assert.Equal(t, 1, summary.Skipped, "missing artifact")
	assert.Equal(t, 2, summary.InsufficientEvidence, "evidence-free motion and orphan")
	require.Len(t, summary.Scores, 7)

	clark, err := f.repo.DecisionScores(ctx, database.ScoreFilter{Official: "Clark"})
	require.NoError(t, err)
	require.Len(t, clark, 1)
	assert.Equal(t, 5.0, clark[0].AxisScores[rubricFiscal])
	assert.Equal(t, scoring.VoteScoreID("v1", "Clark"), clark[0].ID)
	assert.Equal(t, "mo-budget", clark[0].MotionID)
	assert.True(t, now.Equal(clark[0].ComputedAt))

	davis, err := f.repo.DecisionScores(ctx, database.ScoreFilter{Official: "Davis"})
	require.NoError(t, err)
	require.Len(t, davis, 1)
	assert.Equal(t, []string{scoring.FlagAbstain}, davis[0].Flags)

	old, err := f.repo.DecisionScores(ctx, database.ScoreFilter{MotionID: "mo-old"})
	require.NoError(t, err)
	assert.Empty(t, old, "meeting outside the window is not scored")

	all, err := f.repo.DecisionScores(ctx, database.ScoreFilter{MeetingID: "m1"})
	require.NoError(t, err)
	var orphan *scoring.DecisionScore
	for i := range all {
		if all[i].ID == scoring.OrphanScoreID("v2") {
			orphan = &all[i]
		}
	}
	require.NotNil(t, orphan)
	assert.Empty(t, orphan.MotionID)
	assert.Equal(t, 0.0, orphan.Confidence)
	assert.True(t, orphan.HasFlag(scoring.FlagInsufficientEvidence))

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.ScoresComputed.WithLabelValues(LevelVote)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SkippedRecords.WithLabelValues("input")))
}

const rubricFiscal = "fiscal_restraint"

func TestScoreIsIdempotent(t *testing.T) {
	f := newFixture(t, 4)
	f.seed(t)
	ctx := context.Background()
	window := WindowFor(now, 7)

	first, err := f.runner.Score(ctx, window)
	require.NoError(t, err)
	second, err := f.runner.Score(ctx, window)
	require.NoError(t, err)

	assert.Equal(t, first.Scores, second.Scores)
	all, err := f.repo.DecisionScores(ctx, database.ScoreFilter{})
	require.NoError(t, err)
	assert.Len(t, all, len(first.Scores))
}

func TestScoreOrderIndependentOfWorkers(t *testing.T) {
	ctx := context.Background()
	seedMany := func(f *fixture) {
		require.NoError(t, f.repo.UpsertArtifact(ctx, database.Artifact{ID: "a", Tags: []string{"budget", "zoning"}}))
		require.NoError(t, f.repo.UpsertMeeting(ctx, database.Meeting{ID: "m", HeldAt: now}))
		for i := 0; i < 25; i++ {
			motionID := fmt.Sprintf("mo-%02d", i)
			require.NoError(t, f.repo.UpsertMotion(ctx, database.Motion{
				ID: motionID, MeetingID: "m", Text: "Bond issue " + motionID, ArtifactIDs: []string{"a"},
			}))
			require.NoError(t, f.repo.UpsertVote(ctx, scoring.VoteRecord{
				ID: "v-" + motionID, MeetingID: "m", MotionID: motionID,
				Ayes: []string{"Young", "Adams"}, Nays: []string{"Moss"},
			}))
		}
	}

	serial := newFixture(t, 1)
	seedMany(serial)
	parallel := newFixture(t, 8)
	seedMany(parallel)

	a, err := serial.runner.Score(ctx, WindowFor(now, 7))
	require.NoError(t, err)
	b, err := parallel.runner.Score(ctx, WindowFor(now, 7))
	require.NoError(t, err)

	require.Len(t, a.Scores, 100)
	assert.Equal(t, a.Scores, b.Scores)
	assert.True(t, sort.SliceIsSorted(b.Scores, func(i, j int) bool {
		if b.Scores[i].MotionID != b.Scores[j].MotionID {
			return b.Scores[i].MotionID < b.Scores[j].MotionID
		}
		if b.Scores[i].VoteID != b.Scores[j].VoteID {
			return b.Scores[i].VoteID < b.Scores[j].VoteID
		}
		return b.Scores[i].Official < b.Scores[j].Official
	}))
}

func TestDuplicateBallotKeepsFirstChoice(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	require.NoError(t, f.repo.UpsertMeeting(ctx, database.Meeting{ID: "m", HeldAt: now}))
	require.NoError(t, f.repo.UpsertMotion(ctx, database.Motion{ID: "mo", MeetingID: "m", Text: "Adjourn"}))
	require.NoError(t, f.repo.UpsertVote(ctx, scoring.VoteRecord{
		ID: "v", MeetingID: "m", MotionID: "mo", Ayes: []string{"Adams"}, Absent: []string{"Adams"},
	}))

	summary, err := f.runner.Score(ctx, WindowFor(now, 7))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.VoteScores)
	assert.Equal(t, 1, summary.Skipped)
	scores, err := f.repo.DecisionScores(ctx, database.ScoreFilter{Official: "Adams"})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.False(t, scores[0].HasFlag(scoring.FlagAbsent))
}

func TestRunDetectsDrift(t *testing.T) {
	f := newFixture(t, 2)
	f.seed(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.repo.UpsertDecisionScore(ctx, scoring.DecisionScore{
			ID:         fmt.Sprintf("hist-%d", i),
			MeetingID:  "m-hist",
			MotionID:   "mo-hist",
			VoteID:     fmt.Sprintf("v-hist-%d", i),
			Official:   "Adams",
			ComputedAt: now.AddDate(0, 0, -30-i),
			ScoreResult: scoring.ScoreResult{
				AxisScores: map[string]float64{rubricFiscal: 10},
				Confidence: 1,
				Flags:      []string{},
			},
		}))
	}

	run, err := f.runner.Run(ctx, WindowFor(now, 7))
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, 1, run.DriftEvents)
	assert.Equal(t, 1, run.Flagged)
	assert.Equal(t, 4, run.VoteScores)
	assert.Equal(t, 1, run.Orphans)
	assert.Equal(t, 1, run.Skipped, "missing artifact")

	records, err := f.repo.DriftRecords(ctx, "Adams", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 10.0, records[0].PriorAverage)
	assert.Equal(t, -5.0, records[0].CurrentAverage)
	assert.Equal(t, -15.0, records[0].Deviation)

	adams, err := f.repo.DecisionScores(ctx, database.ScoreFilter{Official: "Adams", MeetingID: "m1"})
	require.NoError(t, err)
	require.Len(t, adams, 1)
	assert.True(t, adams[0].HasFlag(scoring.DriftFlag(rubricFiscal)))

	runs, err := f.repo.RecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DriftEvents.WithLabelValues(rubricFiscal)))
}

func TestRunDoesNotCountPastOrphansAsSkipped(t *testing.T) {
	f := newFixture(t, 2)
	f.seed(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		voteID := fmt.Sprintf("v-old-%d", i)
		require.NoError(t, f.repo.UpsertDecisionScore(ctx, scoring.DecisionScore{
			ID:          scoring.OrphanScoreID(voteID),
			MeetingID:   "m-old",
			VoteID:      voteID,
			ComputedAt:  now.AddDate(0, 0, -30),
			ScoreResult: scoring.ComputeOrphanVoteScore(scoring.VoteRecord{ID: voteID}, f.runner.rubric),
		}))
	}

	for i := 0; i < 2; i++ {
		run, err := f.runner.Run(ctx, WindowFor(now, 7))
		require.NoError(t, err)

		assert.Equal(t, 1, run.Orphans)
		assert.Equal(t, 1, run.Skipped, "only the missing artifact")
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.SkippedRecords.WithLabelValues("unattributed")))
}
