package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/drift"
	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

func newTestRepository(t *testing.T) (*Repository, *DB) {
	t.Helper()
	db, err := NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db, nil), db
}

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func sampleVoteScore(id, official string, at time.Time, fiscal float64) scoring.DecisionScore {
	return scoring.DecisionScore{
		ID:            id,
		MeetingID:     "meeting-1",
		MotionID:      "motion-1",
		VoteID:        "vote-1",
		Official:      official,
		RubricVersion: "abc123",
		ComputedAt:    at,
		ScoreResult: scoring.ScoreResult{
			OverallScore:       fiscal,
			AxisScores:         map[string]float64{"fiscal_restraint": fiscal},
			ReferenceCitations: []string{"US Amendment 5"},
			EvidenceTrail:      []string{"vote_choice:aye", "official:" + official},
			Confidence:         1.0,
			Flags:              []string{},
		},
	}
}

func TestNewDBPreparesStatements(t *testing.T) {
	_, db := newTestRepository(t)

	for _, name := range []string{stmtUpsertScore, stmtUpdateFlags, stmtUpsertDrift, stmtScoresBetween, stmtScoresBefore} {
		_, err := db.GetPreparedStatement(name)
		assert.NoError(t, err, name)
	}
	_, err := db.GetPreparedStatement("missing")
	assert.Error(t, err)
	assert.Contains(t, db.GetPoolStats(), "open_connections")
}

func TestUpsertDecisionScoreIsIdempotent(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	score := sampleVoteScore("s1", "Adams", base, -5)
	require.NoError(t, repo.UpsertDecisionScore(ctx, score))
	score.OverallScore = -6
	score.AxisScores["fiscal_restraint"] = -6
	require.NoError(t, repo.UpsertDecisionScore(ctx, score))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM decision_scores`).Scan(&count))
	assert.Equal(t, 1, count)

	scores, err := repo.DecisionScores(ctx, ScoreFilter{})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, score, scores[0])
}

func TestUpsertDecisionScoreOfficialFromTrail(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	score := sampleVoteScore("s1", "Baker", base, 1)
	score.Official = ""
	require.NoError(t, repo.UpsertDecisionScore(ctx, score))

	scores, err := repo.DecisionScores(ctx, ScoreFilter{Official: "Baker"})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "Baker", scores[0].Official)
}

func TestVoteScoreWindows(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	start := base
	end := base.Add(7 * 24 * time.Hour)

	motion := sampleVoteScore("motion", "", start.Add(time.Hour), 0)
	motion.VoteID = ""
	motion.EvidenceTrail = []string{"tag:budget"}

	for _, s := range []scoring.DecisionScore{
		sampleVoteScore("at-start", "Adams", start, 1),
		sampleVoteScore("inside", "Adams", start.Add(time.Hour), 2),
		sampleVoteScore("at-end", "Adams", end, 3),
		sampleVoteScore("old", "Adams", start.Add(-48*time.Hour), 4),
		sampleVoteScore("older", "Adams", start.Add(-72*time.Hour), 5),
		motion,
	} {
		require.NoError(t, repo.UpsertDecisionScore(ctx, s))
	}

	window, err := repo.VoteScoresBetween(ctx, start, end)
	require.NoError(t, err)
	assert.Equal(t, []string{"at-start", "inside"}, scoreIDs(window))

	history, err := repo.VoteScoresBefore(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "older"}, scoreIDs(history))

	votes, err := repo.DecisionScores(ctx, ScoreFilter{VoteOnly: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"at-end", "inside"}, scoreIDs(votes))
}

func TestUpdateScoreFlagsKeepsNumbers(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	score := sampleVoteScore("s1", "Adams", base, -5)
	require.NoError(t, repo.UpsertDecisionScore(ctx, score))

	require.NoError(t, repo.UpdateScoreFlags(ctx, "s1", []string{"drift_detected:fiscal_restraint"}))

	scores, err := repo.DecisionScores(ctx, ScoreFilter{})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, []string{"drift_detected:fiscal_restraint"}, scores[0].Flags)
	assert.Equal(t, -5.0, scores[0].OverallScore)
	assert.Equal(t, score.AxisScores, scores[0].AxisScores)
}

func TestUnparsableScoreRowIsSkipped(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertDecisionScore(ctx, sampleVoteScore("good", "Adams", base, 1)))

	_, err := db.Exec(`INSERT INTO decision_scores (`+scoreColumns+`)
		VALUES ('bad', '', 'm', 'v', 'Adams', '', 0, '{not json', '[]', '[]', 0, '[]', ?)`, formatTime(base))
	require.NoError(t, err)

	scores, err := repo.VoteScoresBetween(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, scoreIDs(scores))
}

func TestDriftRecords(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()
	windowEnd := base.Add(7 * 24 * time.Hour)

	record := drift.Record{
		ID:             drift.RecordID("Adams", "fiscal_restraint", windowEnd),
		Official:       "Adams",
		Axis:           "fiscal_restraint",
		PriorAverage:   10,
		CurrentAverage: 13,
		Deviation:      3,
		Flags:          []string{"drift_detected:fiscal_restraint"},
		WindowStart:    base,
		WindowEnd:      windowEnd,
		ComputedAt:     windowEnd,
	}
	require.NoError(t, repo.UpsertDriftRecord(ctx, record))
	require.NoError(t, repo.UpsertDriftRecord(ctx, record))
	other := record
	other.ID = drift.RecordID("Baker", "transparency", windowEnd)
	other.Official = "Baker"
	other.Axis = "transparency"
	require.NoError(t, repo.UpsertDriftRecord(ctx, other))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM official_drift_records`).Scan(&count))
	assert.Equal(t, 2, count)

	records, err := repo.DriftRecords(ctx, "Adams", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record, records[0])

	all, err := repo.DriftRecords(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMeetingInputs(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertMeeting(ctx, Meeting{ID: "m1", Body: "Fiscal Court", HeldAt: base}))
	require.NoError(t, repo.UpsertMeeting(ctx, Meeting{ID: "m0", Body: "Fiscal Court", HeldAt: base.Add(-30 * 24 * time.Hour)}))
	require.NoError(t, repo.UpsertMotion(ctx, Motion{ID: "mo2", MeetingID: "m1", Text: "Second", ArtifactIDs: []string{"a1", "missing"}}))
	require.NoError(t, repo.UpsertMotion(ctx, Motion{ID: "mo1", MeetingID: "m1", Text: "First"}))
	require.NoError(t, repo.UpsertVote(ctx, scoring.VoteRecord{
		ID: "v1", MeetingID: "m1", MotionID: "mo1", VoteType: "roll_call", Outcome: "passed",
		Ayes: []string{"Adams"}, Nays: []string{"Baker"},
	}))
	require.NoError(t, repo.UpsertArtifact(ctx, Artifact{ID: "a1", Title: "Budget", Tags: []string{"budget"}}))

	meetings, err := repo.MeetingsBetween(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, meetings, 1)
	assert.Equal(t, "m1", meetings[0].ID)
	assert.True(t, base.Equal(meetings[0].HeldAt))

	motions, err := repo.MotionsForMeeting(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, motions, 2)
	assert.Equal(t, "mo1", motions[0].ID)
	assert.Equal(t, []string{}, motions[0].ArtifactIDs)
	assert.Equal(t, []string{"a1", "missing"}, motions[1].ArtifactIDs)

	votes, err := repo.VotesForMeeting(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, []string{"Adams"}, votes[0].Ayes)
	assert.Equal(t, []string{}, votes[0].Abstentions)

	artifacts, err := repo.ArtifactsByID(ctx, []string{"a1", "missing"})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, scoring.LinkedArtifact{ID: "a1", Tags: []string{"budget"}}, artifacts["a1"].Linked())

	// Re-ingesting overwrites rather than duplicating.
	require.NoError(t, repo.UpsertArtifact(ctx, Artifact{ID: "a1", Tags: []string{"tax"}}))
	artifacts, err = repo.ArtifactsByID(ctx, []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tax"}, artifacts["a1"].Tags)
}

func TestRuns(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	first := Run{ID: "r1", RubricVersion: "v", WindowStart: base, WindowEnd: base, StartedAt: base, FinishedAt: base, Motions: 2}
	second := Run{ID: "r2", RubricVersion: "v", WindowStart: base, WindowEnd: base, StartedAt: base, FinishedAt: base.Add(time.Hour), DriftEvents: 1}
	require.NoError(t, repo.SaveRun(ctx, first))
	require.NoError(t, repo.SaveRun(ctx, second))

	runs, err := repo.RecentRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, 1, runs[0].DriftEvents)
	assert.Equal(t, 2, runs[1].Motions)
	assert.NoError(t, repo.Ping(ctx))
}

func TestClassify(t *testing.T) {
	busy := classify(sqlite3.Error{Code: sqlite3.ErrBusy}, "write")
	assert.True(t, apperrors.IsRetryableError(busy))

	other := classify(errors.New("no such table: nope"), "write")
	assert.False(t, apperrors.IsRetryableError(other))
	assert.Contains(t, other.Error(), "failed to write")

	assert.NoError(t, classify(nil, "write"))
}

func scoreIDs(scores []scoring.DecisionScore) []string {
	ids := make([]string, 0, len(scores))
	for _, s := range scores {
		ids = append(ids, s.ID)
	}
	return ids
}
