package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/drift"
	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/resilience"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

// Repository handles database operations
type Repository struct {
	db     *DB
	logger *slog.Logger
	retry  resilience.RetryPolicy
}

var _ drift.Store = (*Repository)(nil)

// NewRepository creates a new repository. A nil logger uses slog.Default().
func NewRepository(db *DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{db: db, logger: logger, retry: resilience.StoragePolicy}
}

// classify marks busy and locked sqlite errors as retryable storage errors.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return apperrors.NewStorageError(op+": database busy", err)
	}
	return apperrors.WrapError(err, "failed to %s", op)
}

// write runs one statement under the storage retry policy.
func (r *Repository) write(ctx context.Context, op string, fn func() (sql.Result, error)) error {
	return resilience.RetryWithPolicy(ctx, r.retry, func() error {
		_, err := fn()
		return classify(err, op)
	})
}

func (r *Repository) stmt(name string) (*sql.Stmt, error) {
	stmt, err := r.db.GetPreparedStatement(name)
	if err != nil {
		return nil, apperrors.NewInternalError("missing prepared statement", err)
	}
	return stmt, nil
}

// UpsertArtifact inserts or replaces an artifact
func (r *Repository) UpsertArtifact(ctx context.Context, a Artifact) error {
	tags, err := encodeJSON(nonNil(a.Tags))
	if err != nil {
		return apperrors.NewDataError(a.ID, "artifact tags not encodable", err)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}

	return r.write(ctx, "upsert artifact", func() (sql.Result, error) {
		return r.db.ExecContext(ctx, `
			INSERT INTO artifacts (id, source, title, url, tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source = excluded.source,
				title = excluded.title,
				url = excluded.url,
				tags = excluded.tags,
				updated_at = excluded.updated_at
		`, a.ID, a.Source, a.Title, a.URL, tags, formatTime(a.CreatedAt), formatTime(now))
	})
}

// UpsertMeeting inserts or replaces a meeting
func (r *Repository) UpsertMeeting(ctx context.Context, m Meeting) error {
	now := formatTime(time.Now())
	return r.write(ctx, "upsert meeting", func() (sql.Result, error) {
		return r.db.ExecContext(ctx, `
			INSERT INTO meetings (id, body, title, held_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				body = excluded.body,
				title = excluded.title,
				held_at = excluded.held_at,
				updated_at = excluded.updated_at
		`, m.ID, m.Body, m.Title, formatTime(m.HeldAt), now, now)
	})
}

// UpsertMotion inserts or replaces a motion
func (r *Repository) UpsertMotion(ctx context.Context, m Motion) error {
	ids, err := encodeJSON(nonNil(m.ArtifactIDs))
	if err != nil {
		return apperrors.NewDataError(m.ID, "artifact ids not encodable", err)
	}
	now := formatTime(time.Now())
	return r.write(ctx, "upsert motion", func() (sql.Result, error) {
		return r.db.ExecContext(ctx, `
			INSERT INTO motions (id, meeting_id, text, artifact_ids, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				meeting_id = excluded.meeting_id,
				text = excluded.text,
				artifact_ids = excluded.artifact_ids,
				updated_at = excluded.updated_at
		`, m.ID, m.MeetingID, m.Text, ids, now, now)
	})
}

// UpsertVote inserts or replaces a roll call
func (r *Repository) UpsertVote(ctx context.Context, v scoring.VoteRecord) error {
	lists := make([]string, 0, 4)
	for _, names := range [][]string{v.Ayes, v.Nays, v.Abstentions, v.Absent} {
		encoded, err := encodeJSON(nonNil(names))
		if err != nil {
			return apperrors.NewDataError(v.ID, "vote names not encodable", err)
		}
		lists = append(lists, encoded)
	}
	now := formatTime(time.Now())
	return r.write(ctx, "upsert vote", func() (sql.Result, error) {
		return r.db.ExecContext(ctx, `
			INSERT INTO votes (id, meeting_id, motion_id, vote_type, outcome,
				ayes, nays, abstentions, absent, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				meeting_id = excluded.meeting_id,
				motion_id = excluded.motion_id,
				vote_type = excluded.vote_type,
				outcome = excluded.outcome,
				ayes = excluded.ayes,
				nays = excluded.nays,
				abstentions = excluded.abstentions,
				absent = excluded.absent,
				updated_at = excluded.updated_at
		`, v.ID, v.MeetingID, v.MotionID, v.VoteType, v.Outcome,
			lists[0], lists[1], lists[2], lists[3], now, now)
	})
}

// MeetingsBetween returns meetings held in [start, end), oldest first
func (r *Repository) MeetingsBetween(ctx context.Context, start, end time.Time) ([]Meeting, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, body, title, held_at FROM meetings
		WHERE held_at >= ? AND held_at < ?
		ORDER BY held_at ASC, id ASC
	`, formatTime(start), formatTime(end))
	if err != nil {
		return nil, classify(err, "query meetings")
	}
	defer rows.Close()

	meetings := []Meeting{}
	for rows.Next() {
		var m Meeting
		var heldAt string
		if err := rows.Scan(&m.ID, &m.Body, &m.Title, &heldAt); err != nil {
			return nil, classify(err, "scan meeting")
		}
		if m.HeldAt, err = parseTime(heldAt); err != nil {
			r.logger.Warn("Skipping meeting with unparsable date", "meeting_id", m.ID, "error", err)
			continue
		}
		meetings = append(meetings, m)
	}
	return meetings, classify(rows.Err(), "iterate meetings")
}

// MotionsForMeeting returns a meeting's motions ordered by id
func (r *Repository) MotionsForMeeting(ctx context.Context, meetingID string) ([]Motion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, meeting_id, text, artifact_ids FROM motions
		WHERE meeting_id = ? ORDER BY id ASC
	`, meetingID)
	if err != nil {
		return nil, classify(err, "query motions")
	}
	defer rows.Close()

	motions := []Motion{}
	for rows.Next() {
		var m Motion
		var ids string
		if err := rows.Scan(&m.ID, &m.MeetingID, &m.Text, &ids); err != nil {
			return nil, classify(err, "scan motion")
		}
		if m.ArtifactIDs, err = decodeStrings(ids); err != nil {
			r.logger.Warn("Motion has unparsable artifact ids, scoring without evidence",
				"motion_id", m.ID, "error", err)
			m.ArtifactIDs = []string{}
		}
		motions = append(motions, m)
	}
	return motions, classify(rows.Err(), "iterate motions")
}

// VotesForMeeting returns a meeting's roll calls ordered by id
func (r *Repository) VotesForMeeting(ctx context.Context, meetingID string) ([]scoring.VoteRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, meeting_id, motion_id, vote_type, outcome, ayes, nays, abstentions, absent
		FROM votes WHERE meeting_id = ? ORDER BY id ASC
	`, meetingID)
	if err != nil {
		return nil, classify(err, "query votes")
	}
	defer rows.Close()

	votes := []scoring.VoteRecord{}
	for rows.Next() {
		var v scoring.VoteRecord
		var ayes, nays, abstentions, absent string
		if err := rows.Scan(&v.ID, &v.MeetingID, &v.MotionID, &v.VoteType, &v.Outcome,
			&ayes, &nays, &abstentions, &absent); err != nil {
			return nil, classify(err, "scan vote")
		}

		var decodeErr error
		for _, field := range []struct {
			raw  string
			dest *[]string
		}{
			{ayes, &v.Ayes}, {nays, &v.Nays}, {abstentions, &v.Abstentions}, {absent, &v.Absent},
		} {
			names, err := decodeStrings(field.raw)
			if err != nil {
				decodeErr = err
				break
			}
			*field.dest = names
		}
		if decodeErr != nil {
			r.logger.Warn("Skipping vote with unparsable name lists", "vote_id", v.ID, "error", decodeErr)
			continue
		}
		votes = append(votes, v)
	}
	return votes, classify(rows.Err(), "iterate votes")
}

// ArtifactsByID loads the requested artifacts. Unknown ids are absent from
// the result.
func (r *Repository) ArtifactsByID(ctx context.Context, ids []string) (map[string]Artifact, error) {
	out := make(map[string]Artifact, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source, title, url, tags, created_at, updated_at FROM artifacts WHERE id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, classify(err, "query artifacts")
	}
	defer rows.Close()

	for rows.Next() {
		var a Artifact
		var tags, createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.Source, &a.Title, &a.URL, &tags, &createdAt, &updatedAt); err != nil {
			return nil, classify(err, "scan artifact")
		}
		if a.Tags, err = decodeStrings(tags); err != nil {
			r.logger.Warn("Artifact has unparsable tags, ignoring its tags", "artifact_id", a.ID, "error", err)
			a.Tags = []string{}
		}
		a.CreatedAt, _ = parseTime(createdAt)
		a.UpdatedAt, _ = parseTime(updatedAt)
		out[a.ID] = a
	}
	return out, classify(rows.Err(), "iterate artifacts")
}

// UpsertDecisionScore writes a score by id; re-running a window overwrites it
func (r *Repository) UpsertDecisionScore(ctx context.Context, d scoring.DecisionScore) error {
	stmt, err := r.stmt(stmtUpsertScore)
	if err != nil {
		return err
	}

	axes := d.AxisScores
	if axes == nil {
		axes = map[string]float64{}
	}
	encoded := make([]string, 0, 4)
	for _, v := range []interface{}{axes, nonNil(d.ReferenceCitations), nonNil(d.EvidenceTrail), nonNil(d.Flags)} {
		s, err := encodeJSON(v)
		if err != nil {
			return apperrors.NewDataError(d.ID, "score not encodable", err)
		}
		encoded = append(encoded, s)
	}

	official := d.Official
	if official == "" && d.IsVoteLevel() {
		official, _ = scoring.OfficialFromTrail(d.EvidenceTrail)
	}

	return r.write(ctx, "upsert decision score", func() (sql.Result, error) {
		return stmt.ExecContext(ctx,
			d.ID, d.MeetingID, d.MotionID, d.VoteID, official, d.RubricVersion,
			d.OverallScore, encoded[0], encoded[1], encoded[2], d.Confidence, encoded[3],
			formatTime(d.ComputedAt))
	})
}

// UpdateScoreFlags replaces only the flags of a persisted score
func (r *Repository) UpdateScoreFlags(ctx context.Context, scoreID string, flags []string) error {
	stmt, err := r.stmt(stmtUpdateFlags)
	if err != nil {
		return err
	}
	encoded, err := encodeJSON(nonNil(flags))
	if err != nil {
		return apperrors.NewDataError(scoreID, "flags not encodable", err)
	}
	return r.write(ctx, "update score flags", func() (sql.Result, error) {
		return stmt.ExecContext(ctx, encoded, scoreID)
	})
}

// VoteScoresBetween returns vote-level scores computed in [start, end)
func (r *Repository) VoteScoresBetween(ctx context.Context, start, end time.Time) ([]scoring.DecisionScore, error) {
	stmt, err := r.stmt(stmtScoresBetween)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, formatTime(start), formatTime(end))
	if err != nil {
		return nil, classify(err, "query window scores")
	}
	return r.scanScores(rows)
}

// VoteScoresBefore returns vote-level scores computed before the given time,
// most recent first
func (r *Repository) VoteScoresBefore(ctx context.Context, before time.Time) ([]scoring.DecisionScore, error) {
	stmt, err := r.stmt(stmtScoresBefore)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, formatTime(before))
	if err != nil {
		return nil, classify(err, "query score history")
	}
	return r.scanScores(rows)
}

// DecisionScores lists scores matching the filter, newest first
func (r *Repository) DecisionScores(ctx context.Context, filter ScoreFilter) ([]scoring.DecisionScore, error) {
	var where []string
	var args []interface{}
	if filter.Official != "" {
		where = append(where, "official = ?")
		args = append(args, filter.Official)
	}
	if filter.MeetingID != "" {
		where = append(where, "meeting_id = ?")
		args = append(args, filter.MeetingID)
	}
	if filter.MotionID != "" {
		where = append(where, "motion_id = ?")
		args = append(args, filter.MotionID)
	}
	if filter.VoteOnly {
		where = append(where, "vote_id != ''")
	}

	query := `SELECT ` + scoreColumns + ` FROM decision_scores`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY computed_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query decision scores")
	}
	return r.scanScores(rows)
}

// scanScores decodes score rows. Rows that fail to decode are skipped with a
// warning so one bad row never aborts a run.
func (r *Repository) scanScores(rows *sql.Rows) ([]scoring.DecisionScore, error) {
	defer rows.Close()

	scores := []scoring.DecisionScore{}
	for rows.Next() {
		var d scoring.DecisionScore
		var axes, citations, trail, flags, computedAt string
		if err := rows.Scan(&d.ID, &d.MeetingID, &d.MotionID, &d.VoteID, &d.Official, &d.RubricVersion,
			&d.OverallScore, &axes, &citations, &trail, &d.Confidence, &flags, &computedAt); err != nil {
			return nil, classify(err, "scan decision score")
		}

		if err := decodeScore(&d, axes, citations, trail, flags, computedAt); err != nil {
			r.logger.Warn("Skipping unparsable decision score", "score_id", d.ID, "error", err)
			continue
		}
		scores = append(scores, d)
	}
	return scores, classify(rows.Err(), "iterate decision scores")
}

func decodeScore(d *scoring.DecisionScore, axes, citations, trail, flags, computedAt string) error {
	d.AxisScores = map[string]float64{}
	if err := json.Unmarshal([]byte(axes), &d.AxisScores); err != nil {
		return fmt.Errorf("axis_scores: %w", err)
	}
	if d.AxisScores == nil {
		d.AxisScores = map[string]float64{}
	}
	var err error
	if d.ReferenceCitations, err = decodeStrings(citations); err != nil {
		return fmt.Errorf("reference_citations: %w", err)
	}
	if d.EvidenceTrail, err = decodeStrings(trail); err != nil {
		return fmt.Errorf("evidence_trail: %w", err)
	}
	if d.Flags, err = decodeStrings(flags); err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	if d.ComputedAt, err = parseTime(computedAt); err != nil {
		return fmt.Errorf("computed_at: %w", err)
	}
	return nil
}

// UpsertDriftRecord writes a drift record by its composite id
func (r *Repository) UpsertDriftRecord(ctx context.Context, record drift.Record) error {
	stmt, err := r.stmt(stmtUpsertDrift)
	if err != nil {
		return err
	}
	flags, err := encodeJSON(nonNil(record.Flags))
	if err != nil {
		return apperrors.NewDataError(record.ID, "drift flags not encodable", err)
	}
	return r.write(ctx, "upsert drift record", func() (sql.Result, error) {
		return stmt.ExecContext(ctx,
			record.ID, record.Official, record.Axis,
			record.PriorAverage, record.CurrentAverage, record.Deviation, flags,
			formatTime(record.WindowStart), formatTime(record.WindowEnd), formatTime(record.ComputedAt))
	})
}

// DriftRecords lists drift records, newest window first. An empty official
// lists every official.
func (r *Repository) DriftRecords(ctx context.Context, official string, limit int) ([]drift.Record, error) {
	query := `SELECT id, official, axis, prior_average, current_average, deviation,
		flags, window_start, window_end, computed_at FROM official_drift_records`
	var args []interface{}
	if official != "" {
		query += ` WHERE official = ?`
		args = append(args, official)
	}
	query += ` ORDER BY window_end DESC, official ASC, axis ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query drift records")
	}
	defer rows.Close()

	records := []drift.Record{}
	for rows.Next() {
		var rec drift.Record
		var flags, start, end, computed string
		if err := rows.Scan(&rec.ID, &rec.Official, &rec.Axis, &rec.PriorAverage, &rec.CurrentAverage,
			&rec.Deviation, &flags, &start, &end, &computed); err != nil {
			return nil, classify(err, "scan drift record")
		}
		var decodeErr error
		if rec.Flags, decodeErr = decodeStrings(flags); decodeErr == nil {
			if rec.WindowStart, decodeErr = parseTime(start); decodeErr == nil {
				if rec.WindowEnd, decodeErr = parseTime(end); decodeErr == nil {
					rec.ComputedAt, decodeErr = parseTime(computed)
				}
			}
		}
		if decodeErr != nil {
			r.logger.Warn("Skipping unparsable drift record", "record_id", rec.ID, "error", decodeErr)
			continue
		}
		records = append(records, rec)
	}
	return records, classify(rows.Err(), "iterate drift records")
}

// SaveRun records a run summary
func (r *Repository) SaveRun(ctx context.Context, run Run) error {
	return r.write(ctx, "save run", func() (sql.Result, error) {
		return r.db.ExecContext(ctx, `
			INSERT INTO scoring_runs (id, rubric_version, window_start, window_end, started_at, finished_at,
				motions, votes, vote_scores, orphans, insufficient_evidence, flagged, drift_events, skipped)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				finished_at = excluded.finished_at,
				motions = excluded.motions,
				votes = excluded.votes,
				vote_scores = excluded.vote_scores,
				orphans = excluded.orphans,
				insufficient_evidence = excluded.insufficient_evidence,
				flagged = excluded.flagged,
				drift_events = excluded.drift_events,
				skipped = excluded.skipped
		`, run.ID, run.RubricVersion, formatTime(run.WindowStart), formatTime(run.WindowEnd),
			formatTime(run.StartedAt), formatTime(run.FinishedAt),
			run.Motions, run.Votes, run.VoteScores, run.Orphans, run.InsufficientEvidence,
			run.Flagged, run.DriftEvents, run.Skipped)
	})
}

// RecentRuns lists run summaries, most recently finished first
func (r *Repository) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, rubric_version, window_start, window_end, started_at, finished_at,
			motions, votes, vote_scores, orphans, insufficient_evidence, flagged, drift_events, skipped
		FROM scoring_runs ORDER BY finished_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, classify(err, "query runs")
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var run Run
		var start, end, started, finished string
		if err := rows.Scan(&run.ID, &run.RubricVersion, &start, &end, &started, &finished,
			&run.Motions, &run.Votes, &run.VoteScores, &run.Orphans, &run.InsufficientEvidence,
			&run.Flagged, &run.DriftEvents, &run.Skipped); err != nil {
			return nil, classify(err, "scan run")
		}
		run.WindowStart, _ = parseTime(start)
		run.WindowEnd, _ = parseTime(end)
		run.StartedAt, _ = parseTime(started)
		run.FinishedAt, _ = parseTime(finished)
		runs = append(runs, run)
	}
	return runs, classify(rows.Err(), "iterate runs")
}

// Ping checks the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx), "ping database")
}
