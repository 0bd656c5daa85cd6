// Package pipeline runs one scoring window end to end: load the window's
// meetings, score motions and votes in parallel, persist in a deterministic
// order, then detect drift.
package pipeline

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/database"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/drift"
	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/monitoring"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

// Score levels used as metric labels.
const (
	LevelMotion = "motion"
	LevelVote   = "vote"
	LevelOrphan = "orphan"
)

// Options tune a Runner. Zero values select defaults.
type Options struct {
	Workers int
	Now     func() time.Time
	Metrics *monitoring.Metrics
	Tracer  *monitoring.Tracer
}

// Runner executes scoring runs against one store with one rubric snapshot.
type Runner struct {
	repo    *database.Repository
	rubric  *rubric.Rubric
	logger  *monitoring.Logger
	metrics *monitoring.Metrics
	tracer  *monitoring.Tracer
	workers int
	now     func() time.Time
}

// NewRunner creates a runner
func NewRunner(repo *database.Repository, r *rubric.Rubric, logger *monitoring.Logger, opts Options) *Runner {
	runner := &Runner{
		repo:    repo,
		rubric:  r,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		workers: opts.Workers,
		now:     opts.Now,
	}
	if runner.workers < 1 {
		runner.workers = runtime.NumCPU()
	}
	if runner.now == nil {
		runner.now = time.Now
	}
	if runner.metrics == nil {
		runner.metrics = monitoring.NewMetrics()
	}
	if runner.tracer == nil {
		runner.tracer = monitoring.NewTracer("larue-pipeline", logger)
	}
	return runner
}

// WindowFor returns the window of days ending at the next UTC midnight
// after now, so every run on the same day covers the same window.
func WindowFor(now time.Time, days int) drift.Window {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return drift.WindowEnding(end, days)
}

// Summary counts what a scoring stage produced
type Summary struct {
	Motions              int
	Votes                int
	VoteScores           int
	Orphans              int
	InsufficientEvidence int
	Skipped              int
	Scores               []scoring.DecisionScore
}

// motionJob is one motion with its evidence and the votes cast on it
type motionJob struct {
	meetingID string
	motion    database.Motion
	artifacts []scoring.LinkedArtifact
	votes     []scoring.VoteRecord
}

type jobResult struct {
	scores  []scoring.DecisionScore
	skipped int
}

// Score scores every meeting held in the window and writes the results.
// Writes happen only after all scoring finished, sorted by meeting, motion,
// vote and official.
func (r *Runner) Score(ctx context.Context, window drift.Window) (*Summary, error) {
	computedAt := r.now().UTC()
	summary := &Summary{}

	var jobs []motionJob
	var orphans []scoring.VoteRecord
	err := monitoring.TraceFunction(ctx, r.tracer, "load", func(ctx context.Context) error {
		var err error
		jobs, orphans, err = r.load(ctx, window, summary)
		return err
	})
	if err != nil {
		return nil, err
	}

	results := make([]jobResult, len(jobs))
	err = monitoring.TraceFunction(ctx, r.tracer, "score", func(ctx context.Context) error {
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(r.workers)
		for i, job := range jobs {
			g.Go(func() error {
				results[i] = r.scoreMotion(job, computedAt)
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}

	var scores []scoring.DecisionScore
	for _, res := range results {
		scores = append(scores, res.scores...)
		summary.Skipped += res.skipped
	}
	for _, vote := range orphans {
		scores = append(scores, scoring.DecisionScore{
			ID:            scoring.OrphanScoreID(vote.ID),
			MeetingID:     vote.MeetingID,
			VoteID:        vote.ID,
			RubricVersion: r.rubric.Version(),
			ComputedAt:    computedAt,
			ScoreResult:   scoring.ComputeOrphanVoteScore(vote, r.rubric),
		})
	}
	sortScores(scores)

	err = monitoring.TraceFunction(ctx, r.tracer, "persist", func(ctx context.Context) error {
		for _, score := range scores {
			if err := r.repo.UpsertDecisionScore(ctx, score); err != nil {
				return apperrors.WrapError(err, "persist score %s", score.ID)
			}
			level := levelOf(score)
			r.metrics.RecordScore(level, score.Flags)
			switch level {
			case LevelMotion:
				summary.Motions++
			case LevelVote:
				summary.VoteScores++
			case LevelOrphan:
				summary.Orphans++
			}
			if score.HasFlag(scoring.FlagInsufficientEvidence) {
				summary.InsufficientEvidence++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.metrics.RecordSkipped("input", summary.Skipped)
	summary.Scores = scores
	return summary, nil
}

// load reads the window's meetings and groups votes under their motions.
// Votes whose motion is not part of the batch become orphans.
func (r *Runner) load(ctx context.Context, window drift.Window, summary *Summary) ([]motionJob, []scoring.VoteRecord, error) {
	meetings, err := r.repo.MeetingsBetween(ctx, window.Start, window.End)
	if err != nil {
		return nil, nil, err
	}

	var jobs []motionJob
	var votes []scoring.VoteRecord
	index := make(map[string]int)

	for _, meeting := range meetings {
		motions, err := r.repo.MotionsForMeeting(ctx, meeting.ID)
		if err != nil {
			return nil, nil, err
		}
		meetingVotes, err := r.repo.VotesForMeeting(ctx, meeting.ID)
		if err != nil {
			return nil, nil, err
		}
		votes = append(votes, meetingVotes...)

		var ids []string
		for _, motion := range motions {
			ids = append(ids, motion.ArtifactIDs...)
		}
		stored, err := r.repo.ArtifactsByID(ctx, ids)
		if err != nil {
			return nil, nil, err
		}

		for _, motion := range motions {
			job := motionJob{meetingID: meeting.ID, motion: motion}
			for _, id := range motion.ArtifactIDs {
				artifact, ok := stored[id]
				if !ok {
					r.logger.Warn("Linked artifact not found, ignoring",
						"motion_id", motion.ID, "artifact_id", id)
					summary.Skipped++
					continue
				}
				job.artifacts = append(job.artifacts, artifact.Linked())
			}
			index[motion.ID] = len(jobs)
			jobs = append(jobs, job)
		}
	}

	var orphans []scoring.VoteRecord
	for _, vote := range votes {
		i, ok := index[vote.MotionID]
		if vote.MotionID == "" || !ok {
			r.logger.Info("Vote has no resolvable motion, scoring as orphan",
				"vote_id", vote.ID, "motion_id", vote.MotionID)
			orphans = append(orphans, vote)
			continue
		}
		jobs[i].votes = append(jobs[i].votes, vote)
	}

	summary.Votes = len(votes)
	return jobs, orphans, nil
}

// scoreMotion is pure apart from logging: it reads the shared rubric and
// touches nothing else shared.
func (r *Runner) scoreMotion(job motionJob, computedAt time.Time) jobResult {
	version := r.rubric.Version()
	motionScore := scoring.ComputeMotionScore(job.motion.Text, job.artifacts, r.rubric)

	res := jobResult{scores: []scoring.DecisionScore{{
		ID:            scoring.MotionScoreID(job.motion.ID),
		MeetingID:     job.meetingID,
		MotionID:      job.motion.ID,
		RubricVersion: version,
		ComputedAt:    computedAt,
		ScoreResult:   motionScore,
	}}}

	for _, vote := range job.votes {
		seen := make(map[string]bool)
		for _, ballot := range scoring.ExpandVote(vote) {
			if seen[ballot.Official] {
				r.logger.Warn("Official recorded twice on one vote, keeping first choice",
					"vote_id", vote.ID, "official", ballot.Official, "ignored_choice", ballot.Choice)
				res.skipped++
				continue
			}
			seen[ballot.Official] = true

			result := scoring.ComputeVoteScore(motionScore, ballot.Choice, r.rubric)
			res.scores = append(res.scores, scoring.DecisionScore{
				ID:            scoring.VoteScoreID(vote.ID, ballot.Official),
				MeetingID:     job.meetingID,
				MotionID:      job.motion.ID,
				VoteID:        vote.ID,
				Official:      ballot.Official,
				RubricVersion: version,
				ComputedAt:    computedAt,
				ScoreResult:   scoring.WithOfficial(result, ballot.Official),
			})
		}
	}
	return res
}

func levelOf(score scoring.DecisionScore) string {
	switch {
	case !score.IsVoteLevel():
		return LevelMotion
	case score.IsOrphan():
		return LevelOrphan
	default:
		return LevelVote
	}
}

func sortScores(scores []scoring.DecisionScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.MeetingID != b.MeetingID {
			return a.MeetingID < b.MeetingID
		}
		if a.MotionID != b.MotionID {
			return a.MotionID < b.MotionID
		}
		if a.VoteID != b.VoteID {
			return a.VoteID < b.VoteID
		}
		return a.Official < b.Official
	})
}

// Drift runs drift detection for the window.
func (r *Runner) Drift(ctx context.Context, window drift.Window) (*drift.Report, error) {
	var report *drift.Report
	err := monitoring.TraceFunction(ctx, r.tracer, "drift", func(ctx context.Context) error {
		detector := drift.NewDetector(r.repo, r.rubric, r.logger.Logger, drift.WithClock(r.now))
		var err error
		report, err = detector.Detect(ctx, window)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, event := range report.Events {
		r.metrics.RecordDrift(event.Axis)
		r.logger.DriftLogger(event.Official, event.Axis, event.PriorAverage, event.CurrentAverage, event.Deviation)
	}
	r.metrics.RecordSkipped("unattributed", report.Skipped)
	return report, nil
}

// Run scores the window, detects drift once every score is written, and
// records the run summary.
func (r *Runner) Run(ctx context.Context, window drift.Window) (*database.Run, error) {
	started := r.now().UTC()
	run := &database.Run{
		ID:            uuid.NewString(),
		RubricVersion: r.rubric.Version(),
		WindowStart:   window.Start,
		WindowEnd:     window.End,
		StartedAt:     started,
	}

	err := monitoring.TraceFunction(ctx, r.tracer, "run", func(ctx context.Context) error {
		summary, err := r.Score(ctx, window)
		if err != nil {
			return err
		}
		report, err := r.Drift(ctx, window)
		if err != nil {
			return err
		}

		run.Motions = summary.Motions
		run.Votes = summary.Votes
		run.VoteScores = summary.VoteScores
		run.Orphans = summary.Orphans
		run.InsufficientEvidence = summary.InsufficientEvidence
		run.Flagged = report.FlaggedScores
		run.DriftEvents = len(report.Events)
		run.Skipped = summary.Skipped + report.Skipped
		run.FinishedAt = r.now().UTC()

		return r.repo.SaveRun(ctx, *run)
	})
	if err != nil {
		return nil, err
	}

	duration := run.FinishedAt.Sub(run.StartedAt)
	r.metrics.RecordRun(duration, run.FinishedAt)
	r.logger.RunLogger(run.ID, run.RubricVersion, run.Motions, run.VoteScores, run.Orphans,
		run.DriftEvents, run.Skipped, duration)
	return run, nil
}
