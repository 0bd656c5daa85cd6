package drift

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

// Detector evaluates drift for one window at a time. It holds no state
// between calls.
type Detector struct {
	store  Store
	rubric *rubric.Rubric
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the clock used for ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a detector. A nil logger uses slog.Default().
func NewDetector(store Store, r *rubric.Rubric, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		store:  store,
		rubric: r,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type pairKey struct {
	official string
	axis     string
}

type mean struct {
	sum   float64
	count int
}

func (m *mean) add(v float64) {
	m.sum += v
	m.count++
}

func (m mean) value() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Detect evaluates every (official, axis) pair present in the window against
// that official's own history and flags the window's vote scores on drift.
// Numeric score fields are never modified.
func (d *Detector) Detect(ctx context.Context, window Window) (*Report, error) {
	report := &Report{Window: window, Events: []Record{}}

	current, err := d.store.VoteScoresBetween(ctx, window.Start, window.End)
	if err != nil {
		return nil, apperrors.WrapError(err, "load window scores %s", window)
	}

	windowScores := make(map[string][]*scoring.DecisionScore)
	averages := make(map[pairKey]*mean)
	for i := range current {
		score := &current[i]
		// Orphan vote scores carry no official by construction
		if !score.IsVoteLevel() || score.IsOrphan() {
			continue
		}
		official, ok := score.OfficialName()
		if !ok {
			d.logger.Warn("Vote score has no official, skipping",
				"score_id", score.ID,
				"vote_id", score.VoteID,
			)
			report.Skipped++
			continue
		}
		windowScores[official] = append(windowScores[official], score)
		for axis, v := range score.AxisScores {
			key := pairKey{official: official, axis: axis}
			if averages[key] == nil {
				averages[key] = &mean{}
			}
			averages[key].add(v)
		}
	}
	if len(averages) == 0 {
		return report, nil
	}

	history, err := d.store.VoteScoresBefore(ctx, window.Start)
	if err != nil {
		return nil, apperrors.WrapError(err, "load score history before %s", window.Start.Format(time.RFC3339))
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].ComputedAt.After(history[j].ComputedAt)
	})
	prior := make(map[string][]scoring.DecisionScore)
	for _, score := range history {
		if !score.IsVoteLevel() {
			continue
		}
		// History was already accounted for by the run that computed it
		official, ok := score.OfficialName()
		if !ok {
			continue
		}
		prior[official] = append(prior[official], score)
	}

	bias := d.rubric.BiasControls()
	decimals := d.rubric.Output().Rounding
	computedAt := d.now().UTC()

	for _, key := range sortedKeys(averages) {
		baseline, ok := baselineMean(prior[key.official], key.axis, bias.DriftWindow)
		if !ok {
			report.InsufficientBaseline++
			d.logger.Debug("Insufficient drift baseline",
				"official", key.official,
				"axis", key.axis,
				"observations", baseline.count,
				"required", bias.DriftWindow,
			)
			continue
		}
		report.Evaluated++

		currentAvg := averages[key].value()
		priorAvg := baseline.value()
		// Compare the persisted, rounded deviation so values at the
		// threshold are not lost to float error.
		deviation := scoring.Round(currentAvg-priorAvg, decimals)
		if math.Abs(deviation) < bias.DriftThreshold {
			continue
		}

		flag := scoring.DriftFlag(key.axis)
		record := Record{
			ID:             RecordID(key.official, key.axis, window.End),
			Official:       key.official,
			Axis:           key.axis,
			PriorAverage:   scoring.Round(priorAvg, decimals),
			CurrentAverage: scoring.Round(currentAvg, decimals),
			Deviation:      deviation,
			Flags:          []string{flag},
			WindowStart:    window.Start.UTC(),
			WindowEnd:      window.End.UTC(),
			ComputedAt:     computedAt,
		}
		if err := d.store.UpsertDriftRecord(ctx, record); err != nil {
			return nil, apperrors.WrapError(err, "persist drift record %s", record.ID)
		}
		report.Events = append(report.Events, record)

		flagged, err := d.flagScores(ctx, windowScores[key.official], flag)
		if err != nil {
			return nil, err
		}
		report.FlaggedScores += flagged

		d.logger.Info("Drift detected",
			"official", key.official,
			"axis", key.axis,
			"prior_average", record.PriorAverage,
			"current_average", record.CurrentAverage,
			"deviation", record.Deviation,
			"flagged_scores", flagged,
		)
	}

	return report, nil
}

// flagScores appends flag to every score that lacks it and persists only the
// scores that changed.
func (d *Detector) flagScores(ctx context.Context, scores []*scoring.DecisionScore, flag string) (int, error) {
	flagged := 0
	for _, score := range scores {
		flags, added := scoring.AddFlag(score.Flags, flag)
		if !added {
			continue
		}
		if err := d.store.UpdateScoreFlags(ctx, score.ID, flags); err != nil {
			return flagged, apperrors.WrapError(err, "flag score %s", score.ID)
		}
		score.Flags = flags
		flagged++
	}
	return flagged, nil
}

// baselineMean walks history (most recent first) collecting the axis value
// from each score that carries it, stopping at limit values.
func baselineMean(history []scoring.DecisionScore, axis string, limit int) (mean, bool) {
	var m mean
	for _, score := range history {
		if m.count >= limit {
			break
		}
		if v, ok := score.AxisScores[axis]; ok {
			m.add(v)
		}
	}
	return m, m.count >= limit
}

func sortedKeys(averages map[pairKey]*mean) []pairKey {
	keys := make([]pairKey, 0, len(averages))
	for key := range averages {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].official != keys[j].official {
			return keys[i].official < keys[j].official
		}
		return keys[i].axis < keys[j].axis
	})
	return keys
}
