package scoring

import (
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric"
)

// epsilon matches the double-precision machine epsilon.
const epsilon = 2.220446049250313e-16

// ComputeMotionScore scores one motion's text against its linked evidence.
// Missing evidence is not an error: it yields the neutral score flagged
// insufficient_evidence.
func ComputeMotionScore(motionText string, artifacts []LinkedArtifact, r *rubric.Rubric) ScoreResult {
	issueTags, trail := collectIssueTags(artifacts, r)
	axisScores := make(map[string]float64)
	flags := []string{}

	confidence := 0.0
	if len(issueTags) > 0 {
		confidence = r.EvidenceRules().MinimumConfidence
	}

	trail = applyTagAxisScores(issueTags, motionText, r, axisScores, trail)

	overall := weightedOverall(axisScores, r)
	if allZero(axisScores) {
		flags = append(flags, FlagInsufficientEvidence)
		overall = r.General().NeutralScore
		confidence = 0.0
	}

	overall = finalizeOverall(overall, r)
	roundAxes(axisScores, r.Output().Rounding)

	return ScoreResult{
		OverallScore:       overall,
		AxisScores:         axisScores,
		ReferenceCitations: buildCitations(axisScores, r),
		EvidenceTrail:      trail,
		Confidence:         confidence,
		Flags:              flags,
	}
}

// collectIssueTags returns the distinct vocabulary tags in first-seen order
// and the trail entries explaining them.
func collectIssueTags(artifacts []LinkedArtifact, r *rubric.Rubric) ([]string, []string) {
	vocab := r.Vocabulary()
	seen := make(map[string]struct{})
	tags := []string{}
	trail := []string{}

	for _, artifact := range artifacts {
		for _, tag := range artifact.Tags {
			if vocab.IsIssueTag(tag) {
				if _, dup := seen[tag]; !dup {
					seen[tag] = struct{}{}
					tags = append(tags, tag)
					trail = append(trail, TrailTagPrefix+tag)
				}
			}
			if r.IsRubricTag(tag) {
				trail = append(trail, TrailRubricTagPrefix+tag)
			}
		}
	}
	return tags, trail
}

func applyTagAxisScores(issueTags []string, motionText string, r *rubric.Rubric, axisScores map[string]float64, trail []string) []string {
	bias := r.BiasControls()
	spending := containsAny(strings.ToLower(motionText), bias.SpendingKeywords)

	for _, tag := range issueTags {
		for _, axis := range r.Vocabulary().Axes(tag) {
			if _, ok := axisScores[axis]; !ok {
				axisScores[axis] = 0
			}
			if axis == rubric.FiscalRestraint && spending {
				axisScores[axis] += bias.SpendingBiasPenalty
				trail = append(trail, TrailSpendingPrefix+tag)
			}
		}
	}
	return trail
}

func containsAny(lowered string, keywords []string) bool {
	for _, keyword := range keywords {
		if keyword != "" && strings.Contains(lowered, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

func sortedAxes(axisScores map[string]float64) []string {
	axes := make([]string, 0, len(axisScores))
	for axis := range axisScores {
		axes = append(axes, axis)
	}
	sort.Strings(axes)
	return axes
}

// weightedOverall sums in sorted axis order so the result is bit-identical
// across runs.
func weightedOverall(axisScores map[string]float64, r *rubric.Rubric) float64 {
	total := 0.0
	for _, axis := range sortedAxes(axisScores) {
		total += axisScores[axis] * r.Weight(axis)
	}
	return total
}

func allZero(axisScores map[string]float64) bool {
	for _, v := range axisScores {
		if math.Abs(v) >= epsilon {
			return false
		}
	}
	return true
}

func finalizeOverall(overall float64, r *rubric.Rubric) float64 {
	g := r.General()
	return Round(clamp(overall, g.ScoreFloor, g.ScoreCeiling), r.Output().Rounding)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Round rounds half away from zero to the given number of decimals.
func Round(value float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	rounded := math.Round(value*factor) / factor
	if rounded == 0 {
		return 0 // drop negative zero
	}
	return rounded
}

func roundAxes(axisScores map[string]float64, decimals int) {
	for axis, v := range axisScores {
		axisScores[axis] = Round(v, decimals)
	}
}

// buildCitations collects the references of every non-zero axis, sorted and
// deduplicated.
func buildCitations(axisScores map[string]float64, r *rubric.Rubric) []string {
	refs := []string{}
	for axis, score := range axisScores {
		if math.Abs(score) < epsilon {
			continue
		}
		refs = append(refs, r.Citations(axis)...)
	}
	slices.Sort(refs)
	return slices.Compact(refs)
}
