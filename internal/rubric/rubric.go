// Package rubric loads the versioned, human-authored scoring rubric: axis
// weights, vote effects, penalties, bias controls, citation maps and the
// controlled tag vocabulary. A loaded Rubric is read-only; every accessor
// returns copies so a scoring run can share one instance across workers.
package rubric

import (
	"fmt"
	"sort"
)

// FiscalRestraint is the axis the spending bias control applies to.
const FiscalRestraint = "fiscal_restraint"

// VoteEffect describes how a recorded vote transforms the motion's axis scores.
type VoteEffect string

const (
	EffectInherit VoteEffect = "inherit"
	EffectInvert  VoteEffect = "invert"
)

// ParseVoteEffect parses a rule effect name.
func ParseVoteEffect(value string) (VoteEffect, error) {
	switch VoteEffect(value) {
	case EffectInherit, EffectInvert:
		return VoteEffect(value), nil
	default:
		return "", fmt.Errorf("unknown vote effect: %s", value)
	}
}

// General holds score bounds and the neutral fallback.
type General struct {
	ScoreFloor   float64 `toml:"score_floor" json:"score_floor"`
	ScoreCeiling float64 `toml:"score_ceiling" json:"score_ceiling"`
	NeutralScore float64 `toml:"neutral_score" json:"neutral_score"`
}

// Evidence holds the evidence section of rubric_config.toml.
type Evidence struct {
	MinimumConfidence float64 `toml:"minimum_confidence" json:"minimum_confidence"`
	UnknownPenalty    float64 `toml:"unknown_penalty" json:"unknown_penalty"`
}

// Output controls how scores are emitted.
type Output struct {
	Rounding             int  `toml:"rounding" json:"rounding"`
	IncludeAxisBreakdown bool `toml:"include_axis_breakdown" json:"include_axis_breakdown"`
}

// ScoringRules is the vote-effect policy.
type ScoringRules struct {
	VoteYesEffect        VoteEffect `json:"vote_yes_effect"`
	VoteNoEffect         VoteEffect `json:"vote_no_effect"`
	AbstainPenalty       float64    `json:"abstain_penalty"`
	AbsentPenalty        float64    `json:"absent_penalty"`
	UnknownMotionPenalty float64    `json:"unknown_motion_penalty"`
}

// EvidenceRules holds the confidence assigned when issue tags were found.
type EvidenceRules struct {
	MinimumConfidence float64 `json:"minimum_confidence"`
}

// BiasControls holds the spending bias and drift detection parameters.
type BiasControls struct {
	SpendingBiasPenalty float64  `json:"spending_bias_penalty"`
	SpendingKeywords    []string `json:"spending_keywords"`
	DriftThreshold      float64  `json:"drift_threshold"`
	DriftWindow         int      `json:"drift_window"`
}

// Rubric is the immutable configuration for one scoring run.
type Rubric struct {
	version       string
	general       General
	evidence      Evidence
	output        Output
	axisWeights   map[string]float64
	scoringRules  ScoringRules
	evidenceRules EvidenceRules
	biasControls  BiasControls
	usRefs        map[string][]string
	kyRefs        map[string][]string
	vocabulary    *Vocabulary
	rubricTags    map[string]struct{}
	tagList       []string
}

// Version is a digest of every source document the rubric was loaded from.
func (r *Rubric) Version() string { return r.version }

func (r *Rubric) General() General { return r.general }

func (r *Rubric) Evidence() Evidence { return r.evidence }

func (r *Rubric) Output() Output { return r.output }

func (r *Rubric) ScoringRules() ScoringRules { return r.scoringRules }

func (r *Rubric) EvidenceRules() EvidenceRules { return r.evidenceRules }

// BiasControls returns a copy of the bias controls.
func (r *Rubric) BiasControls() BiasControls {
	bc := r.biasControls
	bc.SpendingKeywords = append([]string(nil), r.biasControls.SpendingKeywords...)
	return bc
}

// Vocabulary returns the controlled tag vocabulary.
func (r *Rubric) Vocabulary() *Vocabulary { return r.vocabulary }

// Weight returns the axis weight, defaulting to 1.0.
func (r *Rubric) Weight(axis string) float64 {
	if w, ok := r.axisWeights[axis]; ok {
		return w
	}
	return 1.0
}

// AxisWeights returns a copy of the explicit weights.
func (r *Rubric) AxisWeights() map[string]float64 {
	out := make(map[string]float64, len(r.axisWeights))
	for k, v := range r.axisWeights {
		out[k] = v
	}
	return out
}

// IsRubricTag reports whether tag appears in the free-form tag list.
func (r *Rubric) IsRubricTag(tag string) bool {
	_, ok := r.rubricTags[tag]
	return ok
}

// RubricTags returns the free-form tag list in file order.
func (r *Rubric) RubricTags() []string {
	return append([]string(nil), r.tagList...)
}

// Citations returns the national then state references for an axis, each
// prefixed with its source ("US ", "KY ").
func (r *Rubric) Citations(axis string) []string {
	var refs []string
	for _, ref := range r.usRefs[axis] {
		refs = append(refs, "US "+ref)
	}
	for _, ref := range r.kyRefs[axis] {
		refs = append(refs, "KY "+ref)
	}
	return refs
}

// CitedAxes returns every axis with at least one citation, sorted.
func (r *Rubric) CitedAxes() []string {
	seen := make(map[string]struct{})
	for axis := range r.usRefs {
		seen[axis] = struct{}{}
	}
	for axis := range r.kyRefs {
		seen[axis] = struct{}{}
	}
	axes := make([]string, 0, len(seen))
	for axis := range seen {
		axes = append(axes, axis)
	}
	sort.Strings(axes)
	return axes
}
