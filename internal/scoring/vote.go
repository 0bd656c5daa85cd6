package scoring

import (
	"sort"
	"strings"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric"
)

// ComputeOrphanVoteScore returns the degraded score of a vote whose parent
// motion could not be resolved.
func ComputeOrphanVoteScore(vote VoteRecord, r *rubric.Rubric) ScoreResult {
	score := ScoreResult{
		OverallScore:       r.General().NeutralScore,
		AxisScores:         map[string]float64{},
		ReferenceCitations: []string{},
		EvidenceTrail:      []string{TrailVoteNoMotion},
		Confidence:         0.0,
		Flags:              []string{FlagInsufficientEvidence},
	}

	if strings.TrimSpace(vote.VoteType) == "" || strings.TrimSpace(vote.Outcome) == "" {
		return score
	}

	score.EvidenceTrail = append(score.EvidenceTrail, TrailVoteRecorded)
	return score
}

// ComputeVoteScore derives one official's score from the motion's score and
// their recorded choice. The caller appends the official to the trail.
func ComputeVoteScore(motion ScoreResult, choice VoteChoice, r *rubric.Rubric) ScoreResult {
	axisScores := make(map[string]float64, len(motion.AxisScores))
	for axis, v := range motion.AxisScores {
		axisScores[axis] = v
	}
	flags := []string{}
	rules := r.ScoringRules()

	switch choice {
	case Aye:
		applyVoteEffect(axisScores, rules.VoteYesEffect)
	case Nay:
		applyVoteEffect(axisScores, rules.VoteNoEffect)
	case Abstain:
		flags = append(flags, FlagAbstain)
		applyFlatPenalty(axisScores, rules.AbstainPenalty)
	case Absent:
		flags = append(flags, FlagAbsent)
		applyFlatPenalty(axisScores, rules.AbsentPenalty)
	}

	overall := finalizeOverall(weightedOverall(axisScores, r), r)
	roundAxes(axisScores, r.Output().Rounding)
	citations := buildCitations(axisScores, r)

	if allZero(axisScores) {
		flags = append(flags, FlagInsufficientEvidence)
	}

	return ScoreResult{
		OverallScore:       overall,
		AxisScores:         axisScores,
		ReferenceCitations: citations,
		EvidenceTrail:      []string{TrailVoteChoice + choice.String()},
		Confidence:         1.0,
		Flags:              flags,
	}
}

func applyVoteEffect(axisScores map[string]float64, effect rubric.VoteEffect) {
	if effect != rubric.EffectInvert {
		return
	}
	for axis, v := range axisScores {
		axisScores[axis] = -v
	}
}

func applyFlatPenalty(axisScores map[string]float64, penalty float64) {
	for axis, v := range axisScores {
		axisScores[axis] = v + penalty
	}
}

// Ballot is one (official, choice) pair expanded from a roll call.
type Ballot struct {
	Official string     `json:"official"`
	Choice   VoteChoice `json:"choice"`
}

var choiceOrder = map[VoteChoice]int{Aye: 0, Nay: 1, Abstain: 2, Absent: 3}

// ExpandVote turns a roll call's name lists into ballots sorted by name so
// processing order is deterministic. Blank names are dropped.
func ExpandVote(vote VoteRecord) []Ballot {
	var ballots []Ballot
	add := func(names []string, choice VoteChoice) {
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			ballots = append(ballots, Ballot{Official: name, Choice: choice})
		}
	}
	add(vote.Ayes, Aye)
	add(vote.Nays, Nay)
	add(vote.Abstentions, Abstain)
	add(vote.Absent, Absent)

	sort.SliceStable(ballots, func(i, j int) bool {
		if ballots[i].Official != ballots[j].Official {
			return ballots[i].Official < ballots[j].Official
		}
		return choiceOrder[ballots[i].Choice] < choiceOrder[ballots[j].Choice]
	})
	return ballots
}
