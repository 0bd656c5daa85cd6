package scoring

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flags emitted by the scorers.
const (
	FlagInsufficientEvidence = "insufficient_evidence"
	FlagAbstain              = "abstain"
	FlagAbsent               = "absent"
	FlagDriftPrefix          = "drift_detected:"
)

// Evidence trail entries and prefixes.
const (
	TrailTagPrefix       = "tag:"
	TrailRubricTagPrefix = "rubric_tag:"
	TrailSpendingPrefix  = "spending_bias:"
	TrailVoteChoice      = "vote_choice:"
	TrailOfficialPrefix  = "official:"
	TrailVoteNoMotion    = "vote_without_motion"
	TrailVoteRecorded    = "vote_recorded"
)

// LinkedArtifact is a read-only evidence reference produced by the tagging stage.
type LinkedArtifact struct {
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
}

// ScoreResult is one computed judgment.
type ScoreResult struct {
	OverallScore       float64            `json:"overall_score"`
	AxisScores         map[string]float64 `json:"axis_scores"`
	ReferenceCitations []string           `json:"reference_citations"`
	EvidenceTrail      []string           `json:"evidence_trail"`
	Confidence         float64            `json:"confidence"`
	Flags              []string           `json:"flags"`
}

// HasFlag reports whether flag is set.
func (s ScoreResult) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s ScoreResult) Clone() ScoreResult {
	out := s
	out.AxisScores = make(map[string]float64, len(s.AxisScores))
	for k, v := range s.AxisScores {
		out.AxisScores[k] = v
	}
	out.ReferenceCitations = append([]string{}, s.ReferenceCitations...)
	out.EvidenceTrail = append([]string{}, s.EvidenceTrail...)
	out.Flags = append([]string{}, s.Flags...)
	return out
}

// AddFlag appends flag unless it is already present. It reports whether the
// flag was added.
func AddFlag(flags []string, flag string) ([]string, bool) {
	for _, f := range flags {
		if f == flag {
			return flags, false
		}
	}
	return append(flags, flag), true
}

// DriftFlag is the flag appended to vote scores when drift is detected on axis.
func DriftFlag(axis string) string {
	return FlagDriftPrefix + axis
}

// WithOfficial returns a copy of a vote score whose evidence trail names the
// official who cast the vote.
func WithOfficial(s ScoreResult, official string) ScoreResult {
	out := s.Clone()
	out.EvidenceTrail = append(out.EvidenceTrail, TrailOfficialPrefix+official)
	return out
}

// OfficialFromTrail recovers the official named in an evidence trail.
func OfficialFromTrail(trail []string) (string, bool) {
	for _, entry := range trail {
		if name, ok := strings.CutPrefix(entry, TrailOfficialPrefix); ok {
			name = strings.TrimSpace(name)
			if name != "" {
				return name, true
			}
		}
	}
	return "", false
}

// VoteChoice is one official's recorded position on a motion.
type VoteChoice string

const (
	Aye     VoteChoice = "aye"
	Nay     VoteChoice = "nay"
	Abstain VoteChoice = "abstain"
	Absent  VoteChoice = "absent"
)

func (c VoteChoice) String() string { return string(c) }

// ParseVoteChoice accepts the lowercase choice names and common synonyms.
func ParseVoteChoice(value string) (VoteChoice, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "aye", "yes", "yea", "y":
		return Aye, nil
	case "nay", "no", "n":
		return Nay, nil
	case "abstain", "abstention", "present":
		return Abstain, nil
	case "absent":
		return Absent, nil
	default:
		return "", fmt.Errorf("unknown vote choice: %q", value)
	}
}

// VoteRecord is a roll call as recorded in the minutes.
type VoteRecord struct {
	ID          string   `json:"id"`
	MeetingID   string   `json:"meeting_id,omitempty"`
	MotionID    string   `json:"motion_id,omitempty"`
	VoteType    string   `json:"vote_type,omitempty"`
	Outcome     string   `json:"outcome,omitempty"`
	Ayes        []string `json:"ayes,omitempty"`
	Nays        []string `json:"nays,omitempty"`
	Abstentions []string `json:"abstentions,omitempty"`
	Absent      []string `json:"absent,omitempty"`
}

// DecisionScore is a persisted ScoreResult with its identity. Exactly one of
// a motion-level (MotionID, no VoteID) or vote-level (VoteID set) identity is
// populated.
type DecisionScore struct {
	ID            string    `json:"id"`
	MeetingID     string    `json:"meeting_id,omitempty"`
	MotionID      string    `json:"motion_id,omitempty"`
	VoteID        string    `json:"vote_id,omitempty"`
	Official      string    `json:"official,omitempty"`
	RubricVersion string    `json:"rubric_version,omitempty"`
	ComputedAt    time.Time `json:"computed_at"`
	ScoreResult
}

// IsVoteLevel reports whether the score belongs to a vote.
func (d DecisionScore) IsVoteLevel() bool { return d.VoteID != "" }

// IsOrphan reports whether the score is for a vote with no resolvable motion.
func (d DecisionScore) IsOrphan() bool { return d.VoteID != "" && d.MotionID == "" }

// OfficialName returns the official the score is attributed to, preferring
// the dedicated field and falling back to the evidence trail.
func (d DecisionScore) OfficialName() (string, bool) {
	if d.Official != "" {
		return d.Official, true
	}
	return OfficialFromTrail(d.EvidenceTrail)
}

var scoreNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/Yisonco-Stellargold/larue-civic-intel/decision-score"))

// MotionScoreID is the stable id of a motion-level score.
func MotionScoreID(motionID string) string {
	return uuid.NewSHA1(scoreNamespace, []byte("motion:"+motionID)).String()
}

// VoteScoreID is the stable id of one official's score on a vote.
func VoteScoreID(voteID, official string) string {
	return uuid.NewSHA1(scoreNamespace, []byte("vote:"+voteID+":"+official)).String()
}

// OrphanScoreID is the stable id of the degraded score of a vote with no motion.
func OrphanScoreID(voteID string) string {
	return uuid.NewSHA1(scoreNamespace, []byte("orphan:"+voteID)).String()
}
