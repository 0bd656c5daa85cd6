package database

import (
	"encoding/json"
	"time"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/scoring"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(timeLayout, value)
}

// Artifact is a tagged source document produced by the collectors.
type Artifact struct {
	ID        string    `json:"id" db:"id"`
	Source    string    `json:"source,omitempty" db:"source"`
	Title     string    `json:"title,omitempty" db:"title"`
	URL       string    `json:"url,omitempty" db:"url"`
	Tags      []string  `json:"tags" db:"tags"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Linked returns the read-only view the scorer consumes.
func (a Artifact) Linked() scoring.LinkedArtifact {
	return scoring.LinkedArtifact{ID: a.ID, Tags: append([]string(nil), a.Tags...)}
}

// Meeting is one public meeting of a governing body.
type Meeting struct {
	ID     string    `json:"id" db:"id"`
	Body   string    `json:"body,omitempty" db:"body"`
	Title  string    `json:"title,omitempty" db:"title"`
	HeldAt time.Time `json:"held_at" db:"held_at"`
}

// Motion is a proposal put to a vote.
type Motion struct {
	ID          string   `json:"id" db:"id"`
	MeetingID   string   `json:"meeting_id" db:"meeting_id"`
	Text        string   `json:"text" db:"text"`
	ArtifactIDs []string `json:"artifact_ids" db:"artifact_ids"`
}

// Run is the persisted summary of one scoring run
type Run struct {
	ID                   string    `json:"id" db:"id"`
	RubricVersion        string    `json:"rubric_version" db:"rubric_version"`
	WindowStart          time.Time `json:"window_start" db:"window_start"`
	WindowEnd            time.Time `json:"window_end" db:"window_end"`
	StartedAt            time.Time `json:"started_at" db:"started_at"`
	FinishedAt           time.Time `json:"finished_at" db:"finished_at"`
	Motions              int       `json:"motions" db:"motions"`
	Votes                int       `json:"votes" db:"votes"`
	VoteScores           int       `json:"vote_scores" db:"vote_scores"`
	Orphans              int       `json:"orphans" db:"orphans"`
	InsufficientEvidence int       `json:"insufficient_evidence" db:"insufficient_evidence"`
	Flagged              int       `json:"flagged" db:"flagged"`
	DriftEvents          int       `json:"drift_events" db:"drift_events"`
	Skipped              int       `json:"skipped" db:"skipped"`
}

// ScoreFilter narrows DecisionScores listings. Zero values match everything.
type ScoreFilter struct {
	Official  string
	MeetingID string
	MotionID  string
	VoteOnly  bool
	Limit     int
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(value string) ([]string, error) {
	out := []string{}
	if value == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
