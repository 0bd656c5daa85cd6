// Package rubrictest writes rubric directories for tests.
package rubrictest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/rubric"
)

// Files holds the default fixture documents keyed by file name.
var Files = map[string]string{
	rubric.ConfigFile: `[general]
score_floor = -100.0
score_ceiling = 100.0
neutral_score = 0.0

[evidence]
minimum_confidence = 0.6
unknown_penalty = 0.0

[output]
rounding = 2
include_axis_breakdown = true
`,
	rubric.WeightsFile: `axis_weights:
  fiscal_restraint: 1.0
  property_rights: 1.5
  transparency: 1.0
`,
	rubric.ScoringRulesFile: `rules:
  vote_yes:
    effect: inherit
  vote_no:
    effect: invert
  abstain:
    penalty: -1.0
  absent:
    penalty: -2.0
  unknown_motion:
    penalty: 0.0
`,
	rubric.EvidenceRulesFile: `requirements:
  motion_scoring:
    minimum_confidence: 0.6
`,
	rubric.BiasControlsFile: `controls:
  spending_bias:
    penalty: -5.0
  drift_threshold:
    threshold: 2.0
  drift_window:
    window: 3
`,
	rubric.TagsFile: `tags:
  - budget
  - zoning
  - public_notice
`,
	rubric.USConstitutionFile: `fiscal_restraint:
  amendments: [5]
  principles: ["limited government"]
property_rights:
  amendments: [5, 14]
transparency:
  amendments: [1]
`,
	rubric.KYConstitutionFile: `fiscal_restraint:
  sections: ["171", "180"]
property_rights:
  sections: ["13", "242"]
transparency:
  principles: ["open records"]
`,
}

// WriteDir writes the default fixture into a temp directory. Entries in
// overrides replace or add files; an empty string removes the file.
func WriteDir(t testing.TB, overrides map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	docs := make(map[string]string, len(Files)+len(overrides))
	for name, body := range Files {
		docs[name] = body
	}
	for name, body := range overrides {
		docs[name] = body
	}

	for name, body := range docs {
		if body == "" {
			continue
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

// Load writes a fixture directory and loads it, failing the test on error.
func Load(t testing.TB, overrides map[string]string) *rubric.Rubric {
	t.Helper()

	r, err := rubric.Load(WriteDir(t, overrides))
	require.NoError(t, err)
	return r
}
