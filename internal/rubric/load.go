package rubric

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Yisonco-Stellargold/larue-civic-intel/internal/errors"
)

// Source file names inside a rubric directory.
const (
	ConfigFile         = "rubric_config.toml"
	WeightsFile        = "weights.yaml"
	ScoringRulesFile   = "scoring_rules.yaml"
	EvidenceRulesFile  = "evidence_rules.yaml"
	BiasControlsFile   = "bias_controls.yaml"
	TagsFile           = "tags.yaml"
	USConstitutionFile = "us_constitution_map.yaml"
	KYConstitutionFile = "kentucky_constitution_map.yaml"
	VocabularyFile     = "vocabulary.yaml"
)

const (
	defaultDriftWindow    = 20
	defaultDriftThreshold = 2.0
)

type configFile struct {
	General  *General  `toml:"general"`
	Evidence *Evidence `toml:"evidence"`
	Output   *Output   `toml:"output"`
}

type weightsFile struct {
	AxisWeights map[string]float64 `yaml:"axis_weights"`
}

type ruleEntry struct {
	Effect  *string  `yaml:"effect"`
	Penalty *float64 `yaml:"penalty"`
}

type scoringRulesFile struct {
	Rules map[string]ruleEntry `yaml:"rules"`
}

type evidenceRulesFile struct {
	Requirements *struct {
		MotionScoring *struct {
			MinimumConfidence float64 `yaml:"minimum_confidence"`
		} `yaml:"motion_scoring"`
	} `yaml:"requirements"`
}

type biasControlEntry struct {
	Penalty   *float64 `yaml:"penalty"`
	Modifier  *float64 `yaml:"modifier"`
	Threshold *float64 `yaml:"threshold"`
	Window    *int     `yaml:"window"`
	Keywords  []string `yaml:"keywords"`
}

type biasControlsFile struct {
	Controls map[string]biasControlEntry `yaml:"controls"`
}

type tagsFile struct {
	Tags []string `yaml:"tags"`
}

type constitutionEntry struct {
	Amendments []int    `yaml:"amendments"`
	Sections   []string `yaml:"sections"`
	Principles []string `yaml:"principles"`
}

type vocabularyFile struct {
	IssueTags []string            `yaml:"issue_tags"`
	TagAxes   map[string][]string `yaml:"tag_axes"`
}

// loader reads sources from one directory and folds their bytes into the
// rubric version digest in load order.
type loader struct {
	dir    string
	hashed [][]byte
}

func (l *loader) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, apperrors.NewConfigurationError(name, "rubric source unreadable", err)
	}
	l.hashed = append(l.hashed, []byte(name), data)
	return data, nil
}

func (l *loader) yaml(name string, out interface{}) error {
	data, err := l.read(name)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return apperrors.NewConfigurationError(name, "rubric source is not valid YAML", err)
	}
	return nil
}

func (l *loader) version() string {
	h := sha256.New()
	for _, chunk := range l.hashed {
		h.Write(chunk)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func invalid(name, format string, args ...interface{}) error {
	return apperrors.NewConfigurationError(name, fmt.Sprintf(format, args...), nil)
}

// Load reads every rubric source from dir. It returns either a complete
// rubric or a configuration error naming the first source that failed.
func Load(dir string) (*Rubric, error) {
	l := &loader{dir: dir}
	r := &Rubric{}

	if err := l.loadConfig(r); err != nil {
		return nil, err
	}
	if err := l.loadWeights(r); err != nil {
		return nil, err
	}
	if err := l.loadScoringRules(r); err != nil {
		return nil, err
	}
	if err := l.loadEvidenceRules(r); err != nil {
		return nil, err
	}
	if err := l.loadBiasControls(r); err != nil {
		return nil, err
	}
	if err := l.loadTags(r); err != nil {
		return nil, err
	}

	var err error
	if r.usRefs, err = l.loadConstitutionMap(USConstitutionFile); err != nil {
		return nil, err
	}
	if r.kyRefs, err = l.loadConstitutionMap(KYConstitutionFile); err != nil {
		return nil, err
	}
	if err := l.loadVocabulary(r); err != nil {
		return nil, err
	}

	r.version = l.version()
	return r, nil
}

func (l *loader) loadConfig(r *Rubric) error {
	data, err := l.read(ConfigFile)
	if err != nil {
		return err
	}

	var cfg configFile
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return apperrors.NewConfigurationError(ConfigFile, "rubric source is not valid TOML", err)
	}
	switch {
	case cfg.General == nil:
		return invalid(ConfigFile, "missing [general] section")
	case cfg.Evidence == nil:
		return invalid(ConfigFile, "missing [evidence] section")
	case cfg.Output == nil:
		return invalid(ConfigFile, "missing [output] section")
	}
	if cfg.General.ScoreFloor > cfg.General.ScoreCeiling {
		return invalid(ConfigFile, "score_floor %.4f exceeds score_ceiling %.4f",
			cfg.General.ScoreFloor, cfg.General.ScoreCeiling)
	}
	if cfg.Output.Rounding < 0 || cfg.Output.Rounding > 12 {
		return invalid(ConfigFile, "rounding %d outside 0..12", cfg.Output.Rounding)
	}

	r.general = *cfg.General
	r.evidence = *cfg.Evidence
	r.output = *cfg.Output
	return nil
}

func (l *loader) loadWeights(r *Rubric) error {
	var wf weightsFile
	if err := l.yaml(WeightsFile, &wf); err != nil {
		return err
	}
	if wf.AxisWeights == nil {
		return invalid(WeightsFile, "missing axis_weights mapping")
	}
	r.axisWeights = wf.AxisWeights
	return nil
}

func (l *loader) loadScoringRules(r *Rubric) error {
	var sf scoringRulesFile
	if err := l.yaml(ScoringRulesFile, &sf); err != nil {
		return err
	}
	if sf.Rules == nil {
		return invalid(ScoringRulesFile, "missing rules mapping")
	}

	effect := func(rule, fallback string) (VoteEffect, error) {
		value := fallback
		if entry, ok := sf.Rules[rule]; ok && entry.Effect != nil {
			value = *entry.Effect
		}
		parsed, err := ParseVoteEffect(value)
		if err != nil {
			return "", apperrors.NewConfigurationError(ScoringRulesFile, fmt.Sprintf("rule %s", rule), err)
		}
		return parsed, nil
	}
	penalty := func(rule string) float64 {
		if entry, ok := sf.Rules[rule]; ok && entry.Penalty != nil {
			return *entry.Penalty
		}
		return 0
	}

	yes, err := effect("vote_yes", string(EffectInherit))
	if err != nil {
		return err
	}
	no, err := effect("vote_no", string(EffectInvert))
	if err != nil {
		return err
	}

	r.scoringRules = ScoringRules{
		VoteYesEffect:        yes,
		VoteNoEffect:         no,
		AbstainPenalty:       penalty("abstain"),
		AbsentPenalty:        penalty("absent"),
		UnknownMotionPenalty: penalty("unknown_motion"),
	}
	return nil
}

func (l *loader) loadEvidenceRules(r *Rubric) error {
	var ef evidenceRulesFile
	if err := l.yaml(EvidenceRulesFile, &ef); err != nil {
		return err
	}
	if ef.Requirements == nil || ef.Requirements.MotionScoring == nil {
		return invalid(EvidenceRulesFile, "missing requirements.motion_scoring")
	}
	conf := ef.Requirements.MotionScoring.MinimumConfidence
	if conf < 0 || conf > 1 {
		return invalid(EvidenceRulesFile, "minimum_confidence %.4f outside [0,1]", conf)
	}
	r.evidenceRules = EvidenceRules{MinimumConfidence: conf}
	return nil
}

func (l *loader) loadBiasControls(r *Rubric) error {
	var bf biasControlsFile
	if err := l.yaml(BiasControlsFile, &bf); err != nil {
		return err
	}
	if bf.Controls == nil {
		return invalid(BiasControlsFile, "missing controls mapping")
	}

	bc := BiasControls{
		SpendingKeywords: append([]string(nil), defaultSpendingKeywords...),
		DriftThreshold:   defaultDriftThreshold,
		DriftWindow:      defaultDriftWindow,
	}
	if entry, ok := bf.Controls["spending_bias"]; ok {
		if entry.Penalty != nil {
			bc.SpendingBiasPenalty = *entry.Penalty
		}
		if len(entry.Keywords) > 0 {
			bc.SpendingKeywords = append([]string(nil), entry.Keywords...)
		}
	}
	if entry, ok := bf.Controls["drift_threshold"]; ok && entry.Threshold != nil {
		bc.DriftThreshold = *entry.Threshold
	}
	if entry, ok := bf.Controls["drift_window"]; ok && entry.Window != nil {
		bc.DriftWindow = *entry.Window
	}

	if bc.DriftThreshold < 0 {
		return invalid(BiasControlsFile, "drift_threshold %.4f is negative", bc.DriftThreshold)
	}
	if bc.DriftWindow < 1 {
		return invalid(BiasControlsFile, "drift_window %d must be at least 1", bc.DriftWindow)
	}
	r.biasControls = bc
	return nil
}

func (l *loader) loadTags(r *Rubric) error {
	var tf tagsFile
	if err := l.yaml(TagsFile, &tf); err != nil {
		return err
	}
	if tf.Tags == nil {
		return invalid(TagsFile, "missing tags list")
	}
	r.tagList = tf.Tags
	r.rubricTags = make(map[string]struct{}, len(tf.Tags))
	for _, tag := range tf.Tags {
		r.rubricTags[tag] = struct{}{}
	}
	return nil
}

func (l *loader) loadConstitutionMap(name string) (map[string][]string, error) {
	var parsed map[string]constitutionEntry
	if err := l.yaml(name, &parsed); err != nil {
		return nil, err
	}

	refs := make(map[string][]string, len(parsed))
	for axis, entry := range parsed {
		var list []string
		for _, amendment := range entry.Amendments {
			list = append(list, fmt.Sprintf("Amendment %d", amendment))
		}
		for _, section := range entry.Sections {
			list = append(list, "Section "+section)
		}
		for _, principle := range entry.Principles {
			list = append(list, "Principle "+principle)
		}
		refs[axis] = list
	}
	return refs, nil
}

func (l *loader) loadVocabulary(r *Rubric) error {
	if _, err := os.Stat(filepath.Join(l.dir, VocabularyFile)); os.IsNotExist(err) {
		r.vocabulary = DefaultVocabulary()
		return nil
	}

	var vf vocabularyFile
	if err := l.yaml(VocabularyFile, &vf); err != nil {
		return err
	}
	if len(vf.IssueTags) == 0 && len(vf.TagAxes) == 0 {
		return invalid(VocabularyFile, "vocabulary defines no tags")
	}
	r.vocabulary = NewVocabulary(vf.IssueTags, vf.TagAxes)
	return nil
}
