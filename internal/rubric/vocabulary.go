package rubric

import "sort"

// Vocabulary is the closed set of recognized issue tags and the axes each
// tag influences. Tags outside the vocabulary never affect a score.
type Vocabulary struct {
	issueTags map[string]struct{}
	tagAxes   map[string][]string
}

var defaultIssueTags = []string{
	"zoning", "rezoning", "variance", "planning_commission",
	"budget", "tax", "bond", "appropriation", "contract", "bid", "procurement",
	"election", "clerk", "ballot",
	"school_board", "curriculum", "policy",
	"lawsuit", "settlement", "ordinance", "public_safety",
	"land_sale", "eminent_domain", "transparency",
}

var defaultTagAxes = map[string][]string{
	"budget":         {FiscalRestraint},
	"tax":            {FiscalRestraint},
	"bond":           {FiscalRestraint},
	"appropriation":  {FiscalRestraint},
	"contract":       {FiscalRestraint},
	"bid":            {FiscalRestraint},
	"procurement":    {FiscalRestraint},
	"zoning":         {"property_rights"},
	"rezoning":       {"property_rights"},
	"variance":       {"property_rights"},
	"land_sale":      {"property_rights"},
	"eminent_domain": {"property_rights"},
	"transparency":   {"transparency"},
	"ordinance":      {"transparency"},
}

var defaultSpendingKeywords = []string{"appropriation", "budget", "tax", "bond", "contract", "bid"}

// DefaultVocabulary returns the built-in vocabulary used when a rubric
// directory carries no vocabulary.yaml.
func DefaultVocabulary() *Vocabulary {
	return NewVocabulary(defaultIssueTags, defaultTagAxes)
}

// NewVocabulary builds a vocabulary. Tags mapped to axes are recognized even
// if missing from issueTags.
func NewVocabulary(issueTags []string, tagAxes map[string][]string) *Vocabulary {
	v := &Vocabulary{
		issueTags: make(map[string]struct{}, len(issueTags)),
		tagAxes:   make(map[string][]string, len(tagAxes)),
	}
	for _, tag := range issueTags {
		v.issueTags[tag] = struct{}{}
	}
	for tag, axes := range tagAxes {
		v.issueTags[tag] = struct{}{}
		v.tagAxes[tag] = append([]string(nil), axes...)
	}
	return v
}

// IsIssueTag reports whether tag is in the controlled vocabulary.
func (v *Vocabulary) IsIssueTag(tag string) bool {
	_, ok := v.issueTags[tag]
	return ok
}

// Axes returns the axes a tag influences, in configured order.
func (v *Vocabulary) Axes(tag string) []string {
	return append([]string(nil), v.tagAxes[tag]...)
}

// Tags returns every recognized tag, sorted.
func (v *Vocabulary) Tags() []string {
	tags := make([]string, 0, len(v.issueTags))
	for tag := range v.issueTags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
