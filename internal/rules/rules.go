// Package rules implements the declarative title-repair rule table and the
// generic matcher/renderer evaluated against it.
//
// A [Table] is built once from configuration and is immutable afterwards.
// [Table.Match] is a pure function: identical input always yields the
// identical matched rule and rendered output. Rules are evaluated in
// configured order, first match wins, and adding or changing a rule never
// requires a new code path.
package rules

import (
	"fmt"
	"strings"

	"github.com/teambition/rrule-go"
)

// LeapDayPolicy controls how a yearly rule anchored on Feb 29 resolves its
// occurrence in non-leap years.
type LeapDayPolicy string

const (
	// LeapDayFeb28 falls back to Feb 28. This is the default.
	LeapDayFeb28 LeapDayPolicy = "feb28"
	// LeapDayMar01 falls forward to Mar 1.
	LeapDayMar01 LeapDayPolicy = "mar01"
)

// Enrich carries rule-level enrichment attached to the repair payload for
// downstream consumers. The core itself only serialises it.
type Enrich struct {
	EventType string   `yaml:"event_type"`
	Tags      []string `yaml:"tags"`
	SubTasks  []string `yaml:"sub_tasks"`
}

// Rule is one declarative rewrite rule. Rules are plain data: the matcher
// and renderer interpret them generically.
type Rule struct {
	// ID names the rule in markers, logs, and link references.
	ID string `yaml:"id"`

	// Keywords is the case-insensitive keyword set that triggers the rule.
	// Locale variants are simply additional entries.
	Keywords []string `yaml:"keywords"`

	// TitleTemplate renders the repaired title. Placeholders: {name},
	// {date}, {age}, {years}, {offset}.
	TitleTemplate string `yaml:"title_template"`

	// AllDay is the resulting all-day policy. Defaults to true.
	AllDay *bool `yaml:"all_day"`

	// RRule is the resulting recurrence policy. Defaults to FREQ=YEARLY.
	RRule string `yaml:"rrule"`

	// WarnOffsetDays is the lead time in days for a warning rule.
	WarnOffsetDays int `yaml:"warn_offset_days"`

	// LinkToRule points a warning rule at the base rule it phrases a lead
	// time for. Linkage is metadata: it never causes event generation on
	// its own.
	LinkToRule string `yaml:"link_to_rule"`

	// LeapDayPolicy resolves Feb 29 anchors in non-leap years.
	LeapDayPolicy LeapDayPolicy `yaml:"leap_day_policy"`

	// Enrich is attached verbatim to the repair payload.
	Enrich Enrich `yaml:"enrich"`
}

// isAllDay returns the rule's all-day policy with the default applied.
func (r *Rule) isAllDay() bool {
	return r.AllDay == nil || *r.AllDay
}

// Parsing is the global embedded-date parsing policy.
type Parsing struct {
	// Separators are the accepted date field separators, e.g. ".", "/", "-".
	Separators []string `yaml:"separators"`

	// DayFirst selects day-month field order for ambiguous numeric dates.
	DayFirst bool `yaml:"day_first"`

	// YearOptional accepts two-field dates without a year.
	YearOptional bool `yaml:"year_optional"`

	// StrictWhenAmbiguous flags unresolvable dates for review instead of
	// guessing.
	StrictWhenAmbiguous bool `yaml:"strict_when_ambiguous"`
}

// Table is the immutable, ordered rule table plus parsing policy and the
// protected-prefix list.
type Table struct {
	rules    []Rule
	byID     map[string]*Rule
	prefixes []string
	parsing  Parsing
}

// NewTable validates the rule list and builds a Table. Validation rejects
// duplicate IDs, dangling link targets, unknown leap-day policies, and
// recurrence strings rrule cannot parse.
func NewTable(ruleList []Rule, protectedPrefixes []string, parsing Parsing) (*Table, error) {
	if len(parsing.Separators) == 0 {
		parsing.Separators = []string{".", "/", "-"}
	}

	t := &Table{
		rules:    make([]Rule, len(ruleList)),
		byID:     make(map[string]*Rule, len(ruleList)),
		prefixes: protectedPrefixes,
		parsing:  parsing,
	}
	copy(t.rules, ruleList)

	for i := range t.rules {
		r := &t.rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d has no id", i)
		}
		if _, dup := t.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("rule %q has no keywords", r.ID)
		}
		if r.TitleTemplate == "" {
			return nil, fmt.Errorf("rule %q has no title_template", r.ID)
		}
		if r.RRule == "" {
			r.RRule = "FREQ=YEARLY"
		}
		if _, err := rrule.StrToRRule(r.RRule); err != nil {
			return nil, fmt.Errorf("rule %q: invalid rrule %q: %w", r.ID, r.RRule, err)
		}
		switch r.LeapDayPolicy {
		case "", LeapDayFeb28, LeapDayMar01:
		default:
			return nil, fmt.Errorf("rule %q: unknown leap_day_policy %q", r.ID, r.LeapDayPolicy)
		}
		// Normalise keywords once so matching never lowercases per event.
		for k, kw := range r.Keywords {
			r.Keywords[k] = strings.ToLower(strings.TrimSpace(kw))
		}
		t.byID[r.ID] = r
	}

	// Link targets must exist and must not chain.
	for i := range t.rules {
		r := &t.rules[i]
		if r.LinkToRule == "" {
			continue
		}
		target, ok := t.byID[r.LinkToRule]
		if !ok {
			return nil, fmt.Errorf("rule %q links to unknown rule %q", r.ID, r.LinkToRule)
		}
		if target.LinkToRule != "" {
			return nil, fmt.Errorf("rule %q links to %q which is itself a link", r.ID, r.LinkToRule)
		}
	}

	return t, nil
}

// Rule returns the rule with the given ID, or nil.
func (t *Table) Rule(id string) *Rule {
	return t.byID[id]
}

// WarningFor returns the first rule that declares a warning linkage to the
// given base rule, or nil when none does.
func (t *Table) WarningFor(baseID string) *Rule {
	for i := range t.rules {
		if t.rules[i].LinkToRule == baseID && t.rules[i].WarnOffsetDays > 0 {
			return &t.rules[i]
		}
	}
	return nil
}

// Parsing returns the table's parsing policy.
func (t *Table) Parsing() Parsing {
	return t.parsing
}
