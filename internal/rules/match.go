package rules

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"calmend/internal/model"
)

// Payload is the enrichment blob serialised into the payload marker and
// handed to downstream consumers.
type Payload struct {
	Name      string   `json:"name"`
	Date      string   `json:"date,omitempty"`
	Year      int      `json:"year,omitempty"`
	Age       int      `json:"age,omitempty"`
	EventType string   `json:"event_type,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	SubTasks  []string `json:"sub_tasks,omitempty"`
}

// JSON serialises the payload. The payload is plain data and always
// marshals.
func (p Payload) JSON() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// MatchResult is the outcome of evaluating one event against the table.
type MatchResult struct {
	// Matched is true when a rule won the keyword scan.
	Matched bool

	// Rule is the winning rule, nil otherwise.
	Rule *Rule

	// Protected is true when the raw title starts with a reserved prefix.
	// Protected events are never scanned against the table.
	Protected bool

	// NeedsReview is true when the embedded date could not be resolved
	// under the strict-ambiguity policy. No write may be issued.
	NeedsReview bool

	// Reason carries the review reason for logging.
	Reason string

	// Name is the extracted entity label, e.g. the person's name.
	Name string

	// Date is the anchor date the rule resolved.
	Date ParsedDate

	// Title is the rendered, repaired title.
	Title string

	// AllDay and RRule are the rule's resulting policies.
	AllDay bool
	RRule  string

	// Payload is the enrichment blob for the payload marker.
	Payload Payload
}

// Match evaluates an event's title against the table. ref is the reference
// instant for age computation; Match is pure with respect to its arguments.
func (t *Table) Match(ev *model.Event, ref time.Time) MatchResult {
	// An already repaired event is re-evaluated against its pre-rewrite
	// summary so the recomputed result stays stable across cycles.
	summary := ev.Summary
	if ev.Markers.OriginalSummary != "" {
		summary = ev.Markers.OriginalSummary
	}
	title := strings.TrimSpace(summary)

	for _, p := range t.prefixes {
		if strings.HasPrefix(title, p) {
			return MatchResult{Protected: true}
		}
	}

	lower := strings.ToLower(title)
	var rule *Rule
	var keyword string
	for i := range t.rules {
		for _, kw := range t.rules[i].Keywords {
			if strings.Contains(lower, kw) {
				rule = &t.rules[i]
				keyword = kw
				break
			}
		}
		if rule != nil {
			break
		}
	}
	if rule == nil {
		return MatchResult{}
	}

	res := MatchResult{
		Matched: true,
		Rule:    rule,
		AllDay:  rule.isAllDay(),
		RRule:   rule.RRule,
	}

	date, rest, err := parseDate(title, t.parsing)
	switch {
	case err == nil:
	case t.parsing.StrictWhenAmbiguous && errors.Is(err, errAmbiguousDate):
		res.NeedsReview = true
		res.Reason = err.Error()
		return res
	default:
		// No usable token: anchor on the event's own start date.
		date = ParsedDate{
			Day:     ev.Start.Day(),
			Month:   int(ev.Start.Month()),
			Year:    ev.Start.Year(),
			HasYear: true,
		}
		rest = title
	}
	res.Date = date

	res.Name = extractName(rest, keyword)
	age := 0
	if date.HasYear {
		age = ageAt(date, ref)
	}
	res.Title = renderTemplate(rule.TitleTemplate, res.Name, date, age, rule.WarnOffsetDays)
	res.Payload = Payload{
		Name:      res.Name,
		Date:      date.Display(),
		EventType: rule.Enrich.EventType,
		Tags:      rule.Enrich.Tags,
		SubTasks:  rule.Enrich.SubTasks,
	}
	if date.HasYear {
		res.Payload.Year = date.Year
		res.Payload.Age = age
	}

	return res
}

// RenderWarning renders a warning rule's lead-time title for the given
// entity and anchor date. Used both when a warning keyword is found on its
// own event and by the optional warning generator.
func RenderWarning(rule *Rule, name string, d ParsedDate) string {
	return renderTemplate(rule.TitleTemplate, name, d, 0, rule.WarnOffsetDays)
}

// extractName strips the matched keyword and leftover punctuation from the
// title remainder, leaving the entity label.
func extractName(rest, keyword string) string {
	lower := strings.ToLower(rest)
	if i := strings.Index(lower, keyword); i >= 0 {
		rest = rest[:i] + rest[i+len(keyword):]
	}
	return strings.TrimFunc(strings.Join(strings.Fields(rest), " "), func(r rune) bool {
		switch r {
		case ':', '-', ',', ';', '.', '(', ')', '[', ']', ' ':
			return true
		}
		return false
	})
}

// ageAt computes the age reached at the anniversary in ref's year, counting
// the upcoming occurrence when it has not passed yet.
func ageAt(d ParsedDate, ref time.Time) int {
	age := ref.Year() - d.Year
	occ := time.Date(ref.Year(), time.Month(d.Month), d.Day, 0, 0, 0, 0, ref.Location())
	if occ.Before(ref.Truncate(24 * time.Hour)) {
		age++
	}
	if age < 0 {
		return 0
	}
	return age
}

// renderTemplate substitutes the rule template's placeholders.
func renderTemplate(tpl, name string, d ParsedDate, age, offset int) string {
	out := strings.ReplaceAll(tpl, "{name}", name)
	out = strings.ReplaceAll(out, "{date}", d.Display())
	out = strings.ReplaceAll(out, "{age}", itoaOrEmpty(age))
	out = strings.ReplaceAll(out, "{years}", itoaOrEmpty(age))
	out = strings.ReplaceAll(out, "{offset}", itoaOrEmpty(offset))
	return strings.Join(strings.Fields(out), " ")
}

func itoaOrEmpty(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}
