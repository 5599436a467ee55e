package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ResolveLeapDay maps a Feb 29 anchor into the given year. In leap years the
// date stays Feb 29; otherwise the policy decides between Feb 28 and Mar 1.
func ResolveLeapDay(year int, policy LeapDayPolicy) (month time.Month, day int) {
	if isLeap(year) {
		return time.February, 29
	}
	if policy == LeapDayMar01 {
		return time.March, 1
	}
	return time.February, 28
}

// NextOccurrence returns the first occurrence of the recurrence on or after
// ref, for a series anchored at anchor.
//
// Yearly rules anchored on Feb 29 are special-cased: RFC 5545 expansion
// would simply skip non-leap years, which is exactly the behaviour the
// leap-day policy exists to replace. Every other shape is expanded through
// the rrule library.
func NextOccurrence(anchor time.Time, rruleStr string, ref time.Time, policy LeapDayPolicy) (time.Time, error) {
	r, err := rrule.StrToRRule(rruleStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing rrule %q: %w", rruleStr, err)
	}

	if isYearly(rruleStr) && anchor.Month() == time.February && anchor.Day() == 29 {
		return nextLeapAnchored(anchor, ref, policy), nil
	}

	r.DTStart(anchor)
	next := r.After(ref, true)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("rrule %q yields no occurrence after %s", rruleStr, ref.Format(time.RFC3339))
	}
	return next, nil
}

// nextLeapAnchored computes the next yearly occurrence of a Feb 29 anchor,
// applying the leap-day policy in non-leap years.
func nextLeapAnchored(anchor, ref time.Time, policy LeapDayPolicy) time.Time {
	loc := anchor.Location()
	for year := ref.Year(); ; year++ {
		month, day := ResolveLeapDay(year, policy)
		cand := time.Date(year, month, day, anchor.Hour(), anchor.Minute(), 0, 0, loc)
		if !cand.Before(ref) {
			return cand
		}
	}
}

// isYearly reports whether the rule string declares FREQ=YEARLY.
func isYearly(rruleStr string) bool {
	return strings.Contains(strings.ToUpper(rruleStr), "FREQ=YEARLY")
}
