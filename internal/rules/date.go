package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParsedDate is a date extracted from an event title. Year may be absent.
type ParsedDate struct {
	Day   int
	Month int
	Year  int
	HasYear bool
}

// Display renders the date in day.month form as it appears in repaired
// titles, e.g. "15.01".
func (d ParsedDate) Display() string {
	return fmt.Sprintf("%02d.%02d", d.Day, d.Month)
}

var (
	// errNoDate: the text contains no date-shaped token. Not an error in
	// itself; the caller falls back to the event's start date.
	errNoDate = errors.New("no date token")

	// errAmbiguousDate: a date-shaped token exists but cannot be resolved
	// under the configured policy.
	errAmbiguousDate = errors.New("ambiguous date token")
)

// dateTokenPattern builds the token regexp for the configured separator set:
// two or three numeric fields joined by any accepted separator.
func dateTokenPattern(separators []string) *regexp.Regexp {
	quoted := make([]string, len(separators))
	for i, s := range separators {
		quoted[i] = regexp.QuoteMeta(s)
	}
	sep := "(?:" + strings.Join(quoted, "|") + ")"
	return regexp.MustCompile(`(\d{1,2})` + sep + `(\d{1,2})(?:` + sep + `(\d{2,4}))?`)
}

// parseDate finds the first date-shaped token in text and interprets it
// under the parsing policy. It returns the parsed date and the text with the
// token removed.
//
// Resolution: the token is read in the configured field order. When that
// reading is not a valid calendar date but the swapped order is, the token
// counts as ambiguous; non-strict mode accepts the swapped reading, strict
// mode reports errAmbiguousDate. A token invalid in both orders is always
// ambiguous.
func parseDate(text string, p Parsing) (ParsedDate, string, error) {
	re := dateTokenPattern(p.Separators)
	m := re.FindStringSubmatchIndex(text)
	if m == nil {
		return ParsedDate{}, text, errNoDate
	}

	sub := re.FindStringSubmatch(text)
	a, _ := strconv.Atoi(sub[1])
	b, _ := strconv.Atoi(sub[2])

	var year int
	hasYear := sub[3] != ""
	if hasYear {
		year = expandYear(sub[3])
	} else if !p.YearOptional {
		return ParsedDate{}, text, errNoDate
	}

	day, month := a, b
	if !p.DayFirst {
		day, month = b, a
	}

	rest := text[:m[0]] + text[m[1]:]

	if validDate(day, month, year, hasYear) {
		return ParsedDate{Day: day, Month: month, Year: year, HasYear: hasYear}, rest, nil
	}

	// Policy order failed; try the swap.
	if validDate(month, day, year, hasYear) {
		if p.StrictWhenAmbiguous {
			return ParsedDate{}, text, fmt.Errorf("%w: %q only valid against %s order", errAmbiguousDate, sub[0], orderName(!p.DayFirst))
		}
		return ParsedDate{Day: month, Month: day, Year: year, HasYear: hasYear}, rest, nil
	}

	return ParsedDate{}, text, fmt.Errorf("%w: %q is not a valid date in either field order", errAmbiguousDate, sub[0])
}

func orderName(dayFirst bool) string {
	if dayFirst {
		return "day-first"
	}
	return "month-first"
}

// expandYear widens a two-digit year: 00–49 land in the 2000s, 50–99 in the
// 1900s.
func expandYear(s string) int {
	y, _ := strconv.Atoi(s)
	if len(s) > 2 {
		return y
	}
	if y < 50 {
		return 2000 + y
	}
	return 1900 + y
}

// validDate reports whether day/month(/year) form a real calendar date.
// Feb 29 without a known year is accepted; with a known year it must be a
// leap year.
func validDate(day, month, year int, hasYear bool) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	if day == 29 && month == 2 {
		return !hasYear || isLeap(year)
	}
	return day <= daysInMonth(month)
}

func daysInMonth(month int) int {
	switch time.Month(month) {
	case time.February:
		return 28
	case time.April, time.June, time.September, time.November:
		return 30
	default:
		return 31
	}
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
