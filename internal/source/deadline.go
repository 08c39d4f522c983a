package source

import (
	"regexp"
	"strconv"
	"time"

	"bandi/internal/textnorm"
)

var months = map[string]time.Month{
	"gennaio": time.January, "gen": time.January, "january": time.January, "jan": time.January,
	"febbraio": time.February, "feb": time.February, "february": time.February,
	"marzo": time.March, "mar": time.March, "march": time.March,
	"aprile": time.April, "apr": time.April, "april": time.April,
	"maggio": time.May, "mag": time.May, "may": time.May,
	"giugno": time.June, "giu": time.June, "june": time.June, "jun": time.June,
	"luglio": time.July, "lug": time.July, "july": time.July, "jul": time.July,
	"agosto": time.August, "ago": time.August, "august": time.August, "aug": time.August,
	"settembre": time.September, "set": time.September, "sett": time.September, "september": time.September, "sep": time.September, "sept": time.September,
	"ottobre": time.October, "ott": time.October, "october": time.October, "oct": time.October,
	"novembre": time.November, "nov": time.November, "november": time.November,
	"dicembre": time.December, "dic": time.December, "december": time.December, "dec": time.December,
}

var (
	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{4}|\d{2})\b`)
	dayMonthRe    = regexp.MustCompile(`\b(\d{1,2})(?:°|º|st|nd|rd|th)?\s+(?:di\s+|of\s+)?([a-z]+)\.?,?\s+(\d{4}|\d{2})\b`)
	monthDayRe    = regexp.MustCompile(`\b([a-z]+)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	timeOfDayRe   = regexp.MustCompile(`\b(?:ore|h|alle|at)\s*(\d{1,2})[:.](\d{2})\b`)
)

type dateMatch struct {
	pos   int
	end   int
	year  int
	month time.Month
	day   int
}

// ParseDeadline extracts a calendar date from free text such as "15/03/2026",
// "2026-03-15" or "scadenza: 15 marzo 2026 ore 12:00". Numeric dates are always read as
// day/month/year. Date-only values resolve to the end of that day in UTC; an explicit
// time of day following the date is honored.
func ParseDeadline(raw string) (time.Time, bool) {
	s := textnorm.Fold(raw)
	if s == "" {
		return time.Time{}, false
	}
	var best *dateMatch
	consider := func(m *dateMatch) {
		if m != nil && (best == nil || m.pos < best.pos) {
			best = m
		}
	}
	if m := isoDateRe.FindStringSubmatchIndex(s); m != nil {
		consider(numericMatch(m, atoi(s[m[2]:m[3]]), atoi(s[m[4]:m[5]]), atoi(s[m[6]:m[7]])))
	}
	if m := numericDateRe.FindStringSubmatchIndex(s); m != nil {
		consider(numericMatch(m, fullYear(s[m[6]:m[7]]), atoi(s[m[4]:m[5]]), atoi(s[m[2]:m[3]])))
	}
	for _, m := range dayMonthRe.FindAllStringSubmatchIndex(s, -1) {
		mon, ok := months[s[m[4]:m[5]]]
		if !ok {
			continue
		}
		consider(&dateMatch{pos: m[0], end: m[1], year: fullYear(s[m[6]:m[7]]), month: mon, day: atoi(s[m[2]:m[3]])})
		break
	}
	for _, m := range monthDayRe.FindAllStringSubmatchIndex(s, -1) {
		mon, ok := months[s[m[2]:m[3]]]
		if !ok {
			continue
		}
		consider(&dateMatch{pos: m[0], end: m[1], year: atoi(s[m[6]:m[7]]), month: mon, day: atoi(s[m[4]:m[5]])})
		break
	}
	if best == nil {
		return time.Time{}, false
	}
	if best.month < time.January || best.month > time.December || best.day < 1 {
		return time.Time{}, false
	}
	t := time.Date(best.year, best.month, best.day, 23, 59, 59, 0, time.UTC)
	if t.Day() != best.day || t.Month() != best.month {
		return time.Time{}, false
	}
	if tm := timeOfDayRe.FindStringSubmatch(s[best.end:]); tm != nil {
		h, mi := atoi(tm[1]), atoi(tm[2])
		if h < 24 && mi < 60 {
			t = time.Date(best.year, best.month, best.day, h, mi, 0, 0, time.UTC)
		}
	}
	return t, true
}

func numericMatch(idx []int, year, month, day int) *dateMatch {
	return &dateMatch{pos: idx[0], end: idx[1], year: year, month: time.Month(month), day: day}
}

func fullYear(s string) int {
	y := atoi(s)
	if len(s) == 2 {
		y += 2000
	}
	return y
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}
