package model

import (
	"regexp"
	"strconv"
	"strings"
)

var amountRe = regexp.MustCompile(`(\d{1,3}(?:[.\s]\d{3})+(?:,\d+)?|\d+(?:[.,]\d+)?)\s*(miliardi|miliardo|mld|milioni|milione|mln|mila|k|m)?\b`)

// ParseAmount extracts the largest euro figure from a free-text amount such as
// "€ 1.500.000,00", "fino a 2,5 milioni di euro" or "200 mila euro".
// Italian separators are assumed: '.' groups thousands and ',' marks decimals.
func ParseAmount(raw string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, false
	}
	best := 0.0
	found := false
	for _, m := range amountRe.FindAllStringSubmatch(s, -1) {
		v, ok := parseNumber(m[1])
		if !ok {
			continue
		}
		switch m[2] {
		case "miliardi", "miliardo", "mld":
			v *= 1e9
		case "milioni", "milione", "mln", "m":
			v *= 1e6
		case "mila", "k":
			v *= 1e3
		}
		if v > best {
			best = v
			found = true
		}
	}
	return best, found
}

func parseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(s, " ", "")
	switch {
	case strings.Count(s, ".") > 0 && strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	case strings.Contains(s, "."):
		// "1.500" is a thousands group, "2.5" is a decimal
		if idx := strings.Index(s, "."); len(s)-idx-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	case strings.Contains(s, ","):
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
