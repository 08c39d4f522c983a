package matcher

import (
	"context"
	"fmt"
	"strings"

	"bandi/internal/model"
	"bandi/internal/textnorm"
)

type Factors struct {
	SectorMatch      bool `json:"sector_match"`
	KeywordMatch     bool `json:"keyword_match"`
	GeographyMatch   bool `json:"geography_match"`
	BudgetCompatible bool `json:"budget_compatible"`
}

type ProfileMatch struct {
	Match
	Factors   Factors `json:"factors"`
	Reasoning string  `json:"reasoning"`
}

type ProfileOptions struct {
	Threshold    float64
	Limit        int
	Fingerprints []string
}

// ProfileQuery synthesizes the search text for a subscriber. The output depends only on
// the profile fields, in a fixed order.
func ProfileQuery(p model.SubscriberProfile) string {
	var parts []string
	add := func(label string, values []string) {
		var clean []string
		seen := make(map[string]bool, len(values))
		for _, v := range values {
			v = textnorm.Clean(v)
			k := textnorm.Fold(v)
			if v == "" || seen[k] {
				continue
			}
			seen[k] = true
			clean = append(clean, v)
		}
		if len(clean) > 0 {
			parts = append(parts, label+": "+strings.Join(clean, ", "))
		}
	}
	add("Settori", p.Sectors)
	add("Parole chiave", p.Keywords)
	add("Territorio", p.Regions)
	add("Destinatari", p.TargetGroups)
	return strings.Join(parts, ". ")
}

// MatchProfile searches for announcements relevant to p and explains each result.
func (e *Engine) MatchProfile(ctx context.Context, p model.SubscriberProfile, opts ProfileOptions) ([]ProfileMatch, error) {
	query := ProfileQuery(p)
	if query == "" {
		return []ProfileMatch{}, nil
	}
	matches, err := e.Search(ctx, Query{
		Text:         query,
		Threshold:    opts.Threshold,
		Limit:        opts.Limit,
		Fingerprints: opts.Fingerprints,
		OpenOnly:     true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]ProfileMatch, 0, len(matches))
	for _, m := range matches {
		f := explain(p, m.Announcement)
		out = append(out, ProfileMatch{Match: m, Factors: f, Reasoning: reasoning(m.Score, f, p, m.Announcement)})
	}
	return out, nil
}

func explain(p model.SubscriberProfile, a model.Announcement) Factors {
	return Factors{
		SectorMatch:      MatchesAny(p.Sectors, a.Category, a.Title, a.Description),
		KeywordMatch:     MatchesAny(p.Keywords, a.Title, a.Description),
		GeographyMatch:   MatchesAny(p.Regions, a.Title, a.Description, a.Issuer),
		BudgetCompatible: BudgetCompatible(p.BudgetCeiling, a.Amount),
	}
}

// BudgetCompatible reports whether an announcement amount fits a subscriber's ceiling.
// Unknown amounts and a zero ceiling are always compatible.
func BudgetCompatible(ceiling float64, amount string) bool {
	if ceiling <= 0 {
		return true
	}
	v, ok := model.ParseAmount(amount)
	if !ok {
		return true
	}
	return v <= ceiling
}

func reasoning(score float64, f Factors, p model.SubscriberProfile, a model.Announcement) string {
	parts := []string{fmt.Sprintf("similarity %.2f", score)}
	if f.SectorMatch {
		parts = append(parts, "sector match ("+strings.Join(MatchKeywords(p.Sectors, a.Category, a.Title, a.Description), ", ")+")")
	}
	if f.KeywordMatch {
		parts = append(parts, "keyword match ("+strings.Join(MatchKeywords(p.Keywords, a.Title, a.Description), ", ")+")")
	}
	if f.GeographyMatch {
		parts = append(parts, "geography match ("+strings.Join(MatchKeywords(p.Regions, a.Title, a.Description, a.Issuer), ", ")+")")
	}
	if f.BudgetCompatible {
		parts = append(parts, "budget compatible")
	} else {
		parts = append(parts, "amount exceeds budget ceiling")
	}
	return strings.Join(parts, "; ")
}
