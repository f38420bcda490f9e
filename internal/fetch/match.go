package fetch

import (
	"slices"
	"strings"
	"unicode"

	"github.com/kalambet/docketd/internal/caseerr"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/portal"
	"github.com/kalambet/docketd/internal/storage"
)

// NormalizeCaseNumber uppercases n and drops everything but letters and digits,
// so "2023-cc-0042" and "2023 CC 0042" compare equal.
func NormalizeCaseNumber(n string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(n) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var nameNoise = map[string]bool{"V": true, "VS": true, "VERSUS": true, "ET": true, "AL": true, "THE": true, "AND": true, "OF": true}

func nameTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !nameNoise[f] {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// NameSimilarity is the Jaccard index of the two names' word sets, ignoring
// case, punctuation and filler words such as "vs".
func NameSimilarity(a, b string) float64 {
	ta, tb := nameTokens(a), nameTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for _, t := range ta {
		if _, ok := slices.BinarySearch(tb, t); ok {
			inter++
		}
	}
	return float64(inter) / float64(len(ta)+len(tb)-inter)
}

var businessMarkers = []string{
	"INC", "LLC", "LLP", "LP", "CORP", "CORPORATION", "CO", "COMPANY", "BANK", "NA",
	"LTD", "TRUST", "FINANCIAL", "CREDIT", "UNION", "ASSOCIATION", "PLLC", "FUNDING", "SERVICES",
}

func looksLikeBusiness(name string) bool {
	for _, t := range nameTokens(name) {
		if slices.Contains(businessMarkers, t) {
			return true
		}
	}
	return false
}

func containsName(haystack, needle string) bool {
	hn, nn := nameTokens(haystack), nameTokens(needle)
	if len(nn) == 0 {
		return false
	}
	for _, t := range nn {
		if _, ok := slices.BinarySearch(hn, t); !ok {
			return false
		}
	}
	return true
}

// exactMatches returns results whose case number equals number after normalization.
func exactMatches(results []portal.SearchResult, number string) []portal.SearchResult {
	want := NormalizeCaseNumber(number)
	var out []portal.SearchResult
	for _, r := range results {
		if NormalizeCaseNumber(r.CaseNumber) == want {
			out = append(out, r)
		}
	}
	return out
}

// similarMatches returns results whose case name is at least threshold
// similar to name, most similar first. Ties keep portal order.
func similarMatches(results []portal.SearchResult, name string, threshold float64) []portal.SearchResult {
	type scored struct {
		r     portal.SearchResult
		score float64
	}
	var hits []scored
	for _, r := range results {
		if s := NameSimilarity(r.CaseName, name); s >= threshold && s > 0 {
			hits = append(hits, scored{r, s})
		}
	}
	slices.SortStableFunc(hits, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})
	out := make([]portal.SearchResult, len(hits))
	for i, h := range hits {
		out[i] = h.r
	}
	return out
}

// disambiguate narrows several candidates using the declared creditor name
// and business flag. When more than one candidate survives, policy decides.
func disambiguate(cands []portal.SearchResult, c storage.Case, policy, query string) (portal.SearchResult, error) {
	if len(cands) == 1 {
		return cands[0], nil
	}

	pool := cands
	if c.CreditorName != "" {
		if narrowed := filter(pool, func(r portal.SearchResult) bool { return containsName(r.CaseName, c.CreditorName) }); len(narrowed) > 0 {
			pool = narrowed
		}
	}
	if len(pool) > 1 {
		if narrowed := filter(pool, func(r portal.SearchResult) bool { return looksLikeBusiness(r.CaseName) == c.IsBusiness }); len(narrowed) > 0 {
			pool = narrowed
		}
	}
	if len(pool) == 1 {
		return pool[0], nil
	}

	if policy == config.DisambiguationFirst {
		return pool[0], nil
	}
	names := make([]string, len(pool))
	for i, r := range pool {
		names[i] = r.CaseNumber + " " + r.CaseName
	}
	return portal.SearchResult{}, &caseerr.AmbiguousMatchError{Query: query, Candidates: names}
}

func filter(in []portal.SearchResult, keep func(portal.SearchResult) bool) []portal.SearchResult {
	var out []portal.SearchResult
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Categorize classifies a document title. A final judgment title carries
// every judgment keyword; a complaint title carries any complaint keyword.
func Categorize(title string, docs config.DocumentConfig) storage.DocumentKind {
	upper := strings.ToUpper(title)
	if len(docs.JudgmentKeywords) > 0 && allContained(upper, docs.JudgmentKeywords) {
		return storage.KindFinalJudgment
	}
	for _, kw := range docs.ComplaintKeywords {
		if kw != "" && strings.Contains(upper, strings.ToUpper(kw)) {
			return storage.KindComplaint
		}
	}
	return storage.KindUnknown
}

func allContained(upper string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(upper, strings.ToUpper(kw)) {
			return false
		}
	}
	return true
}

// HasVoluntaryDismissal reports whether any docket entry records a voluntary dismissal.
func HasVoluntaryDismissal(entries []string) bool {
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e), "voluntary dismissal") {
			return true
		}
	}
	return false
}

// AssociatedParties returns the distinct names of parties whose role matches
// creditorType, excluding the declared creditor.
func AssociatedParties(parties []portal.Party, creditorType, creditorName string) []string {
	if creditorType == "" {
		return nil
	}
	wantRole := strings.ToLower(creditorType)
	creditor := strings.ToLower(strings.TrimSpace(creditorName))
	var out []string
	for _, p := range parties {
		if !strings.Contains(strings.ToLower(p.Role), wantRole) {
			continue
		}
		if creditor != "" && strings.Contains(strings.ToLower(p.Name), creditor) {
			continue
		}
		if !slices.Contains(out, p.Name) {
			out = append(out, p.Name)
		}
	}
	return out
}
