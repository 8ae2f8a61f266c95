package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/tastescout/tastescout/internal/retrieval"
	"github.com/tastescout/tastescout/provider"
)

const intentSystemPrompt = `You extract structured search intent from a food venue query.
Respond ONLY with valid JSON in the following format:
{
  "city": "city name or empty string",
  "food_type": "cuisine or dish, e.g. 火锅",
  "requirements": ["array", "of", "strings"],
  "exclusions": ["array", "of", "strings"]
}
Do not include any other text or explanation.`

const analysisSystemPrompt = `You analyze a social review note about food venues.
Respond ONLY with valid JSON in the following format:
{
  "venues": ["venue names explicitly mentioned"],
  "ad_likelihood": 0.0
}
ad_likelihood is a number between 0 and 1: how likely the note is paid
promotion rather than an organic review (uniform praise, coupon links,
template phrasing raise it; specific complaints and prices lower it).
Do not include any other text or explanation.`

// ParseIntent reads the free-text query into an Intent. The model's
// output is an untrusted guess: on any failure or invalid shape the
// query degrades to a literal keyword intent instead of erroring.
func ParseIntent(ctx context.Context, llm provider.Provider, query string) *Intent {
	fallback := &Intent{Raw: query, FoodType: strings.TrimSpace(query)}
	if llm == nil {
		return fallback
	}

	var out struct {
		City         string   `json:"city"`
		FoodType     string   `json:"food_type"`
		Requirements []string `json:"requirements"`
		Exclusions   []string `json:"exclusions"`
	}
	if err := llm.CompleteJSON(ctx, intentSystemPrompt, query, &out); err != nil {
		return fallback
	}
	if strings.TrimSpace(out.FoodType) == "" {
		return fallback
	}
	return &Intent{
		Raw:          query,
		City:         strings.TrimSpace(out.City),
		FoodType:     strings.TrimSpace(out.FoodType),
		Requirements: out.Requirements,
		Exclusions:   out.Exclusions,
	}
}

// NoteAnalysis is the validated reading of one note.
type NoteAnalysis struct {
	Venues       []string
	AdLikelihood float64
}

// AnalyzeNote asks the model which venues a note mentions and how
// promotional it reads. Invalid output yields an empty analysis (no
// candidates from this note), never an error the pipeline must handle.
func AnalyzeNote(ctx context.Context, llm provider.Provider, note retrieval.Note) (*NoteAnalysis, error) {
	user := fmt.Sprintf("Title: %s\n\n%s", note.Title, note.Desc)

	var out struct {
		Venues       []string `json:"venues"`
		AdLikelihood float64  `json:"ad_likelihood"`
	}
	if err := llm.CompleteJSON(ctx, analysisSystemPrompt, user, &out); err != nil {
		return nil, err
	}

	analysis := &NoteAnalysis{AdLikelihood: out.AdLikelihood}
	if analysis.AdLikelihood < 0 {
		analysis.AdLikelihood = 0
	}
	if analysis.AdLikelihood > 1 {
		analysis.AdLikelihood = 1
	}
	for _, v := range out.Venues {
		v = strings.TrimSpace(v)
		if v == "" || len(v) > 64 {
			continue
		}
		analysis.Venues = append(analysis.Venues, v)
	}
	return analysis, nil
}

// KeywordsFor builds the search keywords for a phase. Earlier phases cast
// wide nets; VERIFY targets names already discovered; NICHE narrows to the
// food type plus candidates still short on local evidence.
func KeywordsFor(phase Phase, qc *QueryContext, max int) []string {
	it := qc.Intent
	base := strings.TrimSpace(strings.Join([]string{it.City, it.FoodType}, " "))

	var kws []string
	switch phase {
	case PhaseBroad:
		kws = []string{
			base,
			base + " 本地人 推荐",
			base + " 老店",
		}
	case PhaseHiddenGem:
		kws = []string{
			base + " 苍蝇馆子",
			base + " 巷子里 老店",
			base + " 地道 本地人",
		}
	case PhaseVerify:
		for _, c := range qc.Candidates {
			kw := strings.TrimSpace(it.City + " " + c.Name)
			kws = append(kws, kw)
		}
		if len(kws) == 0 {
			kws = []string{base + " 评价"}
		}
	case PhaseNiche:
		for _, c := range qc.Candidates {
			if !hasLocalEvidence(c) {
				kws = append(kws, strings.TrimSpace(it.City+" "+c.Name+" 本地人"))
			}
		}
		kws = append(kws,
			base+" 老字号",
			base+" 本地人 常去",
		)
	}

	seen := make(map[string]struct{}, len(kws))
	out := make([]string, 0, len(kws))
	for _, kw := range kws {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// FilterExcluded drops candidates the intent explicitly excludes,
// matching by venue key or name containment so "老张火锅" also catches
// "老张火锅(春熙路店)".
func FilterExcluded(candidates []*Candidate, it *Intent) []*Candidate {
	if it == nil || len(it.Exclusions) == 0 {
		return candidates
	}
	out := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if isExcluded(c, it.Exclusions) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func isExcluded(c *Candidate, exclusions []string) bool {
	for _, ex := range exclusions {
		ex = strings.TrimSpace(ex)
		if ex == "" {
			continue
		}
		if VenueKey(ex, c.City) == c.Key ||
			strings.Contains(c.Name, ex) ||
			strings.Contains(ex, c.Name) {
			return true
		}
	}
	return false
}

// hasLocalEvidence reports whether any evidence item is local-tagged.
// Candidates without one are the NICHE phase's re-queue targets.
func hasLocalEvidence(c *Candidate) bool {
	for _, ev := range c.Evidence {
		if ev.Locality == LocalityLocal {
			return true
		}
	}
	return false
}

// ClassifyLocality tags an evidence author by comparing the comment's IP
// location against the searched city. Empty location means unknown.
func ClassifyLocality(ipLocation, city string) Locality {
	loc := strings.TrimSpace(ipLocation)
	if loc == "" {
		return LocalityUnknown
	}
	if city == "" {
		return LocalityUnknown
	}
	if strings.Contains(loc, city) || strings.Contains(city, loc) {
		return LocalityLocal
	}
	return LocalityVisitor
}
