// Package search implements the phased venue search pipeline: intent
// parsing, staged retrieval, evidence aggregation, trust scoring and
// the ordered event stream clients consume.
package search

import (
	"strings"

	"github.com/tastescout/tastescout/internal/retrieval"
)

// Phase is one stage of the 4-step search strategy.
type Phase string

const (
	PhaseBroad     Phase = "broad"
	PhaseHiddenGem Phase = "hidden_gem"
	PhaseVerify    Phase = "verify"
	PhaseNiche     Phase = "niche"
)

// State is the orchestrator's position in the pipeline state machine.
type State string

const (
	StateInit      State = "init"
	StateBroad     State = "broad"
	StateHiddenGem State = "hidden_gem"
	StateVerify    State = "verify"
	StateNiche     State = "niche"
	StateScoring   State = "scoring"
	StateDone      State = "done"
	StateError     State = "error"
)

// stateFor maps a phase to its state-machine state.
func stateFor(p Phase) State {
	switch p {
	case PhaseBroad:
		return StateBroad
	case PhaseHiddenGem:
		return StateHiddenGem
	case PhaseVerify:
		return StateVerify
	case PhaseNiche:
		return StateNiche
	default:
		return StateInit
	}
}

// Locality classifies an evidence author relative to the searched city.
type Locality string

const (
	LocalityLocal   Locality = "local"
	LocalityVisitor Locality = "visitor"
	LocalityUnknown Locality = "unknown"
)

// Verdict is the trust scorer's decision for a candidate.
type Verdict string

const (
	// VerdictAuthentic marks a venue backed by enough local evidence.
	VerdictAuthentic Verdict = "authentic"
	// VerdictSuspect marks a venue dominated by marketing signals.
	VerdictSuspect Verdict = "suspect"
	// VerdictInsufficient means "need more data", not "bad venue".
	VerdictInsufficient Verdict = "insufficient_evidence"
)

// Evidence is a single review-like text item supporting a candidate.
type Evidence struct {
	NoteID    string   `json:"note_id"`
	CommentID string   `json:"comment_id,omitempty"`
	Text      string   `json:"text"`
	Author    string   `json:"author"`
	Locality  Locality `json:"locality"`
	// Marketing is the promotional-likelihood signal in [0,1] for the
	// note the item came from.
	Marketing float64 `json:"marketing"`
	// Weight scales the item's locality contribution by engagement
	// (like-count buckets).
	Weight float64 `json:"weight"`
}

// Candidate is a venue under evaluation, keyed by identity, accumulating
// evidence across phases. Trust fields are written only by the scoring
// pass; phases attach evidence, never overwrite scores.
type Candidate struct {
	Key      string     `json:"key"`
	Name     string     `json:"name"`
	City     string     `json:"city"`
	Order    int        `json:"order"`
	Evidence []Evidence `json:"evidence"`
	NoteIDs  []string   `json:"note_ids"`
	// Confidence reflects cross-note corroboration: boosted when a venue
	// appears in several distinct notes, penalized when single-source.
	Confidence float64 `json:"confidence"`
	// TrustScore is nil until scoring, and stays nil for candidates with
	// no classifiable evidence.
	TrustScore *float64       `json:"trust_score,omitempty"`
	Verdict    Verdict        `json:"verdict,omitempty"`
	POI        *retrieval.POI `json:"poi,omitempty"`
}

// HasNote reports whether the candidate already has evidence from noteID.
func (c *Candidate) HasNote(noteID string) bool {
	for _, id := range c.NoteIDs {
		if id == noteID {
			return true
		}
	}
	return false
}

// Intent is the structured reading of a free-text query.
type Intent struct {
	Raw          string   `json:"raw"`
	City         string   `json:"city"`
	FoodType     string   `json:"food_type"`
	Requirements []string `json:"requirements,omitempty"`
	Exclusions   []string `json:"exclusions,omitempty"`
}

// VenueKey builds the stable identity for a venue: normalized name plus
// city. Later phases attach evidence to existing candidates through it.
func VenueKey(name, city string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, " ", "")
	return n + "@" + strings.ToLower(strings.TrimSpace(city))
}

// QueryContext carries the evolving query state between phases. Each
// phase reads the intent and the candidates discovered so far to shape
// its own keywords.
type QueryContext struct {
	Intent     *Intent
	Candidates []*Candidate
	// Refine restricts the pipeline to the reduced phase set and caps
	// how far keywords may drift from the prior candidate set.
	Refine bool
}
