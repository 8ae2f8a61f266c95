package search

import (
	"testing"

	"github.com/tastescout/tastescout/config"
)

func testTrustConfig() config.TrustConfig {
	return config.TrustConfig{
		LocalWeight:             0.7,
		AdPenalty:               0.4,
		AuthenticAbove:          0.6,
		SuspectBelow:            0.35,
		MinClassifiableEvidence: 1,
	}
}

func TestScoreZeroClassifiableEvidence(t *testing.T) {
	s := NewScorer(testTrustConfig())
	c := &Candidate{
		Name: "某店",
		Evidence: []Evidence{
			{Text: "looks nice", Locality: LocalityUnknown, Marketing: 0.2},
			{Text: "want to try", Locality: LocalityUnknown, Marketing: 0.1},
		},
	}

	_, verdict, scored := s.Score(c)
	if scored {
		t.Fatalf("expected no numeric score for unclassifiable evidence")
	}
	if verdict != VerdictInsufficient {
		t.Fatalf("expected insufficient_evidence, got %s", verdict)
	}

	s.Apply([]*Candidate{c})
	if c.TrustScore != nil {
		t.Fatalf("trust score must stay nil, got %v", *c.TrustScore)
	}
}

func TestScoreMajorityLocalIsAuthentic(t *testing.T) {
	s := NewScorer(testTrustConfig())
	c := &Candidate{
		Name:       "老张火锅",
		NoteIDs:    []string{"n1", "n2", "n3"},
		Confidence: 1.2,
		Evidence: []Evidence{
			{Locality: LocalityLocal, Weight: 2.0, Marketing: 0.1},
			{Locality: LocalityLocal, Weight: 1.2, Marketing: 0.1},
			{Locality: LocalityVisitor, Weight: 1.0},
			{Locality: LocalityUnknown, Weight: 1.0},
		},
	}

	score, verdict, scored := s.Score(c)
	if !scored {
		t.Fatalf("expected a numeric score")
	}
	if verdict != VerdictAuthentic {
		t.Fatalf("expected authentic, got %s (score %f)", verdict, score)
	}
}

func TestScoreMaxAdSignalWins(t *testing.T) {
	// One strong promotional item flags suspicion even among organic
	// mentions; the average would hide it.
	s := NewScorer(testTrustConfig())
	c := &Candidate{
		Name:       "网红店",
		NoteIDs:    []string{"n1"},
		Confidence: 0.7,
		Evidence: []Evidence{
			{Locality: LocalityLocal, Weight: 1.0, Marketing: 0.0},
			{Locality: LocalityVisitor, Weight: 1.0, Marketing: 0.95},
			{Locality: LocalityVisitor, Weight: 1.0, Marketing: 0.0},
		},
	}

	score, verdict, scored := s.Score(c)
	if !scored {
		t.Fatalf("expected a numeric score")
	}
	if verdict != VerdictSuspect {
		t.Fatalf("expected suspect, got %s (score %f)", verdict, score)
	}
}

func TestScoreHotpotScenario(t *testing.T) {
	// Three candidates: two with majority-local evidence, one with a
	// single high marketing item. Expect 2 authentic, 1 suspect.
	s := NewScorer(testTrustConfig())

	localBacked := func(name string) *Candidate {
		return &Candidate{
			Name:       name,
			NoteIDs:    []string{"a", "b", "c"},
			Confidence: 1.2,
			Evidence: []Evidence{
				{Locality: LocalityLocal, Weight: 1.5, Marketing: 0.1},
				{Locality: LocalityLocal, Weight: 1.2, Marketing: 0.1},
				{Locality: LocalityVisitor, Weight: 1.0},
			},
		}
	}
	hyped := &Candidate{
		Name:       "新晋网红火锅",
		NoteIDs:    []string{"d"},
		Confidence: 0.7,
		Evidence: []Evidence{
			{Locality: LocalityVisitor, Weight: 2.0, Marketing: 0.9},
			{Locality: LocalityLocal, Weight: 1.0, Marketing: 0.0},
		},
	}

	candidates := []*Candidate{localBacked("老字号一"), localBacked("老字号二"), hyped}
	s.Apply(candidates)

	var authentic, suspect int
	for _, c := range candidates {
		switch c.Verdict {
		case VerdictAuthentic:
			authentic++
		case VerdictSuspect:
			suspect++
		}
	}
	if authentic != 2 || suspect != 1 {
		t.Fatalf("expected 2 authentic and 1 suspect, got %d/%d", authentic, suspect)
	}
}

func TestEvidenceWeightBuckets(t *testing.T) {
	cases := []struct {
		likes int
		want  float64
	}{
		{0, 1.0},
		{4, 1.0},
		{5, 1.2},
		{19, 1.2},
		{20, 1.5},
		{50, 1.5},
		{51, 2.0},
	}
	for _, tc := range cases {
		if got := EvidenceWeight(tc.likes); got != tc.want {
			t.Fatalf("weight for %d likes: got %f, want %f", tc.likes, got, tc.want)
		}
	}
}

func TestScoreClamped(t *testing.T) {
	s := NewScorer(testTrustConfig())
	c := &Candidate{
		NoteIDs:    []string{"a", "b", "c"},
		Confidence: 1.2,
		Evidence: []Evidence{
			{Locality: LocalityLocal, Weight: 2.0, Marketing: 0},
		},
	}
	score, _, scored := s.Score(c)
	if !scored {
		t.Fatalf("expected a score")
	}
	if score < 0 || score > 1 {
		t.Fatalf("score out of range: %f", score)
	}
}
