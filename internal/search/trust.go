package search

import (
	"github.com/tastescout/tastescout/config"
)

// Scorer computes authenticity scores from aggregated evidence. It is a
// pure function over a candidate's evidence list; weights and thresholds
// come from configuration.
type Scorer struct {
	cfg config.TrustConfig
}

func NewScorer(cfg config.TrustConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the trust score and verdict for a candidate. The third
// return value reports whether a numeric score exists at all: candidates
// with no classifiable evidence get VerdictInsufficient and no score, so
// they are never ranked alongside scored venues.
func (s *Scorer) Score(c *Candidate) (float64, Verdict, bool) {
	var localWeight, classifiableWeight float64
	var classifiableCount int
	adScore := 0.0

	for _, ev := range c.Evidence {
		// A single strong promotional signal is enough to flag
		// suspicion, so the max wins over the average.
		if ev.Marketing > adScore {
			adScore = ev.Marketing
		}
		if ev.Locality == LocalityUnknown {
			continue
		}
		classifiableCount++
		w := ev.Weight
		if w <= 0 {
			w = 1.0
		}
		classifiableWeight += w
		if ev.Locality == LocalityLocal {
			localWeight += w
		}
	}

	if classifiableCount < s.cfg.MinClassifiableEvidence || classifiableWeight == 0 {
		return 0, VerdictInsufficient, false
	}

	localRatio := localWeight / classifiableWeight

	confidence := c.Confidence
	if confidence <= 0 {
		confidence = 1.0
	}

	score := s.cfg.LocalWeight*localRatio +
		(1-s.cfg.LocalWeight)*clamp01(confidence) -
		s.cfg.AdPenalty*adScore
	score = clamp01(score)

	switch {
	case score >= s.cfg.AuthenticAbove:
		return score, VerdictAuthentic, true
	case score < s.cfg.SuspectBelow:
		return score, VerdictSuspect, true
	default:
		return score, VerdictInsufficient, true
	}
}

// Apply scores every candidate in place. It runs exactly once per
// pipeline, after all phases have contributed their evidence.
func (s *Scorer) Apply(candidates []*Candidate) {
	for _, c := range candidates {
		score, verdict, scored := s.Score(c)
		c.Verdict = verdict
		if scored {
			v := score
			c.TrustScore = &v
		} else {
			c.TrustScore = nil
		}
	}
}

// EvidenceWeight maps a comment's like count to an engagement weight.
func EvidenceWeight(likes int) float64 {
	switch {
	case likes > 50:
		return 2.0
	case likes >= 20:
		return 1.5
	case likes >= 5:
		return 1.2
	default:
		return 1.0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
