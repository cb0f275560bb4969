// Package priority translates a job's tier and wait time into the
// effective priority used for claim ordering. Aging lifts long-waiting
// jobs so no tier starves, but an aged score never reaches the urgent
// base weight on its own; crossing tiers is an explicit escalation.
package priority

import (
	"time"

	"github.com/oduya/ebb/ebb/job"
)

type Weights struct {
	UrgentBase float64
	NormalBase float64
	LowBase    float64

	NormalBoost float64
	NormalAfter time.Duration

	LowBoost float64
	LowAfter time.Duration

	// EscalateAfter is the maximum wait before a low job is lifted into
	// the normal band. Escalation happens at most once per job and is
	// recorded as a logged transition.
	EscalateAfter time.Duration
}

type Scorer struct {
	w Weights
}

func NewScorer(w Weights) *Scorer {
	return &Scorer{w: w}
}

func (s *Scorer) Weights() Weights { return s.w }

// Score computes the effective priority for a job of the given tier that
// has waited for age. The escalated flag marks a low job already lifted
// into the normal band.
func (s *Scorer) Score(tier job.Tier, age time.Duration, escalated bool) float64 {
	switch tier {
	case job.TierUrgent:
		// Urgent is already maximal and is not aged.
		return s.w.UrgentBase
	case job.TierNormal:
		score := s.w.NormalBase
		if age >= s.w.NormalAfter {
			score += s.w.NormalBoost
		}
		return s.clamp(score)
	case job.TierLow:
		if escalated {
			score := s.w.NormalBase
			if age >= s.w.NormalAfter {
				score += s.w.NormalBoost
			}
			return s.clamp(score)
		}
		score := s.w.LowBase
		if age >= s.w.LowAfter {
			score += s.w.LowBoost
		}
		return s.clamp(score)
	}
	return 0
}

// ShouldEscalate reports whether a low job that has waited for age is due
// for its one-time lift into the normal band.
func (s *Scorer) ShouldEscalate(tier job.Tier, age time.Duration, escalated bool) bool {
	return tier == job.TierLow && !escalated && s.w.EscalateAfter > 0 && age >= s.w.EscalateAfter
}

// clamp keeps aged scores strictly below the urgent base weight.
func (s *Scorer) clamp(score float64) float64 {
	if score >= s.w.UrgentBase {
		return s.w.UrgentBase - 1
	}
	return score
}
