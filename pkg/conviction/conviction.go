// Package conviction implements the pure voting math behind governance
// amendments: resolving a voter's tier into a conviction weight and
// aggregating a ballot set into an approve/reject decision.
//
// Tiers and their default weights:
//
//	observer     0   (may comment, never moves the needle)
//	participant  1
//	member       5
//	steward     15
//	sovereign   25   (a sovereign reject is an unconditional veto)
//
// The package performs no I/O and holds no state; callers pass any custom
// weight table explicitly on each call.
package conviction

import (
	"math"
)

// Tier is a governance tier name as resolved by the outer platform.
type Tier string

const (
	TierObserver    Tier = "observer"
	TierParticipant Tier = "participant"
	TierMember      Tier = "member"
	TierSteward     Tier = "steward"
	TierSovereign   Tier = "sovereign"
)

// Decision is a vote's direction.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is one of the two recognised decisions.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// DefaultWeights returns a fresh copy of the default tier→weight table.
func DefaultWeights() map[Tier]float64 {
	return map[Tier]float64{
		TierObserver:    0,
		TierParticipant: 1,
		TierMember:      5,
		TierSteward:     15,
		TierSovereign:   25,
	}
}

// ResolveWeight resolves a tier into its conviction weight. A caller-supplied
// override table takes precedence per tier; unknown tiers resolve to 0;
// negative, NaN or infinite override values are clamped to 0.
func ResolveWeight(tier Tier, overrides map[Tier]float64) float64 {
	if w, ok := overrides[tier]; ok {
		return clampWeight(w)
	}
	if w, ok := DefaultWeights()[tier]; ok {
		return w
	}
	return 0
}

func clampWeight(w float64) float64 {
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return 0
	}
	return w
}

// Ballot is one cast vote as seen by the aggregator. A nil Weight resolves
// from the tier; a supplied Weight is used as recorded, so an explicit zero
// stays zero rather than snapping back to the tier default.
type Ballot struct {
	Decision Decision
	Tier     Tier
	Weight   *float64
}

// Result is the aggregate outcome of a ballot set against a threshold.
type Result struct {
	ApproveWeight    float64 `json:"approve_weight"`
	RejectWeight     float64 `json:"reject_weight"`
	VoterCount       int     `json:"voter_count"`
	HasSovereignVeto bool    `json:"has_sovereign_veto"`
	Approved         bool    `json:"is_approved"`
	Rejected         bool    `json:"is_rejected"`
}

// Compute aggregates ballots against the approval threshold.
//
// Each ballot's weight is sanitised first: a non-finite, negative or zero
// weight, or the observer tier, contributes nothing and is excluded from
// VoterCount (an abstention, not a vote). A sovereign reject is a veto
// regardless of weights: it rejects the amendment even when the approve
// total clears the threshold.
func Compute(ballots []Ballot, threshold float64, overrides map[Tier]float64) Result {
	var res Result

	for _, b := range ballots {
		if b.Decision == DecisionReject && b.Tier == TierSovereign {
			res.HasSovereignVeto = true
		}

		var w float64
		if b.Weight != nil {
			w = *b.Weight
		} else {
			w = ResolveWeight(b.Tier, overrides)
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 || b.Tier == TierObserver {
			continue
		}

		res.VoterCount++
		switch b.Decision {
		case DecisionApprove:
			res.ApproveWeight += w
		case DecisionReject:
			res.RejectWeight += w
		}
	}

	res.Approved = res.ApproveWeight >= threshold && !res.HasSovereignVeto
	res.Rejected = res.HasSovereignVeto || res.RejectWeight >= threshold
	return res
}
