package conviction_test

import (
	"math"
	"testing"

	"github.com/concord-gov/concord/pkg/conviction"
)

func weight(v float64) *float64 { return &v }

func TestResolveWeight_defaults(t *testing.T) {
	cases := []struct {
		tier conviction.Tier
		want float64
	}{
		{conviction.TierObserver, 0},
		{conviction.TierParticipant, 1},
		{conviction.TierMember, 5},
		{conviction.TierSteward, 15},
		{conviction.TierSovereign, 25},
		{conviction.Tier("council-of-elders"), 0}, // unknown tier
	}
	for _, tc := range cases {
		t.Run(string(tc.tier), func(t *testing.T) {
			if got := conviction.ResolveWeight(tc.tier, nil); got != tc.want {
				t.Errorf("ResolveWeight(%q) = %v, want %v", tc.tier, got, tc.want)
			}
		})
	}
}

func TestResolveWeight_overrides(t *testing.T) {
	overrides := map[conviction.Tier]float64{
		conviction.TierMember:    10,
		conviction.TierSteward:   -3,
		conviction.TierSovereign: math.NaN(),
		conviction.Tier("elder"): math.Inf(1),
	}

	if got := conviction.ResolveWeight(conviction.TierMember, overrides); got != 10 {
		t.Errorf("override ignored: got %v, want 10", got)
	}
	// Overridden tiers with garbage values clamp to 0, they do not fall
	// back to the defaults.
	if got := conviction.ResolveWeight(conviction.TierSteward, overrides); got != 0 {
		t.Errorf("negative override: got %v, want 0", got)
	}
	if got := conviction.ResolveWeight(conviction.TierSovereign, overrides); got != 0 {
		t.Errorf("NaN override: got %v, want 0", got)
	}
	if got := conviction.ResolveWeight(conviction.Tier("elder"), overrides); got != 0 {
		t.Errorf("infinite override: got %v, want 0", got)
	}
	// Tiers absent from the override table keep their defaults.
	if got := conviction.ResolveWeight(conviction.TierParticipant, overrides); got != 1 {
		t.Errorf("non-overridden tier: got %v, want 1", got)
	}
}

func TestCompute_thresholdApproval(t *testing.T) {
	// Steward (15) + member (5) reach a threshold of 20 exactly.
	ballots := []conviction.Ballot{
		{Decision: conviction.DecisionApprove, Tier: conviction.TierSteward, Weight: weight(15)},
		{Decision: conviction.DecisionApprove, Tier: conviction.TierMember, Weight: weight(5)},
	}
	res := conviction.Compute(ballots, 20, nil)

	if res.ApproveWeight != 20 {
		t.Errorf("ApproveWeight = %v, want 20", res.ApproveWeight)
	}
	if !res.Approved {
		t.Error("amendment not approved at exact threshold")
	}
	if res.Rejected {
		t.Error("amendment rejected without any reject votes")
	}
	if res.VoterCount != 2 {
		t.Errorf("VoterCount = %d, want 2", res.VoterCount)
	}
}

func TestCompute_observerVotesAreAbstentions(t *testing.T) {
	base := []conviction.Ballot{
		{Decision: conviction.DecisionApprove, Tier: conviction.TierMember, Weight: weight(5)},
	}
	before := conviction.Compute(base, 20, nil)

	withObserver := append(base, conviction.Ballot{
		Decision: conviction.DecisionApprove, Tier: conviction.TierObserver,
	})
	after := conviction.Compute(withObserver, 20, nil)

	if after.ApproveWeight != before.ApproveWeight || after.RejectWeight != before.RejectWeight {
		t.Errorf("observer vote moved totals: %+v vs %+v", before, after)
	}
	if after.VoterCount != before.VoterCount {
		t.Errorf("observer counted as voter: %d vs %d", after.VoterCount, before.VoterCount)
	}
}

func TestCompute_sanitisesBadWeights(t *testing.T) {
	ballots := []conviction.Ballot{
		{Decision: conviction.DecisionApprove, Tier: conviction.TierMember, Weight: weight(math.NaN())},
		{Decision: conviction.DecisionApprove, Tier: conviction.TierMember, Weight: weight(math.Inf(1))},
		{Decision: conviction.DecisionApprove, Tier: conviction.TierMember, Weight: weight(-7)},
		{Decision: conviction.DecisionApprove, Tier: conviction.TierMember, Weight: weight(5)},
	}
	res := conviction.Compute(ballots, 100, nil)

	if res.ApproveWeight != 5 {
		t.Errorf("ApproveWeight = %v, want 5 (bad weights discarded)", res.ApproveWeight)
	}
	if res.VoterCount != 1 {
		t.Errorf("VoterCount = %d, want 1", res.VoterCount)
	}
}

func TestCompute_sovereignVetoOverridesAnyTotal(t *testing.T) {
	ballots := []conviction.Ballot{
		{Decision: conviction.DecisionApprove, Tier: conviction.TierSteward, Weight: weight(15)},
		{Decision: conviction.DecisionApprove, Tier: conviction.TierSteward, Weight: weight(15)},
		{Decision: conviction.DecisionApprove, Tier: conviction.TierSteward, Weight: weight(15)},
		{Decision: conviction.DecisionApprove, Tier: conviction.TierSteward, Weight: weight(15)},
		{Decision: conviction.DecisionReject, Tier: conviction.TierSovereign, Weight: weight(25)},
	}
	res := conviction.Compute(ballots, 20, nil)

	if !res.HasSovereignVeto {
		t.Error("sovereign reject not detected as veto")
	}
	if !res.Rejected {
		t.Error("veto did not reject")
	}
	if res.Approved {
		t.Error("vetoed amendment still approved despite 60 approve weight")
	}
}

func TestCompute_rejectionByWeight(t *testing.T) {
	ballots := []conviction.Ballot{
		{Decision: conviction.DecisionReject, Tier: conviction.TierSteward, Weight: weight(15)},
		{Decision: conviction.DecisionReject, Tier: conviction.TierMember, Weight: weight(5)},
	}
	res := conviction.Compute(ballots, 20, nil)

	if !res.Rejected {
		t.Error("reject weight at threshold did not reject")
	}
	if res.HasSovereignVeto {
		t.Error("veto flagged without a sovereign reject")
	}
}

func TestCompute_nilWeightResolvesFromTier(t *testing.T) {
	// Ballots without a recorded weight resolve from their tier.
	ballots := []conviction.Ballot{
		{Decision: conviction.DecisionApprove, Tier: conviction.TierSteward},
		{Decision: conviction.DecisionApprove, Tier: conviction.TierMember},
	}
	res := conviction.Compute(ballots, 20, nil)
	if res.ApproveWeight != 20 {
		t.Errorf("ApproveWeight = %v, want 20", res.ApproveWeight)
	}

	// And custom weights apply to that resolution.
	res = conviction.Compute(ballots, 20, map[conviction.Tier]float64{conviction.TierSteward: 2})
	if res.ApproveWeight != 7 {
		t.Errorf("ApproveWeight with overrides = %v, want 7", res.ApproveWeight)
	}
}

func TestCompute_explicitZeroWeightAbstains(t *testing.T) {
	// A recorded weight of zero is kept at zero, never snapped back to the
	// tier default.
	ballots := []conviction.Ballot{
		{Decision: conviction.DecisionApprove, Tier: conviction.TierSteward, Weight: weight(0)},
	}
	res := conviction.Compute(ballots, 10, nil)

	if res.ApproveWeight != 0 {
		t.Errorf("ApproveWeight = %v, want 0", res.ApproveWeight)
	}
	if res.VoterCount != 0 {
		t.Errorf("VoterCount = %d, want 0 (zero-weight ballot abstains)", res.VoterCount)
	}
	if res.Approved {
		t.Error("zero-weight approval cleared the threshold")
	}

	// The sovereign veto reads the tier, not the weight: a zero-weight
	// sovereign reject still vetoes.
	res = conviction.Compute([]conviction.Ballot{
		{Decision: conviction.DecisionApprove, Tier: conviction.TierSteward, Weight: weight(15)},
		{Decision: conviction.DecisionReject, Tier: conviction.TierSovereign, Weight: weight(0)},
	}, 10, nil)
	if !res.HasSovereignVeto || !res.Rejected {
		t.Errorf("zero-weight sovereign reject did not veto: %+v", res)
	}
	if res.Approved {
		t.Error("vetoed amendment still approved")
	}
}

func TestCompute_empty(t *testing.T) {
	res := conviction.Compute(nil, 20, nil)
	if res.Approved || res.Rejected || res.VoterCount != 0 {
		t.Errorf("empty ballot set: %+v", res)
	}
}
