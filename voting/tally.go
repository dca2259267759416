package voting

import "math"

// Compute derives the tally for a set of cast votes against the eligibility
// snapshot total. Abstain weight counts toward quorum participation but not
// toward the leading option; consensus requires a strict majority of
// non-abstaining weight, so an exact 50% split never reaches consensus.
func Compute(votes []Vote, totalEligibleWeight int64, quorumPercent float64) Tally {
	t := Tally{TotalEligibleWeight: totalEligibleWeight}

	var partialWeighted float64
	for _, v := range votes {
		t.ParticipatedWeight += v.VotingPower
		t.VoterCount++
		switch v.Choice {
		case ChoiceRelease:
			t.ReleaseWeight += v.VotingPower
		case ChoiceRefund:
			t.RefundWeight += v.VotingPower
		case ChoicePartial:
			t.PartialWeight += v.VotingPower
			if v.PartialPercent != nil {
				partialWeighted += float64(v.VotingPower) * *v.PartialPercent
			}
		case ChoiceAbstain:
			t.AbstainWeight += v.VotingPower
		}
	}

	if totalEligibleWeight > 0 {
		participation := float64(t.ParticipatedWeight) / float64(totalEligibleWeight) * 100
		t.QuorumReached = participation >= quorumPercent
	}

	castWeight := t.ParticipatedWeight - t.AbstainWeight
	leading, leadingWeight := leadingOption(t)
	t.LeadingOption = leading
	if castWeight > 0 && leadingWeight > 0 {
		t.LeadingPercent = float64(leadingWeight) / float64(castWeight) * 100
		t.ConsensusReached = t.LeadingPercent > 50
	}

	if t.PartialWeight > 0 {
		t.PartialReleasePercent = int(math.Floor(partialWeighted/float64(t.PartialWeight) + 0.5))
	}

	return t
}

// leadingOption picks the heaviest non-abstain option. On an exact weight tie
// the first option in release, refund, partial order is reported; consensus
// stays false in that case because the leading share cannot exceed 50%.
func leadingOption(t Tally) (Choice, int64) {
	leading, weight := ChoiceRelease, t.ReleaseWeight
	if t.RefundWeight > weight {
		leading, weight = ChoiceRefund, t.RefundWeight
	}
	if t.PartialWeight > weight {
		leading, weight = ChoicePartial, t.PartialWeight
	}
	return leading, weight
}
