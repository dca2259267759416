package resolution

import (
	"errors"
	"fmt"
	"time"

	"disputeflow/dispute"
	"disputeflow/voting"
)

var (
	// ErrInvalidSplit signals percentages that do not form a valid decision.
	ErrInvalidSplit = errors.New("resolution: release and refund percent must sum to 100")
	// ErrNotAppealable signals an appeal outside the window or of a council
	// decision.
	ErrNotAppealable = errors.New("resolution: not appealable")
	// ErrInconclusiveTally signals a tally without quorum or consensus; it is
	// never surfaced to callers and triggers escalation instead.
	ErrInconclusiveTally = errors.New("resolution: inconclusive tally")
	// ErrNoDecision signals a dispute without a current decision.
	ErrNoDecision = errors.New("resolution: no current decision")
)

// FromOracle computes the automated-tier decision: full release when the
// oracles agree the milestone completed, full refund otherwise.
func FromOracle(completed bool) Draft {
	if completed {
		return Draft{
			Outcome:        OutcomeRelease,
			ReleasePercent: 100,
			Rationale:      "oracle consensus: milestone completed",
		}
	}
	return Draft{
		Outcome:        OutcomeRefund,
		RefundPercent:  100,
		Rationale:      "oracle consensus: milestone not completed",
	}
}

// FromTally converts a closed, quorum-satisfying tally into a decision. A
// partial outcome uses the weight-weighted mean of the partial percents.
func FromTally(t voting.Tally) (Draft, error) {
	if !t.QuorumReached || !t.ConsensusReached {
		return Draft{}, ErrInconclusiveTally
	}
	switch t.LeadingOption {
	case voting.ChoiceRelease:
		return Draft{
			Outcome:        OutcomeRelease,
			ReleasePercent: 100,
			Rationale:      fmt.Sprintf("community vote: release with %.1f%% of cast weight", t.LeadingPercent),
		}, nil
	case voting.ChoiceRefund:
		return Draft{
			Outcome:       OutcomeRefund,
			RefundPercent: 100,
			Rationale:     fmt.Sprintf("community vote: refund with %.1f%% of cast weight", t.LeadingPercent),
		}, nil
	case voting.ChoicePartial:
		release := t.PartialReleasePercent
		if release < 0 || release > 100 {
			return Draft{}, ErrInvalidSplit
		}
		return Draft{
			Outcome:        OutcomePartial,
			ReleasePercent: release,
			RefundPercent:  100 - release,
			Rationale:      fmt.Sprintf("community vote: weighted partial release of %d%%", release),
		}, nil
	default:
		return Draft{}, ErrInconclusiveTally
	}
}

// Manual validates a council or creator ruling the same way vote-driven
// decisions are validated.
func Manual(outcome Outcome, releasePercent int, rationale string) (Draft, error) {
	if releasePercent < 0 || releasePercent > 100 {
		return Draft{}, ErrInvalidSplit
	}
	switch outcome {
	case OutcomeRelease:
		if releasePercent != 100 {
			return Draft{}, ErrInvalidSplit
		}
	case OutcomeRefund:
		if releasePercent != 0 {
			return Draft{}, ErrInvalidSplit
		}
	case OutcomePartial:
	default:
		return Draft{}, fmt.Errorf("resolution: invalid outcome %q", outcome)
	}
	return Draft{
		Outcome:        outcome,
		ReleasePercent: releasePercent,
		RefundPercent:  100 - releasePercent,
		Rationale:      rationale,
	}, nil
}

// ValidateAppeal checks a decision against the appeal rules: within the
// window and not decided by the council.
func ValidateAppeal(dec Decision, now time.Time) error {
	if !dec.Appealable || dec.DecidedBy == dispute.TierCouncil {
		return ErrNotAppealable
	}
	if dec.AppealDeadline == nil || now.After(*dec.AppealDeadline) {
		return ErrNotAppealable
	}
	return nil
}
