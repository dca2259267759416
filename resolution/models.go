package resolution

import (
	"time"

	"disputeflow/dispute"
	"disputeflow/voting"
)

// Outcome is the binding decision direction.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
	OutcomePartial Outcome = "partial"
)

// Decision mirrors the decisions table. A dispute holds at most one current
// decision; a decision superseded by an appeal stays for audit with
// SupersededAt set.
type Decision struct {
	ID             string
	DisputeID      string
	Outcome        Outcome
	ReleasePercent int
	RefundPercent  int
	DecidedBy      dispute.Tier
	Rationale      string
	EvidenceIDs    []string
	Tally          *voting.Tally
	Appealable     bool
	AppealDeadline *time.Time
	SupersededAt   *time.Time
	CreatedAt      time.Time
}

// Draft is a computed but not yet recorded decision.
type Draft struct {
	Outcome        Outcome
	ReleasePercent int
	RefundPercent  int
	Rationale      string
}

// OutboxTopicDisputeDecided is published to the escrow collaborator, which
// owns the actual fund split.
const OutboxTopicDisputeDecided = "dispute.decided"
