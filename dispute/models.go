package dispute

import "time"

// Status represents the lifecycle position of a dispute.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReviewing Status = "reviewing"
	StatusVoting    Status = "voting"
	StatusEscalated Status = "escalated"
	StatusResolved  Status = "resolved"
	StatusAppealed  Status = "appealed"
	StatusClosed    Status = "closed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// Tier is the escalation level that decides the dispute.
type Tier string

const (
	TierAutomated Tier = "automated"
	TierCommunity Tier = "community"
	TierCreator   Tier = "creator"
	TierCouncil   Tier = "council"
)

var tierOrder = []Tier{TierAutomated, TierCommunity, TierCreator, TierCouncil}

// NextTier returns the tier one level up, or false at council which is final.
func NextTier(t Tier) (Tier, bool) {
	for i, cur := range tierOrder {
		if cur == t && i+1 < len(tierOrder) {
			return tierOrder[i+1], true
		}
	}
	return "", false
}

// AppealTier maps a decision's deciding tier to the tier an appeal reopens at:
// automated decisions are re-heard by the community, community decisions go to
// the council. Council decisions are final.
func AppealTier(decidedBy Tier) (Tier, bool) {
	switch decidedBy {
	case TierAutomated:
		return TierCommunity, true
	case TierCommunity, TierCreator:
		return TierCouncil, true
	default:
		return "", false
	}
}

func ValidTier(t Tier) bool {
	return TierRank(t) >= 0
}

// TierRank orders tiers for monotonicity checks.
func TierRank(t Tier) int {
	for i, cur := range tierOrder {
		if cur == t {
			return i
		}
	}
	return -1
}

type Category string

const (
	CategoryMilestoneContest Category = "milestone_contest"
	CategoryOracleConflict   Category = "oracle_conflict"
	CategoryFraudClaim       Category = "fraud_claim"
	CategoryFundsMisuse      Category = "funds_misuse"
)

func ValidCategory(c Category) bool {
	switch c {
	case CategoryMilestoneContest, CategoryOracleConflict, CategoryFraudClaim, CategoryFundsMisuse:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Dispute mirrors the disputes table.
type Dispute struct {
	ID                  string
	CampaignID          string
	PledgeIDs           []string
	MilestoneID         *string
	Category            Category
	Title               string
	Description         string
	Priority            Priority
	RaisedBy            string
	RaisedAt            time.Time
	Status              Status
	CurrentTier         Tier
	ConsensusPercent    *float64
	VotingStartedAt     *time.Time
	VotingEndsAt        *time.Time
	TotalEscrowedAmount int64
	AffectedBackerCount int
	DeliveryDegraded    bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Outbox topics published when a dispute crosses the process boundary.
const (
	OutboxTopicDisputeOpened = "dispute.opened"
	OutboxTopicDisputeClosed = "dispute.closed"
)
