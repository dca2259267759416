package voting

import "time"

// Choice is a voter's selected outcome.
type Choice string

const (
	ChoiceRelease Choice = "release"
	ChoiceRefund  Choice = "refund"
	ChoicePartial Choice = "partial"
	ChoiceAbstain Choice = "abstain"
)

func ValidChoice(c Choice) bool {
	switch c {
	case ChoiceRelease, ChoiceRefund, ChoicePartial, ChoiceAbstain:
		return true
	default:
		return false
	}
}

// Vote mirrors the votes table. A vote is created once per (dispute, voter)
// and never overwritten.
type Vote struct {
	ID             string
	DisputeID      string
	Voter          string
	VotingPower    int64
	Choice         Choice
	PartialPercent *float64
	Reason         *string
	Signature      []byte
	CreatedAt      time.Time
}

// Voter is one entry of the eligibility snapshot taken when voting opens.
type Voter struct {
	Address string
	Weight  int64
}

// Tally is derived from the votes that produced it and is never persisted on
// its own; the deciding tally is frozen as JSON onto the decision row.
type Tally struct {
	TotalEligibleWeight int64   `json:"totalEligibleWeight"`
	ParticipatedWeight  int64   `json:"participatedWeight"`
	AbstainWeight       int64   `json:"abstainWeight"`
	ReleaseWeight       int64   `json:"releaseWeight"`
	RefundWeight        int64   `json:"refundWeight"`
	PartialWeight       int64   `json:"partialWeight"`
	VoterCount          int     `json:"voterCount"`
	QuorumReached       bool    `json:"quorumReached"`
	ConsensusReached    bool    `json:"consensusReached"`
	LeadingOption       Choice  `json:"leadingOption"`
	LeadingPercent      float64 `json:"leadingPercent"`
	// PartialReleasePercent is the weight-weighted mean of partialPercent
	// across partial voters, rounded half-up.
	PartialReleasePercent int `json:"partialReleasePercent"`
}
