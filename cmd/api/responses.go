package main

import (
	"encoding/json"
	"time"

	"disputeflow/dispute"
	"disputeflow/evidence"
	"disputeflow/oracle"
	"disputeflow/resolution"
	"disputeflow/timeline"
	"disputeflow/voting"
)

type userResponse struct {
	ID       string  `json:"id"`
	Email    string  `json:"email"`
	FullName string  `json:"fullName"`
	Address  *string `json:"address,omitempty"`
	Role     string  `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type disputeResponse struct {
	ID                  string            `json:"id"`
	CampaignID          string            `json:"campaignId"`
	PledgeIDs           []string          `json:"pledgeIds,omitempty"`
	MilestoneID         *string           `json:"milestoneId,omitempty"`
	Category            string            `json:"category"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	Priority            string            `json:"priority"`
	RaisedBy            string            `json:"raisedBy"`
	RaisedAt            string            `json:"raisedAt"`
	Status              string            `json:"status"`
	CurrentTier         string            `json:"currentTier"`
	ConsensusPercent    *float64          `json:"consensusPercent,omitempty"`
	VotingStartedAt     *string           `json:"votingStartedAt,omitempty"`
	VotingEndsAt        *string           `json:"votingEndsAt,omitempty"`
	TotalEscrowedAmount int64             `json:"totalEscrowedAmount"`
	AffectedBackerCount int               `json:"affectedBackerCount"`
	DeliveryDegraded    bool              `json:"deliveryDegraded"`
	Decision            *decisionResponse `json:"decision,omitempty"`
	CreatedAt           string            `json:"createdAt"`
	UpdatedAt           string            `json:"updatedAt"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	return disputeResponse{
		ID:                  d.ID,
		CampaignID:          d.CampaignID,
		PledgeIDs:           d.PledgeIDs,
		MilestoneID:         d.MilestoneID,
		Category:            string(d.Category),
		Title:               d.Title,
		Description:         d.Description,
		Priority:            string(d.Priority),
		RaisedBy:            d.RaisedBy,
		RaisedAt:            d.RaisedAt.Format(time.RFC3339),
		Status:              string(d.Status),
		CurrentTier:         string(d.CurrentTier),
		ConsensusPercent:    d.ConsensusPercent,
		VotingStartedAt:     formatTimePtr(d.VotingStartedAt),
		VotingEndsAt:        formatTimePtr(d.VotingEndsAt),
		TotalEscrowedAmount: d.TotalEscrowedAmount,
		AffectedBackerCount: d.AffectedBackerCount,
		DeliveryDegraded:    d.DeliveryDegraded,
		CreatedAt:           d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           d.UpdatedAt.Format(time.RFC3339),
	}
}

type evidenceResponse struct {
	ID            string  `json:"id"`
	DisputeID     string  `json:"disputeId"`
	SubmittedBy   string  `json:"submittedBy"`
	Kind          string  `json:"kind"`
	Content       string  `json:"content"`
	ContentSHA256 string  `json:"contentSha256"`
	Verified      bool    `json:"verified"`
	VerifiedBy    *string `json:"verifiedBy,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

func toEvidenceResponse(e evidence.Evidence) evidenceResponse {
	return evidenceResponse{
		ID:            e.ID,
		DisputeID:     e.DisputeID,
		SubmittedBy:   e.SubmittedBy,
		Kind:          string(e.Kind),
		Content:       e.Content,
		ContentSHA256: e.ContentSHA256,
		Verified:      e.Verified,
		VerifiedBy:    e.VerifiedBy,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

type voteResponse struct {
	ID             string   `json:"id"`
	DisputeID      string   `json:"disputeId"`
	Voter          string   `json:"voter"`
	VotingPower    int64    `json:"votingPower"`
	Choice         string   `json:"choice"`
	PartialPercent *float64 `json:"partialPercent,omitempty"`
	Reason         *string  `json:"reason,omitempty"`
	CreatedAt      string   `json:"createdAt"`
}

func toVoteResponse(v voting.Vote) voteResponse {
	return voteResponse{
		ID:             v.ID,
		DisputeID:      v.DisputeID,
		Voter:          v.Voter,
		VotingPower:    v.VotingPower,
		Choice:         string(v.Choice),
		PartialPercent: v.PartialPercent,
		Reason:         v.Reason,
		CreatedAt:      v.CreatedAt.Format(time.RFC3339),
	}
}

type decisionResponse struct {
	ID             string        `json:"id"`
	DisputeID      string        `json:"disputeId"`
	Outcome        string        `json:"outcome"`
	ReleasePercent int           `json:"releasePercent"`
	RefundPercent  int           `json:"refundPercent"`
	DecidedBy      string        `json:"decidedBy"`
	Rationale      string        `json:"rationale"`
	EvidenceIDs    []string      `json:"evidenceIds,omitempty"`
	Tally          *voting.Tally `json:"tally,omitempty"`
	Appealable     bool          `json:"appealable"`
	AppealDeadline *string       `json:"appealDeadline,omitempty"`
	CreatedAt      string        `json:"createdAt"`
}

func toDecisionResponse(d resolution.Decision) decisionResponse {
	return decisionResponse{
		ID:             d.ID,
		DisputeID:      d.DisputeID,
		Outcome:        string(d.Outcome),
		ReleasePercent: d.ReleasePercent,
		RefundPercent:  d.RefundPercent,
		DecidedBy:      string(d.DecidedBy),
		Rationale:      d.Rationale,
		EvidenceIDs:    d.EvidenceIDs,
		Tally:          d.Tally,
		Appealable:     d.Appealable,
		AppealDeadline: formatTimePtr(d.AppealDeadline),
		CreatedAt:      d.CreatedAt.Format(time.RFC3339),
	}
}

type eventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Actor     *string         `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

func toEventResponse(e timeline.Event) eventResponse {
	return eventResponse{
		Seq:       e.Seq,
		Type:      e.Type,
		Actor:     e.Actor,
		Payload:   json.RawMessage(e.Payload),
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

func oracleResponseFromRequest(r oracleRequest) oracle.Response {
	return oracle.Response{
		OracleID:  r.OracleID,
		Success:   r.Success,
		Data:      r.Data,
		Timestamp: r.Timestamp,
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
