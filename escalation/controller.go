package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"disputeflow/dispute"
	"disputeflow/evidence"
	"disputeflow/oracle"
	"disputeflow/resolution"
	"disputeflow/voting"
)

var (
	// ErrCouncilFinal signals an attempt to escalate past the council tier.
	ErrCouncilFinal = errors.New("escalation: council tier is final")
	// ErrWrongTier signals a manual ruling from a tier the dispute is not at.
	ErrWrongTier = errors.New("escalation: dispute not at ruling tier")
)

// DisputeService is the slice of the dispute service the controller drives.
type DisputeService interface {
	Create(ctx context.Context, params dispute.CreateParams) (dispute.Dispute, error)
	Get(ctx context.Context, id string) (dispute.Dispute, error)
	Transition(ctx context.Context, params dispute.TransitionParams) error
	Escalate(ctx context.Context, params dispute.EscalateParams) error
}

// VotingService opens windows, accepts ballots and computes tallies.
type VotingService interface {
	Open(ctx context.Context, params voting.OpenParams) error
	Cast(ctx context.Context, params voting.CastParams) (voting.Vote, error)
	Tally(ctx context.Context, disputeID string) (voting.Tally, error)
	AllVotesIn(ctx context.Context, disputeID string) (bool, error)
}

// ResolutionService records binding decisions.
type ResolutionService interface {
	Record(ctx context.Context, params resolution.RecordParams) (resolution.Decision, error)
	Current(ctx context.Context, disputeID string) (resolution.Decision, error)
}

// EvidenceService stores supporting material attached at open time.
type EvidenceService interface {
	Submit(ctx context.Context, params evidence.SubmitParams) (evidence.Evidence, error)
}

// Registry reads the pledge ledger: who backed what, and with how much.
type Registry interface {
	EligibleVoters(ctx context.Context, campaignID string, pledgeIDs []string) (map[string]int64, error)
	Stake(ctx context.Context, campaignID string, pledgeIDs []string) (total int64, backers int, err error)
}

// Controller ties the services into the tiered escalation path.
type Controller struct {
	disputes   DisputeService
	voting     VotingService
	resolution ResolutionService
	evidence   EvidenceService
	registry   Registry
	rules      Rules
	now        func() time.Time
	logf       func(format string, args ...any)
}

func NewController(disputes DisputeService, votes VotingService, decisions ResolutionService, ev EvidenceService, registry Registry, rules Rules) *Controller {
	return &Controller{
		disputes:   disputes,
		voting:     votes,
		resolution: decisions,
		evidence:   ev,
		registry:   registry,
		rules:      rules,
		now:        time.Now,
		logf:       log.Printf,
	}
}

// WithClock overrides the time source, for tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// WithLogger overrides the sweep/controller log sink, for tests.
func (c *Controller) WithLogger(logf func(string, ...any)) *Controller {
	c.logf = logf
	return c
}

type InitialEvidence struct {
	Kind    evidence.Kind
	Content string
}

type OpenParams struct {
	CampaignID  string
	PledgeIDs   []string
	MilestoneID *string
	Category    dispute.Category
	Title       string
	Description string
	Priority    dispute.Priority
	RaisedBy    string
	// OracleResponses drive the initial tier classification. Empty for
	// categories with no oracle signal (fraud claims).
	OracleResponses []oracle.Response
	Evidence        []InitialEvidence
}

// Open creates a dispute, attaches the initial evidence and routes it to its
// starting tier: strong oracle consensus auto-resolves, moderate consensus
// opens a community vote, weak or absent consensus goes to the creator.
func (c *Controller) Open(ctx context.Context, params OpenParams) (dispute.Dispute, error) {
	total, backers, err := c.registry.Stake(ctx, params.CampaignID, params.PledgeIDs)
	if err != nil {
		return dispute.Dispute{}, err
	}

	var consensusPercent *float64
	completed := false
	if len(params.OracleResponses) > 0 {
		percent, done := oracle.Consensus(params.OracleResponses)
		consensusPercent = &percent
		completed = done
	}
	tier := c.classifyTier(consensusPercent)

	d, err := c.disputes.Create(ctx, dispute.CreateParams{
		CampaignID:          params.CampaignID,
		PledgeIDs:           params.PledgeIDs,
		MilestoneID:         params.MilestoneID,
		Category:            params.Category,
		Title:               params.Title,
		Description:         params.Description,
		Priority:            params.Priority,
		RaisedBy:            params.RaisedBy,
		Tier:                tier,
		ConsensusPercent:    consensusPercent,
		TotalEscrowedAmount: total,
		AffectedBackerCount: backers,
	})
	if err != nil {
		return dispute.Dispute{}, err
	}

	for _, ev := range params.Evidence {
		if _, err := c.evidence.Submit(ctx, evidence.SubmitParams{
			DisputeID:   d.ID,
			SubmittedBy: params.RaisedBy,
			Kind:        ev.Kind,
			Content:     ev.Content,
		}); err != nil {
			return dispute.Dispute{}, err
		}
	}

	if err := c.disputes.Transition(ctx, dispute.TransitionParams{
		DisputeID: d.ID,
		Next:      dispute.StatusReviewing,
		Actor:     "system",
	}); err != nil {
		return dispute.Dispute{}, err
	}

	switch tier {
	case dispute.TierAutomated:
		if _, err := c.resolution.Record(ctx, resolution.RecordParams{
			DisputeID: d.ID,
			Draft:     resolution.FromOracle(completed),
			DecidedBy: dispute.TierAutomated,
			Actor:     "system",
		}); err != nil {
			return dispute.Dispute{}, err
		}
	case dispute.TierCommunity:
		if err := c.openVoting(ctx, d); err != nil {
			return dispute.Dispute{}, err
		}
	}
	// TierCreator: stays in reviewing until the creator rules or the sweep
	// escalates on timeout.

	return c.disputes.Get(ctx, d.ID)
}

func (c *Controller) classifyTier(consensusPercent *float64) dispute.Tier {
	if consensusPercent == nil {
		return dispute.TierCreator
	}
	switch {
	case *consensusPercent >= c.rules.AutoResolveThreshold:
		return dispute.TierAutomated
	case *consensusPercent >= c.rules.CommunityVoteThreshold:
		return dispute.TierCommunity
	default:
		return dispute.TierCreator
	}
}

// openVoting snapshots the backer registry and opens the window. When no
// eligible weight exists the dispute skips the vote and goes to the creator.
func (c *Controller) openVoting(ctx context.Context, d dispute.Dispute) error {
	voters, err := c.registry.EligibleVoters(ctx, d.CampaignID, d.PledgeIDs)
	if err != nil {
		return err
	}
	err = c.voting.Open(ctx, voting.OpenParams{
		DisputeID: d.ID,
		Voters:    voters,
		Duration:  c.rules.VotingDuration,
		Actor:     "system",
	})
	if errors.Is(err, voting.ErrNoEligibleWeight) {
		return c.disputes.Escalate(ctx, dispute.EscalateParams{
			DisputeID: d.ID,
			Tier:      dispute.TierCreator,
			Reason:    "no_eligible_weight",
			Actor:     "system",
		})
	}
	return err
}

// Advance moves a dispute one tier up and records the triggering reason.
// Community escalations open a voting window; higher tiers wait for a manual
// ruling in the escalated state.
func (c *Controller) Advance(ctx context.Context, disputeID, reason string) error {
	d, err := c.disputes.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	next, ok := dispute.NextTier(d.CurrentTier)
	if !ok {
		return fmt.Errorf("%w: dispute %s", ErrCouncilFinal, disputeID)
	}

	if next == dispute.TierCommunity {
		if err := c.disputes.Escalate(ctx, dispute.EscalateParams{
			DisputeID: disputeID,
			Tier:      next,
			Reason:    reason,
			Actor:     "system",
		}); err != nil {
			return err
		}
		d, err = c.disputes.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		return c.openVoting(ctx, d)
	}

	toStatus := dispute.StatusEscalated
	return c.disputes.Escalate(ctx, dispute.EscalateParams{
		DisputeID: disputeID,
		Tier:      next,
		Reason:    reason,
		Actor:     "system",
		ToStatus:  &toStatus,
	})
}

// CastVote forwards the ballot and closes the vote early once every eligible
// voter has spoken and the outcome is already decisive.
func (c *Controller) CastVote(ctx context.Context, params voting.CastParams) (voting.Vote, error) {
	v, err := c.voting.Cast(ctx, params)
	if err != nil {
		return voting.Vote{}, err
	}

	allIn, err := c.voting.AllVotesIn(ctx, params.DisputeID)
	if err != nil {
		c.logf("escalation: turnout check for %s: %v", params.DisputeID, err)
		return v, nil
	}
	if allIn {
		if err := c.closeVote(ctx, params.DisputeID); err != nil {
			c.logf("escalation: early close for %s: %v", params.DisputeID, err)
		}
	}
	return v, nil
}

// closeVote freezes the tally and either resolves from it or escalates.
func (c *Controller) closeVote(ctx context.Context, disputeID string) error {
	t, err := c.voting.Tally(ctx, disputeID)
	if err != nil {
		return err
	}
	if !t.QuorumReached {
		return c.Advance(ctx, disputeID, "quorum_failed")
	}
	if !t.ConsensusReached {
		return c.Advance(ctx, disputeID, "no_consensus")
	}

	draft, err := resolution.FromTally(t)
	if err != nil {
		return err
	}
	_, err = c.resolution.Record(ctx, resolution.RecordParams{
		DisputeID: disputeID,
		Draft:     draft,
		DecidedBy: dispute.TierCommunity,
		Tally:     &t,
		Actor:     "system",
	})
	return err
}

// Appeal reopens a resolved dispute one tier above the deciding one. Council
// decisions and lapsed windows are rejected.
func (c *Controller) Appeal(ctx context.Context, disputeID, actor string) error {
	d, err := c.disputes.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != dispute.StatusResolved {
		return fmt.Errorf("%w: %s -> %s", dispute.ErrInvalidTransition, d.Status, dispute.StatusAppealed)
	}

	dec, err := c.resolution.Current(ctx, disputeID)
	if err != nil {
		if errors.Is(err, resolution.ErrNoDecision) {
			return resolution.ErrNotAppealable
		}
		return err
	}
	if err := resolution.ValidateAppeal(dec, c.now()); err != nil {
		return err
	}
	next, ok := dispute.AppealTier(dec.DecidedBy)
	if !ok {
		return resolution.ErrNotAppealable
	}

	if err := c.disputes.Transition(ctx, dispute.TransitionParams{
		DisputeID: disputeID,
		Next:      dispute.StatusAppealed,
		Actor:     actor,
		Reason:    "appeal",
		Payload:   map[string]any{"appealed_decision_id": dec.ID},
	}); err != nil {
		return err
	}

	if next == dispute.TierCommunity {
		if err := c.disputes.Escalate(ctx, dispute.EscalateParams{
			DisputeID: disputeID,
			Tier:      next,
			Reason:    "appeal",
			Actor:     actor,
		}); err != nil {
			return err
		}
		d, err = c.disputes.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		return c.openVoting(ctx, d)
	}

	toStatus := dispute.StatusEscalated
	return c.disputes.Escalate(ctx, dispute.EscalateParams{
		DisputeID: disputeID,
		Tier:      next,
		Reason:    "appeal",
		Actor:     actor,
		ToStatus:  &toStatus,
	})
}

// Ruling records a manual decision by the creator or the council. The ruling
// tier must be the tier the dispute currently sits at, so a live community
// vote can never be overridden from outside.
func (c *Controller) Ruling(ctx context.Context, disputeID string, tier dispute.Tier, outcome resolution.Outcome, releasePercent int, rationale, actor string) (resolution.Decision, error) {
	if tier != dispute.TierCreator && tier != dispute.TierCouncil {
		return resolution.Decision{}, fmt.Errorf("escalation: tier %s cannot rule manually", tier)
	}
	d, err := c.disputes.Get(ctx, disputeID)
	if err != nil {
		return resolution.Decision{}, err
	}
	if d.CurrentTier != tier {
		return resolution.Decision{}, fmt.Errorf("%w: dispute at %s, ruling from %s", ErrWrongTier, d.CurrentTier, tier)
	}
	if d.Status == dispute.StatusVoting {
		return resolution.Decision{}, fmt.Errorf("%w: %s -> %s", dispute.ErrInvalidTransition, d.Status, dispute.StatusResolved)
	}
	draft, err := resolution.Manual(outcome, releasePercent, rationale)
	if err != nil {
		return resolution.Decision{}, err
	}
	return c.resolution.Record(ctx, resolution.RecordParams{
		DisputeID: disputeID,
		Draft:     draft,
		DecidedBy: tier,
		Actor:     actor,
	})
}
