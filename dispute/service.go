package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the service needs from the repository.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	UpdateTier(ctx context.Context, tx pgx.Tx, id string, tier Tier) error
	ClearVotingWindow(ctx context.Context, tx pgx.Tx, id string) error
	List(ctx context.Context, filters Filters) ([]Dispute, error)
}

// TimelineWriter appends audit events inside the service's transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, disputeID, eventType string, actor *string, payload map[string]any) error
}

// OutboxWriter enqueues messages for external collaborators inside the
// service's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Feed re-publishes committed events to the external notification feed.
// Implementations must be fire-and-forget: never block on the dispute lock,
// never fail the caller.
type Feed interface {
	Publish(ctx context.Context, disputeID string, event map[string]any)
}

// Service owns the dispute lifecycle; it is the single source of truth for
// status.
type Service struct {
	pool     TxBeginner
	repo     Store
	timeline TimelineWriter
	outbox   OutboxWriter
	feed     Feed
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Store, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		timeline: timeline,
		outbox:   outbox,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

// WithFeed attaches the optional outbound event feed.
func (s *Service) WithFeed(feed Feed) *Service {
	s.feed = feed
	return s
}

type CreateParams struct {
	CampaignID          string
	PledgeIDs           []string
	MilestoneID         *string
	Category            Category
	Title               string
	Description         string
	Priority            Priority
	RaisedBy            string
	Tier                Tier
	ConsensusPercent    *float64
	TotalEscrowedAmount int64
	AffectedBackerCount int
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Dispute, error) {
	if params.CampaignID == "" {
		return Dispute{}, fmt.Errorf("dispute: campaign id required")
	}
	if len(params.PledgeIDs) == 0 && params.MilestoneID == nil {
		return Dispute{}, fmt.Errorf("dispute: pledge ids or milestone id required")
	}
	if params.Title == "" {
		return Dispute{}, fmt.Errorf("dispute: title required")
	}
	if params.RaisedBy == "" {
		return Dispute{}, fmt.Errorf("dispute: raised_by required")
	}
	if !ValidCategory(params.Category) {
		return Dispute{}, fmt.Errorf("dispute: invalid category %q", params.Category)
	}
	if params.Priority == "" {
		params.Priority = PriorityNormal
	}
	if !ValidPriority(params.Priority) {
		return Dispute{}, fmt.Errorf("dispute: invalid priority %q", params.Priority)
	}
	if params.TotalEscrowedAmount < 0 {
		return Dispute{}, fmt.Errorf("dispute: negative escrowed amount")
	}
	if params.Tier == "" {
		params.Tier = TierCreator
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.Insert(ctx, tx, InsertParams{
		ID:                  s.idGen(),
		CampaignID:          params.CampaignID,
		PledgeIDs:           params.PledgeIDs,
		MilestoneID:         params.MilestoneID,
		Category:            params.Category,
		Title:               params.Title,
		Description:         params.Description,
		Priority:            params.Priority,
		RaisedBy:            params.RaisedBy,
		Tier:                params.Tier,
		ConsensusPercent:    params.ConsensusPercent,
		TotalEscrowedAmount: params.TotalEscrowedAmount,
		AffectedBackerCount: params.AffectedBackerCount,
	})
	if err != nil {
		return Dispute{}, err
	}

	actor := params.RaisedBy
	eventPayload := map[string]any{
		"campaign_id": d.CampaignID,
		"category":    d.Category,
		"priority":    d.Priority,
		"tier":        d.CurrentTier,
	}
	if d.ConsensusPercent != nil {
		eventPayload["consensus_percent"] = *d.ConsensusPercent
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "dispute_opened", &actor, eventPayload); err != nil {
		return Dispute{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicDisputeOpened, map[string]any{
		"dispute_id":  d.ID,
		"campaign_id": d.CampaignID,
		"category":    d.Category,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit create: %w", err)
	}

	s.publish(ctx, d.ID, map[string]any{"type": "dispute_opened", "category": d.Category})
	return d, nil
}

func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) ([]Dispute, error) {
	return s.repo.List(ctx, filters)
}

type TransitionParams struct {
	DisputeID string
	Next      Status
	Actor     string
	Reason    string
	Payload   map[string]any
}

// Transition validates and applies a status change, appending the audit event
// in the same transaction. Invalid transitions leave the row untouched.
func (s *Service) Transition(ctx context.Context, params TransitionParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.LockForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return err
	}
	if d.Status == StatusClosed && params.Next == StatusClosed {
		return nil
	}
	if !CanTransition(d.Status, params.Next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, params.Next)
	}

	if err := s.repo.UpdateStatus(ctx, tx, d.ID, params.Next); err != nil {
		return err
	}

	payload := map[string]any{
		"previous_status": d.Status,
		"next_status":     params.Next,
	}
	if params.Reason != "" {
		payload["reason"] = params.Reason
	}
	for k, v := range params.Payload {
		payload[k] = v
	}
	var actor *string
	if params.Actor != "" {
		actor = &params.Actor
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "status_changed", actor, payload); err != nil {
		return err
	}

	if params.Next == StatusClosed {
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicDisputeClosed, map[string]any{
			"dispute_id": d.ID,
			"reason":     params.Reason,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit transition: %w", err)
	}

	s.publish(ctx, d.ID, map[string]any{"type": "status_changed", "previous": d.Status, "next": params.Next})
	return nil
}

type EscalateParams struct {
	DisputeID string
	Tier      Tier
	Reason    string
	Actor     string
	// ToStatus optionally moves the status in the same transaction; the
	// change is validated against the state machine.
	ToStatus *Status
}

// Escalate advances the tier and records a tier_escalated event carrying the
// triggering reason. Escalation never fails silently.
func (s *Service) Escalate(ctx context.Context, params EscalateParams) error {
	if params.Reason == "" {
		return fmt.Errorf("dispute: escalation reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin escalate: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.LockForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return ErrClosed
	}

	if err := s.repo.UpdateTier(ctx, tx, d.ID, params.Tier); err != nil {
		return err
	}
	if params.ToStatus != nil && *params.ToStatus != d.Status {
		if !CanTransition(d.Status, *params.ToStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, *params.ToStatus)
		}
		if err := s.repo.UpdateStatus(ctx, tx, d.ID, *params.ToStatus); err != nil {
			return err
		}
	}

	var actor *string
	if params.Actor != "" {
		actor = &params.Actor
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "tier_escalated", actor, map[string]any{
		"from_tier": d.CurrentTier,
		"to_tier":   params.Tier,
		"reason":    params.Reason,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit escalate: %w", err)
	}

	s.publish(ctx, d.ID, map[string]any{"type": "tier_escalated", "to_tier": params.Tier, "reason": params.Reason})
	return nil
}

// ForceClose is the administrative override: it closes the dispute from any
// non-terminal state, cancelling an in-flight voting window.
func (s *Service) ForceClose(ctx context.Context, id, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin force close: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.LockForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if d.Status == StatusClosed {
		return nil
	}

	if err := s.repo.UpdateStatus(ctx, tx, d.ID, StatusClosed); err != nil {
		return err
	}
	if d.Status == StatusVoting {
		if err := s.repo.ClearVotingWindow(ctx, tx, d.ID); err != nil {
			return err
		}
	}

	actorPtr := &actor
	if actor == "" {
		actorPtr = nil
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "status_changed", actorPtr, map[string]any{
		"previous_status": d.Status,
		"next_status":     StatusClosed,
		"reason":          "administrative_override",
	}); err != nil {
		return err
	}

	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicDisputeClosed, map[string]any{
		"dispute_id": d.ID,
		"reason":     "administrative_override",
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit force close: %w", err)
	}

	s.publish(ctx, d.ID, map[string]any{"type": "status_changed", "next": StatusClosed, "reason": "administrative_override"})
	return nil
}

func (s *Service) publish(ctx context.Context, disputeID string, event map[string]any) {
	if s.feed != nil {
		s.feed.Publish(ctx, disputeID, event)
	}
}
