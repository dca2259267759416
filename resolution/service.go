package resolution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"disputeflow/dispute"
	"disputeflow/voting"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the service needs from the repository.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Decision, error)
	SupersedeCurrent(ctx context.Context, tx pgx.Tx, disputeID string) error
	Current(ctx context.Context, disputeID string) (Decision, error)
	CurrentTx(ctx context.Context, tx pgx.Tx, disputeID string) (Decision, error)
	ListByDispute(ctx context.Context, disputeID string) ([]Decision, error)
}

// DisputeStore is the slice of the dispute repository the service needs: the
// row lock serializes decisions against votes and status changes.
type DisputeStore interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Dispute, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status dispute.Status) error
	ClearVotingWindow(ctx context.Context, tx pgx.Tx, id string) error
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
type Feed interface {
	Publish(ctx context.Context, disputeID string, event map[string]any)
}

// Service records binding decisions. Fund movement itself belongs to the
// escrow collaborator, reached through the outbox.
type Service struct {
	pool         TxBeginner
	repo         Store
	disputes     DisputeStore
	timeline     TimelineWriter
	outbox       OutboxWriter
	feed         Feed
	appealWindow time.Duration
	idGen        func() string
	now          func() time.Time
}

func NewService(pool TxBeginner, repo Store, disputes DisputeStore, timeline TimelineWriter, outbox OutboxWriter, appealWindow time.Duration) *Service {
	return &Service{
		pool:         pool,
		repo:         repo,
		disputes:     disputes,
		timeline:     timeline,
		outbox:       outbox,
		appealWindow: appealWindow,
		idGen:        func() string { return uuid.NewString() },
		now:          time.Now,
	}
}

// WithFeed attaches the optional outbound event feed.
func (s *Service) WithFeed(feed Feed) *Service {
	s.feed = feed
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type RecordParams struct {
	DisputeID   string
	Draft       Draft
	DecidedBy   dispute.Tier
	EvidenceIDs []string
	Tally       *voting.Tally
	Actor       string
}

// Record writes the decision and moves the dispute to resolved in one
// transaction. A prior decision (an appealed one) is superseded, never
// overwritten. Council decisions are final and carry no appeal window.
func (s *Service) Record(ctx context.Context, params RecordParams) (Decision, error) {
	if params.Draft.ReleasePercent+params.Draft.RefundPercent != 100 ||
		params.Draft.ReleasePercent < 0 || params.Draft.RefundPercent < 0 {
		return Decision{}, ErrInvalidSplit
	}
	if !dispute.ValidTier(params.DecidedBy) {
		return Decision{}, fmt.Errorf("resolution: invalid deciding tier %q", params.DecidedBy)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("resolution: begin record: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.disputes.LockForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Decision{}, err
	}
	if d.Status.Terminal() {
		return Decision{}, dispute.ErrClosed
	}
	if !dispute.CanTransition(d.Status, dispute.StatusResolved) {
		return Decision{}, fmt.Errorf("%w: %s -> %s", dispute.ErrInvalidTransition, d.Status, dispute.StatusResolved)
	}

	// A prior decision exists only on the appeal path; it is superseded,
	// never overwritten, and the audit event names it.
	var supersededID string
	prior, err := s.repo.CurrentTx(ctx, tx, d.ID)
	switch {
	case err == nil:
		supersededID = prior.ID
		if err := s.repo.SupersedeCurrent(ctx, tx, d.ID); err != nil {
			return Decision{}, err
		}
	case errors.Is(err, ErrNoDecision):
	default:
		return Decision{}, err
	}

	appealable := params.DecidedBy != dispute.TierCouncil
	var appealDeadline *time.Time
	if appealable {
		deadline := s.now().Add(s.appealWindow)
		appealDeadline = &deadline
	}

	dec, err := s.repo.Insert(ctx, tx, InsertParams{
		ID:             s.idGen(),
		DisputeID:      d.ID,
		Outcome:        params.Draft.Outcome,
		ReleasePercent: params.Draft.ReleasePercent,
		RefundPercent:  params.Draft.RefundPercent,
		DecidedBy:      params.DecidedBy,
		Rationale:      params.Draft.Rationale,
		EvidenceIDs:    params.EvidenceIDs,
		Tally:          params.Tally,
		Appealable:     appealable,
		AppealDeadline: appealDeadline,
	})
	if err != nil {
		return Decision{}, err
	}

	if err := s.disputes.UpdateStatus(ctx, tx, d.ID, dispute.StatusResolved); err != nil {
		return Decision{}, err
	}
	if d.Status == dispute.StatusVoting {
		if err := s.disputes.ClearVotingWindow(ctx, tx, d.ID); err != nil {
			return Decision{}, err
		}
	}

	var actor *string
	if params.Actor != "" {
		actor = &params.Actor
	}
	eventPayload := map[string]any{
		"decision_id":     dec.ID,
		"outcome":         dec.Outcome,
		"release_percent": dec.ReleasePercent,
		"refund_percent":  dec.RefundPercent,
		"decided_by":      dec.DecidedBy,
		"appealable":      dec.Appealable,
	}
	if supersededID != "" {
		eventPayload["superseded_decision_id"] = supersededID
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "decision_recorded", actor, eventPayload); err != nil {
		return Decision{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicDisputeDecided, map[string]any{
		"dispute_id":      d.ID,
		"decision_id":     dec.ID,
		"outcome":         dec.Outcome,
		"release_percent": dec.ReleasePercent,
		"refund_percent":  dec.RefundPercent,
	}); err != nil {
		return Decision{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Decision{}, fmt.Errorf("resolution: commit record: %w", err)
	}

	if s.feed != nil {
		s.feed.Publish(ctx, d.ID, map[string]any{
			"type":            "decision_recorded",
			"outcome":         dec.Outcome,
			"release_percent": dec.ReleasePercent,
		})
	}
	return dec, nil
}

// Current returns the decision in force for a dispute.
func (s *Service) Current(ctx context.Context, disputeID string) (Decision, error) {
	return s.repo.Current(ctx, disputeID)
}

// History returns every decision ever recorded, superseded ones included.
func (s *Service) History(ctx context.Context, disputeID string) ([]Decision, error) {
	return s.repo.ListByDispute(ctx, disputeID)
}
