package voting

import (
	"context"
	"fmt"
	"time"

	"disputeflow/dispute"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the repository surface the service depends on.
type Store interface {
	SnapshotVoters(ctx context.Context, tx pgx.Tx, disputeID string, voters map[string]int64) error
	VoterWeight(ctx context.Context, tx pgx.Tx, disputeID, address string) (int64, error)
	InsertVote(ctx context.Context, tx pgx.Tx, params InsertVoteParams) (Vote, error)
	ListVotes(ctx context.Context, disputeID string) ([]Vote, error)
	EligibleTotal(ctx context.Context, disputeID string) (int64, error)
	Turnout(ctx context.Context, disputeID string) (cast, eligible int, err error)
}

// DisputeStore is the dispute access the voting subsystem needs: the row lock
// plus the voting window columns it owns while a poll is open.
type DisputeStore interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Dispute, error)
	SetVotingWindow(ctx context.Context, tx pgx.Tx, id string, startedAt, endsAt time.Time) error
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, disputeID, eventType string, actor *string, payload map[string]any) error
}

// Service manages eligibility snapshots, vote casting, and tally computation.
type Service struct {
	pool          TxBeginner
	repo          Store
	disputes      DisputeStore
	timeline      TimelineWriter
	feed          dispute.Feed
	quorumPercent float64
	idGen         func() string
	now           func() time.Time
}

func NewService(pool TxBeginner, repo Store, disputes DisputeStore, timeline TimelineWriter, quorumPercent float64) *Service {
	return &Service{
		pool:          pool,
		repo:          repo,
		disputes:      disputes,
		timeline:      timeline,
		quorumPercent: quorumPercent,
		idGen:         func() string { return uuid.NewString() },
		now:           time.Now,
	}
}

func (s *Service) WithFeed(feed dispute.Feed) *Service {
	s.feed = feed
	return s
}

// WithClock overrides the service clock; used by tests and the stress harness.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type OpenParams struct {
	DisputeID string
	Voters    map[string]int64
	Duration  time.Duration
	Actor     string
}

// Open snapshots the eligible voters and starts the voting window. It rejects
// disputes whose state machine does not permit entering voting and snapshots
// with zero total weight.
func (s *Service) Open(ctx context.Context, params OpenParams) error {
	var total int64
	for _, w := range params.Voters {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return ErrNoEligibleWeight
	}
	if params.Duration <= 0 {
		return fmt.Errorf("voting: non-positive duration")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("voting: begin open: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.disputes.LockForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return err
	}
	if !dispute.CanTransition(d.Status, dispute.StatusVoting) {
		return fmt.Errorf("%w: %s -> %s", dispute.ErrInvalidTransition, d.Status, dispute.StatusVoting)
	}

	if err := s.repo.SnapshotVoters(ctx, tx, d.ID, params.Voters); err != nil {
		return err
	}

	startedAt := s.now()
	endsAt := startedAt.Add(params.Duration)
	if err := s.disputes.SetVotingWindow(ctx, tx, d.ID, startedAt, endsAt); err != nil {
		return err
	}

	var actor *string
	if params.Actor != "" {
		actor = &params.Actor
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "voting_opened", actor, map[string]any{
		"eligible_weight": total,
		"eligible_voters": len(params.Voters),
		"ends_at":         endsAt.UTC(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("voting: commit open: %w", err)
	}

	if s.feed != nil {
		s.feed.Publish(ctx, d.ID, map[string]any{"type": "voting_opened", "ends_at": endsAt.UTC()})
	}
	return nil
}

type CastParams struct {
	DisputeID      string
	Voter          string
	Choice         Choice
	PartialPercent *float64
	Reason         *string
	Signature      []byte
}

// Cast records one vote under the dispute row lock. A resubmission by the
// same voter is rejected, never overwritten.
func (s *Service) Cast(ctx context.Context, params CastParams) (Vote, error) {
	if !ValidChoice(params.Choice) {
		return Vote{}, fmt.Errorf("%w: %q", ErrInvalidChoice, params.Choice)
	}
	if params.Choice == ChoicePartial {
		if params.PartialPercent == nil || *params.PartialPercent < 0 || *params.PartialPercent > 100 {
			return Vote{}, ErrInvalidPartialPercent
		}
	} else if params.PartialPercent != nil {
		return Vote{}, ErrInvalidPartialPercent
	}
	if params.Voter == "" {
		return Vote{}, fmt.Errorf("voting: voter required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Vote{}, fmt.Errorf("voting: begin cast: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.disputes.LockForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Vote{}, err
	}
	if d.Status != dispute.StatusVoting {
		return Vote{}, ErrVotingClosed
	}
	if d.VotingEndsAt == nil || !s.now().Before(*d.VotingEndsAt) {
		return Vote{}, ErrVotingClosed
	}

	weight, err := s.repo.VoterWeight(ctx, tx, d.ID, params.Voter)
	if err != nil {
		return Vote{}, err
	}
	if weight <= 0 {
		return Vote{}, ErrInvalidVoteWeight
	}

	v, err := s.repo.InsertVote(ctx, tx, InsertVoteParams{
		ID:             s.idGen(),
		DisputeID:      d.ID,
		Voter:          params.Voter,
		VotingPower:    weight,
		Choice:         params.Choice,
		PartialPercent: params.PartialPercent,
		Reason:         params.Reason,
		Signature:      params.Signature,
	})
	if err != nil {
		return Vote{}, err
	}

	actor := params.Voter
	if err := s.timeline.Append(ctx, tx, d.ID, "vote_cast", &actor, map[string]any{
		"vote_id":      v.ID,
		"choice":       v.Choice,
		"voting_power": v.VotingPower,
	}); err != nil {
		return Vote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Vote{}, fmt.Errorf("voting: commit cast: %w", err)
	}

	if s.feed != nil {
		s.feed.Publish(ctx, d.ID, map[string]any{"type": "vote_cast", "choice": v.Choice})
	}
	return v, nil
}

// Tally recomputes the current tally on demand from the stored votes.
func (s *Service) Tally(ctx context.Context, disputeID string) (Tally, error) {
	votes, err := s.repo.ListVotes(ctx, disputeID)
	if err != nil {
		return Tally{}, err
	}
	total, err := s.repo.EligibleTotal(ctx, disputeID)
	if err != nil {
		return Tally{}, err
	}
	return Compute(votes, total, s.quorumPercent), nil
}

// AllVotesIn reports whether every snapshot voter has cast a vote, enabling
// early close before the deadline.
func (s *Service) AllVotesIn(ctx context.Context, disputeID string) (bool, error) {
	cast, eligible, err := s.repo.Turnout(ctx, disputeID)
	if err != nil {
		return false, err
	}
	return eligible > 0 && cast >= eligible, nil
}
