package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

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
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Evidence, error)
	MarkVerified(ctx context.Context, tx pgx.Tx, id, actor string) (Evidence, error)
	Get(ctx context.Context, id string) (Evidence, error)
	List(ctx context.Context, disputeID string, filters Filters) ([]Evidence, error)
}

// DisputeLocker takes the per-dispute row lock so evidence writes serialize
// with every other mutation on the same dispute.
type DisputeLocker interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Dispute, error)
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, disputeID, eventType string, actor *string, payload map[string]any) error
}

// Service is the append-only evidence ledger. It never rewrites history: the
// only post-creation mutation is the administrative verified flag.
type Service struct {
	pool     TxBeginner
	repo     Store
	disputes DisputeLocker
	timeline TimelineWriter
	feed     dispute.Feed
	idGen    func() string
}

func NewService(pool TxBeginner, repo Store, disputes DisputeLocker, timeline TimelineWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		disputes: disputes,
		timeline: timeline,
		idGen:    func() string { return uuid.NewString() },
	}
}

func (s *Service) WithFeed(feed dispute.Feed) *Service {
	s.feed = feed
	return s
}

type SubmitParams struct {
	DisputeID   string
	SubmittedBy string
	Kind        Kind
	Content     string
}

// Submit appends an evidence record. Submission is rejected once the dispute
// is closed; the content hash is computed server-side for tamper evidence.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Evidence, error) {
	if !ValidKind(params.Kind) {
		return Evidence{}, fmt.Errorf("%w: %q", ErrInvalidKind, params.Kind)
	}
	if params.Content == "" {
		return Evidence{}, fmt.Errorf("evidence: empty content")
	}
	if params.SubmittedBy == "" {
		return Evidence{}, fmt.Errorf("evidence: submitter required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Evidence{}, fmt.Errorf("evidence: begin submit: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.disputes.LockForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			return Evidence{}, dispute.ErrNotFound
		}
		return Evidence{}, err
	}
	if d.Status == dispute.StatusClosed {
		return Evidence{}, ErrDisputeClosed
	}

	e, err := s.repo.Insert(ctx, tx, InsertParams{
		ID:            s.idGen(),
		DisputeID:     params.DisputeID,
		SubmittedBy:   params.SubmittedBy,
		Kind:          params.Kind,
		Content:       params.Content,
		ContentSHA256: HashContent(params.Content),
	})
	if err != nil {
		return Evidence{}, err
	}

	actor := params.SubmittedBy
	if err := s.timeline.Append(ctx, tx, params.DisputeID, "evidence_submitted", &actor, map[string]any{
		"evidence_id": e.ID,
		"kind":        e.Kind,
		"sha256":      e.ContentSHA256,
	}); err != nil {
		return Evidence{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Evidence{}, fmt.Errorf("evidence: commit submit: %w", err)
	}

	if s.feed != nil {
		s.feed.Publish(ctx, params.DisputeID, map[string]any{"type": "evidence_submitted", "evidence_id": e.ID})
	}
	return e, nil
}

// Verify flips the administrative verification flag. Authorization is enforced
// at the API layer.
func (s *Service) Verify(ctx context.Context, id, actor string) (Evidence, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Evidence{}, fmt.Errorf("evidence: begin verify: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.MarkVerified(ctx, tx, id, actor)
	if err != nil {
		return Evidence{}, err
	}

	if err := s.timeline.Append(ctx, tx, e.DisputeID, "evidence_verified", &actor, map[string]any{
		"evidence_id": e.ID,
	}); err != nil {
		return Evidence{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Evidence{}, fmt.Errorf("evidence: commit verify: %w", err)
	}
	return e, nil
}

func (s *Service) List(ctx context.Context, disputeID string, filters Filters) ([]Evidence, error) {
	return s.repo.List(ctx, disputeID, filters)
}

// HashContent returns the hex sha256 digest stored alongside every record.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
