package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/dispute"
)

// StalledDispute is a dispute that sat in a tier past the escalation timeout.
type StalledDispute struct {
	ID     string
	Tier   dispute.Tier
	Status dispute.Status
}

// PGScanner runs the sweep's read-only scans. The scans take no locks; every
// follow-up action re-locks the dispute row and re-checks state, so a stale
// scan result is harmless.
type PGScanner struct {
	pool *pgxpool.Pool
}

func NewScanner(pool *pgxpool.Pool) *PGScanner {
	return &PGScanner{pool: pool}
}

// ExpiredVoting returns disputes whose voting window has lapsed.
func (s *PGScanner) ExpiredVoting(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM disputes
		WHERE status = 'voting' AND voting_ends_at IS NOT NULL AND voting_ends_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("escalation: scan expired voting: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// Stalled returns non-terminal disputes untouched since the cutoff. Voting
// disputes are excluded; their deadline is the voting window. Pending rows
// are included: a failure between create and review strands them there.
func (s *PGScanner) Stalled(ctx context.Context, cutoff time.Time) ([]StalledDispute, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, current_tier::text, status::text FROM disputes
		WHERE status IN ('pending', 'reviewing', 'escalated', 'appealed') AND updated_at <= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("escalation: scan stalled: %w", err)
	}
	defer rows.Close()

	var stalled []StalledDispute
	for rows.Next() {
		var d StalledDispute
		if err := rows.Scan(&d.ID, &d.Tier, &d.Status); err != nil {
			return nil, fmt.Errorf("escalation: scan stalled: %w", err)
		}
		stalled = append(stalled, d)
	}
	return stalled, rows.Err()
}

// AppealLapsed returns resolved disputes whose current decision can no longer
// be appealed: the window lapsed or the decision never was appealable.
func (s *PGScanner) AppealLapsed(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id FROM disputes d
		JOIN decisions dec ON dec.dispute_id = d.id AND dec.superseded_at IS NULL
		WHERE d.status = 'resolved'
		  AND (NOT dec.appealable OR dec.appeal_deadline <= $1)`, now)
	if err != nil {
		return nil, fmt.Errorf("escalation: scan appeal lapsed: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escalation: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
