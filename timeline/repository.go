package timeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one append-only timeline entry owned by a dispute.
type Event struct {
	ID        int64
	DisputeID string
	Seq       int
	Type      string
	Actor     *string
	Payload   []byte
	CreatedAt time.Time
}

type Filters struct {
	Types []string
	From  time.Time
	To    time.Time
}

// Repository serves the read path of the audit trail.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// List returns the chronological event feed for a dispute.
func (r *Repository) List(ctx context.Context, disputeID string, filters Filters) ([]Event, error) {
	base := `SELECT id, dispute_id, seq, type, actor, payload, created_at FROM dispute_events`
	where := []string{"dispute_id = $1"}
	args := []any{disputeID}

	if len(filters.Types) > 0 {
		where = append(where, fmt.Sprintf("type = ANY($%d)", len(args)+1))
		args = append(args, filters.Types)
	}
	if !filters.From.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)+1))
		args = append(args, filters.From)
	}
	if !filters.To.IsZero() {
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)+1))
		args = append(args, filters.To)
	}

	query := base + " WHERE " + strings.Join(where, " AND ") + " ORDER BY seq ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeline: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.Seq, &e.Type, &e.Actor, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate events: %w", err)
	}
	return out, nil
}
