// Package registry reads the pledge ledger maintained by the campaign
// service. It answers two questions: who is eligible to vote on a dispute,
// and how much escrowed value the dispute touches.
package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// EligibleVoters returns each backer's total pledged amount as voting weight.
// With pledge ids the snapshot is scoped to them; otherwise the whole
// campaign votes.
func (r *PGRepository) EligibleVoters(ctx context.Context, campaignID string, pledgeIDs []string) (map[string]int64, error) {
	query := `
		SELECT backer_address, SUM(amount)::bigint
		FROM pledges
		WHERE campaign_id = $1
		GROUP BY backer_address`
	args := []any{campaignID}
	if len(pledgeIDs) > 0 {
		query = `
			SELECT backer_address, SUM(amount)::bigint
			FROM pledges
			WHERE campaign_id = $1 AND id = ANY($2)
			GROUP BY backer_address`
		args = append(args, pledgeIDs)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: eligible voters: %w", err)
	}
	defer rows.Close()

	voters := make(map[string]int64)
	for rows.Next() {
		var addr string
		var weight int64
		if err := rows.Scan(&addr, &weight); err != nil {
			return nil, fmt.Errorf("registry: scan voter: %w", err)
		}
		if weight > 0 {
			voters[addr] = weight
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: eligible voters: %w", err)
	}
	return voters, nil
}

// Stake returns the total escrowed amount and distinct backer count the
// dispute affects.
func (r *PGRepository) Stake(ctx context.Context, campaignID string, pledgeIDs []string) (total int64, backers int, err error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::bigint, COUNT(DISTINCT backer_address)
		FROM pledges
		WHERE campaign_id = $1`
	args := []any{campaignID}
	if len(pledgeIDs) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, pledgeIDs)
	}

	if err := r.pool.QueryRow(ctx, query, args...).Scan(&total, &backers); err != nil {
		return 0, 0, fmt.Errorf("registry: stake: %w", err)
	}
	return total, backers, nil
}
