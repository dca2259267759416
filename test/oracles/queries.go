// Package oracles holds the SQL invariants checked throughout a stress run.
// Each query returns rows only when the invariant is violated.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_current_decision",
			SQL: `SELECT dispute_id, COUNT(*) FROM decisions
                  WHERE superseded_at IS NULL
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_decision_split_sums_to_100",
			SQL: `SELECT id, release_percent, refund_percent FROM decisions
                  WHERE release_percent + refund_percent <> 100
                     OR release_percent < 0 OR refund_percent < 0`,
		},
		{
			Name: "O3_one_vote_per_voter",
			SQL: `SELECT dispute_id, voter, COUNT(*) FROM votes
                  GROUP BY dispute_id, voter HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_vote_weight_matches_snapshot",
			SQL: `SELECT v.id, v.voter, v.voting_power, dv.weight
                  FROM votes v
                  LEFT JOIN dispute_voters dv
                    ON dv.dispute_id = v.dispute_id AND dv.address = v.voter
                  WHERE dv.address IS NULL OR v.voting_power <> dv.weight`,
		},
		{
			Name: "O5_participation_within_eligible",
			SQL: `SELECT v.dispute_id, SUM(v.voting_power) AS cast, t.eligible
                  FROM votes v
                  JOIN (SELECT dispute_id, SUM(weight) AS eligible
                        FROM dispute_voters GROUP BY dispute_id) t
                    ON t.dispute_id = v.dispute_id
                  GROUP BY v.dispute_id, t.eligible
                  HAVING SUM(v.voting_power) > t.eligible`,
		},
		{
			Name: "O6_timeline_seq_dense",
			SQL: `SELECT dispute_id, MIN(seq), MAX(seq), COUNT(*) FROM dispute_events
                  GROUP BY dispute_id
                  HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O7_resolved_has_current_decision",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.status = 'resolved'
                    AND NOT EXISTS (SELECT 1 FROM decisions dec
                                    WHERE dec.dispute_id = d.id
                                      AND dec.superseded_at IS NULL)`,
		},
		{
			Name: "O8_voting_only_at_community_tier",
			SQL: `SELECT id, current_tier FROM disputes
                  WHERE status = 'voting'
                    AND (current_tier <> 'community' OR voting_ends_at IS NULL)`,
		},
		{
			Name: "O9_superseded_only_by_appeal",
			SQL: `SELECT old.id FROM decisions old
                  WHERE old.superseded_at IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM decisions newer
                                    WHERE newer.dispute_id = old.dispute_id
                                      AND newer.created_at >= old.created_at
                                      AND newer.id <> old.id)`,
		},
		{
			Name: "O10_council_decisions_final",
			SQL: `SELECT id FROM decisions
                  WHERE decided_by = 'council' AND appealable`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
