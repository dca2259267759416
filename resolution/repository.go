package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/dispute"
	"disputeflow/voting"
)

const decisionColumns = `id, dispute_id, outcome::text, release_percent, refund_percent,
	decided_by::text, rationale, evidence_ids, tally, appealable, appeal_deadline,
	superseded_at, created_at`

// PGRepository owns the decisions table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type InsertParams struct {
	ID             string
	DisputeID      string
	Outcome        Outcome
	ReleasePercent int
	RefundPercent  int
	DecidedBy      dispute.Tier
	Rationale      string
	EvidenceIDs    []string
	Tally          *voting.Tally
	Appealable     bool
	AppealDeadline *time.Time
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Decision, error) {
	var tallyJSON []byte
	if params.Tally != nil {
		var err error
		tallyJSON, err = json.Marshal(params.Tally)
		if err != nil {
			return Decision{}, fmt.Errorf("resolution: encode tally: %w", err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO decisions (id, dispute_id, outcome, release_percent, refund_percent,
			decided_by, rationale, evidence_ids, tally, appealable, appeal_deadline)
		VALUES ($1,$2,$3::decision_outcome,$4,$5,$6::dispute_tier,$7,$8,$9,$10,$11)
		RETURNING %s`, decisionColumns)

	row := tx.QueryRow(ctx, query,
		params.ID, params.DisputeID, params.Outcome, params.ReleasePercent, params.RefundPercent,
		params.DecidedBy, params.Rationale, params.EvidenceIDs, tallyJSON, params.Appealable,
		params.AppealDeadline)

	dec, err := scanDecision(row)
	if err != nil {
		return Decision{}, fmt.Errorf("resolution: insert decision: %w", err)
	}
	return dec, nil
}

// SupersedeCurrent marks the current decision, if any, as replaced. Called
// before recording the decision that resolves an appeal.
func (r *PGRepository) SupersedeCurrent(ctx context.Context, tx pgx.Tx, disputeID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE decisions SET superseded_at = NOW()
		WHERE dispute_id = $1 AND superseded_at IS NULL`, disputeID)
	if err != nil {
		return fmt.Errorf("resolution: supersede decision: %w", err)
	}
	return nil
}

// Current returns the single decision that is not superseded.
func (r *PGRepository) Current(ctx context.Context, disputeID string) (Decision, error) {
	query := fmt.Sprintf(`SELECT %s FROM decisions WHERE dispute_id = $1 AND superseded_at IS NULL`, decisionColumns)
	dec, err := scanDecision(r.pool.QueryRow(ctx, query, disputeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Decision{}, ErrNoDecision
	}
	if err != nil {
		return Decision{}, fmt.Errorf("resolution: current decision: %w", err)
	}
	return dec, nil
}

// CurrentTx is Current inside a transaction, used while the dispute row is
// already locked.
func (r *PGRepository) CurrentTx(ctx context.Context, tx pgx.Tx, disputeID string) (Decision, error) {
	query := fmt.Sprintf(`SELECT %s FROM decisions WHERE dispute_id = $1 AND superseded_at IS NULL`, decisionColumns)
	dec, err := scanDecision(tx.QueryRow(ctx, query, disputeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Decision{}, ErrNoDecision
	}
	if err != nil {
		return Decision{}, fmt.Errorf("resolution: current decision: %w", err)
	}
	return dec, nil
}

// ListByDispute returns every decision recorded for a dispute, newest first,
// superseded ones included.
func (r *PGRepository) ListByDispute(ctx context.Context, disputeID string) ([]Decision, error) {
	query := fmt.Sprintf(`SELECT %s FROM decisions WHERE dispute_id = $1 ORDER BY created_at DESC`, decisionColumns)
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("resolution: list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		dec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("resolution: scan decision: %w", err)
		}
		decisions = append(decisions, dec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolution: list decisions: %w", err)
	}
	return decisions, nil
}

func scanDecision(row pgx.Row) (Decision, error) {
	var dec Decision
	var tallyJSON []byte
	err := row.Scan(&dec.ID, &dec.DisputeID, &dec.Outcome, &dec.ReleasePercent, &dec.RefundPercent,
		&dec.DecidedBy, &dec.Rationale, &dec.EvidenceIDs, &tallyJSON, &dec.Appealable,
		&dec.AppealDeadline, &dec.SupersededAt, &dec.CreatedAt)
	if err != nil {
		return Decision{}, err
	}
	if len(tallyJSON) > 0 {
		var t voting.Tally
		if err := json.Unmarshal(tallyJSON, &t); err != nil {
			return Decision{}, fmt.Errorf("decode tally: %w", err)
		}
		dec.Tally = &t
	}
	return dec, nil
}
