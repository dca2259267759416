package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the evidence record does not exist.
	ErrNotFound = errors.New("evidence: not found")
	// ErrDisputeClosed signals a submission against a closed dispute.
	ErrDisputeClosed = errors.New("evidence: dispute closed")
	// ErrInvalidKind signals an unknown evidence kind.
	ErrInvalidKind = errors.New("evidence: invalid kind")
)

const evidenceColumns = `id, dispute_id, submitted_by, kind::text, content, content_sha256, verified, verified_by, created_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type InsertParams struct {
	ID            string
	DisputeID     string
	SubmittedBy   string
	Kind          Kind
	Content       string
	ContentSHA256 string
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Evidence, error) {
	query := fmt.Sprintf(`
		INSERT INTO evidence (id, dispute_id, submitted_by, kind, content, content_sha256)
		VALUES ($1,$2,$3,$4::evidence_kind,$5,$6)
		RETURNING %s`, evidenceColumns)

	e, err := scanEvidence(tx.QueryRow(ctx, query,
		params.ID, params.DisputeID, params.SubmittedBy, params.Kind, params.Content, params.ContentSHA256))
	if err != nil {
		return Evidence{}, fmt.Errorf("evidence: insert: %w", err)
	}
	return e, nil
}

// MarkVerified flips the administrative verification flag and returns the
// refreshed record.
func (r *PGRepository) MarkVerified(ctx context.Context, tx pgx.Tx, id, actor string) (Evidence, error) {
	query := fmt.Sprintf(`
		UPDATE evidence SET verified=true, verified_by=$2
		WHERE id=$1
		RETURNING %s`, evidenceColumns)

	e, err := scanEvidence(tx.QueryRow(ctx, query, id, actor))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Evidence{}, ErrNotFound
		}
		return Evidence{}, fmt.Errorf("evidence: mark verified: %w", err)
	}
	return e, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Evidence, error) {
	query := fmt.Sprintf(`SELECT %s FROM evidence WHERE id=$1`, evidenceColumns)
	e, err := scanEvidence(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Evidence{}, ErrNotFound
		}
		return Evidence{}, fmt.Errorf("evidence: get: %w", err)
	}
	return e, nil
}

type Filters struct {
	Kind         Kind
	VerifiedOnly bool
}

// List returns chronological evidence for a dispute.
func (r *PGRepository) List(ctx context.Context, disputeID string, filters Filters) ([]Evidence, error) {
	base := fmt.Sprintf(`SELECT %s FROM evidence`, evidenceColumns)
	where := []string{"dispute_id = $1"}
	args := []any{disputeID}

	if filters.Kind != "" {
		where = append(where, fmt.Sprintf("kind = $%d::evidence_kind", len(args)+1))
		args = append(args, filters.Kind)
	}
	if filters.VerifiedOnly {
		where = append(where, "verified = true")
	}

	query := base + " WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at ASC, id ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("evidence: list: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 8)
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("evidence: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: iterate: %w", err)
	}
	return out, nil
}

func scanEvidence(row pgx.Row) (Evidence, error) {
	var e Evidence
	err := row.Scan(
		&e.ID,
		&e.DisputeID,
		&e.SubmittedBy,
		&e.Kind,
		&e.Content,
		&e.ContentSHA256,
		&e.Verified,
		&e.VerifiedBy,
		&e.CreatedAt,
	)
	return e, err
}
