package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrInvalidTransition signals a status change outside the state machine.
	ErrInvalidTransition = errors.New("dispute: invalid status transition")
	// ErrClosed signals a mutation attempted against a closed dispute.
	ErrClosed = errors.New("dispute: closed")
)

const disputeColumns = `id, campaign_id, pledge_ids, milestone_id, category::text, title, description,
	priority::text, raised_by, raised_at, status::text, current_tier::text, consensus_percent,
	voting_started_at, voting_ends_at, total_escrowed_amount, affected_backer_count,
	delivery_degraded, created_at, updated_at`

// PGRepository owns the disputes table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type InsertParams struct {
	ID                  string
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

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Dispute, error) {
	query := fmt.Sprintf(`
		INSERT INTO disputes (id, campaign_id, pledge_ids, milestone_id, category, title, description,
			priority, raised_by, status, current_tier, consensus_percent, total_escrowed_amount, affected_backer_count)
		VALUES ($1,$2,$3,$4,$5::dispute_category,$6,$7,$8::dispute_priority,$9,'pending',$10::dispute_tier,$11,$12,$13)
		RETURNING %s`, disputeColumns)

	row := tx.QueryRow(ctx, query,
		params.ID,
		params.CampaignID,
		params.PledgeIDs,
		params.MilestoneID,
		params.Category,
		params.Title,
		params.Description,
		params.Priority,
		params.RaisedBy,
		params.Tier,
		params.ConsensusPercent,
		params.TotalEscrowedAmount,
		params.AffectedBackerCount,
	)
	d, err := scanDispute(row)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return d, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1`, disputeColumns)
	d, err := scanDispute(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

// LockForUpdate takes the per-dispute row lock that serializes every mutating
// operation on a single dispute.
func (r *PGRepository) LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1 FOR UPDATE`, disputeColumns)
	d, err := scanDispute(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return d, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	if _, err := tx.Exec(ctx, `UPDATE disputes SET status=$2::dispute_status, updated_at=NOW() WHERE id=$1`, id, status); err != nil {
		return fmt.Errorf("dispute: update status: %w", err)
	}
	return nil
}

func (r *PGRepository) UpdateTier(ctx context.Context, tx pgx.Tx, id string, tier Tier) error {
	if _, err := tx.Exec(ctx, `UPDATE disputes SET current_tier=$2::dispute_tier, updated_at=NOW() WHERE id=$1`, id, tier); err != nil {
		return fmt.Errorf("dispute: update tier: %w", err)
	}
	return nil
}

// SetVotingWindow opens the voting window and moves the dispute to voting in
// one statement.
func (r *PGRepository) SetVotingWindow(ctx context.Context, tx pgx.Tx, id string, startedAt, endsAt time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status='voting', voting_started_at=$2, voting_ends_at=$3, updated_at=NOW()
		WHERE id=$1
	`, id, startedAt, endsAt); err != nil {
		return fmt.Errorf("dispute: set voting window: %w", err)
	}
	return nil
}

func (r *PGRepository) ClearVotingWindow(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE disputes SET voting_started_at=NULL, voting_ends_at=NULL, updated_at=NOW() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("dispute: clear voting window: %w", err)
	}
	return nil
}

type Filters struct {
	CampaignID     string
	Status         Status
	Category       Category
	Tier           Tier
	RaisedBy       string
	AffectsAddress string
	Priority       Priority
	VotingActive   *bool
	From           time.Time
	To             time.Time
	Page           int
	PageSize       int
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Dispute, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	base := fmt.Sprintf(`SELECT %s FROM disputes d`, disputeColumns)
	where := []string{"1=1"}
	args := []any{}

	add := func(clause string, value any) {
		where = append(where, fmt.Sprintf(clause, len(args)+1))
		args = append(args, value)
	}

	if filters.CampaignID != "" {
		add("d.campaign_id=$%d", filters.CampaignID)
	}
	if filters.Status != "" {
		add("d.status=$%d::dispute_status", filters.Status)
	}
	if filters.Category != "" {
		add("d.category=$%d::dispute_category", filters.Category)
	}
	if filters.Tier != "" {
		add("d.current_tier=$%d::dispute_tier", filters.Tier)
	}
	if filters.RaisedBy != "" {
		add("d.raised_by=$%d", filters.RaisedBy)
	}
	if filters.Priority != "" {
		add("d.priority=$%d::dispute_priority", filters.Priority)
	}
	if filters.AffectsAddress != "" {
		add(`(d.raised_by=$%d OR EXISTS (
			SELECT 1 FROM dispute_voters dv WHERE dv.dispute_id=d.id AND dv.address=$%[1]d))`, filters.AffectsAddress)
	}
	if filters.VotingActive != nil {
		if *filters.VotingActive {
			where = append(where, "d.status='voting' AND d.voting_ends_at > NOW()")
		} else {
			where = append(where, "(d.status <> 'voting' OR d.voting_ends_at <= NOW())")
		}
	}
	if !filters.From.IsZero() {
		add("d.raised_at >= $%d", filters.From)
	}
	if !filters.To.IsZero() {
		add("d.raised_at <= $%d", filters.To)
	}

	query := fmt.Sprintf("%s WHERE %s ORDER BY d.raised_at DESC LIMIT %d OFFSET %d",
		base, strings.Join(where, " AND "), filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.CampaignID,
		&d.PledgeIDs,
		&d.MilestoneID,
		&d.Category,
		&d.Title,
		&d.Description,
		&d.Priority,
		&d.RaisedBy,
		&d.RaisedAt,
		&d.Status,
		&d.CurrentTier,
		&d.ConsensusPercent,
		&d.VotingStartedAt,
		&d.VotingEndsAt,
		&d.TotalEscrowedAmount,
		&d.AffectedBackerCount,
		&d.DeliveryDegraded,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}
