package voting

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDuplicateVote signals a voter already voted in this dispute.
	ErrDuplicateVote = errors.New("voting: duplicate vote")
	// ErrVotingClosed signals the dispute is not accepting votes.
	ErrVotingClosed = errors.New("voting: voting closed")
	// ErrInvalidVoteWeight signals the voter holds no weight in the snapshot.
	ErrInvalidVoteWeight = errors.New("voting: invalid vote weight")
	// ErrInvalidPartialPercent signals a malformed partial vote.
	ErrInvalidPartialPercent = errors.New("voting: invalid partial percent")
	// ErrInvalidChoice signals an unknown vote option.
	ErrInvalidChoice = errors.New("voting: invalid choice")
	// ErrNoEligibleWeight signals an empty or zero-weight voter snapshot.
	ErrNoEligibleWeight = errors.New("voting: no eligible weight")
)

const voteColumns = `id, dispute_id, voter, voting_power, choice::text, partial_percent, reason, signature, created_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// SnapshotVoters stores the eligibility snapshot taken when voting opens.
func (r *PGRepository) SnapshotVoters(ctx context.Context, tx pgx.Tx, disputeID string, voters map[string]int64) error {
	for address, weight := range voters {
		if weight <= 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_voters (dispute_id, address, weight) VALUES ($1,$2,$3)
			ON CONFLICT (dispute_id, address) DO UPDATE SET weight = EXCLUDED.weight
		`, disputeID, address, weight); err != nil {
			return fmt.Errorf("voting: snapshot voter %s: %w", address, err)
		}
	}
	return nil
}

// VoterWeight looks up one voter's snapshot weight; zero means unknown voter.
func (r *PGRepository) VoterWeight(ctx context.Context, tx pgx.Tx, disputeID, address string) (int64, error) {
	var weight int64
	err := tx.QueryRow(ctx, `SELECT weight FROM dispute_voters WHERE dispute_id=$1 AND address=$2`, disputeID, address).Scan(&weight)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("voting: voter weight: %w", err)
	}
	return weight, nil
}

type InsertVoteParams struct {
	ID             string
	DisputeID      string
	Voter          string
	VotingPower    int64
	Choice         Choice
	PartialPercent *float64
	Reason         *string
	Signature      []byte
}

func (r *PGRepository) InsertVote(ctx context.Context, tx pgx.Tx, params InsertVoteParams) (Vote, error) {
	query := fmt.Sprintf(`
		INSERT INTO votes (id, dispute_id, voter, voting_power, choice, partial_percent, reason, signature)
		VALUES ($1,$2,$3,$4,$5::vote_choice,$6,$7,$8)
		RETURNING %s`, voteColumns)

	v, err := scanVote(tx.QueryRow(ctx, query,
		params.ID, params.DisputeID, params.Voter, params.VotingPower,
		params.Choice, params.PartialPercent, params.Reason, params.Signature))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Vote{}, ErrDuplicateVote
		}
		return Vote{}, fmt.Errorf("voting: insert vote: %w", err)
	}
	return v, nil
}

// ListVotes returns all votes cast in a dispute in cast order.
func (r *PGRepository) ListVotes(ctx context.Context, disputeID string) ([]Vote, error) {
	query := fmt.Sprintf(`SELECT %s FROM votes WHERE dispute_id=$1 ORDER BY created_at ASC, id ASC`, voteColumns)

	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("voting: list votes: %w", err)
	}
	defer rows.Close()

	out := make([]Vote, 0, 16)
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("voting: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("voting: iterate votes: %w", err)
	}
	return out, nil
}

// EligibleTotal sums the snapshot weight for a dispute.
func (r *PGRepository) EligibleTotal(ctx context.Context, disputeID string) (int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(weight),0) FROM dispute_voters WHERE dispute_id=$1`, disputeID).Scan(&total); err != nil {
		return 0, fmt.Errorf("voting: eligible total: %w", err)
	}
	return total, nil
}

// Turnout reports cast voters versus snapshot voters, used for early close
// when every eligible voter has voted.
func (r *PGRepository) Turnout(ctx context.Context, disputeID string) (cast, eligible int, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM votes WHERE dispute_id=$1),
			(SELECT COUNT(*) FROM dispute_voters WHERE dispute_id=$1)
	`, disputeID).Scan(&cast, &eligible)
	if err != nil {
		return 0, 0, fmt.Errorf("voting: turnout: %w", err)
	}
	return cast, eligible, nil
}

func scanVote(row pgx.Row) (Vote, error) {
	var v Vote
	err := row.Scan(
		&v.ID,
		&v.DisputeID,
		&v.Voter,
		&v.VotingPower,
		&v.Choice,
		&v.PartialPercent,
		&v.Reason,
		&v.Signature,
		&v.CreatedAt,
	)
	return v, err
}
