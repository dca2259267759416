package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Event types recorded for every state-affecting operation on a dispute.
const (
	EventDisputeOpened     = "dispute_opened"
	EventStatusChanged     = "status_changed"
	EventTierEscalated     = "tier_escalated"
	EventVotingOpened      = "voting_opened"
	EventVoteCast          = "vote_cast"
	EventEvidenceSubmitted = "evidence_submitted"
	EventEvidenceVerified  = "evidence_verified"
	EventDecisionRecorded  = "decision_recorded"
	EventAppealed          = "appealed"
)

// ErrUnknownDispute is returned when an append references a dispute that does
// not exist.
var ErrUnknownDispute = errors.New("timeline: unknown dispute")

// Recorder appends immutable dispute events inside the caller's transaction,
// assigning a per-dispute monotonic sequence number.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append writes one timeline entry. The caller must already hold the dispute
// row lock so the sequence assignment cannot race.
func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, disputeID, eventType string, actor *string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO dispute_events (dispute_id, seq, type, actor, payload)
		VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM dispute_events WHERE dispute_id=$1), $2, $3, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL, disputeID, eventType, actor, payloadBytes); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrUnknownDispute
		}
		return fmt.Errorf("timeline: append event: %w", err)
	}
	return nil
}
