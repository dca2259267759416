package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message is one transactional outbox entry awaiting delivery to an external
// collaborator.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      string
	Attempts    int
	LastAttempt *time.Time
	CreatedAt   time.Time
}

// Queue enqueues messages inside the caller's transaction so the write commits
// or rolls back together with the domain mutation that produced it.
type Queue struct{}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, payloadBytes); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
