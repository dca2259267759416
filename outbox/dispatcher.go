package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink receives outbox messages; the escrow component sits behind this
// interface.
type Sink interface {
	Deliver(ctx context.Context, topic string, payload []byte) error
}

// WebhookSink posts messages as JSON to a fixed endpoint.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, topic string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("outbox: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Outbox-Topic", topic)

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("outbox: deliver %s: %w", topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("outbox: deliver %s: status %d", topic, resp.StatusCode)
	}
	return nil
}

// Dispatcher drains pending outbox rows and hands them to the sink with
// bounded retries. Rows that exhaust their attempts are marked dead, and the
// dispute they reference is flagged delivery_degraded rather than silently
// dropped.
type Dispatcher struct {
	pool        *pgxpool.Pool
	sink        Sink
	maxAttempts int
	interval    time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, sink Sink, maxAttempts int, interval time.Duration) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{pool: pool, sink: sink, maxAttempts: maxAttempts, interval: interval}
}

// Run drains the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.DrainOnce(ctx); err != nil {
				log.Printf("outbox: drain: %v", err)
			} else if n > 0 {
				log.Printf("outbox: delivered %d messages", n)
			}
		}
	}
}

// DrainOnce processes up to one batch of pending messages and returns how many
// were delivered.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 20
	`)
	if err != nil {
		return 0, fmt.Errorf("outbox: select pending: %w", err)
	}

	batch := make([]Message, 0, 20)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan pending: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate pending: %w", err)
	}

	delivered := 0
	for _, m := range batch {
		if err := d.sink.Deliver(ctx, m.Topic, m.Payload); err != nil {
			log.Printf("outbox: attempt %d for %s (%s): %v", m.Attempts+1, m.ID, m.Topic, err)
			if m.Attempts+1 >= d.maxAttempts {
				if _, err := tx.Exec(ctx, `UPDATE outbox SET status='dead', attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.ID); err != nil {
					return delivered, fmt.Errorf("outbox: mark dead: %w", err)
				}
				if err := d.markDegraded(ctx, tx, m); err != nil {
					return delivered, err
				}
				log.Printf("outbox: message %s (%s) marked dead after %d attempts", m.ID, m.Topic, m.Attempts+1)
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.ID); err != nil {
				return delivered, fmt.Errorf("outbox: bump attempts: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.ID); err != nil {
			return delivered, fmt.Errorf("outbox: mark processed: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("outbox: commit drain: %w", err)
	}
	return delivered, nil
}

// markDegraded flags the dispute a dead message references so the degraded
// delivery is visible on the entity instead of only in the outbox.
func (d *Dispatcher) markDegraded(ctx context.Context, tx pgx.Tx, m Message) error {
	var payload struct {
		DisputeID string `json:"dispute_id"`
	}
	if err := json.Unmarshal(m.Payload, &payload); err != nil || payload.DisputeID == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE disputes SET delivery_degraded=true, updated_at=NOW() WHERE id=$1`, payload.DisputeID); err != nil {
		return fmt.Errorf("outbox: mark dispute degraded: %w", err)
	}
	return nil
}
