// Package notify fans committed dispute events out to live subscribers over
// Redis Pub/Sub. Delivery is best-effort: the durable audit trail is the
// dispute event table, the durable external contract is the outbox.
package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// Publisher publishes per-dispute channels of the form "dispute:<id>".
type Publisher struct {
	client *redis.Client
	logf   func(format string, args ...any)
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, logf: log.Printf}
}

// Connect builds a Redis client from a URL or a plain host:port address.
func Connect(addr string) (*redis.Client, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return redis.NewClient(&redis.Options{Addr: addr}), nil
	}
	return redis.NewClient(opt), nil
}

// Publish sends the event to the dispute's channel. Failures are logged and
// swallowed; a feed outage must never fail the committed write it trails.
func (p *Publisher) Publish(ctx context.Context, disputeID string, event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logf("notify: encode event for %s: %v", disputeID, err)
		return
	}
	if err := p.client.Publish(ctx, "dispute:"+disputeID, payload).Err(); err != nil {
		p.logf("notify: publish to %s: %v", disputeID, err)
	}
}

// Subscribe returns the live event stream for one dispute.
func (p *Publisher) Subscribe(ctx context.Context, disputeID string) *redis.PubSub {
	return p.client.Subscribe(ctx, "dispute:"+disputeID)
}
