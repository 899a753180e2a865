// Package events publishes committed chart lifecycle transitions to
// downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event describes one committed audit entry.
type Event struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	RecordID   uuid.UUID `json:"record_id"`
	EntryID    uuid.UUID `json:"entry_id"`
	Action     string    `json:"action"`
	ActorName  string    `json:"actor_name"`
	ActorRole  string    `json:"actor_role"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	OccurredAt time.Time `json:"occurred_at"`
}

const TypeLifecycle = "chart.lifecycle"

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Channel scopes the base channel to a tenant, e.g. "chart.lifecycle:acme".
func Channel(base, tenantID string) string {
	if tenantID == "" {
		return base
	}
	return base + ":" + tenantID
}

type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects using a redis:// URL and verifies the
// connection with PING.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("events.NewRedisPublisher: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events.NewRedisPublisher: ping: %w", err)
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events.RedisPublisher.Publish: encode: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(p.channel, evt.TenantID), payload).Err(); err != nil {
		return fmt.Errorf("events.RedisPublisher.Publish: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("events.RedisPublisher.Close: %w", err)
	}
	return nil
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.logger.Info().
		Str("tenant_id", evt.TenantID).
		Str("record_id", evt.RecordID.String()).
		Str("action", evt.Action).
		Str("actor", evt.ActorName).
		Str("from_state", evt.FromState).
		Str("to_state", evt.ToState).
		Time("occurred_at", evt.OccurredAt).
		Msg("chart event")
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
