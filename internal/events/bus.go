package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yoda-digital/ordinaut/internal/shared/logging"
)

// Task control traffic and external event traffic use separate channels
// so a consumer can subscribe to either independently.
const (
	changesChannel = "ordinaut.changes"
	eventsChannel  = "ordinaut.events"
)

// Handler consumes one bus message. It runs on the subscriber goroutine,
// so slow work belongs elsewhere.
type Handler func(ctx context.Context, msg Message)

// Bus publishes and consumes messages over a shared Redis client.
type Bus struct {
	client *redis.Client
	logger logging.Logger
	retry  time.Duration
}

// Connect dials Redis at redisURL and verifies the connection.
func Connect(ctx context.Context, redisURL string, logger logging.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, logger), nil
}

// New wraps an existing client. The caller keeps ownership of the client
// unless it lets Close handle it.
func New(client *redis.Client, logger logging.Logger) *Bus {
	return &Bus{
		client: client,
		logger: logging.OrNop(logger),
		retry:  time.Second,
	}
}

func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish routes msg to its channel, stamping At when the caller left it
// zero. Publishing to a bus with no subscribers is not an error.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if msg.Kind == "" {
		return errors.New("publish: message kind is empty")
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Kind, err)
	}
	channel := changesChannel
	if msg.Kind == KindEventPublished {
		channel = eventsChannel
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}

// Subscribe consumes both channels until ctx is canceled, invoking handler
// for every decoded message. Dropped subscriptions are reestablished after
// a short pause; messages published while disconnected are lost, which is
// why consumers also reconcile from the store.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	for {
		err := b.consume(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("bus subscription dropped, reconnecting: %v", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retry):
		}
	}
}

func (b *Bus) consume(ctx context.Context, handler Handler) error {
	sub := b.client.Subscribe(ctx, changesChannel, eventsChannel)
	defer sub.Close() //nolint:errcheck // best-effort on defer
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("establish subscription: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("drop malformed bus message on %s: %v", m.Channel, err)
				continue
			}
			handler(ctx, msg)
		}
	}
}
