package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tickflow/logger"
)

// Handler receives one bus message.
type Handler func(channel string, payload []byte)

// Subscriber is the dynamic pub/sub consumer side used by the broker: one
// upstream connection whose channel set changes as clients come and go.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Listen(ctx context.Context, handler Handler)
}

// Subscription wraps a single Redis pub/sub connection with a dynamic
// channel set. Subscribe and Unsubscribe may be called concurrently with
// Listen; go-redis serializes the underlying commands.
type Subscription struct {
	pubsub *redis.PubSub
	log    *logger.Log
}

// OpenSubscription creates a pub/sub connection with an initially empty
// channel set.
func (b *Bus) OpenSubscription(ctx context.Context) *Subscription {
	return &Subscription{
		pubsub: b.client.Subscribe(ctx),
		log:    b.log,
	}
}

// Subscribe adds channels to the upstream subscription set.
func (s *Subscription) Subscribe(ctx context.Context, channels ...string) error {
	if err := s.pubsub.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe %v: %w", channels, err)
	}
	return nil
}

// Unsubscribe removes channels from the upstream subscription set.
func (s *Subscription) Unsubscribe(ctx context.Context, channels ...string) error {
	if err := s.pubsub.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", channels, err)
	}
	return nil
}

// Listen drains bus messages into the handler until the context is cancelled
// or the connection closes. Messages are handled one at a time in arrival
// order, so per-channel ordering from the publisher is preserved.
func (s *Subscription) Listen(ctx context.Context, handler Handler) {
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				s.log.WithComponent("bus").Warn("subscription message stream closed")
				return
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close tears down the pub/sub connection.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
