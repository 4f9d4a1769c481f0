package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tickflow/logger"
)

// ErrEmpty is returned by PopMove when the blocking pop timed out with no
// item available.
var ErrEmpty = errors.New("bus: queue empty")

// Publisher is the fire-and-forget pub/sub side consumed by the connector.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// QueuePusher is the durable queue producer side consumed by the connector.
type QueuePusher interface {
	Push(ctx context.Context, topic string, payload []byte) error
}

// Queue is the durable queue consumer side used by the persistence sink.
// PopMove claims the next item by moving it onto a per-topic processing
// list; Ack removes it after a successful write and Dead parks it on the
// dead-letter list instead.
type Queue interface {
	PopMove(ctx context.Context, topic string, timeout time.Duration) ([]byte, error)
	Ack(ctx context.Context, topic string, payload []byte) error
	Dead(ctx context.Context, topic string, payload []byte) error
}

// Bus is the Redis-backed message bus and durable queue adapter. Pub/sub
// delivery is at-most-once: a published message reaches only the processes
// subscribed at that instant and is never buffered.
type Bus struct {
	client *redis.Client
	log    *logger.Log
}

// New connects to Redis using a redis:// URL and verifies the connection.
func New(redisURL string) (*Bus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("bus").WithFields(logger.Fields{"addr": opt.Addr, "db": opt.DB}).Info("connected to redis")

	return &Bus{client: client, log: log}, nil
}

// Publish delivers the payload to all currently subscribed processes.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Push appends the payload to the durable FIFO queue for the topic.
func (b *Bus) Push(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.LPush(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("push %s: %w", topic, err)
	}
	return nil
}

func processingList(topic string) string { return topic + ":processing" }
func deadList(topic string) string       { return topic + ":dead" }

// PopMove blocks up to timeout for the next queue item and atomically moves
// it to the topic's processing list. Callers must Ack or Dead the returned
// payload once handled.
func (b *Bus) PopMove(ctx context.Context, topic string, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BLMove(ctx, topic, processingList(topic), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("pop %s: %w", topic, err)
	}
	return []byte(res), nil
}

// Ack removes a processed item from the topic's processing list.
func (b *Bus) Ack(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.LRem(ctx, processingList(topic), 1, payload).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", topic, err)
	}
	return nil
}

// Dead moves a failed item from the processing list to the dead-letter list
// so it stays inspectable instead of being silently dropped.
func (b *Bus) Dead(ctx context.Context, topic string, payload []byte) error {
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, deadList(topic), payload)
	pipe.LRem(ctx, processingList(topic), 1, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter %s: %w", topic, err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}
