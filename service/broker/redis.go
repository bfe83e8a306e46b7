package broker

import (
	"context"
	"sync"
	"time"

	"ChatGateway/logger"
	"ChatGateway/tools/safe"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBroker is the default bus: plain Redis pub/sub, one publisher
// client plus one dedicated subscriber connection. go-redis re-establishes
// the pub/sub connection after a drop and re-subscribes the channels; while
// it is down, published events from other instances are lost, which the
// gateway tolerates by design (local delivery keeps working).
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu       sync.RWMutex
	handlers map[string]Handler

	timeout   time.Duration
	closeOnce sync.Once
	done      chan struct{}
}

func NewRedisBroker(cfg Config) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis broker ping")
	}

	b := &RedisBroker{
		client:   client,
		handlers: make(map[string]Handler),
		timeout:  cfg.PublishTimeout,
		done:     make(chan struct{}),
	}
	return b, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	return nil
}

func (b *RedisBroker) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = h

	if b.pubsub == nil {
		b.pubsub = b.client.Subscribe(context.Background(), topic)
		safe.Go("redis-broker-recv", b.recvLoop)
		return nil
	}
	if err := b.pubsub.Subscribe(context.Background(), topic); err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	return nil
}

// recvLoop dispatches one message at a time, preserving per-topic order.
func (b *RedisBroker) recvLoop() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.mu.RLock()
			h := b.handlers[msg.Channel]
			b.mu.RUnlock()
			if h != nil {
				h([]byte(msg.Payload))
			} else {
				logger.Warnf("[broker] no handler for channel %s", msg.Channel)
			}
		}
	}
}

func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.pubsub != nil {
			err = b.pubsub.Close()
		}
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
