package broker

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NatsBroker rides NATS core pub/sub. The client reconnects forever with
// jitter; while disconnected, outgoing publishes are buffered by the client
// and subscriptions resume after reconnect.
type NatsBroker struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsBroker(cfg Config) (*NatsBroker, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.PublishTimeout),
	}
	nc, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(_ context.Context, topic string, data []byte) error {
	if err := b.nc.Publish(topic, data); err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	return nil
}

func (b *NatsBroker) Subscribe(topic string, h Handler) error {
	// Plain subscribe, no queue group: every gateway instance must see
	// every event to fan it out to its own sockets.
	sub, err := b.nc.Subscribe(topic, func(m *nats.Msg) {
		h(append([]byte(nil), m.Data...))
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NatsBroker) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.nc.Drain()
}
