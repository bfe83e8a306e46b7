package broker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryBroker is an in-process loopback bus for tests and single-instance
// deployments. Delivery is synchronous in publish order, so per-topic
// ordering matches what the real drivers guarantee.
type MemoryBroker struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{handlers: make(map[string][]Handler)}
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("memory broker closed")
	}
	hs := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("memory broker closed")
	}
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]Handler)
	return nil
}
