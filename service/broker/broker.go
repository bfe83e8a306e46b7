package broker

import (
	"context"
	"fmt"
	"time"
)

// Topics shared by all gateway instances. Each topic carries exactly one
// event type; bodies are JSON-encoded event envelopes.
const (
	TopicMessageNew  = "message:new"
	TopicUserOnline  = "user:online"
	TopicUserOffline = "user:offline"
	TopicTypingStart = "typing:start"
	TopicTypingStop  = "typing:stop"
)

// AllTopics is the fixed wire contract between instances.
var AllTopics = []string{
	TopicMessageNew,
	TopicUserOnline,
	TopicUserOffline,
	TopicTypingStart,
	TopicTypingStop,
}

// Handler consumes one delivered message. Handlers for the same topic are
// invoked in broker delivery order; the broker never reorders a topic.
type Handler func(data []byte)

// Broker is the cross-instance fan-out bus. Publish is safe for concurrent
// use from many connection handlers. Delivery is at-least-once: duplicates
// after a redelivery are the consumer's problem, the broker does not dedup.
type Broker interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, h Handler) error
	Close() error
}

// Config selects and parameterizes a driver.
type Config struct {
	Driver    string // redis | nats | kafka | memory
	ClientID  string // gateway instance ID, used for connection naming

	RedisAddr string
	RedisPass string
	RedisDB   int

	NatsURL string

	KafkaBrokers []string
	KafkaGroup   string

	PublishTimeout time.Duration
}

func (c *Config) norm() {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 3 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "ws-gateway"
	}
}

// New builds the broker named by cfg.Driver.
func New(cfg Config) (Broker, error) {
	cfg.norm()
	switch cfg.Driver {
	case "redis":
		return NewRedisBroker(cfg)
	case "nats":
		return NewNatsBroker(cfg)
	case "kafka":
		return NewKafkaBroker(cfg)
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker driver: %q", cfg.Driver)
	}
}
