package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"ChatGateway/logger"
	"ChatGateway/tools/safe"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// KafkaBroker satisfies the bus contract on Kafka. Every instance consumes
// with its own consumer group so each one sees every event. Messages are
// keyed by topic with the hash partitioner, which pins a topic to one
// partition and preserves its delivery order.
type KafkaBroker struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup

	mu       sync.RWMutex
	handlers map[string]Handler // kafka topic -> handler

	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	sessCancel context.CancelFunc // ends the current consume session
}

func NewKafkaBroker(cfg Config) (*KafkaBroker, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	sc.Net.DialTimeout = 10 * time.Second
	sc.Net.ReadTimeout = 30 * time.Second
	sc.Net.WriteTimeout = 30 * time.Second

	producer, err := sarama.NewSyncProducer(cfg.KafkaBrokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}

	// Per-instance group: fan-out, not work sharing.
	groupID := cfg.KafkaGroup + "-" + cfg.ClientID
	group, err := sarama.NewConsumerGroup(cfg.KafkaBrokers, groupID, sc)
	if err != nil {
		_ = producer.Close()
		return nil, errors.Wrap(err, "kafka consumer group")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBroker{
		producer: producer,
		group:    group,
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (b *KafkaBroker) Publish(_ context.Context, topic string, data []byte) error {
	kt := kafkaTopic(topic)
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: kt,
		Key:   sarama.StringEncoder(kt),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	return nil
}

// Subscribe registers a handler. The first call starts the consume loop;
// a running session holds the topic list it was entered with, so a later
// call ends it and the loop re-enters Consume with the full set.
func (b *KafkaBroker) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	b.handlers[kafkaTopic(topic)] = h
	start := !b.started
	b.started = true
	restart := b.sessCancel
	b.mu.Unlock()

	if start {
		safe.Go("kafka-broker-consume", b.consumeLoop)
	} else if restart != nil {
		restart()
	}
	return nil
}

func (b *KafkaBroker) consumeLoop() {
	for {
		if b.ctx.Err() != nil {
			return
		}
		sessCtx, cancel := context.WithCancel(b.ctx)

		b.mu.Lock()
		b.sessCancel = cancel
		topics := make([]string, 0, len(b.handlers))
		for t := range b.handlers {
			topics = append(topics, t)
		}
		b.mu.Unlock()

		if err := b.group.Consume(sessCtx, topics, b); err != nil && b.ctx.Err() == nil {
			logger.Errorf("[broker] kafka consume: %v", err)
			time.Sleep(time.Second)
		}
		cancel()
	}
}

func (b *KafkaBroker) Close() error {
	b.cancel()
	err := b.group.Close()
	if perr := b.producer.Close(); err == nil {
		err = perr
	}
	return err
}

// sarama.ConsumerGroupHandler

func (b *KafkaBroker) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (b *KafkaBroker) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (b *KafkaBroker) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		b.mu.RLock()
		h := b.handlers[msg.Topic]
		b.mu.RUnlock()
		if h != nil {
			h(msg.Value)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

// Kafka topic names cannot contain ':'.
func kafkaTopic(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}
