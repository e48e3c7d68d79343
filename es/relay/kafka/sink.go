// Package kafka is a relay.Sink producing to a Kafka topic with franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/getpup/pupledger/es/relay"
)

// Producer is the part of *kgo.Client the sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Config configures the Kafka sink.
type Config struct {
	ClientID string
	Topic    string
	Brokers  []string
	Enabled  bool
}

// Validate checks the settings needed to connect.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("relay.kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("relay.kafka.topic is required")
	}
	return nil
}

// Sink produces relay messages to one topic, keyed by stream id.
type Sink struct {
	producer Producer
	close    func()
	topic    string
}

var _ relay.Sink = (*Sink)(nil)

// NewSink connects a franz-go client. Extra options are appended after the
// defaults, so callers can override them.
func NewSink(cfg Config, opts ...kgo.Opt) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	return &Sink{producer: cl, topic: cfg.Topic, close: cl.Close}, nil
}

// NewSinkWithProducer wraps an existing producer.
func NewSinkWithProducer(topic string, producer Producer) *Sink {
	return &Sink{producer: producer, topic: topic}
}

// Send produces msg and waits for the broker acknowledgement.
func (s *Sink) Send(ctx context.Context, msg relay.Message) error {
	rec := &kgo.Record{
		Topic:     s.topic,
		Key:       []byte(msg.Key),
		Value:     msg.Body,
		Timestamp: msg.CreatedAt,
	}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := s.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	return nil
}

// Close closes the client created by NewSink.
func (s *Sink) Close() {
	if s.close != nil {
		s.close()
	}
}
