// Package rabbitmq is a relay.Sink publishing to a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/getpup/pupledger/es/relay"
)

// Channel is the part of *amqp091.Channel the sink uses.
type Channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (*amqp091.DeferredConfirmation, error)
}

// Config configures the RabbitMQ sink.
type Config struct {
	URL      string
	Exchange string
	Enabled  bool
}

// Validate checks the settings needed to connect.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("relay.rabbitmq.url is required")
	}
	if c.Exchange == "" {
		return errors.New("relay.rabbitmq.exchange is required")
	}
	return nil
}

// Sink publishes relay messages with the event type as routing key.
type Sink struct {
	ch       Channel
	conn     *amqp091.Connection
	exchange string
}

var _ relay.Sink = (*Sink)(nil)

// Dial connects, declares a durable topic exchange and puts the channel in
// confirm mode.
func Dial(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &Sink{ch: ch, conn: conn, exchange: cfg.Exchange}, nil
}

// NewSinkWithChannel wraps an existing channel.
func NewSinkWithChannel(exchange string, ch Channel) *Sink {
	return &Sink{ch: ch, exchange: exchange}
}

// Send publishes msg as a persistent message and waits for the broker
// confirm when the channel is in confirm mode.
func (s *Sink) Send(ctx context.Context, msg relay.Message) error {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	publishing := amqp091.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.EventID,
		Timestamp:    msg.CreatedAt,
		Type:         msg.EventType,
		Body:         msg.Body,
	}

	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, msg.EventType, false, false, publishing)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.exchange, err)
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("publish to %s: broker nacked message %s", s.exchange, msg.EventID)
	}
	return nil
}

// Close closes the channel and connection opened by Dial.
func (s *Sink) Close() error {
	var errs []error
	if ch, ok := s.ch.(*amqp091.Channel); ok && ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
