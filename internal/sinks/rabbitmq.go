package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

// RabbitMQSink publishes one persistent message per event to an exchange
// with a configured routing key.
type RabbitMQSink struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	conditions eventConditions
}

func NewRabbitMQSink(cfg *manifest.RabbitMQStreamConfig) (*RabbitMQSink, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %v", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %v", err)
	}
	if cfg.Exchange != "" {
		if err := channel.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %v", cfg.Exchange, err)
		}
	}
	return &RabbitMQSink{
		conn:       conn,
		channel:    channel,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		conditions: conditionsFromStreamEvents(cfg.Events),
	}, nil
}

func (s *RabbitMQSink) Name() string { return "rabbitmq" }

func (s *RabbitMQSink) Write(ctx context.Context, events []*common.DecodedEvent) error {
	for _, ev := range s.conditions.filter(events) {
		body, err := json.Marshal(ev.Message())
		if err != nil {
			return Permanent(s.Name(), fmt.Errorf("failed to marshal event message: %v", err))
		}
		err = s.channel.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.DedupKey(),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("failed to publish to rabbitmq: %w", err)
		}
	}
	return nil
}

func (s *RabbitMQSink) Close() error {
	if err := s.channel.Close(); err != nil {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}
