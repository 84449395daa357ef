package sinks

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

// KafkaSink publishes one message per event to a configured topic. The record
// key defaults to the dedup key so replays land on the same partition and
// log-compacted topics stay deduplicated.
type KafkaSink struct {
	client     *kgo.Client
	topic      string
	key        string
	conditions eventConditions
}

func NewKafkaSink(cfg *manifest.KafkaStreamConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka stream requires at least one broker")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.DialTimeout(10 * time.Second),
	}
	if cfg.SecurityUser != "" && cfg.SecurityPass != "" {
		opts = append(opts, kgo.SASL(plain.Auth{
			User: cfg.SecurityUser,
			Pass: cfg.SecurityPass,
		}.AsMechanism()))
		tlsDialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 10 * time.Second}}
		opts = append(opts, kgo.Dialer(tlsDialer.DialContext))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to kafka: %v", err)
	}

	return &KafkaSink{
		client:     client,
		topic:      cfg.Topic,
		key:        cfg.Key,
		conditions: conditionsFromStreamEvents(cfg.Events),
	}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []*common.DecodedEvent) error {
	selected := s.conditions.filter(events)
	if len(selected) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(selected))
	for _, ev := range selected {
		body, err := json.Marshal(ev.Message())
		if err != nil {
			return Permanent(s.Name(), fmt.Errorf("failed to marshal event message: %v", err))
		}
		key := s.key
		if key == "" {
			key = ev.DedupKey()
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(key),
			Value: body,
		})
	}

	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
