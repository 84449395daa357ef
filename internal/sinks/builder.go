package sinks

import (
	"context"
	"fmt"

	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/manifest"
)

// Build constructs the sink set for one pipeline from the manifest storage
// section plus any contract-level stream overrides. Sinks that fail to
// connect abort the build: starting to index with a missing destination
// would silently lose data.
func Build(ctx context.Context, storage *manifest.Storage, contractStreams *manifest.StreamsConfig) ([]Sink, error) {
	var out []Sink

	if storage.PostgresEnabled() {
		pg, err := NewPostgresSink(&config.Cfg.Database, storage.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to build postgres sink: %w", err)
		}
		out = append(out, pg)
	}

	if storage.ClickhouseEnabled() {
		ch, err := NewClickhouseSink(&config.Cfg.Clickhouse)
		if err != nil {
			return nil, fmt.Errorf("failed to build clickhouse sink: %w", err)
		}
		out = append(out, ch)
	}

	if storage.CsvEnabled() {
		csv, err := NewCsvSink(storage.Csv.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to build csv sink: %w", err)
		}
		out = append(out, csv)
	}

	for _, streams := range []*manifest.StreamsConfig{storage.Streams, contractStreams} {
		if streams == nil {
			continue
		}
		streamSinks, err := buildStreams(ctx, streams)
		if err != nil {
			return nil, err
		}
		out = append(out, streamSinks...)
	}
	return out, nil
}

func buildStreams(ctx context.Context, streams *manifest.StreamsConfig) ([]Sink, error) {
	var out []Sink
	for i := range streams.Webhooks {
		out = append(out, NewWebhookSink(&streams.Webhooks[i]))
	}
	for i := range streams.Kafka {
		sink, err := NewKafkaSink(&streams.Kafka[i])
		if err != nil {
			return nil, fmt.Errorf("failed to build kafka sink: %w", err)
		}
		out = append(out, sink)
	}
	for i := range streams.RabbitMQ {
		sink, err := NewRabbitMQSink(&streams.RabbitMQ[i])
		if err != nil {
			return nil, fmt.Errorf("failed to build rabbitmq sink: %w", err)
		}
		out = append(out, sink)
	}
	for i := range streams.SNS {
		sink, err := NewSNSSink(ctx, &streams.SNS[i])
		if err != nil {
			return nil, fmt.Errorf("failed to build sns sink: %w", err)
		}
		out = append(out, sink)
	}
	for i := range streams.SQS {
		sink, err := NewSQSSink(ctx, &streams.SQS[i])
		if err != nil {
			return nil, fmt.Errorf("failed to build sqs sink: %w", err)
		}
		out = append(out, sink)
	}
	for i := range streams.Redis {
		sink, err := NewRedisSink(ctx, &streams.Redis[i])
		if err != nil {
			return nil, fmt.Errorf("failed to build redis sink: %w", err)
		}
		out = append(out, sink)
	}
	return out, nil
}
