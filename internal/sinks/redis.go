package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

// RedisSink appends one entry per event to a Redis Stream via XADD.
type RedisSink struct {
	client     *redis.Client
	streamName string
	conditions eventConditions
}

func NewRedisSink(ctx context.Context, cfg *manifest.RedisStreamConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}
	return &RedisSink{
		client:     client,
		streamName: cfg.StreamName,
		conditions: conditionsFromStreamEvents(cfg.Events),
	}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, events []*common.DecodedEvent) error {
	for _, ev := range s.conditions.filter(events) {
		body, err := json.Marshal(ev.Message())
		if err != nil {
			return Permanent(s.Name(), fmt.Errorf("failed to marshal event message: %v", err))
		}
		err = s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamName,
			Values: map[string]interface{}{
				"id":      ev.DedupKey(),
				"message": string(body),
			},
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to xadd to redis stream: %w", err)
		}
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
