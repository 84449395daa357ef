package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

// SQSSink sends one message per event to a queue URL.
type SQSSink struct {
	client     *sqs.Client
	queueURL   string
	conditions eventConditions
}

func NewSQSSink(ctx context.Context, cfg *manifest.SQSStreamConfig) (*SQSSink, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %v", err)
	}
	return &SQSSink{
		client:     sqs.NewFromConfig(awsCfg),
		queueURL:   cfg.QueueURL,
		conditions: conditionsFromStreamEvents(cfg.Events),
	}, nil
}

func (s *SQSSink) Name() string { return "sqs" }

func (s *SQSSink) Write(ctx context.Context, events []*common.DecodedEvent) error {
	for _, ev := range s.conditions.filter(events) {
		body, err := json.Marshal(ev.Message())
		if err != nil {
			return Permanent(s.Name(), fmt.Errorf("failed to marshal event message: %v", err))
		}
		_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.queueURL),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			return fmt.Errorf("failed to send to sqs: %w", err)
		}
	}
	return nil
}

func (s *SQSSink) Close() error { return nil }
