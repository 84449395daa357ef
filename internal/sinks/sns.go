package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

// SNSSink publishes one message per event to a topic ARN. Credentials come
// from the default AWS chain (env, shared config, instance role).
type SNSSink struct {
	client     *sns.Client
	topicARN   string
	conditions eventConditions
}

func NewSNSSink(ctx context.Context, cfg *manifest.SNSStreamConfig) (*SNSSink, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %v", err)
	}
	return &SNSSink{
		client:     sns.NewFromConfig(awsCfg),
		topicARN:   cfg.TopicARN,
		conditions: conditionsFromStreamEvents(cfg.Events),
	}, nil
}

func (s *SNSSink) Name() string { return "sns" }

func (s *SNSSink) Write(ctx context.Context, events []*common.DecodedEvent) error {
	for _, ev := range s.conditions.filter(events) {
		body, err := json.Marshal(ev.Message())
		if err != nil {
			return Permanent(s.Name(), fmt.Errorf("failed to marshal event message: %v", err))
		}
		_, err = s.client.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(s.topicARN),
			Message:  aws.String(string(body)),
		})
		if err != nil {
			return fmt.Errorf("failed to publish to sns: %w", err)
		}
	}
	return nil
}

func (s *SNSSink) Close() error { return nil }
