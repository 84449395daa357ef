package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

// WebhookSink POSTs one canonical event message per event. The shared secret
// travels in the X-Shared-Secret header so receivers can authenticate us.
type WebhookSink struct {
	endpoint     string
	sharedSecret string
	conditions   eventConditions
	client       *http.Client
}

func NewWebhookSink(cfg *manifest.WebhookStreamConfig) *WebhookSink {
	return &WebhookSink{
		endpoint:     cfg.Endpoint,
		sharedSecret: cfg.SharedSecret,
		conditions:   conditionsFromStreamEvents(cfg.Events),
		client:       &http.Client{},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Write(ctx context.Context, events []*common.DecodedEvent) error {
	for _, ev := range s.conditions.filter(events) {
		if err := s.publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *WebhookSink) publish(ctx context.Context, ev *common.DecodedEvent) error {
	body, err := json.Marshal(ev.Message())
	if err != nil {
		return Permanent(s.Name(), fmt.Errorf("failed to marshal event message: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(s.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shared-Secret", s.sharedSecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(s.Name(), fmt.Errorf("webhook rejected event with status %d", resp.StatusCode))
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
