package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	sinkMaxRetries   = 3
	sinkRetryBackoff = 200 * time.Millisecond
)

// Dispatcher fans one batch of decoded events out to every configured sink
// with per-sink failure isolation. The batch is acknowledged only when every
// sink has committed it; a permanently failing sink surfaces an error so the
// pipeline halts and the checkpoint does not advance.
type Dispatcher struct {
	sinks []Sink
}

func NewDispatcher(sinks []Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

// Sinks returns the registered sinks, used by the scheduler to discover
// index-management capabilities.
func (d *Dispatcher) Sinks() []Sink {
	return d.sinks
}

func (d *Dispatcher) Dispatch(ctx context.Context, events []*common.DecodedEvent) error {
	if len(events) == 0 || len(d.sinks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(d.sinks))
	for i, sink := range d.sinks {
		wg.Add(1)
		go func(i int, sink Sink) {
			defer wg.Done()
			errs[i] = d.writeWithRetry(ctx, sink, events)
		}(i, sink)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("sink %s did not acknowledge batch: %w", d.sinks[i].Name(), err)
		}
	}
	return nil
}

// writeWithRetry bounds each attempt by the sink write timeout and retries
// transient failures with backoff. Permanent errors surface immediately.
func (d *Dispatcher) writeWithRetry(ctx context.Context, sink Sink, events []*common.DecodedEvent) error {
	var lastErr error
	for attempt := 0; attempt <= sinkMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(sinkRetryBackoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start := time.Now()
		writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout())
		err := sink.Write(writeCtx, events)
		cancel()
		metrics.SinkWriteDuration.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())

		if err == nil {
			return nil
		}
		lastErr = err
		metrics.SinkWriteFailures.WithLabelValues(sink.Name()).Inc()

		if IsPermanent(err) {
			return err
		}
		log.Warn().Err(err).Str("sink", sink.Name()).Int("attempt", attempt+1).Msg("Sink write failed, retrying")
	}
	return fmt.Errorf("sink %s exhausted retries: %w", sink.Name(), lastErr)
}

// Close closes every sink, logging failures rather than aborting.
func (d *Dispatcher) Close() {
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			log.Error().Err(err).Str("sink", sink.Name()).Msg("Failed to close sink")
		}
	}
}
