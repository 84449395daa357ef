package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
	"github.com/chainsink/indexer/internal/processor"
)

// Sink applies decoded events to one destination. Writes are idempotent on
// the (network, tx_hash, log_index) dedup key so replays are safe. Ordering
// within a pipeline is preserved by the caller; writes never see events of
// one pipeline out of order.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []*common.DecodedEvent) error
	Close() error
}

// IndexManager is advertised by sinks that can drop and restore indexes
// around the historical bulk-insert phase.
type IndexManager interface {
	DropIndexes(ctx context.Context) error
	RestoreIndexes(ctx context.Context) error
}

// PermanentSinkError halts the pipeline: the checkpoint must not advance
// past unacknowledged data.
type PermanentSinkError struct {
	Sink  string
	cause error
}

func (e *PermanentSinkError) Error() string {
	return fmt.Sprintf("sink %s failed permanently: %v", e.Sink, e.cause)
}

func (e *PermanentSinkError) Unwrap() error { return e.cause }

func Permanent(sink string, cause error) error {
	return &PermanentSinkError{Sink: sink, cause: cause}
}

func IsPermanent(err error) bool {
	var pe *PermanentSinkError
	return errors.As(err, &pe)
}

// WriteTimeout bounds every sink write so a hung destination cannot stall
// the pipeline or the shutdown path.
func WriteTimeout() time.Duration {
	secs := config.Cfg.Sink.WriteTimeout
	if secs <= 0 {
		secs = config.DefaultWriteTimeoutSecs
	}
	return time.Duration(secs) * time.Second
}

// eventConditions maps event name -> condition maps for stream sinks that
// publish only a filtered subset.
type eventConditions map[string][]map[string]string

func conditionsFromStreamEvents(events []manifest.StreamEvent) eventConditions {
	if len(events) == 0 {
		return nil
	}
	out := make(eventConditions, len(events))
	for _, ev := range events {
		out[ev.EventName] = ev.Conditions
	}
	return out
}

// filter selects the events a stream should publish: when the stream
// declares an event list, unlisted events are skipped and listed events must
// pass their conditions.
func (c eventConditions) filter(events []*common.DecodedEvent) []*common.DecodedEvent {
	if c == nil {
		return events
	}
	out := make([]*common.DecodedEvent, 0, len(events))
	for _, ev := range events {
		conditions, listed := c[ev.EventName]
		if !listed {
			continue
		}
		if len(conditions) > 0 && !processor.EvaluateConditions(ev.Inputs, conditions) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
