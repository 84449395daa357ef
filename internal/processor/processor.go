package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainsink/indexer/internal/checkpoint"
	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
	"github.com/chainsink/indexer/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Dispatcher applies a batch of decoded events to every configured sink.
// Transient sink failures are retried inside the dispatcher; an error return
// is fatal for the pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []*common.DecodedEvent) error
}

// Callback observes decoded events after they have been constructed but
// before sink acknowledgement; factory discovery hooks in here.
type Callback func(events []*common.DecodedEvent)

// Options wire one processor to its pipeline context.
type Options struct {
	PipelineID   string
	Network      string
	ContractName string
	Event        *manifest.EventDescriptor
	// Conditions filter decoded events before dispatch. Stream sinks may
	// carry additional per-stream conditions of their own.
	Conditions []map[string]string
	// DependencyKey, when set, is the group this pipeline must wait on.
	DependencyKey string
	// AckKey is the group this pipeline acknowledges after each batch.
	AckKey string
}

// Processor consumes LogBatches for one pipeline: decode, filter, order,
// dispatch, checkpoint.
type Processor struct {
	opts        Options
	dispatcher  Dispatcher
	checkpoints checkpoint.Store
	guard       *DependencyGuard
	callbacks   []Callback
}

func New(opts Options, dispatcher Dispatcher, checkpoints checkpoint.Store, guard *DependencyGuard) *Processor {
	return &Processor{
		opts:        opts,
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		guard:       guard,
	}
}

// OnDecoded registers a callback invoked for every non-empty decoded batch.
func (p *Processor) OnDecoded(cb Callback) {
	p.callbacks = append(p.callbacks, cb)
}

// Run drains the batch stream until it closes or a fatal error occurs. The
// checkpoint advances to each batch's ToBlock only after every sink has
// acknowledged the batch; an empty batch still advances the checkpoint.
func (p *Processor) Run(ctx context.Context, batches <-chan common.LogBatch) error {
	defer func() {
		if p.guard != nil && p.opts.AckKey != "" {
			p.guard.CloseKey(p.opts.AckKey)
		}
	}()

	for batch := range batches {
		if err := p.processBatch(ctx, &batch); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) processBatch(ctx context.Context, batch *common.LogBatch) error {
	events := p.decodeBatch(batch)

	if p.guard != nil && p.opts.DependencyKey != "" && len(events) > 0 {
		if err := p.guard.WaitFor(ctx, p.opts.DependencyKey, batch.ToBlock); err != nil {
			return err
		}
	}

	for _, cb := range p.callbacks {
		if len(events) > 0 {
			cb(events)
		}
	}

	if len(events) > 0 {
		if err := p.dispatcher.Dispatch(ctx, events); err != nil {
			return fmt.Errorf("pipeline %s: sink dispatch failed: %w", p.opts.PipelineID, err)
		}
		metrics.EventsDispatched.Add(float64(len(events)))
	}

	if err := p.checkpoints.Store(ctx, p.opts.PipelineID, batch.ToBlock); err != nil {
		// The data is durable at the sinks; a failed checkpoint write only
		// risks idempotent re-delivery after restart.
		log.Error().Err(err).Str("pipeline", p.opts.PipelineID).Uint64("block", batch.ToBlock).Msg("Failed to store checkpoint")
	}

	if p.guard != nil && p.opts.AckKey != "" {
		p.guard.Acknowledge(p.opts.AckKey, batch.ToBlock)
	}
	return nil
}

// decodeBatch turns raw logs into decoded events, preserving the batch's
// (block_number, log_index) order. Decode failures drop the single log.
func (p *Processor) decodeBatch(batch *common.LogBatch) []*common.DecodedEvent {
	events := make([]*common.DecodedEvent, 0, len(batch.Logs))
	for i := range batch.Logs {
		raw := &batch.Logs[i]
		if len(raw.Topics) == 0 || !strings.EqualFold(raw.Topics[0], p.opts.Event.SignatureHash) {
			continue
		}

		inputs, err := decodeLog(p.opts.Event, raw)
		if err != nil {
			metrics.DecodeFailures.Inc()
			log.Warn().Err(err).
				Str("pipeline", p.opts.PipelineID).
				Str("tx_hash", raw.TxHash).
				Uint64("log_index", raw.LogIndex).
				Msg("Dropping log that failed ABI decoding")
			continue
		}

		if len(p.opts.Conditions) > 0 && !EvaluateConditions(inputs, p.opts.Conditions) {
			metrics.EventsFiltered.Inc()
			continue
		}

		events = append(events, &common.DecodedEvent{
			PipelineID:      p.opts.PipelineID,
			Network:         p.opts.Network,
			ContractName:    p.opts.ContractName,
			ContractAddress: raw.Address,
			EventName:       p.opts.Event.Name,
			SignatureHash:   p.opts.Event.SignatureHash,
			BlockNumber:     raw.BlockNumber,
			BlockHash:       raw.BlockHash,
			TxHash:          raw.TxHash,
			TxIndex:         raw.TxIndex,
			LogIndex:        raw.LogIndex,
			IndexedTopics:   raw.Topics[1:],
			Inputs:          inputs,
		})
	}
	return events
}
