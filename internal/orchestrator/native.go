package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/chainsink/indexer/internal/checkpoint"
	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
	"github.com/chainsink/indexer/internal/rpc"
	"github.com/chainsink/indexer/internal/sinks"
	"github.com/rs/zerolog/log"
)

// nativeTransferRunner scans blocks with transactions and feeds value
// transfers through the same sink dispatcher as contract events. It follows
// the fetcher's historical/live split but works block by block, since native
// transfers have no log filter to lean on.
type nativeTransferRunner struct {
	pipelineID  string
	network     *manifest.Network
	detail      manifest.NativeTransferDetail
	pool        rpc.IProviderPool
	dispatcher  *sinks.Dispatcher
	checkpoints checkpoint.Store
	liveTail    bool
}

func (r *nativeTransferRunner) run(ctx context.Context) error {
	cursor := uint64(0)
	if r.detail.StartBlock != nil {
		cursor = *r.detail.StartBlock
	}
	if saved, ok, err := r.checkpoints.Load(ctx, r.pipelineID); err == nil && ok && saved >= cursor {
		cursor = saved + 1
	}

	pollInterval := time.Duration(r.network.PollInterval()) * time.Millisecond
	safe := uint64(r.network.ReorgSafeDistance)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		head, err := r.pool.GetLatestBlockNumber(ctx, r.network.Name)
		if err != nil {
			if rpc.IsPermanent(err) {
				return err
			}
			log.Warn().Err(err).Str("pipeline", r.pipelineID).Msg("Failed to poll latest block for native transfers")
			continue
		}
		frontier := head
		if safe < frontier {
			frontier = head - safe
		} else {
			frontier = 0
		}

		target := frontier
		if r.detail.EndBlock != nil && *r.detail.EndBlock < target {
			target = *r.detail.EndBlock
		}

		for cursor <= target {
			if err := ctx.Err(); err != nil {
				return nil
			}
			if err := r.processBlock(ctx, cursor); err != nil {
				return err
			}
			cursor++
		}

		if r.detail.EndBlock != nil && cursor > *r.detail.EndBlock {
			return nil
		}
		if !r.liveTail && cursor > frontier {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

func (r *nativeTransferRunner) processBlock(ctx context.Context, number uint64) error {
	block, err := r.pool.GetBlockByNumber(ctx, r.network.Name, number, true)
	if err != nil {
		return fmt.Errorf("native transfers: failed to fetch block %d: %w", number, err)
	}

	events := make([]*common.DecodedEvent, 0)
	for _, tx := range block.Transactions {
		if tx.Value == nil || tx.Value.Sign() == 0 {
			continue
		}
		events = append(events, &common.DecodedEvent{
			PipelineID:      r.pipelineID,
			Network:         r.network.Name,
			ContractName:    "native",
			ContractAddress: tx.ToAddress,
			EventName:       "NativeTransfer",
			BlockNumber:     block.Number,
			BlockHash:       block.Hash,
			TxHash:          tx.Hash,
			TxIndex:         tx.Index,
			// Native transfers have no logs; the tx index keeps the dedup
			// key unique within the block.
			LogIndex: tx.Index,
			Inputs: map[string]interface{}{
				"from":  tx.FromAddress,
				"to":    tx.ToAddress,
				"value": tx.Value.String(),
			},
		})
	}

	if len(events) > 0 {
		if err := r.dispatcher.Dispatch(ctx, events); err != nil {
			return fmt.Errorf("native transfers: dispatch failed at block %d: %w", number, err)
		}
	}
	if err := r.checkpoints.Store(ctx, r.pipelineID, number); err != nil {
		log.Error().Err(err).Str("pipeline", r.pipelineID).Uint64("block", number).Msg("Failed to store native transfer checkpoint")
	}
	return nil
}
