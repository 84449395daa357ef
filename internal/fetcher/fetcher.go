package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/metrics"
	"github.com/chainsink/indexer/internal/rpc"
	"github.com/rs/zerolog/log"
)

// State of a fetcher. Transitions are one-way:
// HistoricalCatchUp -> LiveTailing -> Draining -> Terminated.
type State int32

const (
	StateHistoricalCatchUp State = iota
	StateLiveTailing
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateHistoricalCatchUp:
		return "historical_catch_up"
	case StateLiveTailing:
		return "live_tailing"
	case StateDraining:
		return "draining"
	default:
		return "terminated"
	}
}

// Options describe one pipeline's fetch scope.
type Options struct {
	PipelineID        string
	Network           string
	Addresses         []string
	Topics            [][]string // topics[0] is the event signature hash
	StartBlock        uint64
	EndBlock          *uint64 // nil means no end condition
	ReorgSafeDistance uint64
	PollInterval      time.Duration
	// LiveTail enables the transition to live tailing once the safe frontier
	// is reached. When false the fetcher terminates at the frontier.
	LiveTail bool
}

// Fetcher produces a lazy, restartable sequence of LogBatch for one pipeline.
// Batches are strictly ascending and contiguous in block range.
type Fetcher struct {
	pool rpc.IProviderPool
	opts Options

	out      chan common.LogBatch
	state    atomic.Int32
	draining atomic.Bool
	stopOnce sync.Once

	mu          sync.Mutex
	err         error
	lastEmitted uint64
}

func New(pool rpc.IProviderPool, opts Options) *Fetcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	channelSize := config.Cfg.Fetcher.ChannelSize
	if channelSize <= 0 || channelSize > config.ChannelSizeHardCap {
		channelSize = config.ChannelSizeHardCap
	}
	return &Fetcher{
		pool: pool,
		opts: opts,
		out:  make(chan common.LogBatch, channelSize),
	}
}

// Start begins fetching from opts.StartBlock and returns the batch stream.
// The channel closes when the fetcher terminates.
func (f *Fetcher) Start(ctx context.Context) <-chan common.LogBatch {
	go f.run(ctx)
	return f.out
}

// Stop is idempotent: the fetcher stops initiating RPC calls, completes the
// in-flight batch and closes the stream.
func (f *Fetcher) Stop() {
	f.stopOnce.Do(func() {
		f.draining.Store(true)
	})
}

// Err returns the terminal error, if the fetcher halted on one.
func (f *Fetcher) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// LastEmitted returns the highest ToBlock emitted so far.
func (f *Fetcher) LastEmitted() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastEmitted
}

func (f *Fetcher) State() State {
	return State(f.state.Load())
}

func (f *Fetcher) run(ctx context.Context) {
	defer close(f.out)
	defer f.state.Store(int32(StateTerminated))

	cursor, done := f.runHistorical(ctx)
	if done || !f.opts.LiveTail {
		return
	}

	f.state.Store(int32(StateLiveTailing))
	log.Info().Str("pipeline", f.opts.PipelineID).Uint64("cursor", cursor).Msg("Transitioning to live tailing")
	f.runLive(ctx, cursor)
}

// runHistorical batches through [StartBlock, head - safe] and returns the
// cursor for live tailing. done is true when the pipeline is finished: the
// end block was reached, shutdown was requested, or the fetcher halted.
func (f *Fetcher) runHistorical(ctx context.Context) (cursor uint64, done bool) {
	cursor = f.opts.StartBlock

	head, err := f.pool.GetLatestBlockNumber(ctx, f.opts.Network)
	if err != nil {
		f.halt(fmt.Errorf("failed to resolve chain head: %w", err))
		return cursor, true
	}
	frontier := safeFrontier(head, f.opts.ReorgSafeDistance)

	for {
		if f.shouldDrain(ctx) {
			return cursor, true
		}
		if cursor > frontier {
			// Caught up to the safe frontier.
			return cursor, false
		}

		target := frontier
		if f.opts.EndBlock != nil && *f.opts.EndBlock < target {
			target = *f.opts.EndBlock
		}
		if cursor > target {
			return cursor, true
		}

		toBlock := f.clampRange(cursor, target)
		batch, fetchErr := f.fetchRange(ctx, cursor, toBlock)
		if fetchErr != nil {
			f.halt(fetchErr)
			return cursor, true
		}
		if !f.emit(ctx, batch) {
			return cursor, true
		}
		cursor = batch.ToBlock + 1

		if f.opts.EndBlock != nil && cursor > *f.opts.EndBlock {
			log.Info().Str("pipeline", f.opts.PipelineID).Uint64("end_block", *f.opts.EndBlock).Msg("Reached end block, finishing")
			return cursor, true
		}

		// The frontier moves while we catch up; refresh it as we go so the
		// historical phase lands close to the live boundary.
		if cursor > frontier {
			head, err = f.pool.GetLatestBlockNumber(ctx, f.opts.Network)
			if err != nil {
				f.halt(fmt.Errorf("failed to refresh chain head: %w", err))
				return cursor, true
			}
			newFrontier := safeFrontier(head, f.opts.ReorgSafeDistance)
			if newFrontier <= frontier {
				return cursor, false
			}
			frontier = newFrontier
		}
	}
}

// runLive polls the chain head and fetches new safe blocks as they appear.
func (f *Fetcher) runLive(ctx context.Context, cursor uint64) {
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		if f.shouldDrain(ctx) {
			return
		}

		select {
		case <-ctx.Done():
			f.beginDraining()
			return
		case <-ticker.C:
		}

		head, err := f.pool.GetLatestBlockNumber(ctx, f.opts.Network)
		if err != nil {
			if rpc.IsPermanent(err) {
				f.halt(err)
				return
			}
			log.Warn().Err(err).Str("pipeline", f.opts.PipelineID).Msg("Failed to poll latest block")
			continue
		}

		frontier := safeFrontier(head, f.opts.ReorgSafeDistance)
		if frontier < cursor {
			continue
		}

		target := frontier
		if f.opts.EndBlock != nil && *f.opts.EndBlock < target {
			target = *f.opts.EndBlock
		}
		if target < cursor {
			continue
		}

		for cursor <= target {
			if f.shouldDrain(ctx) {
				return
			}
			toBlock := f.clampRange(cursor, target)

			// Overfetching past the frontier risks indexing reorgable
			// blocks; shrink to the safe boundary.
			if toBlock > frontier {
				log.Debug().Str("pipeline", f.opts.PipelineID).Uint64("to", toBlock).Uint64("frontier", frontier).Msg("Overfetched, shrinking to safe frontier")
				toBlock = frontier
			}

			if f.skipByBloom(ctx, cursor, toBlock) {
				empty := common.LogBatch{Network: f.opts.Network, FromBlock: cursor, ToBlock: toBlock}
				if !f.emit(ctx, empty) {
					return
				}
				cursor = toBlock + 1
				continue
			}

			batch, fetchErr := f.fetchRange(ctx, cursor, toBlock)
			if fetchErr != nil {
				f.halt(fetchErr)
				return
			}
			if !f.emit(ctx, batch) {
				return
			}
			cursor = batch.ToBlock + 1
		}

		if f.opts.EndBlock != nil && cursor > *f.opts.EndBlock {
			log.Info().Str("pipeline", f.opts.PipelineID).Uint64("end_block", *f.opts.EndBlock).Msg("Reached end block in live tailing, finishing")
			return
		}
	}
}

// fetchRange issues get_logs with adaptive range negotiation: range hints
// shrink the request, rate limits back off, permanent errors surface.
func (f *Fetcher) fetchRange(ctx context.Context, fromBlock, toBlock uint64) (common.LogBatch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return common.LogBatch{}, err
		}
		batch, err := f.pool.GetLogs(ctx, f.opts.Network, fromBlock, toBlock, f.opts.Addresses, f.opts.Topics)
		if err == nil {
			metrics.FetcherLastFetchedBlock.WithLabelValues(f.opts.PipelineID).Set(float64(batch.ToBlock))
			return batch, nil
		}

		var rangeErr *rpc.BlockRangeTooLargeError
		if errors.As(err, &rangeErr) && rangeErr.Suggested > 0 {
			shrunk := fromBlock + rangeErr.Suggested - 1
			if shrunk >= toBlock {
				// The suggestion did not reduce the range; avoid a hot loop.
				return common.LogBatch{}, fmt.Errorf("provider range suggestion %d did not shrink %d-%d", rangeErr.Suggested, fromBlock, toBlock)
			}
			log.Debug().Str("pipeline", f.opts.PipelineID).Uint64("from", fromBlock).Uint64("to", shrunk).Msg("Retrying with provider-suggested block range")
			toBlock = shrunk
			continue
		}

		var rateErr *rpc.RateLimitedError
		if errors.As(err, &rateErr) {
			wait := rateErr.RetryAfter
			if wait <= 0 {
				wait = time.Second
			}
			log.Warn().Str("pipeline", f.opts.PipelineID).Dur("retry_after", wait).Msg("Rate limited, backing off")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return common.LogBatch{}, ctx.Err()
			}
		}

		return common.LogBatch{}, err
	}
}

// skipByBloom reads block headers for small live ranges and skips the
// get_logs round-trip when no block can contain a matching event.
func (f *Fetcher) skipByBloom(ctx context.Context, fromBlock, toBlock uint64) bool {
	const bloomCheckMaxBlocks = 3
	if len(f.opts.Addresses) == 0 || toBlock-fromBlock+1 > bloomCheckMaxBlocks {
		return false
	}
	topic0 := ""
	if len(f.opts.Topics) > 0 && len(f.opts.Topics[0]) == 1 {
		topic0 = f.opts.Topics[0][0]
	}
	for n := fromBlock; n <= toBlock; n++ {
		block, err := f.pool.GetBlockByNumber(ctx, f.opts.Network, n, false)
		if err != nil {
			return false
		}
		if blockMayContainLogs(&block, f.opts.Addresses, topic0) {
			return false
		}
	}
	metrics.FetcherBloomSkips.Add(float64(toBlock - fromBlock + 1))
	return true
}

// clampRange applies the pool's effective block range to [cursor, target].
func (f *Fetcher) clampRange(cursor, target uint64) uint64 {
	maxRange := f.pool.MaxBlockRange(f.opts.Network)
	if maxRange == 0 {
		return target
	}
	toBlock := cursor + maxRange - 1
	if toBlock > target {
		return target
	}
	return toBlock
}

// emit delivers a batch, exerting backpressure through the bounded channel.
// Returns false when the fetcher should stop.
func (f *Fetcher) emit(ctx context.Context, batch common.LogBatch) bool {
	select {
	case f.out <- batch:
		f.mu.Lock()
		f.lastEmitted = batch.ToBlock
		f.mu.Unlock()
		metrics.FetcherBatchesEmitted.Inc()
		return true
	case <-ctx.Done():
		f.beginDraining()
		// One final attempt so the in-flight batch is not lost if the
		// consumer is still draining the channel.
		select {
		case f.out <- batch:
			f.mu.Lock()
			f.lastEmitted = batch.ToBlock
			f.mu.Unlock()
		default:
		}
		return false
	}
}

func (f *Fetcher) shouldDrain(ctx context.Context) bool {
	if f.draining.Load() || ctx.Err() != nil {
		f.beginDraining()
		return true
	}
	return false
}

func (f *Fetcher) beginDraining() {
	if State(f.state.Load()) != StateDraining {
		f.state.Store(int32(StateDraining))
		log.Debug().Str("pipeline", f.opts.PipelineID).Msg("Fetcher draining")
	}
}

func (f *Fetcher) halt(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	log.Error().Err(err).Str("pipeline", f.opts.PipelineID).Msg("Fetcher halted")
}

func safeFrontier(head, safeDistance uint64) uint64 {
	if safeDistance >= head {
		return 0
	}
	return head - safeDistance
}
