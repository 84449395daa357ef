package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/checkpoint"
	"github.com/chainsink/indexer/internal/fetcher"
	"github.com/chainsink/indexer/internal/manifest"
	"github.com/chainsink/indexer/internal/metrics"
	"github.com/chainsink/indexer/internal/processor"
	"github.com/chainsink/indexer/internal/rpc"
	"github.com/chainsink/indexer/internal/sinks"
	"github.com/chainsink/indexer/internal/tracker"
	"github.com/rs/zerolog/log"
)

type Mode int

const (
	HistoricalOnly Mode = iota
	HistoricalThenLive
	LiveOnly
)

func (m Mode) String() string {
	switch m {
	case HistoricalOnly:
		return "historical_only"
	case LiveOnly:
		return "live_only"
	default:
		return "historical_then_live"
	}
}

// ErrPipelinesHalted is wrapped into the StartIndexing error when one or
// more pipelines halted on a permanent failure.
var ErrPipelinesHalted = errors.New("one or more pipelines halted")

// Scheduler owns the lifecycle of every pipeline: admission, the
// historical-to-live handoff, factory injection and shutdown.
type Scheduler struct {
	manifest    *manifest.Manifest
	pool        rpc.IProviderPool
	checkpoints checkpoint.Store
	tasks       *tracker.Tracker
	guard       *processor.DependencyGuard
	factory     *FactoryManager

	admission chan struct{}
	baseSinks []sinks.Sink

	mu            sync.Mutex
	haltedErrs    []error
	children      []*Pipeline
	liveTail      bool
	runCtx        context.Context
	pipelineWg    sync.WaitGroup
	contractSinks map[string][]sinks.Sink
}

func NewScheduler(ctx context.Context, m *manifest.Manifest, pool rpc.IProviderPool, checkpoints checkpoint.Store) (*Scheduler, error) {
	baseSinks, err := sinks.Build(ctx, &m.Storage, nil)
	if err != nil {
		return nil, err
	}

	maxTasks := config.Cfg.Scheduler.MaxConcurrentTasks
	if maxTasks <= 0 || maxTasks > config.MaxConcurrentTasksHardCap {
		maxTasks = config.MaxConcurrentTasksHardCap
	}

	s := &Scheduler{
		manifest:      m,
		pool:          pool,
		checkpoints:   checkpoints,
		tasks:         tracker.New(),
		guard:         processor.NewDependencyGuard(),
		admission:     make(chan struct{}, maxTasks),
		baseSinks:     baseSinks,
		contractSinks: make(map[string][]sinks.Sink),
	}
	s.factory = NewFactoryManager(s.launchChild)
	return s, nil
}

// Tracker exposes the task registry for shutdown accounting.
func (s *Scheduler) Tracker() *tracker.Tracker {
	return s.tasks
}

// StartIndexing runs every pipeline of the manifest to completion under the
// requested mode. It returns once all pipelines have terminated; the error
// reports permanent pipeline halts.
func (s *Scheduler) StartIndexing(ctx context.Context, mode Mode) error {
	pipelines, err := buildPipelines(s.manifest)
	if err != nil {
		return err
	}
	bindings, err := buildFactoryParents(s.manifest)
	if err != nil {
		return err
	}
	log.Info().Int("pipelines", len(pipelines)).Int("factories", len(bindings)).Str("mode", mode.String()).Msg("Starting indexing")

	if mode == HistoricalOnly || mode == HistoricalThenLive {
		s.setLiveTail(false)
		s.dropIndexesForBackfill(ctx)
		s.runPhase(ctx, pipelines, bindings, false)
		s.restoreIndexesAfterBackfill(ctx)

		if mode == HistoricalThenLive && ctx.Err() == nil {
			log.Info().Msg("Historical phase complete, transitioning pipelines to live tailing")
			s.setLiveTail(true)
			// Factory children found during catch-up continue into the live
			// phase from their checkpoints.
			children := s.snapshotChildren()
			s.runPhase(ctx, append(pipelines, children...), bindings, true)
		}
	} else {
		s.setLiveTail(true)
		s.runPhase(ctx, pipelines, bindings, true)
	}

	s.mu.Lock()
	halted := len(s.haltedErrs)
	first := ""
	if halted > 0 {
		first = s.haltedErrs[0].Error()
	}
	s.mu.Unlock()
	if halted > 0 {
		return fmt.Errorf("%w: %d halted, first: %s", ErrPipelinesHalted, halted, first)
	}
	return nil
}

// runPhase launches every pipeline of one phase and waits for all of them,
// including factory children injected while the phase runs.
func (s *Scheduler) runPhase(ctx context.Context, pipelines []*Pipeline, bindings []*factoryBinding, liveTail bool) {
	s.mu.Lock()
	s.runCtx = ctx
	// Each phase gets a fresh barrier: keys closed when the previous phase's
	// pipelines terminated must block dependents again.
	s.guard = processor.NewDependencyGuard()
	s.mu.Unlock()

	for _, p := range pipelines {
		s.spawnPipeline(ctx, p, liveTail, nil)
	}
	for _, b := range bindings {
		s.spawnPipeline(ctx, b.parent, liveTail, s.factory.Callback(b))
	}
	s.spawnNativeTransfers(ctx, liveTail)
	s.pipelineWg.Wait()
}

func (s *Scheduler) spawnPipeline(ctx context.Context, p *Pipeline, liveTail bool, cb processor.Callback) {
	s.pipelineWg.Add(1)
	go func() {
		defer s.pipelineWg.Done()
		if err := s.runPipeline(ctx, p, liveTail, cb); err != nil {
			s.recordHalt(p.ID, err)
		}
	}()
}

// launchChild admits a factory-discovered pipeline in the current phase.
func (s *Scheduler) launchChild(p *Pipeline) {
	s.mu.Lock()
	s.children = append(s.children, p)
	liveTail := s.liveTail
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.spawnPipeline(ctx, p, liveTail, nil)
}

func (s *Scheduler) runPipeline(ctx context.Context, p *Pipeline, liveTail bool, cb processor.Callback) error {
	// Admission gates the number of simultaneously active pipelines.
	select {
	case s.admission <- struct{}{}:
	case <-ctx.Done():
		return nil
	}
	defer func() { <-s.admission }()

	metrics.ActivePipelines.Inc()
	defer metrics.ActivePipelines.Dec()
	s.tasks.Register(p.ID, fmt.Sprintf("pipeline %s (%s)", p.ID, p.Event.Name))
	defer s.tasks.Deregister(p.ID)

	startBlock := uint64(0)
	if p.StartBlock != nil {
		startBlock = *p.StartBlock
	}
	if saved, ok, err := s.checkpoints.Load(ctx, p.ID); err != nil {
		log.Error().Err(err).Str("pipeline", p.ID).Msg("Failed to load checkpoint, starting from configured block")
	} else if ok && saved >= startBlock {
		startBlock = saved + 1
	}
	if p.EndBlock != nil && startBlock > *p.EndBlock {
		log.Debug().Str("pipeline", p.ID).Msg("Pipeline already past its end block, nothing to do")
		return nil
	}

	dispatcher, err := s.dispatcherFor(ctx, p)
	if err != nil {
		return err
	}

	f := fetcher.New(s.pool, fetcher.Options{
		PipelineID:        p.ID,
		Network:           p.Network.Name,
		Addresses:         p.Addresses,
		Topics:            p.Topics,
		StartBlock:        startBlock,
		EndBlock:          p.EndBlock,
		ReorgSafeDistance: uint64(p.Network.ReorgSafeDistance),
		PollInterval:      time.Duration(p.Network.PollInterval()) * time.Millisecond,
		LiveTail:          liveTail,
	})

	proc := processor.New(processor.Options{
		PipelineID:    p.ID,
		Network:       p.Network.Name,
		ContractName:  p.Contract.Name,
		Event:         p.Event,
		Conditions:    p.Conditions,
		DependencyKey: p.DependencyKey,
		AckKey:        p.AckKey,
	}, dispatcher, s.checkpoints, s.currentGuard())
	if cb != nil {
		proc.OnDecoded(cb)
	}

	batches := f.Start(ctx)
	runErr := proc.Run(ctx, batches)
	f.Stop()
	// Unblock a fetcher mid-emit so it can observe the drain flag and close.
	for range batches {
	}
	if runErr == nil {
		runErr = f.Err()
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// dispatcherFor combines the storage-level sinks with the contract's stream
// sinks. Contract stream sinks are built once and shared across that
// contract's pipelines.
func (s *Scheduler) dispatcherFor(ctx context.Context, p *Pipeline) (*sinks.Dispatcher, error) {
	if p.Streams == nil {
		return sinks.NewDispatcher(s.baseSinks), nil
	}

	s.mu.Lock()
	cached, ok := s.contractSinks[p.Contract.Name]
	s.mu.Unlock()
	if !ok {
		built, err := sinks.Build(ctx, &manifest.Storage{Streams: p.Streams}, nil)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: failed to build contract streams: %w", p.ID, err)
		}
		s.mu.Lock()
		if existing, raced := s.contractSinks[p.Contract.Name]; raced {
			cached = existing
		} else {
			s.contractSinks[p.Contract.Name] = built
			cached = built
		}
		s.mu.Unlock()
	}
	return sinks.NewDispatcher(append(append([]sinks.Sink{}, s.baseSinks...), cached...)), nil
}

func (s *Scheduler) spawnNativeTransfers(ctx context.Context, liveTail bool) {
	nt := s.manifest.NativeTransfers
	if nt == nil || !nt.Enabled {
		return
	}

	var dispatcher *sinks.Dispatcher
	if nt.Streams != nil {
		built, err := sinks.Build(ctx, &manifest.Storage{Streams: nt.Streams}, nil)
		if err != nil {
			s.recordHalt("native_transfers", err)
			return
		}
		dispatcher = sinks.NewDispatcher(append(append([]sinks.Sink{}, s.baseSinks...), built...))
	} else {
		dispatcher = sinks.NewDispatcher(s.baseSinks)
	}

	for _, detail := range nt.Details {
		network := s.manifest.NetworkByName(detail.Network)
		if network == nil {
			continue
		}
		runner := &nativeTransferRunner{
			pipelineID:  pipelineID(network.Name, "native", "NativeTransfer"),
			network:     network,
			detail:      detail,
			pool:        s.pool,
			dispatcher:  dispatcher,
			checkpoints: s.checkpoints,
			liveTail:    liveTail,
		}
		s.pipelineWg.Add(1)
		go func() {
			defer s.pipelineWg.Done()

			select {
			case s.admission <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-s.admission }()

			s.tasks.Register(runner.pipelineID, "native transfer indexing")
			defer s.tasks.Deregister(runner.pipelineID)

			if err := runner.run(ctx); err != nil {
				s.recordHalt(runner.pipelineID, err)
			}
		}()
	}
}

func (s *Scheduler) dropIndexesForBackfill(ctx context.Context) {
	for _, sink := range s.baseSinks {
		if mgr, ok := sink.(sinks.IndexManager); ok {
			if err := mgr.DropIndexes(ctx); err != nil {
				log.Warn().Err(err).Str("sink", sink.Name()).Msg("Failed to drop indexes for backfill, continuing with them in place")
			}
		}
	}
}

func (s *Scheduler) restoreIndexesAfterBackfill(ctx context.Context) {
	for _, sink := range s.baseSinks {
		if mgr, ok := sink.(sinks.IndexManager); ok {
			if err := mgr.RestoreIndexes(ctx); err != nil {
				log.Error().Err(err).Str("sink", sink.Name()).Msg("Failed to restore indexes after backfill")
			}
		}
	}
}

func (s *Scheduler) recordHalt(pipelineID string, err error) {
	metrics.HaltedPipelines.Inc()
	log.Error().Err(err).Str("pipeline", pipelineID).Msg("Pipeline halted permanently")
	s.mu.Lock()
	s.haltedErrs = append(s.haltedErrs, fmt.Errorf("%s: %w", pipelineID, err))
	s.mu.Unlock()
}

func (s *Scheduler) currentGuard() *processor.DependencyGuard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard
}

func (s *Scheduler) setLiveTail(v bool) {
	s.mu.Lock()
	s.liveTail = v
	s.mu.Unlock()
}

func (s *Scheduler) snapshotChildren() []*Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Pipeline, len(s.children))
	copy(out, s.children)
	return out
}

// Shutdown waits for in-flight work to drain, bounded by the hard deadline.
// The caller cancels the indexing context first; this only observes the
// registry and reports stragglers.
func (s *Scheduler) Shutdown(timeout time.Duration) []string {
	remaining := s.tasks.ShutdownWithin(timeout)
	if len(remaining) > 0 {
		log.Error().Strs("task_ids", remaining).Msg("Shutdown deadline reached with tasks still pending, proceeding anyway")
	}
	for _, sink := range s.baseSinks {
		if err := sink.Close(); err != nil {
			log.Error().Err(err).Str("sink", sink.Name()).Msg("Failed to close sink during shutdown")
		}
	}
	s.mu.Lock()
	contractSinks := s.contractSinks
	s.contractSinks = make(map[string][]sinks.Sink)
	s.mu.Unlock()
	for _, group := range contractSinks {
		for _, sink := range group {
			if err := sink.Close(); err != nil {
				log.Error().Err(err).Str("sink", sink.Name()).Msg("Failed to close contract sink during shutdown")
			}
		}
	}
	return remaining
}
