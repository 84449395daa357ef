package fetcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/rpc"
)

// fakePool simulates a provider: a fixed head (optionally advancing), a log
// per block, and scripted get_logs failures.
type fakePool struct {
	mu        sync.Mutex
	head      uint64
	maxRange  uint64
	requests  [][2]uint64
	failures  map[int]error // request ordinal -> error
	headCalls int
	advance   func(calls int) uint64
}

func (p *fakePool) GetLogs(_ context.Context, network string, fromBlock, toBlock uint64, _ []string, _ [][]string) (common.LogBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ordinal := len(p.requests)
	p.requests = append(p.requests, [2]uint64{fromBlock, toBlock})
	if err, ok := p.failures[ordinal]; ok {
		return common.LogBatch{}, err
	}

	batch := common.LogBatch{Network: network, FromBlock: fromBlock, ToBlock: toBlock}
	for n := fromBlock; n <= toBlock; n++ {
		batch.Logs = append(batch.Logs, common.RawLog{BlockNumber: n, LogIndex: 0})
	}
	return batch, nil
}

func (p *fakePool) GetLatestBlockNumber(_ context.Context, _ string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headCalls++
	if p.advance != nil {
		return p.advance(p.headCalls), nil
	}
	return p.head, nil
}

func (p *fakePool) GetBlockByNumber(_ context.Context, _ string, number uint64, _ bool) (common.Block, error) {
	return common.Block{Number: number}, nil
}

func (p *fakePool) Call(_ context.Context, _ string, _ string, _ []byte, _ string) ([]byte, error) {
	return nil, nil
}

func (p *fakePool) MaxBlockRange(_ string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxRange
}

func (p *fakePool) Close() {}

func (p *fakePool) requestLog() [][2]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][2]uint64, len(p.requests))
	copy(out, p.requests)
	return out
}

func collect(t *testing.T, ch <-chan common.LogBatch, timeout time.Duration) []common.LogBatch {
	t.Helper()
	var out []common.LogBatch
	deadline := time.After(timeout)
	for {
		select {
		case batch, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, batch)
		case <-deadline:
			t.Fatalf("timed out waiting for fetcher to finish, got %d batches", len(out))
		}
	}
}

func uint64Ptr(v uint64) *uint64 { return &v }

func TestFetcher_HistoricalBatchesAreContiguous(t *testing.T) {
	pool := &fakePool{head: 19000000, maxRange: 40}
	f := New(pool, Options{
		PipelineID:        "p",
		Network:           "ethereum",
		StartBlock:        18600000,
		EndBlock:          uint64Ptr(18600100),
		ReorgSafeDistance: 64,
	})

	batches := collect(t, f.Start(context.Background()), 5*time.Second)
	require.NotEmpty(t, batches)

	cursor := uint64(18600000)
	for _, b := range batches {
		assert.Equal(t, cursor, b.FromBlock, "batches must be contiguous")
		assert.GreaterOrEqual(t, b.ToBlock, b.FromBlock)
		for _, l := range b.Logs {
			assert.GreaterOrEqual(t, l.BlockNumber, b.FromBlock)
			assert.LessOrEqual(t, l.BlockNumber, b.ToBlock)
		}
		cursor = b.ToBlock + 1
	}
	assert.Equal(t, uint64(18600101), cursor)
	assert.Equal(t, StateTerminated, f.State())
	require.NoError(t, f.Err())
}

func TestFetcher_SingleBlockRange(t *testing.T) {
	pool := &fakePool{head: 19000000, maxRange: 1000}
	f := New(pool, Options{
		PipelineID:        "p",
		Network:           "ethereum",
		StartBlock:        18600000,
		EndBlock:          uint64Ptr(18600000),
		ReorgSafeDistance: 64,
	})

	batches := collect(t, f.Start(context.Background()), 5*time.Second)
	require.Len(t, batches, 1)
	assert.Equal(t, uint64(18600000), batches[0].FromBlock)
	assert.Equal(t, uint64(18600000), batches[0].ToBlock)
	require.Len(t, batches[0].Logs, 1)
}

func TestFetcher_RespectsMaxBlockRange(t *testing.T) {
	pool := &fakePool{head: 19000000, maxRange: 10}
	f := New(pool, Options{
		PipelineID: "p",
		Network:    "ethereum",
		StartBlock: 100,
		EndBlock:   uint64Ptr(199),
	})

	collect(t, f.Start(context.Background()), 5*time.Second)
	for _, req := range pool.requestLog() {
		assert.LessOrEqual(t, req[1]-req[0]+1, uint64(10))
	}
}

func TestFetcher_AdaptsToProviderRangeHint(t *testing.T) {
	pool := &fakePool{
		head:     19000000,
		maxRange: 0, // unbounded: the first request spans the whole window
		failures: map[int]error{
			0: &rpc.BlockRangeTooLargeError{Suggested: 10},
		},
	}
	f := New(pool, Options{
		PipelineID: "p",
		Network:    "ethereum",
		StartBlock: 100,
		EndBlock:   uint64Ptr(199),
	})

	batches := collect(t, f.Start(context.Background()), 5*time.Second)
	require.NotEmpty(t, batches)

	requests := pool.requestLog()
	require.GreaterOrEqual(t, len(requests), 2)
	assert.Equal(t, [2]uint64{100, 199}, requests[0])
	// The retry uses the provider-suggested window.
	assert.Equal(t, [2]uint64{100, 109}, requests[1])
	require.NoError(t, f.Err())
}

func TestFetcher_PermanentErrorHalts(t *testing.T) {
	pool := &fakePool{
		head:     19000000,
		maxRange: 50,
		failures: map[int]error{0: &rpc.PermanentError{}},
	}
	f := New(pool, Options{
		PipelineID: "p",
		Network:    "ethereum",
		StartBlock: 100,
		EndBlock:   uint64Ptr(199),
	})

	batches := collect(t, f.Start(context.Background()), 5*time.Second)
	assert.Empty(t, batches)
	require.Error(t, f.Err())
}

func TestFetcher_TransitionsToLiveTailing(t *testing.T) {
	var mu sync.Mutex
	head := uint64(1000)
	pool := &fakePool{maxRange: 100}
	pool.advance = func(int) uint64 {
		mu.Lock()
		defer mu.Unlock()
		return head
	}

	f := New(pool, Options{
		PipelineID:        "p",
		Network:           "ethereum",
		StartBlock:        900,
		ReorgSafeDistance: 10,
		PollInterval:      5 * time.Millisecond,
		LiveTail:          true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.Start(ctx)

	// Historical: 900..990 (head - safe).
	var got []common.LogBatch
	deadline := time.After(5 * time.Second)
	for {
		select {
		case b := <-ch:
			got = append(got, b)
		case <-deadline:
			t.Fatal("never caught up to the safe frontier")
		}
		if len(got) > 0 && got[len(got)-1].ToBlock >= 990 {
			break
		}
	}

	// New blocks appear; within a poll interval the fetcher emits them.
	mu.Lock()
	head = 1020
	mu.Unlock()

	deadline = time.After(5 * time.Second)
	for {
		select {
		case b := <-ch:
			got = append(got, b)
		case <-deadline:
			t.Fatal("live tailing never emitted the new safe blocks")
		}
		if got[len(got)-1].ToBlock >= 1010 {
			cancel()
			// Contiguity holds across the historical to live transition.
			cursor := uint64(900)
			for _, b := range got {
				assert.Equal(t, cursor, b.FromBlock)
				cursor = b.ToBlock + 1
			}
			return
		}
	}
}

func TestFetcher_StopDrains(t *testing.T) {
	pool := &fakePool{head: 1000, maxRange: 1}
	f := New(pool, Options{
		PipelineID:        "p",
		Network:           "ethereum",
		StartBlock:        0,
		ReorgSafeDistance: 0,
		PollInterval:      time.Millisecond,
		LiveTail:          true,
	})

	ch := f.Start(context.Background())
	// Take a couple of batches, then stop while the fetcher is mid-stream.
	<-ch
	<-ch
	f.Stop()
	f.Stop() // idempotent

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				assert.Equal(t, StateTerminated, f.State())
				return
			}
		case <-deadline:
			t.Fatal("fetcher did not terminate after Stop")
		}
	}
}
