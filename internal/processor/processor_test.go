package processor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsink/indexer/internal/checkpoint"
	"github.com/chainsink/indexer/internal/common"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]*common.DecodedEvent
	err     error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, events []*common.DecodedEvent) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := make([]*common.DecodedEvent, len(events))
	copy(copied, events)
	d.batches = append(d.batches, copied)
	return nil
}

func (d *fakeDispatcher) all() []*common.DecodedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*common.DecodedEvent
	for _, b := range d.batches {
		out = append(out, b...)
	}
	return out
}

func transferLog(block, logIndex uint64, sigHash string, value *big.Int) common.RawLog {
	return common.RawLog{
		BlockNumber: block,
		BlockHash:   "0xblock",
		TxHash:      "0xtx",
		TxIndex:     0,
		LogIndex:    logIndex,
		Address:     "0xae78736cd615f374d3085123a210448e74fc6393",
		Topics: []string{
			sigHash,
			paddedAddressTopic("0x1111111111111111111111111111111111111111"),
			paddedAddressTopic("0x2222222222222222222222222222222222222222"),
		},
		Data: paddedUint256(value),
	}
}

func newTestProcessor(t *testing.T, dispatcher Dispatcher, store checkpoint.Store, conditions []map[string]string) *Processor {
	t.Helper()
	event := transferDescriptor(t)
	return New(Options{
		PipelineID:   "ethereum::RocketPoolETH::Transfer",
		Network:      "ethereum",
		ContractName: "RocketPoolETH",
		Event:        event,
		Conditions:   conditions,
		AckKey:       "ethereum::RocketPoolETH::Transfer",
	}, dispatcher, store, NewDependencyGuard())
}

func runBatches(t *testing.T, p *Processor, batches ...common.LogBatch) error {
	t.Helper()
	ch := make(chan common.LogBatch, len(batches))
	for _, b := range batches {
		ch <- b
	}
	close(ch)
	return p.Run(context.Background(), ch)
}

func TestProcessor_DecodesAndDispatches(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := checkpoint.NewMemoryStore()
	p := newTestProcessor(t, dispatcher, store, nil)
	sigHash := transferDescriptor(t).SignatureHash

	batch := common.LogBatch{
		Network:   "ethereum",
		FromBlock: 18600000,
		ToBlock:   18600010,
		Logs: []common.RawLog{
			transferLog(18600001, 0, sigHash, big.NewInt(1)),
			transferLog(18600002, 3, sigHash, big.NewInt(2)),
		},
	}
	require.NoError(t, runBatches(t, p, batch))

	events := dispatcher.all()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(18600001), events[0].BlockNumber)
	assert.Equal(t, uint64(18600002), events[1].BlockNumber)
	assert.Equal(t, "Transfer", events[0].EventName)
	assert.Equal(t, "1", events[0].Inputs["value"])

	block, ok, err := store.Load(context.Background(), "ethereum::RocketPoolETH::Transfer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(18600010), block)
}

func TestProcessor_EmptyBatchStillAdvancesCheckpoint(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := checkpoint.NewMemoryStore()
	p := newTestProcessor(t, dispatcher, store, nil)

	batch := common.LogBatch{Network: "ethereum", FromBlock: 100, ToBlock: 200}
	require.NoError(t, runBatches(t, p, batch))

	assert.Empty(t, dispatcher.all())
	block, ok, _ := store.Load(context.Background(), "ethereum::RocketPoolETH::Transfer")
	require.True(t, ok)
	assert.Equal(t, uint64(200), block)
}

func TestProcessor_SkipsForeignTopics(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := checkpoint.NewMemoryStore()
	p := newTestProcessor(t, dispatcher, store, nil)
	sigHash := transferDescriptor(t).SignatureHash

	foreign := transferLog(100, 0, sigHash, big.NewInt(1))
	foreign.Topics[0] = "0x0000000000000000000000000000000000000000000000000000000000000000"

	batch := common.LogBatch{FromBlock: 100, ToBlock: 100, Logs: []common.RawLog{foreign}}
	require.NoError(t, runBatches(t, p, batch))
	assert.Empty(t, dispatcher.all())
}

func TestProcessor_DecodeFailureDropsSingleLog(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := checkpoint.NewMemoryStore()
	p := newTestProcessor(t, dispatcher, store, nil)
	sigHash := transferDescriptor(t).SignatureHash

	broken := transferLog(100, 0, sigHash, big.NewInt(1))
	broken.Topics = broken.Topics[:2] // missing one indexed topic

	batch := common.LogBatch{
		FromBlock: 100,
		ToBlock:   100,
		Logs: []common.RawLog{
			broken,
			transferLog(100, 1, sigHash, big.NewInt(2)),
		},
	}
	require.NoError(t, runBatches(t, p, batch))

	// The rest of the batch continues and the checkpoint still advances.
	events := dispatcher.all()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].LogIndex)
	block, ok, _ := store.Load(context.Background(), "ethereum::RocketPoolETH::Transfer")
	require.True(t, ok)
	assert.Equal(t, uint64(100), block)
}

func TestProcessor_ConditionsFilter(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := checkpoint.NewMemoryStore()
	conditions := []map[string]string{{"value": ">=2000000000000000000 && <=4000000000000000000"}}
	p := newTestProcessor(t, dispatcher, store, conditions)
	sigHash := transferDescriptor(t).SignatureHash

	small, _ := new(big.Int).SetString("1500000000000000000", 10)
	matching, _ := new(big.Int).SetString("3000000000000000000", 10)

	batch := common.LogBatch{
		FromBlock: 100,
		ToBlock:   100,
		Logs: []common.RawLog{
			transferLog(100, 0, sigHash, small),
			transferLog(100, 1, sigHash, matching),
		},
	}
	require.NoError(t, runBatches(t, p, batch))

	events := dispatcher.all()
	require.Len(t, events, 1)
	assert.Equal(t, "3000000000000000000", events[0].Inputs["value"])
}

func TestProcessor_DispatchFailureHaltsAndHoldsCheckpoint(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("schema violation")}
	store := checkpoint.NewMemoryStore()
	p := newTestProcessor(t, dispatcher, store, nil)
	sigHash := transferDescriptor(t).SignatureHash

	batch := common.LogBatch{
		FromBlock: 100,
		ToBlock:   100,
		Logs:      []common.RawLog{transferLog(100, 0, sigHash, big.NewInt(1))},
	}
	err := runBatches(t, p, batch)
	require.Error(t, err)

	_, ok, _ := store.Load(context.Background(), "ethereum::RocketPoolETH::Transfer")
	assert.False(t, ok, "checkpoint must not advance past unacknowledged data")
}

func TestProcessor_DependentWaitsForDependency(t *testing.T) {
	guard := NewDependencyGuard()
	dispatcher := &fakeDispatcher{}
	store := checkpoint.NewMemoryStore()
	event := transferDescriptor(t)
	sigHash := event.SignatureHash

	dependent := New(Options{
		PipelineID:    "ethereum::C::B",
		Network:       "ethereum",
		ContractName:  "C",
		Event:         event,
		DependencyKey: "ethereum::C::A",
		AckKey:        "ethereum::C::B",
	}, dispatcher, store, guard)

	batches := make(chan common.LogBatch, 1)
	batches <- common.LogBatch{
		FromBlock: 100,
		ToBlock:   100,
		Logs:      []common.RawLog{transferLog(100, 0, sigHash, big.NewInt(1))},
	}
	close(batches)

	done := make(chan error, 1)
	go func() { done <- dependent.Run(context.Background(), batches) }()

	select {
	case <-done:
		t.Fatal("dependent dispatched before its dependency acknowledged")
	default:
	}

	guard.Acknowledge("ethereum::C::A", 100)
	require.NoError(t, <-done)
	assert.Len(t, dispatcher.all(), 1)
}

func TestProcessor_OnDecodedCallback(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	store := checkpoint.NewMemoryStore()
	p := newTestProcessor(t, dispatcher, store, nil)
	sigHash := transferDescriptor(t).SignatureHash

	var observed []*common.DecodedEvent
	p.OnDecoded(func(events []*common.DecodedEvent) {
		observed = append(observed, events...)
	})

	batch := common.LogBatch{
		FromBlock: 100,
		ToBlock:   100,
		Logs:      []common.RawLog{transferLog(100, 0, sigHash, big.NewInt(1))},
	}
	require.NoError(t, runBatches(t, p, batch))
	require.Len(t, observed, 1)
	assert.Equal(t, "Transfer", observed[0].EventName)
}
