package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

func factoryFixture(t *testing.T) (*manifest.Manifest, []*factoryBinding) {
	t.Helper()
	m := testManifest(t)
	m.Contracts = append(m.Contracts, manifest.Contract{
		Name: "Pool",
		ABI:  poolABI,
		Details: []manifest.ContractDetail{
			{
				Network: "ethereum",
				Factory: &manifest.FactoryDetails{
					Address:   "0x1f98431c8ad98523631ae4a59f267346ea31f984",
					EventName: "PoolCreated",
					InputName: "pool",
					ABI:       factoryABI,
				},
			},
		},
	})
	require.NoError(t, m.Validate())

	bindings, err := buildFactoryParents(m)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	return m, bindings
}

func poolCreatedEvent(pipelineID, pool string, block uint64) *common.DecodedEvent {
	return &common.DecodedEvent{
		PipelineID:  pipelineID,
		Network:     "ethereum",
		EventName:   "PoolCreated",
		BlockNumber: block,
		Inputs: map[string]interface{}{
			"token0": "0xaaa0000000000000000000000000000000000000",
			"token1": "0xbbb0000000000000000000000000000000000000",
			"pool":   pool,
		},
	}
}

func TestFactory_ChildPipelinesScopedFromDiscoveryBlock(t *testing.T) {
	_, bindings := factoryFixture(t)

	var mu sync.Mutex
	var launched []*Pipeline
	fm := NewFactoryManager(func(p *Pipeline) {
		mu.Lock()
		defer mu.Unlock()
		launched = append(launched, p)
	})

	cb := fm.Callback(bindings[0])
	cb([]*common.DecodedEvent{poolCreatedEvent("parent", "0xp00l0000000000000000000000000000000000001", 18650000)})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, launched, 1) // the Pool contract indexes one event (Swap)
	child := launched[0]
	assert.Equal(t, "Pool", child.Contract.Name)
	assert.Equal(t, "Swap", child.Event.Name)
	assert.Equal(t, []string{"0xp00l0000000000000000000000000000000000001"}, child.Addresses)
	// The child never starts earlier than the parent event's block.
	require.NotNil(t, child.StartBlock)
	assert.Equal(t, uint64(18650000), *child.StartBlock)
}

func TestFactory_DuplicateDiscoveryIsIdempotent(t *testing.T) {
	_, bindings := factoryFixture(t)

	var mu sync.Mutex
	count := 0
	fm := NewFactoryManager(func(p *Pipeline) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	cb := fm.Callback(bindings[0])
	cb([]*common.DecodedEvent{poolCreatedEvent("parent", "0xp00l0000000000000000000000000000000000001", 18650000)})
	cb([]*common.DecodedEvent{poolCreatedEvent("parent", "0xP00L0000000000000000000000000000000000001", 18650100)})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "the same child address must create exactly one pipeline")
}

func TestFactory_DistinctAddressesEachSpawn(t *testing.T) {
	_, bindings := factoryFixture(t)

	var mu sync.Mutex
	var addresses []string
	fm := NewFactoryManager(func(p *Pipeline) {
		mu.Lock()
		defer mu.Unlock()
		addresses = append(addresses, p.Addresses[0])
	})

	cb := fm.Callback(bindings[0])
	cb([]*common.DecodedEvent{
		poolCreatedEvent("parent", "0xp00l0000000000000000000000000000000000001", 1),
		poolCreatedEvent("parent", "0xp00l0000000000000000000000000000000000002", 2),
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, addresses, 2)
}

func TestFactory_MissingInputIsSkipped(t *testing.T) {
	_, bindings := factoryFixture(t)

	count := 0
	fm := NewFactoryManager(func(p *Pipeline) { count++ })

	ev := poolCreatedEvent("parent", "0xp00l0000000000000000000000000000000000001", 1)
	delete(ev.Inputs, "pool")
	fm.Callback(bindings[0])([]*common.DecodedEvent{ev})
	assert.Equal(t, 0, count)
}
