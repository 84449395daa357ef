package orchestrator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
	"github.com/chainsink/indexer/internal/metrics"
	"github.com/chainsink/indexer/internal/processor"
	"github.com/rs/zerolog/log"
)

// factoryBinding couples a child contract detail to its factory contract's
// discovery pipeline.
type factoryBinding struct {
	child   *manifest.Contract
	detail  *manifest.ContractDetail
	network *manifest.Network
	// parent is the pipeline indexing the factory contract's discovery event.
	parent *Pipeline
}

// FactoryManager derives new pipelines from decoded factory events and
// injects them into the scheduler. Duplicate discovery of the same address is
// idempotent: the child pipelines for a (child contract, network, address)
// key, one per included event of the child contract, are created only once.
type FactoryManager struct {
	mu     sync.Mutex
	seen   map[string]bool
	launch func(p *Pipeline)
}

func NewFactoryManager(launch func(p *Pipeline)) *FactoryManager {
	return &FactoryManager{
		seen:   make(map[string]bool),
		launch: launch,
	}
}

// buildFactoryParents constructs the discovery pipeline for every factory
// detail in the manifest. Two children sharing a factory each get their own
// parent pipeline; the dedup key keeps the result set identical.
func buildFactoryParents(m *manifest.Manifest) ([]*factoryBinding, error) {
	var out []*factoryBinding
	for ci := range m.Contracts {
		contract := &m.Contracts[ci]
		for di := range contract.Details {
			detail := &contract.Details[di]
			if detail.Factory == nil {
				continue
			}
			network := m.NetworkByName(detail.Network)
			if network == nil {
				return nil, fmt.Errorf("contract %s: unknown network %q", contract.Name, detail.Network)
			}

			factoryEvents, err := manifest.ParseABIEvents(detail.Factory.ABI)
			if err != nil {
				return nil, fmt.Errorf("contract %s: factory abi: %v", contract.Name, err)
			}
			var discovery *manifest.EventDescriptor
			for _, ev := range factoryEvents {
				if ev.Name == detail.Factory.EventName {
					discovery = ev
					break
				}
			}
			if discovery == nil {
				return nil, fmt.Errorf("contract %s: factory abi has no event %q", contract.Name, detail.Factory.EventName)
			}

			parent := &Pipeline{
				ID:         pipelineID(network.Name, contract.Name, discovery.Name, "factory"),
				Network:    network,
				Contract:   contract,
				Event:      discovery,
				Addresses:  []string{strings.ToLower(detail.Factory.Address)},
				StartBlock: detail.StartBlock,
				EndBlock:   detail.EndBlock,
				Topics:     [][]string{{discovery.SignatureHash}},
				AckKey:     pipelineID(network.Name, contract.Name, discovery.Name, "factory"),
			}
			out = append(out, &factoryBinding{
				child:   contract,
				detail:  detail,
				network: network,
				parent:  parent,
			})
		}
	}
	return out, nil
}

// Callback returns the processor hook for a binding's parent pipeline. Every
// decoded factory event yields one child address; each new address spawns
// child pipelines for the child contract's included events, scoped from the
// discovering event's block.
func (f *FactoryManager) Callback(b *factoryBinding) processor.Callback {
	return func(events []*common.DecodedEvent) {
		for _, ev := range events {
			value, ok := processor.LookupPath(ev.Inputs, b.detail.Factory.InputName)
			if !ok {
				log.Warn().
					Str("pipeline", ev.PipelineID).
					Str("input", b.detail.Factory.InputName).
					Msg("Factory event is missing the child address input")
				continue
			}
			address, ok := value.(string)
			if !ok || address == "" {
				log.Warn().Str("pipeline", ev.PipelineID).Msg("Factory child address is not an address value")
				continue
			}
			f.discovered(b, strings.ToLower(address), ev.BlockNumber)
		}
	}
}

func (f *FactoryManager) discovered(b *factoryBinding, address string, blockNumber uint64) {
	key := b.child.Name + "::" + b.network.Name + "::" + address
	f.mu.Lock()
	if f.seen[key] {
		f.mu.Unlock()
		return
	}
	f.seen[key] = true
	f.mu.Unlock()

	log.Info().
		Str("contract", b.child.Name).
		Str("network", b.network.Name).
		Str("address", address).
		Uint64("block", blockNumber).
		Msg("Factory discovered new contract address")

	// The child never starts earlier than the event that revealed it.
	startBlock := blockNumber
	for _, event := range b.child.IndexedEvents() {
		child := &Pipeline{
			ID:           pipelineID(b.network.Name, b.child.Name, event.Name, address),
			Network:      b.network,
			Contract:     b.child,
			Event:        event,
			Addresses:    []string{address},
			StartBlock:   &startBlock,
			EndBlock:     b.detail.EndBlock,
			Topics:       [][]string{{event.SignatureHash}},
			Streams:      b.child.Streams,
			AckKey:       pipelineID(b.network.Name, b.child.Name, event.Name, address),
			factoryChild: true,
		}
		metrics.FactoryPipelinesCreated.Inc()
		f.launch(child)
	}
}
