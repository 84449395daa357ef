package orchestrator

import (
	"fmt"
	"math/big"
	"strings"

	gethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainsink/indexer/internal/manifest"
)

// Pipeline is the minimal independent unit of indexing: one network, one
// contract address scope, one event descriptor, its sink set and filter. The
// scheduler owns every pipeline exclusively.
type Pipeline struct {
	ID         string
	Network    *manifest.Network
	Contract   *manifest.Contract
	Event      *manifest.EventDescriptor
	Addresses  []string
	StartBlock *uint64
	EndBlock   *uint64
	Topics     [][]string
	Streams    *manifest.StreamsConfig
	Conditions []map[string]string

	// DependencyKey is set when the manifest declares this event depends on
	// another; AckKey is always set so dependents can wait on us.
	DependencyKey string
	AckKey        string

	// factoryChild marks pipelines injected at runtime by factory discovery.
	factoryChild bool
}

func pipelineID(network, contract, event string, extra ...string) string {
	parts := append([]string{network, contract, event}, extra...)
	return strings.Join(parts, "::")
}

func ackKey(network, contract, event string) string {
	return pipelineID(network, contract, event)
}

// buildPipelines expands the manifest into one pipeline per
// (network, contract detail, included event). Factory details produce a
// pipeline for the factory contract's discovery event instead; children are
// injected at runtime.
func buildPipelines(m *manifest.Manifest) ([]*Pipeline, error) {
	var out []*Pipeline
	for ci := range m.Contracts {
		contract := &m.Contracts[ci]
		dependsOn := make(map[string]string, len(contract.Relationships))
		for _, rel := range contract.Relationships {
			dependsOn[rel.Event] = rel.DependsOn
		}

		for di := range contract.Details {
			detail := &contract.Details[di]
			network := m.NetworkByName(detail.Network)
			if network == nil {
				return nil, fmt.Errorf("contract %s: unknown network %q", contract.Name, detail.Network)
			}
			if detail.Factory != nil {
				// The children materialize from factory events at runtime;
				// nothing to build statically.
				continue
			}

			for _, event := range contract.IndexedEvents() {
				p := &Pipeline{
					ID:         pipelineID(network.Name, contract.Name, event.Name),
					Network:    network,
					Contract:   contract,
					Event:      event,
					Addresses:  detail.ResolvedAddresses(),
					StartBlock: detail.StartBlock,
					EndBlock:   detail.EndBlock,
					Topics:     buildTopics(event, detail),
					Streams:    contract.Streams,
					AckKey:     ackKey(network.Name, contract.Name, event.Name),
				}
				if dep, ok := dependsOn[event.Name]; ok {
					p.DependencyKey = ackKey(network.Name, contract.Name, dep)
				}
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// buildTopics assembles the RPC topics filter: topic0 pins the event
// signature, topics 1-3 carry the optional indexed filters.
func buildTopics(event *manifest.EventDescriptor, detail *manifest.ContractDetail) [][]string {
	topics := [][]string{{event.SignatureHash}}

	indexed := [][]string{detail.Indexed1, detail.Indexed2, detail.Indexed3}
	// Trim trailing unfiltered positions so the filter stays minimal.
	last := -1
	for i, values := range indexed {
		if len(values) > 0 {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		position := make([]string, 0, len(indexed[i]))
		for _, v := range indexed[i] {
			position = append(position, parseTopicValue(v))
		}
		topics = append(topics, position)
	}
	return topics
}

// parseTopicValue turns a human-readable filter value into its 32-byte topic
// representation: addresses left-pad, numbers encode big-endian, booleans map
// to 0/1, anything else hashes.
func parseTopicValue(input string) string {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "true":
		return gethCommon.BigToHash(gethCommon.Big1).Hex()
	case "false":
		return gethCommon.Hash{}.Hex()
	}
	trimmed := strings.TrimSpace(input)
	if gethCommon.IsHexAddress(trimmed) {
		return gethCommon.BytesToHash(gethCommon.HexToAddress(trimmed).Bytes()).Hex()
	}
	if n, ok := parseUint256(trimmed); ok {
		return gethCommon.BigToHash(n).Hex()
	}
	return crypto.Keccak256Hash([]byte(input)).Hex()
}

func parseUint256(s string) (*big.Int, bool) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return nil, false
	}
	return n, true
}
