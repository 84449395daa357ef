package manifest

import "fmt"

const DefaultPollIntervalMs = 200

type Network struct {
	Name              string `yaml:"name"`
	ChainID           uint64 `yaml:"chain_id"`
	RPC               string `yaml:"rpc"`
	MaxBlockRange     uint64 `yaml:"max_block_range,omitempty"`
	ReorgSafeDistance uint32 `yaml:"reorg_safe_distance,omitempty"`
	PollIntervalMs    uint32 `yaml:"poll_interval_ms,omitempty"`
}

func (n *Network) validate() error {
	if n.Name == "" {
		return fmt.Errorf("network name is required")
	}
	if n.RPC == "" {
		return fmt.Errorf("network %s: rpc endpoint is required", n.Name)
	}
	if n.ChainID == 0 {
		return fmt.Errorf("network %s: chain_id is required", n.Name)
	}
	return nil
}

// PollInterval returns the configured interval with the default applied.
func (n *Network) PollInterval() uint32 {
	if n.PollIntervalMs == 0 {
		return DefaultPollIntervalMs
	}
	return n.PollIntervalMs
}
