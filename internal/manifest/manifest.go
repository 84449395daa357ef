package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ProjectType string

const (
	ProjectTypeNoCode ProjectType = "no-code"
	ProjectTypeRust   ProjectType = "rust"
)

// NativeTransferDetail scopes native transfer indexing to one network.
type NativeTransferDetail struct {
	Network    string  `yaml:"network"`
	StartBlock *uint64 `yaml:"start_block,omitempty"`
	EndBlock   *uint64 `yaml:"end_block,omitempty"`
}

type NativeTransfers struct {
	Enabled bool                   `yaml:"enabled"`
	Details []NativeTransferDetail `yaml:"details,omitempty"`
	Streams *StreamsConfig         `yaml:"streams,omitempty"`
}

// GlobalContract is a view-only contract available for enrichment calls.
type GlobalContract struct {
	Name    string `yaml:"name"`
	Network string `yaml:"network"`
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
}

type Global struct {
	Contracts []GlobalContract `yaml:"contracts,omitempty"`
}

// Manifest is the typed, read-only representation of indexing intent.
type Manifest struct {
	Name            string           `yaml:"name"`
	Description     string           `yaml:"description,omitempty"`
	ProjectType     ProjectType      `yaml:"project_type"`
	Networks        []Network        `yaml:"networks"`
	Storage         Storage          `yaml:"storage"`
	Contracts       []Contract       `yaml:"contracts"`
	NativeTransfers *NativeTransfers `yaml:"native_transfers,omitempty"`
	Global          *Global          `yaml:"global,omitempty"`
}

// Load reads, strictly decodes and validates a manifest file. Unknown keys are
// rejected at load so config typos surface immediately.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %v", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %v", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks cross-entity invariants and parses every contract ABI.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if len(m.Networks) == 0 {
		return fmt.Errorf("at least one network is required")
	}

	networks := make(map[string]*Network, len(m.Networks))
	for i := range m.Networks {
		n := &m.Networks[i]
		if err := n.validate(); err != nil {
			return err
		}
		if _, dup := networks[n.Name]; dup {
			return fmt.Errorf("duplicate network %q", n.Name)
		}
		networks[n.Name] = n
	}

	names := make(map[string]struct{}, len(m.Contracts))
	for i := range m.Contracts {
		c := &m.Contracts[i]
		if err := c.validate(networks); err != nil {
			return err
		}
		if _, dup := names[c.Name]; dup {
			return fmt.Errorf("duplicate contract %q", c.Name)
		}
		names[c.Name] = struct{}{}

		events, err := ParseABIEvents(c.ABI)
		if err != nil {
			return fmt.Errorf("contract %s: %v", c.Name, err)
		}
		c.Events = events

		for _, name := range c.IncludeEvents {
			if c.EventByName(name) == nil {
				return fmt.Errorf("contract %s: include_events references unknown event %q", c.Name, name)
			}
		}
		for _, rel := range c.Relationships {
			if c.EventByName(rel.Event) == nil || c.EventByName(rel.DependsOn) == nil {
				return fmt.Errorf("contract %s: relationship references unknown event", c.Name)
			}
		}
	}

	if m.NativeTransfers != nil && m.NativeTransfers.Enabled {
		for _, d := range m.NativeTransfers.Details {
			if _, ok := networks[d.Network]; !ok {
				return fmt.Errorf("native_transfers: unknown network %q", d.Network)
			}
			if d.StartBlock != nil && d.EndBlock != nil && *d.StartBlock > *d.EndBlock {
				return fmt.Errorf("native_transfers: start_block > end_block on %s", d.Network)
			}
		}
	}

	if m.Global != nil {
		for _, gc := range m.Global.Contracts {
			if _, ok := networks[gc.Network]; !ok {
				return fmt.Errorf("global contract %s: unknown network %q", gc.Name, gc.Network)
			}
			if _, err := ParseABIEvents(gc.ABI); err != nil {
				return fmt.Errorf("global contract %s: %v", gc.Name, err)
			}
		}
	}
	return nil
}

// NetworkByName returns the named network, or nil.
func (m *Manifest) NetworkByName(name string) *Network {
	for i := range m.Networks {
		if m.Networks[i].Name == name {
			return &m.Networks[i]
		}
	}
	return nil
}
