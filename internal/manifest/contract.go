package manifest

import (
	"fmt"
	"strings"
)

// ContractDetail binds a contract to one network with an address scope and a
// block window. Address, Addresses and Factory are mutually exclusive; when all
// are absent the event is indexed across every address on the network.
type ContractDetail struct {
	Network    string          `yaml:"network"`
	Address    string          `yaml:"address,omitempty"`
	Addresses  []string        `yaml:"addresses,omitempty"`
	StartBlock *uint64         `yaml:"start_block,omitempty"`
	EndBlock   *uint64         `yaml:"end_block,omitempty"`
	Filter     string          `yaml:"filter,omitempty"`
	Indexed1   []string        `yaml:"indexed_1,omitempty"`
	Indexed2   []string        `yaml:"indexed_2,omitempty"`
	Indexed3   []string        `yaml:"indexed_3,omitempty"`
	Factory    *FactoryDetails `yaml:"factory,omitempty"`
}

// FactoryDetails declares that contract addresses are discovered at runtime
// from an input of a factory contract's event. Address and ABI describe the
// factory contract; InputName is the dot path to the child address inside the
// decoded event.
type FactoryDetails struct {
	Address   string `yaml:"address"`
	EventName string `yaml:"event_name"`
	InputName string `yaml:"input_name"`
	ABI       string `yaml:"abi"`
}

// EventRelationship declares that Event must not be emitted at block N until
// every event of DependsOn at block <= N has been acknowledged.
type EventRelationship struct {
	Event     string `yaml:"event"`
	DependsOn string `yaml:"depends_on"`
}

type Contract struct {
	Name          string              `yaml:"name"`
	Details       []ContractDetail    `yaml:"details"`
	ABI           string              `yaml:"abi"`
	IncludeEvents []string            `yaml:"include_events,omitempty"`
	Relationships []EventRelationship `yaml:"relationships,omitempty"`
	Streams       *StreamsConfig      `yaml:"streams,omitempty"`

	// Parsed from ABI at load time, sorted by event name.
	Events []*EventDescriptor `yaml:"-"`
}

// ResolvedAddresses returns the explicit address scope of a detail, normalised
// to lowercase. Empty means all addresses (filter mode) or factory-derived.
func (d *ContractDetail) ResolvedAddresses() []string {
	if d.Address != "" {
		return []string{strings.ToLower(d.Address)}
	}
	out := make([]string, 0, len(d.Addresses))
	for _, a := range d.Addresses {
		out = append(out, strings.ToLower(a))
	}
	return out
}

func (c *Contract) validate(networks map[string]*Network) error {
	if c.Name == "" {
		return fmt.Errorf("contract name is required")
	}
	if len(c.Details) == 0 {
		return fmt.Errorf("contract %s: at least one details entry is required", c.Name)
	}
	for i := range c.Details {
		d := &c.Details[i]
		if _, ok := networks[d.Network]; !ok {
			return fmt.Errorf("contract %s: unknown network %q", c.Name, d.Network)
		}
		if d.Factory != nil && (d.Address != "" || len(d.Addresses) > 0) {
			return fmt.Errorf("contract %s: factory is mutually exclusive with address", c.Name)
		}
		if d.Address != "" && len(d.Addresses) > 0 {
			return fmt.Errorf("contract %s: address and addresses are mutually exclusive", c.Name)
		}
		if d.StartBlock != nil && d.EndBlock != nil && *d.StartBlock > *d.EndBlock {
			return fmt.Errorf("contract %s: start_block %d > end_block %d", c.Name, *d.StartBlock, *d.EndBlock)
		}
		if d.Factory != nil {
			if d.Factory.Address == "" || d.Factory.EventName == "" || d.Factory.InputName == "" || d.Factory.ABI == "" {
				return fmt.Errorf("contract %s: factory requires address, event_name, input_name and abi", c.Name)
			}
		}
	}
	for _, rel := range c.Relationships {
		if rel.Event == "" || rel.DependsOn == "" {
			return fmt.Errorf("contract %s: relationship requires event and depends_on", c.Name)
		}
	}
	return nil
}

// EventByName returns the descriptor for an event name, or nil.
func (c *Contract) EventByName(name string) *EventDescriptor {
	for _, ev := range c.Events {
		if ev.Name == name {
			return ev
		}
	}
	return nil
}

// IndexedEvents returns the descriptors selected by include_events, or every
// ABI event when include_events is empty.
func (c *Contract) IndexedEvents() []*EventDescriptor {
	if len(c.IncludeEvents) == 0 {
		return c.Events
	}
	out := make([]*EventDescriptor, 0, len(c.IncludeEvents))
	for _, name := range c.IncludeEvents {
		if ev := c.EventByName(name); ev != nil {
			out = append(out, ev)
		}
	}
	return out
}
