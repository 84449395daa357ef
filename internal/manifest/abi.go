package manifest

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EventInput is one entry of an event's ordered input list.
type EventInput struct {
	Name    string
	Type    string
	Indexed bool
}

// EventDescriptor is an ABI event with its canonical signature hash.
type EventDescriptor struct {
	Name          string
	SignatureHash string
	Inputs        []EventInput

	abiEvent abi.Event
}

// ABIEvent exposes the parsed go-ethereum event for decoding.
func (e *EventDescriptor) ABIEvent() abi.Event {
	return e.abiEvent
}

// IndexedInputs returns the inputs carried in topics, in declaration order.
func (e *EventDescriptor) IndexedInputs() []EventInput {
	out := make([]EventInput, 0, len(e.Inputs))
	for _, in := range e.Inputs {
		if in.Indexed {
			out = append(out, in)
		}
	}
	return out
}

// ParseABIEvents parses an ABI JSON document and returns a descriptor per
// event, sorted by event name. Signature hashes must be unique within one ABI.
func ParseABIEvents(abiJSON string) ([]*EventDescriptor, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %v", err)
	}

	seen := make(map[string]string)
	descriptors := make([]*EventDescriptor, 0, len(parsed.Events))
	for _, ev := range parsed.Events {
		sigHash := ev.ID.Hex()
		if prev, dup := seen[sigHash]; dup {
			return nil, fmt.Errorf("duplicate event signature %s for %s and %s", sigHash, prev, ev.Name)
		}
		seen[sigHash] = ev.Name

		inputs := make([]EventInput, 0, len(ev.Inputs))
		for _, in := range ev.Inputs {
			inputs = append(inputs, EventInput{
				Name:    in.Name,
				Type:    in.Type.String(),
				Indexed: in.Indexed,
			})
		}
		descriptors = append(descriptors, &EventDescriptor{
			Name:          ev.Name,
			SignatureHash: sigHash,
			Inputs:        inputs,
			abiEvent:      ev,
		})
	}
	// abi.ABI stores events in a map; restore a stable order by name so the
	// descriptor list is deterministic across loads.
	sortDescriptors(descriptors)
	return descriptors, nil
}

func sortDescriptors(ds []*EventDescriptor) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && ds[j-1].Name > ds[j].Name; j-- {
			ds[j-1], ds[j] = ds[j], ds[j-1]
		}
	}
}
