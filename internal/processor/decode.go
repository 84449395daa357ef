package processor

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	gethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

// decodeLog parses one raw log against the event descriptor. The caller has
// already matched topics[0] to the signature hash.
func decodeLog(event *manifest.EventDescriptor, raw *common.RawLog) (map[string]interface{}, error) {
	abiEvent := event.ABIEvent()

	indexedArgs := make(abi.Arguments, 0, len(abiEvent.Inputs))
	for _, arg := range abiEvent.Inputs {
		if arg.Indexed {
			indexedArgs = append(indexedArgs, arg)
		}
	}
	if len(raw.Topics) != len(indexedArgs)+1 {
		return nil, fmt.Errorf("topic count %d does not match %d indexed inputs", len(raw.Topics), len(indexedArgs))
	}

	decoded := make(map[string]interface{}, len(abiEvent.Inputs))

	if len(indexedArgs) > 0 {
		topicHashes := make([]gethCommon.Hash, 0, len(raw.Topics)-1)
		for _, t := range raw.Topics[1:] {
			topicHashes = append(topicHashes, gethCommon.HexToHash(t))
		}
		if err := abi.ParseTopicsIntoMap(decoded, indexedArgs, topicHashes); err != nil {
			return nil, fmt.Errorf("failed to decode indexed inputs: %v", err)
		}
	}

	data := gethCommon.FromHex(raw.Data)
	if err := abiEvent.Inputs.UnpackIntoMap(decoded, data); err != nil {
		return nil, fmt.Errorf("failed to decode data inputs: %v", err)
	}

	normalized := make(map[string]interface{}, len(decoded))
	for name, value := range decoded {
		normalized[name] = normalizeValue(value)
	}
	return normalized, nil
}

// normalizeValue converts go-ethereum decoded values into JSON-safe shapes:
// big integers become decimal strings, addresses and byte slices become hex
// strings, tuples become nested maps.
func normalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *big.Int:
		return v.String()
	case gethCommon.Address:
		return strings.ToLower(v.Hex())
	case gethCommon.Hash:
		return v.Hex()
	case []byte:
		return fmt.Sprintf("0x%x", v)
	case bool, string:
		return v
	case uint8, uint16, uint32, uint64, int8, int16, int32, int64:
		return fmt.Sprintf("%d", v)
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Array:
		// Fixed byte arrays come out of the decoder as [N]uint8.
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				b[i] = byte(rv.Index(i).Uint())
			}
			return fmt.Sprintf("0x%x", b)
		}
		return normalizeSlice(rv)
	case reflect.Slice:
		return normalizeSlice(rv)
	case reflect.Struct:
		// Tuples decode into anonymous structs with abi field tags.
		out := make(map[string]interface{}, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			name := t.Field(i).Tag.Get("json")
			if name == "" {
				name = lowerFirst(t.Field(i).Name)
			}
			out[name] = normalizeValue(rv.Field(i).Interface())
		}
		return out
	default:
		return fmt.Sprintf("%v", value)
	}
}

func normalizeSlice(rv reflect.Value) []interface{} {
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = normalizeValue(rv.Index(i).Interface())
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
