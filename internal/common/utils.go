package common

import (
	"fmt"
	"math/big"
	"strings"
)

// HexToUint64 parses 0x-prefixed or bare hex quantities.
func HexToUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex quantity: %s", s)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("hex quantity overflows uint64: %s", s)
	}
	return v.Uint64(), nil
}

// Uint64ToHex renders a block number the way the JSON-RPC API expects it.
func Uint64ToHex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
