package fetcher

import (
	gethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsink/indexer/internal/common"
)

// blockMayContainLogs checks a block header's logs bloom against the pipeline
// address set and topic0. A negative result proves the block holds no matching
// event; a positive result may still be a false positive. Optimisation only,
// never a correctness requirement.
func blockMayContainLogs(block *common.Block, addresses []string, topic0 string) bool {
	bloomBytes := gethCommon.FromHex(block.LogsBloom)
	if len(bloomBytes) != types.BloomByteLength {
		// Malformed or absent bloom, assume the block is relevant.
		return true
	}
	bloom := types.BytesToBloom(bloomBytes)

	if len(addresses) > 0 {
		anyAddress := false
		for _, addr := range addresses {
			if types.BloomLookup(bloom, gethCommon.HexToAddress(addr)) {
				anyAddress = true
				break
			}
		}
		if !anyAddress {
			return false
		}
	}

	if topic0 != "" && !types.BloomLookup(bloom, gethCommon.HexToHash(topic0)) {
		return false
	}
	return true
}
