package processor

import (
	"math/big"
	"testing"

	gethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
)

const erc20ABI = `[
	{"type":"event","name":"Transfer","inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

const factoryABI = `[
	{"type":"event","name":"PoolCreated","inputs":[
		{"name":"token0","type":"address","indexed":true},
		{"name":"token1","type":"address","indexed":true},
		{"name":"pool","type":"address","indexed":false}]}
]`

func transferDescriptor(t *testing.T) *manifest.EventDescriptor {
	t.Helper()
	events, err := manifest.ParseABIEvents(erc20ABI)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func paddedAddressTopic(addr string) string {
	return gethCommon.BytesToHash(gethCommon.HexToAddress(addr).Bytes()).Hex()
}

func paddedUint256(v *big.Int) string {
	return gethCommon.BigToHash(v).Hex()
}

func TestDecodeLog_Transfer(t *testing.T) {
	event := transferDescriptor(t)
	value, _ := new(big.Int).SetString("3000000000000000000", 10)

	raw := &common.RawLog{
		BlockNumber: 18600050,
		Topics: []string{
			event.SignatureHash,
			paddedAddressTopic("0x1111111111111111111111111111111111111111"),
			paddedAddressTopic("0x2222222222222222222222222222222222222222"),
		},
		Data: paddedUint256(value),
	}

	inputs, err := decodeLog(event, raw)
	require.NoError(t, err)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", inputs["from"])
	assert.Equal(t, "0x2222222222222222222222222222222222222222", inputs["to"])
	assert.Equal(t, "3000000000000000000", inputs["value"])
}

func TestDecodeLog_TopicCountMismatch(t *testing.T) {
	event := transferDescriptor(t)

	raw := &common.RawLog{
		Topics: []string{event.SignatureHash},
		Data:   "0x",
	}
	_, err := decodeLog(event, raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic count")
}

func TestDecodeLog_FactoryEvent(t *testing.T) {
	events, err := manifest.ParseABIEvents(factoryABI)
	require.NoError(t, err)
	event := events[0]

	raw := &common.RawLog{
		Topics: []string{
			event.SignatureHash,
			paddedAddressTopic("0x3333333333333333333333333333333333333333"),
			paddedAddressTopic("0x4444444444444444444444444444444444444444"),
		},
		Data: paddedAddressTopic("0x5555555555555555555555555555555555555555"),
	}

	inputs, err := decodeLog(event, raw)
	require.NoError(t, err)
	assert.Equal(t, "0x5555555555555555555555555555555555555555", inputs["pool"])
	assert.Equal(t, "0x3333333333333333333333333333333333333333", inputs["token0"])
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "123", normalizeValue(big.NewInt(123)))
	assert.Equal(t, "0x1111111111111111111111111111111111111111",
		normalizeValue(gethCommon.HexToAddress("0x1111111111111111111111111111111111111111")))
	assert.Equal(t, true, normalizeValue(true))
	assert.Equal(t, "0x0102", normalizeValue([]byte{1, 2}))
	assert.Equal(t, []interface{}{"1", "2"}, normalizeValue([]*big.Int{big.NewInt(1), big.NewInt(2)}))

	var fixed [2]byte
	fixed[0] = 0xab
	assert.Equal(t, "0xab00", normalizeValue(fixed))
}
