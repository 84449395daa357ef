package sinks

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsink/indexer/internal/common"
)

func csvEvent(logIndex uint64, value string) *common.DecodedEvent {
	return &common.DecodedEvent{
		Network:         "ethereum",
		ContractName:    "RocketPoolETH",
		ContractAddress: "0xae78736cd615f374d3085123a210448e74fc6393",
		EventName:       "Transfer",
		BlockNumber:     18600050,
		BlockHash:       "0xblock",
		TxHash:          "0xtx",
		TxIndex:         1,
		LogIndex:        logIndex,
		Inputs: map[string]interface{}{
			"from":  "0x1111111111111111111111111111111111111111",
			"to":    "0x2222222222222222222222222222222222222222",
			"value": value,
		},
	}
}

func readCsv(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCsvSink_OneFilePerContractEvent(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCsvSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write(context.Background(), []*common.DecodedEvent{
		csvEvent(0, "100"),
		csvEvent(1, "200"),
	}))

	path := filepath.Join(dir, "rocketpooleth-transfer.csv")
	rows := readCsv(t, path)
	require.Len(t, rows, 3)

	// Header: sorted input names then the transaction fields.
	assert.Equal(t, []string{"from", "to", "value", "tx_hash", "block_number", "block_hash", "log_index", "tx_index", "network", "contract_address"}, rows[0])
	assert.Equal(t, "100", rows[1][2])
	assert.Equal(t, "200", rows[2][2])
	assert.Equal(t, "ethereum", rows[1][8])
}

func TestCsvSink_AppendsAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCsvSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), []*common.DecodedEvent{csvEvent(0, "1")}))
	require.NoError(t, sink.Write(context.Background(), []*common.DecodedEvent{csvEvent(1, "2")}))
	require.NoError(t, sink.Close())

	// Reopening must not duplicate the header.
	sink, err = NewCsvSink(dir)
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), []*common.DecodedEvent{csvEvent(2, "3")}))
	require.NoError(t, sink.Close())

	rows := readCsv(t, filepath.Join(dir, "rocketpooleth-transfer.csv"))
	require.Len(t, rows, 4)
	assert.Equal(t, "from", rows[0][0])
}

func TestPostgresHelpers(t *testing.T) {
	assert.Equal(t, `"rocketpooleth_transfer"`, tableName("RocketPoolETH", "Transfer"))
	assert.Equal(t, "quote_params", sanitizeIdent("quote-Params"))
	assert.Equal(t, "value", sanitizeIdent("***"))

	ev := csvEvent(0, "1")
	cols := inputColumns(ev)
	assert.Equal(t, []string{"from", "to", "value"}, cols)
	assert.Equal(t, "from", columnToInput(ev, "from"))
}
