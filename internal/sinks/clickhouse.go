package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/common"
)

// ClickhouseSink appends decoded events to one wide table. Dedup on the
// (network, tx_hash, log_index) key is left to ReplacingMergeTree, the same
// append-then-collapse model the columnar store is built around.
type ClickhouseSink struct {
	conn driver.Conn
}

func NewClickhouseSink(cfg *config.ClickhouseConfig) (*ClickhouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Protocol: clickhouse.Native,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	s := &ClickhouseSink{conn: conn}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ClickhouseSink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS decoded_events (
		network LowCardinality(String),
		contract_name LowCardinality(String),
		contract_address String,
		event_name LowCardinality(String),
		signature_hash String,
		block_number UInt64,
		block_hash String,
		tx_hash String,
		tx_index UInt64,
		log_index UInt64,
		inputs String
	) ENGINE = ReplacingMergeTree
	ORDER BY (network, tx_hash, log_index)`)
	if err != nil {
		return fmt.Errorf("failed to create decoded_events table: %w", err)
	}
	return nil
}

func (s *ClickhouseSink) Name() string { return "clickhouse" }

func (s *ClickhouseSink) Write(ctx context.Context, events []*common.DecodedEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO decoded_events (
		network, contract_name, contract_address, event_name, signature_hash,
		block_number, block_hash, tx_hash, tx_index, log_index, inputs)`)
	if err != nil {
		return fmt.Errorf("failed to prepare clickhouse batch: %w", err)
	}

	for _, ev := range events {
		inputsJSON, err := json.Marshal(ev.Inputs)
		if err != nil {
			return Permanent(s.Name(), fmt.Errorf("failed to marshal inputs: %v", err))
		}
		if err := batch.Append(
			ev.Network, ev.ContractName, ev.ContractAddress, ev.EventName, ev.SignatureHash,
			ev.BlockNumber, ev.BlockHash, ev.TxHash, ev.TxIndex, ev.LogIndex, string(inputsJSON),
		); err != nil {
			return fmt.Errorf("failed to append to clickhouse batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send clickhouse batch: %w", err)
	}
	return nil
}

func (s *ClickhouseSink) Close() error {
	return s.conn.Close()
}
