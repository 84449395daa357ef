package sinks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// PostgresSink bulk-inserts one table per (contract, event) with upsert
// semantics on the dedup key, so replaying a range is a no-op.
type PostgresSink struct {
	db  *sql.DB
	cfg *manifest.PostgresStorage

	mu             sync.Mutex
	ensuredTables  map[string]bool
	droppedIndexes []savedIndex
}

type savedIndex struct {
	name string
	def  string
}

func NewPostgresSink(dbCfg *config.DatabaseConfig, storageCfg *manifest.PostgresStorage) (*PostgresSink, error) {
	if dbCfg.URL == "" {
		return nil, fmt.Errorf("database url is not configured")
	}
	db, err := sql.Open("postgres", dbCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(dbCfg.MaxOpenConns)
	db.SetMaxIdleConns(dbCfg.MaxIdleConns)
	if dbCfg.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(dbCfg.MaxConnLifetime) * time.Second)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresSink{
		db:            db,
		cfg:           storageCfg,
		ensuredTables: make(map[string]bool),
	}, nil
}

func NewPostgresSinkWithDB(db *sql.DB, storageCfg *manifest.PostgresStorage) *PostgresSink {
	return &PostgresSink{db: db, cfg: storageCfg, ensuredTables: make(map[string]bool)}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, events []*common.DecodedEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Group by table; events of one pipeline always share a table, but a
	// batched dispatch may interleave native transfers with contract events.
	byTable := make(map[string][]*common.DecodedEvent)
	for _, ev := range events {
		byTable[tableName(ev.ContractName, ev.EventName)] = append(byTable[tableName(ev.ContractName, ev.EventName)], ev)
	}

	for table, group := range byTable {
		if err := s.ensureTable(ctx, table, group[0]); err != nil {
			return err
		}
		if err := s.insertGroup(ctx, table, group); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSink) insertGroup(ctx context.Context, table string, events []*common.DecodedEvent) error {
	inputCols := inputColumns(events[0])
	cols := append([]string{"network", "contract_address", "tx_hash", "block_number", "block_hash", "log_index", "tx_index"}, inputCols...)

	valueStrings := make([]string, 0, len(events))
	valueArgs := make([]interface{}, 0, len(events)*len(cols))
	for i, ev := range events {
		placeholders := make([]string, len(cols))
		for j := range cols {
			placeholders[j] = fmt.Sprintf("$%d", i*len(cols)+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")

		valueArgs = append(valueArgs,
			ev.Network, ev.ContractAddress, ev.TxHash, ev.BlockNumber, ev.BlockHash, ev.LogIndex, ev.TxIndex)
		for _, col := range inputCols {
			valueArgs = append(valueArgs, renderColumnValue(ev.Inputs[columnToInput(ev, col)]))
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s
	          ON CONFLICT (network, tx_hash, log_index) DO NOTHING`,
		table, strings.Join(quoteAll(cols), ", "), strings.Join(valueStrings, ", "))

	if _, err := s.db.ExecContext(ctx, query, valueArgs...); err != nil {
		if isSchemaViolation(err) {
			return Permanent(s.Name(), err)
		}
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func (s *PostgresSink) ensureTable(ctx context.Context, table string, sample *common.DecodedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensuredTables[table] {
		return nil
	}

	cols := []string{
		`"network" TEXT NOT NULL`,
		`"contract_address" TEXT NOT NULL`,
		`"tx_hash" TEXT NOT NULL`,
		`"block_number" NUMERIC NOT NULL`,
		`"block_hash" TEXT NOT NULL`,
		`"log_index" BIGINT NOT NULL`,
		`"tx_index" BIGINT NOT NULL`,
	}
	for _, col := range inputColumns(sample) {
		cols = append(cols, fmt.Sprintf(`%s TEXT`, quote(col)))
	}
	cols = append(cols, `PRIMARY KEY ("network", "tx_hash", "log_index")`)

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, table, strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	s.ensuredTables[table] = true
	return nil
}

// DropIndexes removes secondary indexes on the sink's tables for the
// historical bulk-insert phase, remembering their definitions.
func (s *PostgresSink) DropIndexes(ctx context.Context) error {
	if s.cfg == nil || !s.cfg.DropIndexesDuringBackfill {
		return nil
	}
	s.mu.Lock()
	tables := make([]string, 0, len(s.ensuredTables))
	for t := range s.ensuredTables {
		tables = append(tables, t)
	}
	s.mu.Unlock()

	for _, table := range tables {
		rows, err := s.db.QueryContext(ctx,
			`SELECT indexname, indexdef FROM pg_indexes WHERE tablename = $1 AND indexdef NOT LIKE '%UNIQUE%'`, strings.Trim(table, `"`))
		if err != nil {
			return fmt.Errorf("failed to list indexes for %s: %w", table, err)
		}
		var saved []savedIndex
		for rows.Next() {
			var idx savedIndex
			if err := rows.Scan(&idx.name, &idx.def); err != nil {
				rows.Close()
				return err
			}
			saved = append(saved, idx)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, idx := range saved {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s`, quote(idx.name))); err != nil {
				return fmt.Errorf("failed to drop index %s: %w", idx.name, err)
			}
			log.Info().Str("index", idx.name).Msg("Dropped index for historical backfill")
		}
		s.mu.Lock()
		s.droppedIndexes = append(s.droppedIndexes, saved...)
		s.mu.Unlock()
	}
	return nil
}

// RestoreIndexes recreates everything DropIndexes removed.
func (s *PostgresSink) RestoreIndexes(ctx context.Context) error {
	s.mu.Lock()
	dropped := s.droppedIndexes
	s.droppedIndexes = nil
	s.mu.Unlock()

	for _, idx := range dropped {
		if _, err := s.db.ExecContext(ctx, idx.def); err != nil {
			return fmt.Errorf("failed to restore index %s: %w", idx.name, err)
		}
		log.Info().Str("index", idx.name).Msg("Restored index after historical backfill")
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

var columnSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

func sanitizeIdent(name string) string {
	cleaned := columnSanitizer.ReplaceAllString(strings.ToLower(name), "_")
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		cleaned = "value"
	}
	return cleaned
}

func tableName(contract, event string) string {
	return quote(sanitizeIdent(contract) + "_" + sanitizeIdent(event))
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, ``) + `"`
}

func quoteAll(idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = quote(id)
	}
	return out
}

// inputColumns returns sanitized column names for the event inputs in a
// stable order.
func inputColumns(ev *common.DecodedEvent) []string {
	names := make([]string, 0, len(ev.Inputs))
	for name := range ev.Inputs {
		names = append(names, name)
	}
	// Deterministic order for reproducible DDL and inserts.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	cols := make([]string, len(names))
	for i, name := range names {
		cols[i] = sanitizeIdent(name)
	}
	return cols
}

// columnToInput maps a sanitized column name back to the original input key.
func columnToInput(ev *common.DecodedEvent, col string) string {
	for name := range ev.Inputs {
		if sanitizeIdent(name) == col {
			return name
		}
	}
	return col
}

func renderColumnValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return val
	case bool:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func isSchemaViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "invalid input syntax") ||
		strings.Contains(msg, "value too long") ||
		strings.Contains(msg, "violates")
}
