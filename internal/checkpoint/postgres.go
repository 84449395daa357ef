package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/metrics"
	_ "github.com/lib/pq"
)

// PostgresStore keeps one row per pipeline in a cursors table. Monotonicity is
// enforced in the upsert predicate so concurrent writers cannot move a
// checkpoint backwards.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewPostgresStoreFromConfig(cfg *config.DatabaseConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is not configured")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.MaxConnLifetime) * time.Second)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return NewPostgresStore(db)
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS checkpoints (
		pipeline_id TEXT PRIMARY KEY,
		last_indexed_block NUMERIC NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, pipelineID string) (uint64, bool, error) {
	query := `SELECT last_indexed_block FROM checkpoints WHERE pipeline_id = $1`

	var block uint64
	err := s.db.QueryRowContext(ctx, query, pipelineID).Scan(&block)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return block, true, nil
}

func (s *PostgresStore) Store(ctx context.Context, pipelineID string, blockNumber uint64) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout())
	defer cancel()

	query := `INSERT INTO checkpoints (pipeline_id, last_indexed_block)
	          VALUES ($1, $2)
	          ON CONFLICT (pipeline_id)
	          DO UPDATE SET last_indexed_block = EXCLUDED.last_indexed_block, updated_at = NOW()
	          WHERE checkpoints.last_indexed_block < EXCLUDED.last_indexed_block`

	if _, err := s.db.ExecContext(ctx, query, pipelineID, blockNumber); err != nil {
		metrics.CheckpointWriteFailures.Inc()
		return fmt.Errorf("failed to store checkpoint for %s: %w", pipelineID, err)
	}
	metrics.LastCommittedCheckpoint.WithLabelValues(pipelineID).Set(float64(blockNumber))
	return nil
}

func (s *PostgresStore) List(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pipeline_id, last_indexed_block FROM checkpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var id string
		var block uint64
		if err := rows.Scan(&id, &block); err != nil {
			return nil, err
		}
		out[id] = block
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
