package checkpoint

import (
	"context"
	"sync"
	"time"

	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/metrics"
)

// Store persists the last fully processed block per pipeline. Stores are
// monotonic per key: a store of a block less than or equal to the current
// value is silently ignored.
type Store interface {
	Load(ctx context.Context, pipelineID string) (uint64, bool, error)
	Store(ctx context.Context, pipelineID string, blockNumber uint64) error
	List(ctx context.Context) (map[string]uint64, error)
	Close() error
}

// WriteTimeout bounds every checkpoint write so a hung backend cannot stall
// the shutdown path.
func WriteTimeout() time.Duration {
	secs := config.Cfg.Checkpoint.WriteTimeout
	if secs <= 0 {
		secs = config.DefaultWriteTimeoutSecs
	}
	return time.Duration(secs) * time.Second
}

// MemoryStore is the in-process implementation, used as the fallback when no
// durable backend is configured. Monotonicity is enforced with a compare
// under a short critical section.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[string]uint64)}
}

func (s *MemoryStore) Load(_ context.Context, pipelineID string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.blocks[pipelineID]
	return block, ok, nil
}

func (s *MemoryStore) Store(_ context.Context, pipelineID string, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.blocks[pipelineID]; ok && blockNumber <= current {
		return nil
	}
	s.blocks[pipelineID] = blockNumber
	metrics.LastCommittedCheckpoint.WithLabelValues(pipelineID).Set(float64(blockNumber))
	return nil
}

func (s *MemoryStore) List(_ context.Context) (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.blocks))
	for k, v := range s.blocks {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
