package checkpoint

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Load(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Store(ctx, "p1", 100))
	require.NoError(t, s.Store(ctx, "p1", 50)) // silently ignored
	require.NoError(t, s.Store(ctx, "p1", 100))

	block, ok, err := s.Load(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), block)

	require.NoError(t, s.Store(ctx, "p1", 101))
	block, _, _ = s.Load(ctx, "p1")
	assert.Equal(t, uint64(101), block)
}

func TestMemoryStore_ConcurrentWritersStayMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(block uint64) {
			defer wg.Done()
			_ = s.Store(ctx, "p1", block)
		}(uint64(i))
	}
	wg.Wait()

	block, ok, err := s.Load(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(49), block)
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Store(ctx, "a", 1))
	require.NoError(t, s.Store(ctx, "b", 2))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"a": 1, "b": 2}, all)
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Store(ctx, "ethereum::RocketPoolETH::Transfer", 18600100))
	require.NoError(t, s.Store(ctx, "ethereum::RocketPoolETH::Transfer", 18600000)) // ignored

	// A fresh store sees the persisted state, as after a process restart.
	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	block, ok, err := reopened.Load(ctx, "ethereum::RocketPoolETH::Transfer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(18600100), block)

	all, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nope", "checkpoints.json"))
	require.NoError(t, err)
	_, ok, err := s.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}
