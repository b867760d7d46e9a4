package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openBackends returns every backend the suite can exercise locally.
// Redis joins only when CELL0_TEST_REDIS_ADDR points at a live server.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{
		"memory": NewMemory(),
	}

	b, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	stores["bolt"] = b

	if addr := os.Getenv("CELL0_TEST_REDIS_ADDR"); addr != "" {
		r, err := OpenRedis(context.Background(), RedisConfig{Addr: addr, DB: 9})
		require.NoError(t, err)
		stores["redis"] = r
	}
	return stores
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()

			require.NoError(t, s.Put(ctx, "node/1/state", []byte("hello")))

			v, err := s.Get(ctx, "node/1/state")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), v)

			ok, err := s.Exists(ctx, "node/1/state")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Put(ctx, "node/1/state", []byte("replaced")))
			v, err = s.Get(ctx, "node/1/state")
			require.NoError(t, err)
			assert.Equal(t, []byte("replaced"), v)

			require.NoError(t, s.Delete(ctx, "node/1/state"))
			_, err = s.Get(ctx, "node/1/state")
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err = s.Exists(ctx, "node/1/state")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreKeysPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()

			require.NoError(t, s.Put(ctx, "node/1/log/1", []byte("a")))
			require.NoError(t, s.Put(ctx, "node/1/log/2", []byte("b")))
			require.NoError(t, s.Put(ctx, "node/1/state", []byte("c")))
			require.NoError(t, s.Put(ctx, "node/2/log/1", []byte("d")))

			keys, err := s.Keys(ctx, "node/1/log/")
			require.NoError(t, err)
			assert.Equal(t, []string{"node/1/log/1", "node/1/log/2"}, keys)

			keys, err = s.Keys(ctx, "node/9/")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStoreDeleteAbsentKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			assert.NoError(t, s.Delete(ctx, "never/written"))
		})
	}
}

func TestBoltSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "node/1/state", []byte("durable")))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer b.Close()

	v, err := b.Get(ctx, "node/1/state")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), v)
}

func TestMemoryClosedReturnsErrClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Put(ctx, "k", nil), ErrClosed)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}
