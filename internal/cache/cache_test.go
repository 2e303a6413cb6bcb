package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNamespacing(t *testing.T) {
	assert.Equal(t, "citrascope:satellite:25544", Key("satellite", "25544"))
	assert.Equal(t, "citrascope:telescope", Key("telescope"))
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, found, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	val, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, m.Delete(ctx, "k"))
	_, found, _ = m.Get(ctx, "k")
	assert.False(t, found)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Second))

	clock = clock.Add(9 * time.Second)
	_, found, _ := m.Get(ctx, "k")
	assert.True(t, found)

	clock = clock.Add(2 * time.Second)
	_, found, _ = m.Get(ctx, "k")
	assert.False(t, found, "entry expired")
}

func TestMemorySweepOnWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	clock := time.Now()
	m.now = func() time.Time { return clock }

	for i := 0; i < memorySweepThreshold; i++ {
		require.NoError(t, m.Set(ctx, Key("n", string(rune('a'+i%26)), time.Duration(i).String()), []byte("x"), time.Second))
	}
	clock = clock.Add(2 * time.Second)

	require.NoError(t, m.Set(ctx, "fresh", []byte("y"), time.Minute))

	m.mu.Lock()
	size := len(m.items)
	m.mu.Unlock()
	assert.Equal(t, 1, size, "expired entries swept on write")
}

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	r := &Redis{rdb: redis.NewClient(&redis.Options{Addr: srv.Addr()})}
	t.Cleanup(func() { r.Close() })
	return r, srv
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisStore(t)

	_, found, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, r.Set(ctx, Key("satellite", "25544"), []byte(`{"id":"25544"}`), time.Minute))
	val, found, err := r.Get(ctx, Key("satellite", "25544"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"id":"25544"}`, string(val))

	require.NoError(t, r.Delete(ctx, Key("satellite", "25544")))
	_, found, _ = r.Get(ctx, Key("satellite", "25544"))
	assert.False(t, found)
}

func TestRedisTTLExpiry(t *testing.T) {
	ctx := context.Background()
	r, srv := newRedisStore(t)

	require.NoError(t, r.Set(ctx, "k", []byte("v"), 5*time.Second))
	srv.FastForward(6 * time.Second)

	_, found, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisBackendErrorIsNotAMiss(t *testing.T) {
	ctx := context.Background()
	r, srv := newRedisStore(t)
	srv.Close()

	_, _, err := r.Get(ctx, "k")
	assert.Error(t, err)
}
