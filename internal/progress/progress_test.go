package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/listing-import/internal/importer"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, ttl), mr
}

func sampleProgress() importer.Progress {
	return importer.Progress{
		Stage:        "complete",
		TotalRows:    11,
		BatchesTotal: 2,
		BatchesDone:  1,
		Created:      7,
		Failed:       1,
		UpdatedAt:    time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestRedisStore_SaveLoad(t *testing.T) {
	s, mr := setupRedisStore(t, 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "sess-1", sampleProgress()))
	assert.True(t, mr.Exists("import:progress:sess-1"))
	assert.Equal(t, 10*time.Minute, mr.TTL("import:progress:sess-1"))

	got, ok, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleProgress(), got)
}

func TestRedisStore_Missing(t *testing.T) {
	s, _ := setupRedisStore(t, 0)
	_, ok, err := s.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Expires(t *testing.T) {
	s, mr := setupRedisStore(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "sess-1", sampleProgress()))

	mr.FastForward(2 * time.Minute)

	_, ok, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Delete(t *testing.T) {
	s, mr := setupRedisStore(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "sess-1", sampleProgress()))
	require.NoError(t, s.Delete(ctx, "sess-1"))
	assert.False(t, mr.Exists("import:progress:sess-1"))
}

func TestRedisStore_CorruptValue(t *testing.T) {
	s, mr := setupRedisStore(t, time.Minute)
	require.NoError(t, mr.Set("import:progress:sess-1", "{not json"))

	_, _, err := s.Load(context.Background(), "sess-1")
	assert.Error(t, err)
}

func TestRedisStore_ServerDown(t *testing.T) {
	s, mr := setupRedisStore(t, time.Minute)
	mr.Close()

	err := s.Save(context.Background(), "sess-1", sampleProgress())
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	var s Store = NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "sess-1", sampleProgress()))
	got, ok, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, got.Created)

	require.NoError(t, s.Delete(ctx, "sess-1"))
	_, ok, _ = s.Load(ctx, "sess-1")
	assert.False(t, ok)
}
