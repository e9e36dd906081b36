package index

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opencache/gha-cache/internal/backend/backendtest"
)

func TestLoadMissingYieldsFreshIndex(t *testing.T) {
	ctx := context.Background()
	s := New(backendtest.New(), "p/", zap.NewNop())

	idx, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, idx.Version)
	assert.Empty(t, idx.Entries)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()
	s := New(store, "p/", zap.NewNop())

	idx, err := s.Load(ctx)
	require.NoError(t, err)
	idx.Entries = append(idx.Entries, CacheEntry{Key: "k1", ArchivePath: "archives/a", CreatedAt: "2026-01-01T00:00:00Z", SizeBytes: 10})
	require.NoError(t, s.Save(ctx, idx))

	s2 := New(store, "p/", zap.NewNop())
	loaded, err := s2.Load(ctx)
	require.NoError(t, err)
	entry, ok := loaded.FindEntry("k1")
	require.True(t, ok)
	assert.Equal(t, "archives/a", entry.ArchivePath)
}

func TestSaveContentionAfterConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()

	s1 := New(store, "p/", zap.NewNop())
	idx1, err := s1.Load(ctx)
	require.NoError(t, err)

	s2 := New(store, "p/", zap.NewNop())
	idx2, err := s2.Load(ctx)
	require.NoError(t, err)

	idx1.Entries = append(idx1.Entries, CacheEntry{Key: "k1", ArchivePath: "archives/a", CreatedAt: "t"})
	require.NoError(t, s1.Save(ctx, idx1))

	idx2.Entries = append(idx2.Entries, CacheEntry{Key: "k2", ArchivePath: "archives/b", CreatedAt: "t"})
	err = s2.Save(ctx, idx2)
	assert.ErrorIs(t, err, ErrContended)
}

func TestLoadMigratesV1(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()

	v1, err := json.Marshal(CacheIndex{
		Version: "1",
		Entries: []CacheEntry{{Key: "k1", ArchivePath: "archives/a", CreatedAt: "2026-01-01T00:00:00Z", SizeBytes: 5}},
	})
	require.NoError(t, err)
	store.Seed("p/index.json", v1, 1)

	s := New(store, "p/", zap.NewNop())
	idx, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, idx.Version)
	entry, ok := idx.FindEntry("k1")
	require.True(t, ok)
	require.NotNil(t, entry.AccessedAt)
	assert.Equal(t, entry.CreatedAt, *entry.AccessedAt)

	// Load alone must not have written anything back.
	_, _, getErr := store.Get(ctx, "p/index.json")
	require.NoError(t, getErr)
	var onDisk CacheIndex
	data, _, _ := store.Get(ctx, "p/index.json")
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "1", onDisk.Version)
}

func TestLoadUnrecognizedVersionStartsFresh(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()
	data, err := json.Marshal(CacheIndex{Version: "99"})
	require.NoError(t, err)
	store.Seed("p/index.json", data, 1)

	s := New(store, "p/", zap.NewNop())
	idx, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, idx.Version)
	assert.Empty(t, idx.Entries)
}

func TestTotalSizeAndRemoveEntry(t *testing.T) {
	idx := &CacheIndex{Entries: []CacheEntry{
		{Key: "a", SizeBytes: 3},
		{Key: "b", SizeBytes: 4},
	}}
	assert.Equal(t, int64(7), idx.TotalSize())

	removed, ok := idx.RemoveEntry("a")
	require.True(t, ok)
	assert.Equal(t, "a", removed.Key)
	assert.Equal(t, int64(4), idx.TotalSize())

	_, ok = idx.RemoveEntry("missing")
	assert.False(t, ok)
}
