package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencache/gha-cache/internal/archive"
	"github.com/opencache/gha-cache/internal/backend/backendtest"
	"github.com/opencache/gha-cache/internal/index"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *backendtest.Fake) {
	t.Helper()
	store := backendtest.New()
	e, err := New(Config{
		Owner:    "o",
		Repo:     "r",
		Backend:  store,
		Archiver: archive.New(),
	}, opts...)
	require.NoError(t, err)
	return e, store
}

func writeTree(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte(content), 0o644))
	return dir
}

// S1. Fresh create.
func TestSaveFreshCreate(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	entry, err := e.Save(ctx, "k1", []string{writeTree(t, "hello")})
	require.NoError(t, err)
	assert.Equal(t, "k1", entry.Key)
	assert.Regexp(t, `^archives/sha256-[0-9a-f]{16}\.tar\.zst$`, entry.ArchivePath)
	assert.Greater(t, entry.SizeBytes, int64(0))
	assert.Equal(t, entry.CreatedAt, *entry.AccessedAt)
	assert.Nil(t, entry.ExpiresAt)
	assert.True(t, store.Has("gha-cache/o/r/"+entry.ArchivePath))
}

// Invariant 4 / S-idempotent: save(k, paths) twice returns the same entry,
// no second upload.
func TestSaveIsIdempotentOnKey(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	dir := writeTree(t, "hello")

	first, err := e.Save(ctx, "k1", []string{dir})
	require.NoError(t, err)
	countAfterFirst := store.PutCount()

	second, err := e.Save(ctx, "k1", []string{dir})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, countAfterFirst, store.PutCount())
}

// Round-trip: save then restore reproduces the original tree.
func TestSaveThenRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	srcDir := writeTree(t, "round-trip-content")

	_, err := e.Save(ctx, "k1", []string{srcDir})
	require.NoError(t, err)

	destDir := t.TempDir()
	hit, err := e.Restore(ctx, "k1", destDir)
	require.NoError(t, err)
	assert.True(t, hit)

	base := filepath.Base(srcDir)
	got, err := os.ReadFile(filepath.Join(destDir, base, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "round-trip-content", string(got))
}

func TestRestoreMissingKeyIsMissNotError(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	hit, err := e.Restore(ctx, "nope", t.TempDir())
	require.NoError(t, err)
	assert.False(t, hit)
}

// S5. Expiration sweep: an expired entry is dropped and its blob deleted
// post-commit; the new entry is added.
func TestSaveSweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	seedIdx := &index.CacheIndex{Version: index.CurrentVersion, Entries: []index.CacheEntry{
		{Key: "old", ArchivePath: "archives/old.tar.zst", CreatedAt: past, ExpiresAt: &past, SizeBytes: 1},
	}}
	require.NoError(t, e.idx.Save(ctx, seedIdx))
	store.Seed("gha-cache/o/r/archives/old.tar.zst", []byte("x"), 1)

	_, err := e.Save(ctx, "new", []string{writeTree(t, "new-content")})
	require.NoError(t, err)

	idx, err := e.idx.Load(ctx)
	require.NoError(t, err)
	_, found := idx.FindEntry("old")
	assert.False(t, found)
	_, found = idx.FindEntry("new")
	assert.True(t, found)

	assert.False(t, store.Has("gha-cache/o/r/archives/old.tar.zst"))
}

// LRU eviction under a size cap evicts the least-recently-accessed entry,
// never the entry currently being saved.
func TestSaveEvictsUnderSizeCap(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()
	e, err := New(Config{
		Owner: "o", Repo: "r",
		Backend:      store,
		Archiver:     archive.New(),
		SizeCapBytes: 1,
	})
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	seedIdx := &index.CacheIndex{Version: index.CurrentVersion, Entries: []index.CacheEntry{
		{Key: "evict-me", ArchivePath: "archives/evict.tar.zst", CreatedAt: old, AccessedAt: &old, SizeBytes: 1000},
	}}
	require.NoError(t, e.idx.Save(ctx, seedIdx))
	store.Seed("gha-cache/o/r/archives/evict.tar.zst", []byte("x"), 1)

	_, err = e.Save(ctx, "new", []string{writeTree(t, "content")})
	require.NoError(t, err)

	idx, err := e.idx.Load(ctx)
	require.NoError(t, err)
	_, found := idx.FindEntry("evict-me")
	assert.False(t, found)
	_, found = idx.FindEntry("new")
	assert.True(t, found, "the entry being saved must never be evicted")
}

// Invariant 1: after Save, the committed index entry references a blob
// that exists, and the returned entry matches the committed one.
func TestSaveCommitsEntryReferencingExistingBlob(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	entry, err := e.Save(ctx, "k1", []string{writeTree(t, "data")})
	require.NoError(t, err)

	idx, err := e.idx.Load(ctx)
	require.NoError(t, err)
	got, found := idx.FindEntry("k1")
	require.True(t, found)
	assert.True(t, store.Has("gha-cache/o/r/"+got.ArchivePath))
	assert.Equal(t, entry.ArchivePath, got.ArchivePath)
}

// Two concurrent saves of distinct keys through one Engine are serialized
// by the lock, so both succeed and both land in the index.
func TestConcurrentSavesOfDistinctKeysBothLand(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, key := range []string{"a", "b"} {
		i, key := i, key
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Save(ctx, key, []string{writeTree(t, key)})
			errs[i] = err
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	idx, err := e.idx.Load(ctx)
	require.NoError(t, err)
	_, foundA := idx.FindEntry("a")
	_, foundB := idx.FindEntry("b")
	assert.True(t, foundA)
	assert.True(t, foundB)
}
