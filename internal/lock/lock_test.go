package lock

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opencache/gha-cache/internal/backend/backendtest"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestAcquireOnEmptyBackend(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()
	m := New(store, "p/", zap.NewNop())
	m.sleepFn = noSleep

	rec, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.LockID)
	assert.Equal(t, "held", m.State())
	assert.True(t, store.Has("p/.lock"))
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()

	now := time.Now()
	stale, err := json.Marshal(Record{LockID: "old", Timestamp: now.Add(-35 * time.Second).UnixMilli()})
	require.NoError(t, err)
	store.Seed("p/.lock", stale, 1)

	m := New(store, "p/", zap.NewNop())
	m.sleepFn = noSleep
	m.nowFn = func() time.Time { return now }

	rec, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "old", rec.LockID)

	data, _, err := store.Get(ctx, "p/.lock")
	require.NoError(t, err)
	var onDisk Record
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, rec.LockID, onDisk.LockID)
}

func TestAcquireFailsWhenHeldAndFresh(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()

	now := time.Now()
	fresh, err := json.Marshal(Record{LockID: "other", Timestamp: now.UnixMilli()})
	require.NoError(t, err)
	store.Seed("p/.lock", fresh, 1)

	m := New(store, "p/", zap.NewNop())
	m.sleepFn = noSleep
	m.nowFn = func() time.Time { return now }

	_, err = m.Acquire(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "failed", m.State())
}

func TestReleaseOnlyDeletesOwnRecord(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()
	m := New(store, "p/", zap.NewNop())
	m.sleepFn = noSleep

	rec, err := m.Acquire(ctx)
	require.NoError(t, err)

	other := Record{LockID: "not-mine", Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(other)
	require.NoError(t, err)
	store.Seed("p/.lock", data, 99)

	m.Release(ctx, rec)
	assert.True(t, store.Has("p/.lock"))
}

func TestWithLockRunsAndReleases(t *testing.T) {
	ctx := context.Background()
	store := backendtest.New()
	m := New(store, "p/", zap.NewNop())
	m.sleepFn = noSleep

	ran := false
	err := m.WithLock(ctx, func(context.Context) error {
		ran = true
		assert.True(t, store.Has("p/.lock"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, store.Has("p/.lock"))
}
