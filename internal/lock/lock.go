// Package lock implements the Lock Manager component: a cross-process
// mutex built entirely on the conditional-write primitive of
// internal/backend.Store, rooted at a sentinel ".lock" object. It is not a
// true mutex — see the doc comment on Manager.Acquire — the Index Store's
// optimistic-concurrency check is the second line of defense.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencache/gha-cache/internal/backend"
)

const (
	maxAttempts      = 10
	initialBackoff   = 100 * time.Millisecond
	maxBackoff       = 5000 * time.Millisecond
	staleAfter       = 30 * time.Second
	objectKey        = ".lock"
)

// ErrUnavailable is returned by Acquire when the retry budget is exhausted.
var ErrUnavailable = errors.New("lock: unavailable after max attempts")

// Record is the JSON body of the sentinel lock object.
type Record struct {
	LockID    string `json:"lockId"`
	Timestamp int64  `json:"timestamp"`
}

// state is the per-caller state machine: Idle -> Acquiring -> Held ->
// Releasing -> Idle, with Acquiring -> Failed on budget exhaustion. It only
// drives debug logging; it carries no correctness weight.
type state int

const (
	stateIdle state = iota
	stateAcquiring
	stateHeld
	stateReleasing
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAcquiring:
		return "acquiring"
	case stateHeld:
		return "held"
	case stateReleasing:
		return "releasing"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Manager acquires and releases the cross-process lock at prefix+".lock".
type Manager struct {
	backend backend.Store
	prefix  string
	logger  *zap.Logger

	// nowFn and sleepFn are overridden in tests to make the retry loop and
	// staleness window deterministic.
	nowFn   func() time.Time
	sleepFn func(context.Context, time.Duration) error

	st atomic.Int32 // current state, see the state enum above
}

// State reports this Manager's current position in the
// Idle/Acquiring/Held/Releasing/Failed state machine.
func (m *Manager) State() string { return state(m.st.Load()).String() }

func (m *Manager) setState(s state) {
	m.st.Store(int32(s))
	m.logger.Debug("lock: state transition", zap.String("state", s.String()))
}

// New constructs a Manager.
func New(store backend.Store, prefix string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend: store,
		prefix:  prefix,
		logger:  logger,
		nowFn:   time.Now,
		sleepFn: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) key() string { return m.prefix + objectKey }

// newLockID builds a <epoch-ms>-<pid>-<random> identifier, the format §4.3
// requires. The random component is a truncated UUIDv4 rather than a
// hand-rolled PRNG string — the pack's storage-adjacent projects reach for
// google/uuid for exactly this kind of opaque token.
func newLockID(now time.Time) string {
	return fmt.Sprintf("%d-%d-%s", now.UnixMilli(), os.Getpid(), uuid.NewString()[:8])
}

// Acquire runs the bounded retry loop described in §4.3: read, create-if-
// absent, detect-and-reclaim-stale, or back off and retry. It returns the
// Record this caller now holds, or an error wrapping ErrUnavailable once the
// 10-attempt budget is exhausted.
//
// This primitive is not a true mutex: between an unconditional stale-lock
// overwrite and the read-back that confirms ownership, two writers can
// briefly both believe they hold the lock. Correctness does not rely on
// Acquire alone — the Index Store's optimistic-concurrency check (its
// conditional Save) is the actual tiebreaker for at most one concurrent
// writer's save taking effect.
func (m *Manager) Acquire(ctx context.Context) (*Record, error) {
	m.setState(stateAcquiring)
	backoff := initialBackoff

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, found, err := m.read(ctx)
		if err != nil {
			m.logger.Debug("lock: transient read error, retrying", zap.Error(err))
			if serr := m.sleepFn(ctx, backoff); serr != nil {
				return nil, serr
			}
			backoff = nextBackoff(backoff)
			continue
		}

		now := m.nowFn()

		if !found {
			mine := Record{LockID: newLockID(now), Timestamp: now.UnixMilli()}
			if ok := m.tryCreate(ctx, mine); ok {
				m.setState(stateHeld)
				m.logger.Debug("lock: acquired via create", zap.String("lockId", mine.LockID))
				return &mine, nil
			}
			if serr := m.sleepFn(ctx, backoff); serr != nil {
				return nil, serr
			}
			backoff = nextBackoff(backoff)
			continue
		}

		age := now.Sub(time.UnixMilli(rec.Timestamp))
		if age <= staleAfter {
			if serr := m.sleepFn(ctx, backoff); serr != nil {
				return nil, serr
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Stale: unconditional overwrite, then read back to confirm we won.
		mine := Record{LockID: newLockID(now), Timestamp: now.UnixMilli()}
		if _, err := m.backend.PutConditional(ctx, m.key(), mustMarshal(mine), "application/json", backend.Precondition{Mode: backend.None}); err != nil {
			m.logger.Debug("lock: stale takeover write failed, retrying", zap.Error(err))
			if serr := m.sleepFn(ctx, backoff); serr != nil {
				return nil, serr
			}
			backoff = nextBackoff(backoff)
			continue
		}

		readBack, found, err := m.read(ctx)
		if err != nil || !found {
			if serr := m.sleepFn(ctx, backoff); serr != nil {
				return nil, serr
			}
			backoff = nextBackoff(backoff)
			continue
		}
		if readBack.LockID == mine.LockID {
			m.setState(stateHeld)
			m.logger.Debug("lock: acquired via stale reclaim", zap.String("lockId", mine.LockID))
			return &mine, nil
		}
		// Another reclaimer beat us to it; retry.
		if serr := m.sleepFn(ctx, backoff); serr != nil {
			return nil, serr
		}
		backoff = nextBackoff(backoff)
	}

	m.setState(stateFailed)
	return nil, fmt.Errorf("lock: %w", ErrUnavailable)
}

// Release is best-effort: it re-reads the lock and only deletes it if the
// current holder is still ours. All errors are swallowed — a holder that
// cannot release leaves a record that will be reclaimed as stale within the
// staleness window.
func (m *Manager) Release(ctx context.Context, held *Record) {
	if held == nil {
		return
	}
	m.setState(stateReleasing)
	defer m.setState(stateIdle)

	rec, found, err := m.read(ctx)
	if err != nil || !found {
		return
	}
	if rec.LockID != held.LockID {
		return
	}
	if err := m.backend.Delete(ctx, m.key()); err != nil {
		m.logger.Debug("lock: best-effort release failed", zap.Error(err))
	}
}

// WithLock runs fn while holding the lock, releasing it on every exit path
// (including panics propagated from fn).
func (m *Manager) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	rec, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer m.Release(ctx, rec)
	return fn(ctx)
}

func (m *Manager) read(ctx context.Context) (*Record, bool, error) {
	data, _, err := m.backend.Get(ctx, m.key())
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("lock: parse record: %w", err)
	}
	return &rec, true, nil
}

func (m *Manager) tryCreate(ctx context.Context, rec Record) bool {
	_, err := m.backend.PutConditional(ctx, m.key(), mustMarshal(rec), "application/json", backend.Precondition{Mode: backend.CreateOnly})
	return err == nil
}

func mustMarshal(rec Record) []byte {
	data, err := json.Marshal(rec)
	if err != nil {
		// Record only contains a string and an int64; this cannot fail.
		panic(err)
	}
	return data
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	// a small jitter keeps contending writers from retrying in lockstep;
	// the jittered delay is still capped at maxBackoff
	jitter := time.Duration(rand.Int63n(int64(next)/10 + 1))
	if next+jitter > maxBackoff {
		return maxBackoff
	}
	return next + jitter
}
