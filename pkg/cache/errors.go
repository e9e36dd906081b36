package cache

// errors.go collects the sentinel errors callers branch on, in the same
// spirit as the teacher's pkg/config.go sentinel errors — except these are
// exported, since the design spec's error taxonomy (§7) is part of the
// public contract: callers must be able to distinguish "the lock could not
// be acquired" from "another writer's save already committed" from "the
// referenced blob is gone".

import (
	"errors"
	"fmt"

	"github.com/opencache/gha-cache/internal/index"
	"github.com/opencache/gha-cache/internal/lock"
)

var (
	// ErrLockUnavailable means the Lock Manager's retry budget (10
	// attempts, geometric backoff up to 5s) was exhausted. Save aborts.
	ErrLockUnavailable = errors.New("cache: lock unavailable")

	// ErrIndexContended means the conditional index write lost the race
	// to another writer. The current design does not auto-retry beyond
	// the lock boundary — the caller decides whether to retry Save.
	ErrIndexContended = errors.New("cache: index contended")

	// ErrArchiveMissing means the blob referenced by an index entry is
	// absent at restore time.
	ErrArchiveMissing = errors.New("cache: archive missing")

	// ErrKeyNotFound means the requested key has no entry in the index.
	// Engine.Restore does not return it: a missing key is a cache miss,
	// reported as (false, nil) through Restore's (hit bool, err error)
	// return shape.
	ErrKeyNotFound = errors.New("cache: key not found")
)

// wrapEngineErr maps errors from internal/lock and internal/index onto the
// exported sentinels above, preserving the wrapped cause via %w so
// errors.Is still reaches the original (e.g. a transient backend error that
// happened to occur inside a lock-acquire retry).
func wrapEngineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lock.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrLockUnavailable, err)
	case errors.Is(err, index.ErrContended):
		return fmt.Errorf("%w: %w", ErrIndexContended, err)
	default:
		return err
	}
}
