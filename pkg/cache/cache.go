package cache

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencache/gha-cache/internal/archive"
	"github.com/opencache/gha-cache/internal/blob"
	"github.com/opencache/gha-cache/internal/index"
	"github.com/opencache/gha-cache/internal/lock"
)

// evictWorkers bounds the concurrency of the best-effort post-commit blob
// deletion fan-out in Save, step 9. A small fixed cap is enough: these are
// network deletes racing nothing, not a CPU-bound workload.
const evictWorkers = 4

// Engine is the Cache Engine component: it orchestrates the Blob Backend,
// Index Store, Lock Manager and an archive.Archiver to implement Restore
// and Save. An Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	blob     *blob.Backend
	idx      *index.Store
	lockMgr  *lock.Manager
	archiver archive.Archiver
	cfg      *config
	sink     metricsSink
	logger   *zap.Logger

	restore restoreGroup
}

// New validates cfg, applies opts, and constructs an Engine ready to serve
// Restore/Save. It returns an error rather than panicking on invalid
// configuration, the same contract the teacher's cache.New[K,V] makes.
func New(cfg Config, opts ...Option) (*Engine, error) {
	c := defaultConfig(cfg)
	if err := applyOptions(c, opts); err != nil {
		return nil, err
	}

	prefix := c.objectPrefix()

	var sink metricsSink = noopMetrics{}
	var blobOpts []blob.Option
	blobOpts = append(blobOpts, blob.WithLogger(c.logger))
	if c.registry != nil {
		sink = newPromMetrics(c.registry)
		blobOpts = append(blobOpts, blob.WithMetricsSink(blob.NewPromMetrics(c.registry)))
	}

	return &Engine{
		blob:     blob.New(c.Backend, prefix, blobOpts...),
		idx:      index.New(c.Backend, prefix, c.logger),
		lockMgr:  lock.New(c.Backend, prefix, c.logger),
		archiver: c.Archiver,
		cfg:      c,
		sink:     sink,
		logger:   c.logger,
	}, nil
}

// Restore implements §4.4's restore(entry): it fetches the blob referenced
// by key's index entry, extracts it into destDir via the Archiver, and
// best-effort bumps the entry's accessedAt. It reports (false, nil) — not an
// error — when key has no entry; ErrArchiveMissing is returned only when the
// index references a blob that is no longer present.
func (e *Engine) Restore(ctx context.Context, key string, destDir string) (bool, error) {
	res, err := e.restore.load(ctx, key, func(ctx context.Context) (restoreResult, error) {
		return e.doRestore(ctx, key)
	})
	if err != nil {
		e.sink.incRestore(false)
		return false, wrapEngineErr(err)
	}
	if !res.hit {
		e.sink.incRestore(false)
		return false, nil
	}

	tmpDir, err := os.MkdirTemp("", "gha-cache-restore-*")
	if err != nil {
		return false, fmt.Errorf("cache: restore: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpFile, err := os.CreateTemp(tmpDir, "archive-*.tar.zst")
	if err != nil {
		return false, fmt.Errorf("cache: restore: %w", err)
	}
	if _, err := tmpFile.Write(res.data); err != nil {
		tmpFile.Close()
		return false, fmt.Errorf("cache: restore: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return false, fmt.Errorf("cache: restore: %w", err)
	}

	if err := e.archiver.Extract(ctx, tmpFile.Name(), destDir); err != nil {
		return false, fmt.Errorf("cache: restore: extract: %w", err)
	}
	e.sink.incRestore(true)

	e.touchAccessTime(ctx, key)
	return true, nil
}

// doRestore runs under singleflight: it downloads the blob into memory and
// returns the raw bytes. It owns no on-disk state, so there is nothing for
// it to clean up — each concurrent waiter on this key stages its own temp
// file from the shared bytes in Restore and removes it itself.
func (e *Engine) doRestore(ctx context.Context, key string) (restoreResult, error) {
	// This read runs outside the lock, so it uses an index.Store of its own
	// and leaves the concurrency token of e.idx to the locked Save path.
	idx, err := index.New(e.cfg.Backend, e.cfg.objectPrefix(), e.logger).Load(ctx)
	if err != nil {
		return restoreResult{}, fmt.Errorf("cache: restore: %w", err)
	}

	entry, ok := idx.FindEntry(key)
	if !ok {
		return restoreResult{}, nil
	}

	if !e.blob.Exists(ctx, entry.ArchivePath) {
		return restoreResult{}, fmt.Errorf("cache: restore %s: %w", key, ErrArchiveMissing)
	}

	data, err := e.blob.Get(ctx, entry.ArchivePath)
	if err != nil {
		return restoreResult{}, fmt.Errorf("cache: restore: %w", err)
	}

	return restoreResult{hit: true, data: data}, nil
}

// touchAccessTime is step 4 of restore: best-effort, logged and swallowed on
// any failure — an access-time miss never fails the caller's restore.
func (e *Engine) touchAccessTime(ctx context.Context, key string) {
	err := e.lockMgr.WithLock(ctx, func(ctx context.Context) error {
		idx, err := e.idx.Load(ctx)
		if err != nil {
			return err
		}
		entry, ok := idx.FindEntry(key)
		if !ok {
			return nil
		}
		now := nowString()
		entry.AccessedAt = &now
		return e.idx.Save(ctx, idx)
	})
	if err != nil {
		e.logger.Debug("cache: best-effort access-time update failed", zap.String("key", key), zap.Error(err))
	}
}

// Save implements §4.4's save(key, paths) entirely under the lock: load,
// idempotent-on-key short-circuit, expiration sweep, archive+upload, LRU
// eviction, conditional index commit, then best-effort post-commit delete of
// D_exp ∪ D_evict. The index commit happening strictly before any blob
// delete is invariant 1 and is not negotiable — see internal/index.Store.Save.
func (e *Engine) Save(ctx context.Context, key string, paths []string) (index.CacheEntry, error) {
	var result index.CacheEntry
	start := time.Now()

	err := e.lockMgr.WithLock(ctx, func(ctx context.Context) error {
		e.sink.observeLockWait(time.Since(start).Seconds())

		idx, err := e.idx.Load(ctx)
		if err != nil {
			return fmt.Errorf("cache: save: %w", err)
		}

		if existing, ok := idx.FindEntry(key); ok {
			result = *existing
			return nil
		}

		toDelete := sweepExpired(idx)

		workDir, err := os.MkdirTemp("", "gha-cache-save-*")
		if err != nil {
			return fmt.Errorf("cache: save: %w", err)
		}
		defer os.RemoveAll(workDir)

		archivePath, sizeBytes, err := e.archiver.Create(ctx, paths, workDir)
		if err != nil {
			return fmt.Errorf("cache: save: archive: %w", err)
		}

		location, err := e.blob.PutFromPath(ctx, archivePath)
		if err != nil {
			return fmt.Errorf("cache: save: %w", err)
		}

		now := nowString()
		entry := index.CacheEntry{
			Key:         key,
			ArchivePath: location,
			CreatedAt:   now,
			AccessedAt:  &now,
			SizeBytes:   sizeBytes,
		}
		if e.cfg.DefaultTTL > 0 {
			exp := time.Now().Add(e.cfg.DefaultTTL).UTC().Format(time.RFC3339)
			entry.ExpiresAt = &exp
		}

		numExpired := len(toDelete)
		var evicted []string
		if e.cfg.SizeCapBytes > 0 {
			evicted = evictLRU(idx, e.cfg.SizeCapBytes, sizeBytes)
			toDelete = append(toDelete, evicted...)
		}

		idx.Entries = append(idx.Entries, entry)

		if err := e.idx.Save(ctx, idx); err != nil {
			e.sink.incIndexContention()
			return fmt.Errorf("cache: save: %w", err)
		}

		e.sink.incSave()
		e.sink.incExpiration(numExpired)
		e.sink.incEviction(len(evicted))
		result = entry

		e.deleteBlobs(ctx, toDelete)
		return nil
	})
	if err != nil {
		return index.CacheEntry{}, wrapEngineErr(err)
	}
	return result, nil
}

// sweepExpired removes every entry with expiresAt <= now from idx in place
// and returns their archive locations, step 3 of save.
func sweepExpired(idx *index.CacheIndex) []string {
	now := time.Now().UTC()
	var deleted []string
	kept := idx.Entries[:0]
	for _, e := range idx.Entries {
		if e.ExpiresAt != nil {
			if exp, err := time.Parse(time.RFC3339, *e.ExpiresAt); err == nil && !exp.After(now) {
				deleted = append(deleted, e.ArchivePath)
				continue
			}
		}
		kept = append(kept, e)
	}
	idx.Entries = kept
	return deleted
}

// evictLRU implements step 7: if the projected total size would exceed cap,
// evict entries ordered by accessedAt (falling back to createdAt) ascending,
// using a stable sort so ties break on original index order, until the
// projection fits. The entry about to be added (not yet appended to
// idx.Entries by the caller) is never a candidate.
func evictLRU(idx *index.CacheIndex, cap int64, incoming int64) []string {
	projected := idx.TotalSize() + incoming
	if projected <= cap {
		return nil
	}

	type candidate struct {
		pos int
		ts  string
	}
	candidates := make([]candidate, len(idx.Entries))
	for i, e := range idx.Entries {
		ts := e.CreatedAt
		if e.AccessedAt != nil {
			ts = *e.AccessedAt
		}
		candidates[i] = candidate{pos: i, ts: ts}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ts < candidates[j].ts
	})

	evictSet := make(map[int]bool)
	var deleted []string
	for _, c := range candidates {
		if projected <= cap {
			break
		}
		evictSet[c.pos] = true
		projected -= idx.Entries[c.pos].SizeBytes
		deleted = append(deleted, idx.Entries[c.pos].ArchivePath)
	}

	kept := idx.Entries[:0:0]
	for i, e := range idx.Entries {
		if !evictSet[i] {
			kept = append(kept, e)
		}
	}
	idx.Entries = kept
	return deleted
}

// deleteBlobs is step 9: best-effort, concurrent, logged-not-failed per the
// design spec's GC-is-out-of-scope rule. Errors never propagate to the
// caller of Save — the index commit already succeeded.
func (e *Engine) deleteBlobs(ctx context.Context, locations []string) {
	if len(locations) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(evictWorkers)
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			if err := e.blob.Delete(gctx, loc); err != nil {
				e.logger.Debug("cache: best-effort post-commit delete failed", zap.String("location", loc), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}
