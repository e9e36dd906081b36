package cache

// loader.go implements the singleflight-based de-duplication layer used by
// Engine.Restore: the goal is to prevent a thundering herd when many
// goroutines in the same process Restore the same key simultaneously — only
// one of them actually loads the index and downloads the archive, the rest
// wait for its result; each caller then extracts the shared bytes into its
// own destDir. Adapted from the teacher's pkg/loader.go loaderGroup, dropped
// to a single concrete value type since Restore has exactly one result shape
// (restoreResult) rather than the teacher's generic K/V loader.

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// restoreResult is the shared outcome of a deduplicated Restore call. It
// carries the downloaded archive bytes rather than a path to a shared temp
// file: the result is handed to every waiter on the same key, and each
// waiter extracts into a different destDir, so ownership of any on-disk
// staging copy must stay with the individual caller, not this shared value.
type restoreResult struct {
	hit  bool
	data []byte
}

type restoreGroup struct {
	g singleflight.Group
}

// load executes fn exactly once per key across all concurrent callers;
// every waiter receives the same restoreResult/error. ctx cancellation only
// affects the calling goroutine's wait — it does not cancel fn for other
// waiters still depending on it, matching the teacher's loadAsync rationale.
func (rg *restoreGroup) load(ctx context.Context, key string, fn func(context.Context) (restoreResult, error)) (restoreResult, error) {
	ch := rg.g.DoChan(key, func() (any, error) {
		return fn(context.Background())
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return restoreResult{}, res.Err
		}
		return res.Val.(restoreResult), nil
	case <-ctx.Done():
		return restoreResult{}, ctx.Err()
	}
}
