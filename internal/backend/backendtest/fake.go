// Package backendtest provides an in-memory backend.Store used throughout
// this module's tests. It simulates conditional-write semantics (ETag/
// generation tokens) and supports fault injection, so tests can exercise the
// two-phase-publish ordering and precondition races without a real bucket —
// the same "small hand-written fake" texture as the teacher's own tests,
// rather than a mocking framework.
package backendtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/opencache/gha-cache/internal/backend"
)

type object struct {
	data []byte
	gen  int64
}

// Fake is an in-memory backend.Store.
type Fake struct {
	mu      sync.Mutex
	objects map[string]*object

	// failNextPut, when > 0, makes the next N PutConditional/PutStream
	// calls fail with failErr, decrementing on each attempt. Used to
	// simulate BackendTransient errors and crash-injection tests.
	failNextPut int
	failErr     error

	// putCount tracks total successful conditional/stream puts, used by
	// idempotent-save tests to assert no extra upload happened.
	putCount int
}

// New returns an empty fake store.
func New() *Fake {
	return &Fake{objects: make(map[string]*object)}
}

// FailNextPut arranges for the next n PutConditional/PutStream calls to
// fail with err instead of touching the in-memory map.
func (f *Fake) FailNextPut(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextPut = n
	f.failErr = err
}

// PutCount returns the number of successful puts observed so far.
func (f *Fake) PutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCount
}

// Seed directly installs an object, bypassing conditional-write checks —
// used to set up pre-existing state (e.g. a stale lock record, a v1 index).
func (f *Fake) Seed(key string, data []byte, gen int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &object{data: append([]byte(nil), data...), gen: gen}
}

// Has reports whether key currently exists.
func (f *Fake) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("fake get %s: %w", key, backend.ErrNotFound)
	}
	return append([]byte(nil), obj.data...), strconv.FormatInt(obj.gen, 10), nil
}

func (f *Fake) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	data, _, err := f.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *Fake) PutConditional(_ context.Context, key string, data []byte, _ string, cond backend.Precondition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNextPut > 0 {
		f.failNextPut--
		return "", f.failErr
	}

	existing, exists := f.objects[key]
	switch cond.Mode {
	case backend.CreateOnly:
		if exists {
			return "", fmt.Errorf("fake put %s: %w", key, backend.ErrPreconditionFailed)
		}
	case backend.IfMatch:
		if !exists || strconv.FormatInt(existing.gen, 10) != cond.Token {
			return "", fmt.Errorf("fake put %s: %w", key, backend.ErrPreconditionFailed)
		}
	case backend.None:
		// unconditional
	}

	var nextGen int64 = 1
	if exists {
		nextGen = existing.gen + 1
	}
	f.objects[key] = &object{data: append([]byte(nil), data...), gen: nextGen}
	f.putCount++
	return strconv.FormatInt(nextGen, 10), nil
}

func (f *Fake) PutStream(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, err = f.PutConditional(ctx, key, data, contentType, backend.Precondition{Mode: backend.None})
	return err
}

func (f *Fake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *Fake) Stat(_ context.Context, key string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return 0, false
	}
	return int64(len(obj.data)), true
}

var _ backend.Store = (*Fake)(nil)
