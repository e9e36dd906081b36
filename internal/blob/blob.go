// Package blob implements the Blob Backend component: content-addressed
// PUT/GET/DELETE/HEAD of opaque archives over internal/backend.Store.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/opencache/gha-cache/internal/backend"
)

// hashPrefixLen is the number of hex characters kept from the full SHA-256
// digest when naming archives. This truncation is deliberate (compactness)
// and accepts the mathematical possibility of a collision at ~2^64 entries;
// implementations must preserve this exact naming for cross-version
// compatibility — do not "fix" it by lengthening the prefix.
const hashPrefixLen = 16

// multipartThreshold is the size above which Put/PutFromPath use the
// backend's resumable/multipart path instead of a single-shot upload.
const multipartThreshold = 5 << 20

const contentType = "application/zstd"

// Backend is the content-addressed archive store consumed by the Cache
// Engine.
type Backend struct {
	store  backend.Store
	prefix string
	logger *zap.Logger
	sink   metricsSink
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger attaches a zap logger used only for the slow-path multipart
// upload event — never on the hot Put/Get path.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetricsSink wires a Prometheus-backed (or no-op) metrics sink; see
// metrics.go.
func WithMetricsSink(sink metricsSink) Option {
	return func(b *Backend) {
		if sink != nil {
			b.sink = sink
		}
	}
}

// New constructs a Backend rooted at prefix, the fully composed
// "<root-prefix>/<owner>/<repo>/" namespace.
func New(store backend.Store, prefix string, opts ...Option) *Backend {
	b := &Backend{store: store, prefix: prefix, logger: zap.NewNop(), sink: noopMetrics{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) archiveKey(location string) string { return b.prefix + location }

func shortHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

func locationFor(shortDigest string) string {
	return fmt.Sprintf("archives/sha256-%s.tar.zst", shortDigest)
}

// Put hashes data with SHA-256, truncates to the first 16 hex chars, and
// writes it to archives/sha256-<short>.tar.zst, returning that relative
// location. Inputs at or under 5 MiB use a single-shot upload; larger
// inputs use the backend's resumable/multipart path.
func (b *Backend) Put(ctx context.Context, data []byte) (string, error) {
	location := locationFor(shortHash(data))
	key := b.archiveKey(location)

	if len(data) > multipartThreshold {
		b.logger.Debug("blob: multipart put", zap.String("location", location), zap.Int("bytes", len(data)))
	}
	if err := b.store.PutStream(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", fmt.Errorf("blob: put: %w", err)
	}
	b.sink.incPut(int64(len(data)))
	return location, nil
}

// PutFromPath uploads the file at localPath whose filename is assumed to
// already encode the hash (sha256-<hex>.<ext>) — it is reused verbatim, no
// re-hashing, matching §4.1's putFromPath contract.
func (b *Backend) PutFromPath(ctx context.Context, localPath string) (string, error) {
	base := filepath.Base(localPath)
	location := "archives/" + base
	key := b.archiveKey(location)

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("blob: putFromPath: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("blob: putFromPath: %w", err)
	}

	if info.Size() > multipartThreshold {
		b.logger.Debug("blob: multipart putFromPath", zap.String("location", location), zap.Int64("bytes", info.Size()))
	}

	if err := b.store.PutStream(ctx, key, f, info.Size(), contentType); err != nil {
		return "", fmt.Errorf("blob: putFromPath: %w", err)
	}
	b.sink.incPut(info.Size())
	return location, nil
}

// Get fetches the full blob at location.
func (b *Backend) Get(ctx context.Context, location string) ([]byte, error) {
	data, _, err := b.store.Get(ctx, b.archiveKey(location))
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, fmt.Errorf("blob: get %s: %w", location, ErrMissing)
		}
		return nil, fmt.Errorf("blob: get: %w", err)
	}
	b.sink.incGet(int64(len(data)))
	return data, nil
}

// GetStream fetches location as a stream, for large archives the caller
// does not want fully buffered in memory.
func (b *Backend) GetStream(ctx context.Context, location string) (io.ReadCloser, error) {
	rc, err := b.store.GetStream(ctx, b.archiveKey(location))
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, fmt.Errorf("blob: getStream %s: %w", location, ErrMissing)
		}
		return nil, fmt.Errorf("blob: getStream: %w", err)
	}
	return rc, nil
}

// Delete removes the blob at location. It is idempotent: deleting an
// already-missing blob is not an error.
func (b *Backend) Delete(ctx context.Context, location string) error {
	if err := b.store.Delete(ctx, b.archiveKey(location)); err != nil {
		return fmt.Errorf("blob: delete: %w", err)
	}
	b.sink.incDelete()
	return nil
}

// Exists returns false on any error, including transient ones. Per the
// design spec, callers must not treat false as an authoritative absence
// signal for checks where that distinction matters (e.g. do not use Exists
// to decide whether a retry-able upload actually landed).
func (b *Backend) Exists(ctx context.Context, location string) bool {
	_, exists := b.store.Stat(ctx, b.archiveKey(location))
	return exists
}

// GetSize returns 0 when the backend does not report a size (or on error).
func (b *Backend) GetSize(ctx context.Context, location string) int64 {
	size, _ := b.store.Stat(ctx, b.archiveKey(location))
	return size
}

// ErrMissing is returned when a referenced blob is absent.
var ErrMissing = errMissing{}

type errMissing struct{}

func (errMissing) Error() string { return "blob: archive missing" }
