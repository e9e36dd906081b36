// Package backend defines the conditional-write object-store contract
// consumed by internal/blob, internal/index and internal/lock. It is the
// seam across which this module treats "the object-store SDK itself" as an
// external collaborator (per the design spec's scope note): concrete
// implementations wrap real SDK clients (aws-sdk-go-v2, cloud.google.com/go
// /storage); this package only describes the shape every backend must
// expose and the small set of errors every adapter must normalize.
//
// Every method here may suspend on network I/O; none hold a lock across a
// suspension point, so callers are free to invoke them concurrently across
// distinct keys.
package backend

import (
	"context"
	"errors"
	"io"
)

// PreconditionMode selects the conditional-write semantics for PutConditional.
type PreconditionMode int

const (
	// None performs an unconditional write (used by the Lock Manager's
	// stale-lock takeover and by single-shot PutStream uploads of
	// content-addressed blobs; never used by the Index Store, see invariant
	// 4 of the design spec).
	None PreconditionMode = iota
	// CreateOnly succeeds only if the object does not currently exist
	// ("if-none-match: *" on S3, "if-generation-match: 0" on GCS).
	CreateOnly
	// IfMatch succeeds only if the object's current concurrency token equals
	// Precondition.Token ("if-match" on S3, "if-generation-match" on GCS).
	IfMatch
)

// Precondition describes the conditional-write mode for PutConditional.
type Precondition struct {
	Mode  PreconditionMode
	Token string // required when Mode == IfMatch, ignored otherwise
}

// ErrNotFound is returned by Get and GetStream when the key does not exist.
var ErrNotFound = errors.New("backend: object not found")

// ErrPreconditionFailed is returned by PutConditional when the precondition
// was not met: the object already existed (CreateOnly) or its token had
// moved on (IfMatch). Callers distinguish this from other transient errors
// with errors.Is.
var ErrPreconditionFailed = errors.New("backend: precondition failed")

// Store is the conditional-write capability required by §6 of the design
// spec, plus the raw byte/stream accessors the Blob Backend needs. A single
// concrete adapter (S3Store, GCSStore) implements this whole interface so
// the index, lock and blob layers share one client and one credential
// configuration.
type Store interface {
	// Get fetches the full object and its current concurrency token
	// (ETag for S3, decimal generation number for GCS). Returns
	// ErrNotFound (wrapped) when the key is absent.
	Get(ctx context.Context, key string) (data []byte, token string, err error)

	// GetStream is like Get but avoids buffering the whole object in
	// memory; used by the Blob Backend for large archives.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// PutConditional writes data under key honoring cond. On success it
	// returns the new concurrency token. On a failed precondition it
	// returns an error wrapping ErrPreconditionFailed.
	PutConditional(ctx context.Context, key string, data []byte, contentType string, cond Precondition) (token string, err error)

	// PutStream uploads from r, choosing a resumable/multipart path when
	// size exceeds the backend's single-shot threshold. It performs an
	// unconditional write; conditional semantics are not needed for
	// content-addressed blobs (collisions are accepted and documented,
	// see internal/blob).
	PutStream(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Delete removes key. It is idempotent: deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Stat reports the size of key and whether it exists. Like the spec's
	// exists()/getSize(), it returns exists=false on any error, including
	// transient ones — callers must not treat false as an authoritative
	// absence signal for checks that matter (see internal/blob.Backend.Exists).
	Stat(ctx context.Context, key string) (size int64, exists bool)
}

// IsNotFound reports whether err indicates the object did not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPreconditionFailed reports whether err indicates a lost conditional
// write race (HTTP 412, or the GCS/S3 error token equivalents — normalized
// by the concrete adapter before it reaches this point).
func IsPreconditionFailed(err error) bool { return errors.Is(err, ErrPreconditionFailed) }
