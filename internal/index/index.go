// Package index implements the Index Store component: loading and saving a
// single JSON manifest (the CacheIndex) with optimistic-concurrency
// semantics layered over internal/backend.Store.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/opencache/gha-cache/internal/backend"
)

// CurrentVersion is the schema version this module writes.
const CurrentVersion = "2"

// legacyVersion is the one schema version this module still reads and
// migrates in-memory (§4.2 step 2).
const legacyVersion = "1"

// CacheEntry is one record in a CacheIndex.
type CacheEntry struct {
	Key         string  `json:"key"`
	ArchivePath string  `json:"archivePath"`
	CreatedAt   string  `json:"createdAt"`
	SizeBytes   int64   `json:"sizeBytes"`
	ExpiresAt   *string `json:"expiresAt,omitempty"`
	AccessedAt  *string `json:"accessedAt,omitempty"`
}

// CacheIndex is the manifest serialized to index.json.
type CacheIndex struct {
	Version string       `json:"version"`
	Entries []CacheEntry `json:"entries"`
}

// FindEntry returns the entry for key, if present.
func (idx *CacheIndex) FindEntry(key string) (*CacheEntry, bool) {
	for i := range idx.Entries {
		if idx.Entries[i].Key == key {
			return &idx.Entries[i], true
		}
	}
	return nil, false
}

// RemoveEntry deletes the entry for key, if present, and returns it.
func (idx *CacheIndex) RemoveEntry(key string) (CacheEntry, bool) {
	for i := range idx.Entries {
		if idx.Entries[i].Key == key {
			e := idx.Entries[i]
			idx.Entries = append(idx.Entries[:i], idx.Entries[i+1:]...)
			return e, true
		}
	}
	return CacheEntry{}, false
}

// TotalSize returns the sum of SizeBytes across all entries.
func (idx *CacheIndex) TotalSize() int64 {
	var total int64
	for _, e := range idx.Entries {
		total += e.SizeBytes
	}
	return total
}

// ErrContended is returned by Save when the conditional write lost the
// race: another writer committed an index since this Store's last Load.
var ErrContended = errors.New("index: save contended")

// objectKey is the fixed location of the manifest under a given prefix.
const objectKey = "index.json"

// Store loads and saves a CacheIndex at prefix+"index.json", tracking the
// concurrency token captured on the last Load so Save can issue a
// conditional write.
type Store struct {
	backend backend.Store
	prefix  string
	logger  *zap.Logger

	token      string
	hasToken   bool // true once a Load observed an existing object
}

// New constructs a Store. prefix is the fully composed
// "<root-prefix>/<owner>/<repo>/" namespace (see internal/blob for the same
// convention).
func New(store backend.Store, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: store, prefix: prefix, logger: logger}
}

func (s *Store) key() string { return s.prefix + objectKey }

// Load fetches and parses the index, migrating a legacy v1 manifest
// in-memory. A missing object or an unrecognized version both yield a fresh
// empty index (§4.2 steps 1 and 3). In the unrecognized-version case Load
// writes nothing, but it captures the object's token, so a later Save
// replaces the unrecognized manifest if no other writer has changed it
// since this Load.
func (s *Store) Load(ctx context.Context) (*CacheIndex, error) {
	data, token, err := s.backend.Get(ctx, s.key())
	if err != nil {
		if backend.IsNotFound(err) {
			s.hasToken = false
			s.token = ""
			return &CacheIndex{Version: CurrentVersion}, nil
		}
		return nil, fmt.Errorf("index: load: %w", err)
	}

	var idx CacheIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("index: load: parse: %w", err)
	}

	switch idx.Version {
	case CurrentVersion:
		// nothing to do
	case legacyVersion:
		migrateV1(&idx)
	default:
		s.logger.Warn("index: unrecognized version, starting fresh",
			zap.String("version", idx.Version))
		s.hasToken = true
		s.token = token
		return &CacheIndex{Version: CurrentVersion}, nil
	}

	s.hasToken = true
	s.token = token
	return &idx, nil
}

func migrateV1(idx *CacheIndex) {
	for i := range idx.Entries {
		if idx.Entries[i].AccessedAt == nil {
			createdAt := idx.Entries[i].CreatedAt
			idx.Entries[i].AccessedAt = &createdAt
		}
	}
	idx.Version = CurrentVersion
}

// Save serializes idx as pretty-printed JSON and writes it conditionally
// against the token captured by the last Load. If no object existed at
// Load time, Save requires create-only semantics so two fresh writers can
// never both "win" a create (the design spec's tightened first-write rule,
// stricter than some historical S3-only implementations). On success the
// token is refreshed so a second Save in the same lock cycle stays
// conditional. On a lost race, Save returns an error wrapping ErrContended
// and does not update the token.
func (s *Store) Save(ctx context.Context, idx *CacheIndex) error {
	idx.Version = CurrentVersion
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("index: save: marshal: %w", err)
	}

	cond := backend.Precondition{Mode: backend.CreateOnly}
	if s.hasToken {
		cond = backend.Precondition{Mode: backend.IfMatch, Token: s.token}
	}

	token, err := s.backend.PutConditional(ctx, s.key(), data, "application/json", cond)
	if err != nil {
		if backend.IsPreconditionFailed(err) {
			return fmt.Errorf("index: save: %w", ErrContended)
		}
		return fmt.Errorf("index: save: %w", err)
	}

	s.token = token
	s.hasToken = true
	return nil
}
