package cache

// config.go defines Engine's configuration object and the functional
// options that tune it, following the same pattern as the teacher's
// pkg/config.go: a private config struct populated by defaultConfig() and
// mutated only by Option values, validated once in applyOptions before the
// Engine is constructed.

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/opencache/gha-cache/internal/archive"
	"github.com/opencache/gha-cache/internal/backend"
)

// defaultPrefix is the root prefix under which every object this module
// writes is namespaced, per §6.
const defaultPrefix = "gha-cache/"

// Config bundles the required construction parameters for New. Owner/Repo
// scope the cache to one CI project; Backend and Archiver are the two
// external collaborators the Engine orchestrates.
type Config struct {
	Owner string
	Repo  string

	// Prefix defaults to "gha-cache/" when empty.
	Prefix string

	// SizeCapBytes, when > 0, enables LRU eviction in Save. 0 means
	// unlimited.
	SizeCapBytes int64

	// DefaultTTL, when > 0, sets expiresAt = now + DefaultTTL on every
	// saved entry. 0 means entries never expire.
	DefaultTTL time.Duration

	Backend  backend.Store
	Archiver archive.Archiver
}

// config holds Config plus the optional knobs set via Option.
type config struct {
	Config

	logger   *zap.Logger
	registry *prometheus.Registry
}

// Option is a functional option applied after defaultConfig, mirroring the
// teacher's Option[K,V].
type Option func(*config)

// WithLogger plugs an external zap.Logger. The Engine never logs on save's
// upload/commit hot path; only slow or best-effort events (lock retries,
// access-time update failures, post-commit delete failures) are emitted —
// the same rule the teacher states for its own logger option.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics for the Engine and the blob layer
// it owns. Passing nil disables metrics (default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) {
		c.registry = reg
	}
}

func defaultConfig(cfg Config) *config {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	return &config{Config: cfg, logger: zap.NewNop()}
}

func applyOptions(cfg *config, opts []Option) error {
	for _, o := range opts {
		o(cfg)
	}

	if cfg.Owner == "" {
		return errInvalidOwner
	}
	if cfg.Repo == "" {
		return errInvalidRepo
	}
	if cfg.Backend == nil {
		return errNilBackend
	}
	if cfg.Archiver == nil {
		return errNilArchiver
	}
	if cfg.SizeCapBytes < 0 {
		return errInvalidSizeCap
	}
	if cfg.DefaultTTL < 0 {
		return errInvalidTTL
	}
	return nil
}

func (c *config) objectPrefix() string {
	return c.Prefix + c.Owner + "/" + c.Repo + "/"
}

var (
	errInvalidOwner   = errors.New("cache: owner must be non-empty")
	errInvalidRepo    = errors.New("cache: repo must be non-empty")
	errNilBackend     = errors.New("cache: backend must be non-nil")
	errNilArchiver    = errors.New("cache: archiver must be non-nil")
	errInvalidSizeCap = errors.New("cache: sizeCapBytes must be >= 0")
	errInvalidTTL     = errors.New("cache: defaultTTL must be >= 0")
)
