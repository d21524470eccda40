// Package config defines the Engine's configuration object and the set of
// functional options used to construct it.
//
// Design notes
// ------------
//   - All fields are initialised with sensible defaults in Default().
//   - Options never allocate unless strictly necessary — they just capture
//     pointers to external objects (registry, logger, directories).
//   - The struct is exported (unlike the teacher's private config[K,V])
//     because, unlike a generic cache, every caller in this repo needs to
//     read back the resolved values (shard count, directories) after
//     construction.
//
// © 2025 firehose authors. MIT License.
package config

import (
	"errors"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// Config bundles every knob that influences Engine behaviour. Fields are
// immutable once the Engine is constructed.
type Config struct {
	// DataDir is the root directory holding shard_*.dat/.seq/.phash/.zdict
	// files, the identity map file + string heap, tombstones.bin, and the
	// control store.
	DataDir string

	// ShardCount is the number of archive shards (default 16, per spec).
	ShardCount uint8

	// IdentityMapCapacity is the number of slots in the Identity Map
	// (default 200_000_000, per spec §4.1).
	IdentityMapCapacity uint64

	// ClusterTargetBytes is the uncompressed byte threshold that triggers a
	// cluster flush (default 64 KiB).
	ClusterTargetBytes int

	// ClusterMaxDIDs is K, the max number of distinct DIDs per cluster
	// (Open Question (i); default 1).
	ClusterMaxDIDs int

	// ClusterFlushInterval is the timer-based flush trigger (default 250ms).
	ClusterFlushInterval time.Duration

	// SegmentLeafTarget is the number of Merkle leaves per sealed segment
	// (default 1<<16, per spec §4.5).
	SegmentLeafTarget uint32

	// BloomResetInterval is how often the L1 bloom filter is cleared
	// (Open Question (ii); default 10s).
	BloomResetInterval time.Duration

	// DedupSetCapacityPerShard bounds each of the 16 dedup-set shards
	// (default 100_000, per spec §4.3).
	DedupSetCapacityPerShard int

	// VerifierWorkers sizes the signature verifier pool (default
	// runtime.NumCPU()).
	VerifierWorkers int

	// VerifierQueueMultiplier sizes the bounded channel as a multiple of
	// VerifierWorkers (default 8, per spec §4.4).
	VerifierQueueMultiplier int

	// MaxConnections is copied into the ingestion supervisor's Config
	// (default 10_000). The supervisor does not enforce it: only
	// PerHostConnectionCap limits concurrent connections.
	MaxConnections int

	// PerHostConnectionCap bounds concurrent connections to a single host
	// (default 1, per spec §4.9).
	PerHostConnectionCap int

	// HeartbeatTimeout is the per-connection idle timeout (default 30s).
	HeartbeatTimeout time.Duration

	// BackoffBase/BackoffCap/BackoffJitter parameterise the supervisor's
	// reconnect backoff (defaults 250ms / 30s / 0.20).
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64

	// optional knobs
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Option mutates a Config during Apply().
type Option func(*Config)

// Default returns a Config populated with the spec's documented defaults.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:                  dataDir,
		ShardCount:               16,
		IdentityMapCapacity:      200_000_000,
		ClusterTargetBytes:       64 << 10,
		ClusterMaxDIDs:           1,
		ClusterFlushInterval:     250 * time.Millisecond,
		SegmentLeafTarget:        1 << 16,
		BloomResetInterval:       10 * time.Second,
		DedupSetCapacityPerShard: 100_000,
		VerifierWorkers:          0, // resolved to runtime.NumCPU() in Apply
		VerifierQueueMultiplier:  8,
		MaxConnections:           10_000,
		PerHostConnectionCap:     1,
		HeartbeatTimeout:         30 * time.Second,
		BackoffBase:              250 * time.Millisecond,
		BackoffCap:               30 * time.Second,
		BackoffJitter:            0.20,
		Logger:                   zap.NewNop(),
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *Config) { c.Registry = reg }
}

// WithLogger plugs an external zap.Logger. The engine never logs on the hot
// path; only slow events (segment seal, shard read-only transition, fatal
// startup errors) are emitted.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithShardCount overrides the default shard count. Must be a power of two.
func WithShardCount(n uint8) Option {
	return func(c *Config) { c.ShardCount = n }
}

// WithIdentityMapCapacity overrides the Identity Map slot count.
func WithIdentityMapCapacity(n uint64) Option {
	return func(c *Config) { c.IdentityMapCapacity = n }
}

// WithClusterMaxDIDs overrides K, the distinct-DID cap per cluster.
func WithClusterMaxDIDs(k int) Option {
	return func(c *Config) { c.ClusterMaxDIDs = k }
}

// WithBloomResetInterval overrides the L1 bloom filter reset cadence.
func WithBloomResetInterval(d time.Duration) Option {
	return func(c *Config) { c.BloomResetInterval = d }
}

// WithVerifierWorkers overrides the verifier pool size.
func WithVerifierWorkers(n int) Option {
	return func(c *Config) { c.VerifierWorkers = n }
}

var (
	ErrInvalidDataDir    = errors.New("config: data dir must not be empty")
	ErrInvalidShardCount = errors.New("config: shard count must be a power of two and > 0")
	ErrInvalidCapacity   = errors.New("config: identity map capacity must be > 0")
)

// Apply copies user-supplied options into cfg and validates invariants.
func Apply(cfg *Config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.DataDir == "" {
		return ErrInvalidDataDir
	}
	if cfg.ShardCount == 0 || (cfg.ShardCount&(cfg.ShardCount-1)) != 0 {
		return ErrInvalidShardCount
	}
	if cfg.IdentityMapCapacity == 0 {
		return ErrInvalidCapacity
	}
	if cfg.VerifierWorkers <= 0 {
		cfg.VerifierWorkers = defaultWorkers()
	}
	return nil
}
