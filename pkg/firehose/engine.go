// Package firehose wires every internal subsystem into a single Engine:
// decode, dedup, verify, archive, tombstone, egress, the ingestion
// supervisor, and the operator-plane control store. It plays the role the
// teacher's pkg/cache.go Cache[K,V] plays for its shards — the one type an
// external caller constructs and drives — generalized from an in-process
// cache facade to a long-running ingestion daemon.
//
// © 2025 firehose authors. MIT License.
package firehose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/archiveguard/firehose/internal/archive"
	"github.com/archiveguard/firehose/internal/codec"
	"github.com/archiveguard/firehose/internal/config"
	"github.com/archiveguard/firehose/internal/controlstore"
	"github.com/archiveguard/firehose/internal/dedup"
	"github.com/archiveguard/firehose/internal/egress"
	"github.com/archiveguard/firehose/internal/identitymap"
	"github.com/archiveguard/firehose/internal/metrics"
	"github.com/archiveguard/firehose/internal/supervisor"
	"github.com/archiveguard/firehose/internal/tombstone"
	"github.com/archiveguard/firehose/internal/verify"
)

// Engine owns every durable subsystem this process needs and is the single
// entry point embedders (cmd/firehose-ingest) construct. Ingest is safe to
// call from many goroutines concurrently; Run/Close are not.
type Engine struct {
	cfg    *config.Config
	sink   metrics.Sink
	logger *zap.Logger

	identity *identitymap.Map
	dedupe   *dedup.Dedup
	arc      *archive.Archive
	lattice  *tombstone.Lattice
	relay    *egress.Relay
	control  *controlstore.Store
	sup      *supervisor.Supervisor

	verifyPool *verify.Pool
	verifiedCh chan verify.Verified

	runCtx    context.Context
	runCancel context.CancelFunc

	wg       sync.WaitGroup
	closeOne sync.Once
}

// New constructs an Engine from cfg, opening or creating every durable file
// under cfg.DataDir. cfg should be built via config.Default and
// config.Apply by the caller.
func New(cfg *config.Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, config.ErrInvalidDataDir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("firehose: mkdir %s: %w", cfg.DataDir, err)
	}

	var sink metrics.Sink
	if cfg.Registry != nil {
		sink = metrics.NewProm(cfg.Registry)
	} else {
		sink = metrics.Noop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	identity, err := identitymap.Open(filepath.Join(cfg.DataDir, "identity.map"), cfg.IdentityMapCapacity, sink)
	if err != nil {
		return nil, fmt.Errorf("firehose: identity map: %w", err)
	}

	dedupe, err := dedup.New(cfg.DedupSetCapacityPerShard, cfg.BloomResetInterval, sink)
	if err != nil {
		identity.Close()
		return nil, fmt.Errorf("firehose: dedup: %w", err)
	}

	archiveCfg := archive.Config{
		ClusterTargetBytes: cfg.ClusterTargetBytes,
		ClusterMaxDIDs:     cfg.ClusterMaxDIDs,
		FlushInterval:      cfg.ClusterFlushInterval,
		SegmentLeafTarget:  cfg.SegmentLeafTarget,
	}
	maxRecordsHint := cfg.IdentityMapCapacity / uint64(cfg.ShardCount)
	arc, err := archive.Open(filepath.Join(cfg.DataDir, "archive"), int(cfg.ShardCount), archiveCfg, maxRecordsHint, sink, logger)
	if err != nil {
		dedupe.Close()
		identity.Close()
		return nil, fmt.Errorf("firehose: archive: %w", err)
	}

	lattice, err := tombstone.Open(filepath.Join(cfg.DataDir, "tombstones.bin"), sink)
	if err != nil {
		arc.Close()
		dedupe.Close()
		identity.Close()
		return nil, fmt.Errorf("firehose: tombstone lattice: %w", err)
	}

	control, err := controlstore.Open(filepath.Join(cfg.DataDir, "control"))
	if err != nil {
		lattice.Close()
		arc.Close()
		dedupe.Close()
		identity.Close()
		return nil, fmt.Errorf("firehose: control store: %w", err)
	}

	relay := egress.NewRelay(arc, lattice, sink)

	e := &Engine{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		identity: identity,
		dedupe:   dedupe,
		arc:      arc,
		lattice:  lattice,
		relay:    relay,
		control:  control,
	}

	e.verifiedCh = make(chan verify.Verified, cfg.VerifierWorkers*cfg.VerifierQueueMultiplier)
	e.verifyPool = verify.NewPool(cfg.VerifierWorkers, cfg.VerifierQueueMultiplier, identity, e.shardFor, e.verifiedCh, sink)

	return e, nil
}

// shardFor is the ShardFunc handed to the verifier pool: it must agree
// with archive.Archive's own did-routing so a verified event lands on the
// shard the caller expects.
func (e *Engine) shardFor(did string) uint8 {
	return uint8(xxhash.Sum64String(did) % uint64(e.cfg.ShardCount))
}

// Supervise registers host with the ingestion supervisor using dial as its
// connection factory. Frames read from host are handed to Ingest.
func (e *Engine) Supervise(ctx context.Context, dial supervisor.Dialer, host string) {
	if e.sup == nil {
		supCfg := supervisor.Config{
			HeartbeatTimeout: e.cfg.HeartbeatTimeout,
			BackoffBase:      e.cfg.BackoffBase,
			BackoffCap:       e.cfg.BackoffCap,
			BackoffJitter:    e.cfg.BackoffJitter,
			PerHostCap:       int64(e.cfg.PerHostConnectionCap),
			MaxConnections:   e.cfg.MaxConnections,
		}
		e.sup = supervisor.New(supCfg, dial, e.onFrame, e.sink, e.logger)
	}
	e.sup.Supervise(ctx, host)
}

func (e *Engine) onFrame(ctx context.Context, host string, frame []byte) {
	if err := e.Ingest(ctx, frame); err != nil {
		e.logger.Debug("ingest error", zap.String("host", host), zap.Error(err))
	}
}

// Run starts the verifier pool and the background goroutine that routes
// verified events into the archive. It must be called before Ingest and
// before Supervise delivers any frames. Run owns its own cancellation,
// independent of any per-host ctx passed to Supervise, so Close can drain
// the verifier pool and the archive writer in a fixed, deadlock-free
// order regardless of what the caller's ctx is doing.
func (e *Engine) Run(ctx context.Context) {
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.verifyPool.Start(e.runCtx)
	e.wg.Add(1)
	go e.drainVerified()
}

// drainVerified routes every verified event into the archive until
// verifiedCh is closed. It never exits early on ctx cancellation: the
// verifier pool's own drain-on-shutdown path keeps sending to this
// channel until its workers exit, so this goroutine must keep receiving
// until Close has confirmed no more sends are coming.
func (e *Engine) drainVerified() {
	defer e.wg.Done()
	for v := range e.verifiedCh {
		if err := e.arc.Write(v.Event.DID, v.Event.Path, v.Event.CID, v.Event.Payload); err != nil {
			e.logger.Warn("archive write failed", zap.Uint8("shard", v.Shard), zap.Error(err))
		}
	}
}

// ErrDuplicate is returned by Ingest when the dedup layer has already seen
// the frame's CID. The check runs before verification, so the earlier
// copy is not necessarily archived.
var ErrDuplicate = errors.New("firehose: duplicate CID")

// Ingest decodes, deduplicates, and submits one wire frame for signature
// verification. A nil error means the frame was accepted into the
// verifier queue, not that it has been archived yet — archival happens
// asynchronously once verification succeeds.
func (e *Engine) Ingest(ctx context.Context, frame []byte) error {
	ev, err := codec.Decode(frame)
	if err != nil {
		var de *codec.DecodeError
		kind := "unknown"
		if errors.As(err, &de) {
			kind = decodeErrorKindName(de.Kind)
		}
		shard := e.shardFor("")
		e.sink.IncDecodeError(shard, kind)
		return err
	}
	shard := e.shardFor(ev.DID)
	e.sink.IncDecoded(shard)

	if e.dedupe.Seen(ev.CID) {
		return ErrDuplicate
	}

	return e.verifyPool.Submit(ctx, ev)
}

func decodeErrorKindName(k codec.DecodeErrorKind) string {
	switch k {
	case codec.TruncatedFrame:
		return "truncated_frame"
	case codec.MissingCommitBlock:
		return "missing_commit_block"
	case codec.MissingSignature:
		return "missing_signature"
	case codec.InvalidCid:
		return "invalid_cid"
	default:
		return "unknown"
	}
}

// Tombstone marks globalSeq as deleted, masking it from future Relay reads.
func (e *Engine) Tombstone(globalSeq uint32) {
	e.lattice.Set(globalSeq)
}

// TombstonePath deletes did's message at path, per spec.md §4.6: it sets
// the global tombstone bit for the evicted sequence and evicts path's
// path-hash index entry, so ReadByPath/SeqForPath stop resolving it. A
// path with no archived record is a no-op.
func (e *Engine) TombstonePath(did, path string) {
	shardIdx := e.shardFor(did)
	sw := e.arc.Shard(shardIdx)

	seqInShard, ok := sw.SeqForPath(path)
	if !ok {
		return
	}

	globalSeq := archive.GlobalSeq(seqInShard, shardIdx, e.arc.ShardCount())
	e.lattice.Set(globalSeq)
	sw.DeletePath(path)
}

// EnqueueIdentityRefresh records that did's key material could not be
// resolved and should be re-fetched out of band, surviving restarts via
// the control store.
func (e *Engine) EnqueueIdentityRefresh(req controlstore.RefreshRequest) error {
	return e.control.EnqueueRefresh(req)
}

// RefreshIdentity resolves a pending refresh by publishing did's key
// material into the Identity Map and clearing its control-store entry.
func (e *Engine) RefreshIdentity(did string, keyType identitymap.KeyType, key []byte) error {
	if err := e.identity.Insert(did, keyType, key); err != nil {
		return err
	}
	return e.control.ClearRefreshRequest(did)
}

// Relay returns the Egress Relay for serving archived events back to
// subscribers.
func (e *Engine) Relay() *egress.Relay { return e.relay }

// Archive returns the underlying Archive, for callers needing direct
// shard access (the debug snapshot surface, inspection tooling).
func (e *Engine) Archive() *archive.Archive { return e.arc }

// Identity returns the underlying Identity Map.
func (e *Engine) Identity() *identitymap.Map { return e.identity }

// Control returns the underlying operator control store.
func (e *Engine) Control() *controlstore.Store { return e.control }

// Close waits for the supervisor's connection goroutines to exit (the
// caller cancels the ctx passed to Supervise first), cancels the verifier
// pool's context and
// waits for its workers to drain, then closes the verified-events channel
// so drainVerified can exit, and finally flushes and seals every archive
// shard and closes all durable files. It is safe to call exactly once.
func (e *Engine) Close() error {
	var err error
	e.closeOne.Do(func() {
		if e.sup != nil {
			e.sup.Wait()
		}
		if e.runCancel != nil {
			e.runCancel()
		}
		e.verifyPool.Wait()
		close(e.verifiedCh)
		e.wg.Wait()

		e.dedupe.Close()

		var firstErr error
		for _, step := range []func() error{
			e.arc.Close,
			e.lattice.Close,
			e.identity.Close,
			e.control.Close,
		} {
			if stepErr := step(); stepErr != nil && firstErr == nil {
				firstErr = stepErr
			}
		}
		err = firstErr
	})
	return err
}
