package verify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/archiveguard/firehose/internal/codec"
	"github.com/archiveguard/firehose/internal/identitymap"
	"github.com/archiveguard/firehose/internal/metrics"
)

// Verified is a decoded event that passed signature verification, routed
// to its archive shard.
type Verified struct {
	Event codec.Event
	Shard uint8
}

// ShardFunc maps a DID to its archive shard, e.g. hash(did) mod 16.
type ShardFunc func(did string) uint8

// Pool is the fixed-size signature verifier worker pool. Grounded on the
// teacher's singleflight-wrapped loader (pkg/loader.go) in spirit — both
// are "many producers, bounded concurrent workers, forward-or-drop"
// dispatchers — adapted here from request-coalescing to a fan-in/fan-out
// worker pool, since the verify path has no duplicate-suppression need
// (dedup already removed duplicates upstream).
type Pool struct {
	workers   int
	queue     chan codec.Event
	out       chan<- Verified
	identity  *identitymap.Map
	shardFn   ShardFunc
	sink      metrics.Sink
	saturated atomic.Bool

	wg sync.WaitGroup
}

// NewPool constructs a Pool with `workers` goroutines reading from a
// channel of capacity `workers * queueMultiplier`. Verified events are
// pushed to out; out is never closed by the pool.
func NewPool(workers, queueMultiplier int, identity *identitymap.Map, shardFn ShardFunc, out chan<- Verified, sink metrics.Sink) *Pool {
	if sink == nil {
		sink = metrics.Noop()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueMultiplier <= 0 {
		queueMultiplier = 8
	}
	return &Pool{
		workers:  workers,
		queue:    make(chan codec.Event, workers*queueMultiplier),
		out:      out,
		identity: identity,
		shardFn:  shardFn,
		sink:     sink,
	}
}

// Start launches the worker goroutines. Workers exit when ctx is cancelled
// and the queue has drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

// Wait blocks until every worker has exited (orderly drain on shutdown).
func (p *Pool) Wait() { p.wg.Wait() }

// Submit enqueues ev for verification, blocking if the queue is full. The
// saturation flag is set for the duration of any blocking send, matching
// the spec's "producer blocks, saturation flag exported" contract.
func (p *Pool) Submit(ctx context.Context, ev codec.Event) error {
	select {
	case p.queue <- ev:
		return nil
	default:
	}

	p.saturated.Store(true)
	p.sink.SetVerifierSaturated(true)
	defer func() {
		p.saturated.Store(false)
		p.sink.SetVerifierSaturated(false)
	}()

	select {
	case p.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Saturated reports whether the verifier queue is currently full.
func (p *Pool) Saturated() bool { return p.saturated.Load() }

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case ev, ok := <-p.queue:
			if !ok {
				return
			}
			p.verifyOne(ev)
		case <-ctx.Done():
			// Drain remaining queued events before exiting so in-flight
			// work isn't silently dropped on shutdown.
			for {
				select {
				case ev, ok := <-p.queue:
					if !ok {
						return
					}
					p.verifyOne(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) verifyOne(ev codec.Event) {
	shard := p.shardFn(ev.DID)

	rec, err := p.identity.Lookup(ev.DID)
	if err != nil {
		p.sink.IncVerifyFailed(shard)
		return
	}

	ok, err := verifySignature(rec.KeyType, rec.Key[:rec.KeyLen], ev.Payload, ev.Sig)
	if err != nil || !ok {
		p.sink.IncVerifyFailed(shard)
		return
	}

	p.sink.IncVerified(shard)
	p.out <- Verified{Event: ev, Shard: shard}
}
