// Package dedup implements the two-stage duplicate-CID rejection path: a
// fixed bloom filter for L-cache-speed rejection, backed by a sharded
// bounded-LRU set that catches what the bloom filter lets through.
//
// Grounded on the teacher's per-shard-mutex-plus-map idiom (pkg/cache.go's
// shard type), generalized from generic K,V cache entries to CID-keyed
// bounded LRU shards.
//
// © 2025 firehose authors. MIT License.
package dedup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/archiveguard/firehose/internal/metrics"
)

const numShards = 16

// Dedup is the combined bloom+set duplicate filter. Seen is idempotent:
// calling it twice with the same CID reports a duplicate the second time
// and every time after, until the underlying LRU shard evicts the entry.
type Dedup struct {
	bloom  *bloom
	shards [numShards]*shard

	resetInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once

	sink metrics.Sink
}

type shard struct {
	mu  sync.Mutex
	set *lru.Cache[[36]byte, struct{}]
}

// New constructs a Dedup with shardCapacity entries per shard (spec default
// 100_000) and the given bloom reset cadence (spec default 10s).
func New(shardCapacity int, resetInterval time.Duration, sink metrics.Sink) (*Dedup, error) {
	if sink == nil {
		sink = metrics.Noop()
	}
	d := &Dedup{
		bloom:         newBloom(),
		resetInterval: resetInterval,
		stopCh:        make(chan struct{}),
		sink:          sink,
	}
	for i := range d.shards {
		c, err := lru.New[[36]byte, struct{}](shardCapacity)
		if err != nil {
			return nil, err
		}
		d.shards[i] = &shard{set: c}
	}
	go d.resetLoop()
	return d, nil
}

func (d *Dedup) resetLoop() {
	t := time.NewTicker(d.resetInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			d.bloom.reset()
		case <-d.stopCh:
			return
		}
	}
}

// Close stops the bloom-reset ticker goroutine.
func (d *Dedup) Close() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Seen reports whether cid has already been observed, recording it as seen
// either way. First call for a given CID returns false; every subsequent
// call (until LRU eviction) returns true.
func (d *Dedup) Seen(cid [36]byte) bool {
	sh := d.shards[cid[0]%numShards]

	if !d.bloom.addAndTest(cid[:]) {
		// Definitely not seen before: the bloom filter just set its bits
		// for the first time. Still record it in the exact set so a
		// future bloom reset doesn't cause a false miss.
		sh.mu.Lock()
		sh.set.Add(cid, struct{}{})
		sh.mu.Unlock()
		return false
	}

	// Bloom says "maybe seen" — consult the exact set, which is the
	// authority on actual duplication.
	sh.mu.Lock()
	_, existed := sh.set.Get(cid)
	if !existed {
		sh.set.Add(cid, struct{}{})
	}
	sh.mu.Unlock()

	if existed {
		d.sink.IncDuplicate()
	}
	return existed
}
