package dedup

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// bloomBits is the fixed filter size: 8 Mbit == 1 MiB, per spec.
const (
	bloomBits  = 8 << 20
	bloomWords = bloomBits / 64
	numHashes  = 4
)

// bloom is a fixed-size bloom filter using double hashing: two 64-bit
// xxhash seeds combine as g_i(x) = h1(x) + i*h2(x) to derive numHashes bit
// positions, avoiding numHashes independent hash computations. Grounded on
// the bucket-hash idiom used by the pack's compactindexsized reader, here
// specialized to a fixed single-array bitset rather than a growable index.
type bloom struct {
	mu   sync.RWMutex
	bits []uint64
}

func newBloom() *bloom {
	return &bloom{bits: make([]uint64, bloomWords)}
}

func (b *bloom) hashes(cid []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(cid)
	h2 = xxhash.Sum64WithSeed(cid, 0x9E3779B97F4A7C15)
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// addAndTest inserts cid and reports whether it was already present
// (possibly a false positive). Matches the two-stage contract: a "true"
// result here does not by itself confirm a duplicate — the caller falls
// through to the exact dedup set.
func (b *bloom) addAndTest(cid []byte) bool {
	h1, h2 := b.hashes(cid)

	b.mu.Lock()
	defer b.mu.Unlock()

	allSet := true
	for i := 0; i < numHashes; i++ {
		pos := (h1 + uint64(i)*h2) % bloomBits
		word, bit := pos/64, pos%64
		mask := uint64(1) << bit
		if b.bits[word]&mask == 0 {
			allSet = false
		}
		b.bits[word] |= mask
	}
	return allSet
}

// reset clears every bit, used on the bloom-reset ticker.
func (b *bloom) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.bits {
		b.bits[i] = 0
	}
}
