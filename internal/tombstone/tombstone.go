// Package tombstone implements the Tombstone Lattice: a 512 MiB
// memory-mapped atomic bitset addressed by the global 32-bit sequence
// number, giving 2^32 addressable bits. Bits are set and read with
// per-word atomic fetch-or / load, matching the Identity Map's
// Release/Acquire discipline but applied to a growing set instead of a
// publish-once record: a tombstone bit, once set, never clears during a
// run.
//
// © 2025 firehose authors. MIT License.
package tombstone

import (
	"fmt"

	"github.com/archiveguard/firehose/internal/metrics"
	"github.com/archiveguard/firehose/internal/mmapfile"
	"github.com/archiveguard/firehose/internal/unsafehelpers"
)

const (
	// LatticeBytes is 512 MiB, addressing 2^32 bits.
	LatticeBytes = 512 << 20
	bitsPerWord  = 64
)

// Lattice is the mmap-backed tombstone bitset.
type Lattice struct {
	file *mmapfile.File
	sink metrics.Sink
}

// Open opens or creates the tombstone file at path, sized LatticeBytes. The
// lattice persists between runs: an existing file's bits are never reset.
func Open(path string, sink metrics.Sink) (*Lattice, error) {
	if sink == nil {
		sink = metrics.Noop()
	}
	f, err := mmapfile.Open(path, LatticeBytes)
	if err != nil {
		return nil, fmt.Errorf("tombstone: %w", err)
	}
	return &Lattice{file: f, sink: sink}, nil
}

func wordOffset(seq uint32) int {
	return int(seq/bitsPerWord) * 8
}

// Set marks seq as tombstoned. Idempotent: setting an already-set bit is a
// no-op observable effect (fetch-or of an already-set bit).
func (l *Lattice) Set(seq uint32) {
	off := wordOffset(seq)
	word := unsafehelpers.Uint64At(l.file.Data, off)
	bit := uint64(1) << (seq % bitsPerWord)

	for {
		old := word.Load()
		if old&bit != 0 {
			return // already set
		}
		if word.CompareAndSwap(old, old|bit) {
			l.sink.IncTombstoneSet()
			return
		}
	}
}

// Get reports whether seq is tombstoned.
func (l *Lattice) Get(seq uint32) bool {
	off := wordOffset(seq)
	word := unsafehelpers.Uint64At(l.file.Data, off)
	bit := uint64(1) << (seq % bitsPerWord)
	return word.Load()&bit != 0
}

// Close flushes and unmaps the lattice file.
func (l *Lattice) Close() error {
	return l.file.Close()
}
