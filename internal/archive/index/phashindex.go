package index

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/archiveguard/firehose/internal/mmapfile"
	"github.com/archiveguard/firehose/internal/unsafehelpers"
)

// PHashRecordSize is the fixed size of one path-hash index slot:
// { path_hash: 8B, seq: 8B, bin_off: 8B, _pad: 4B }.
const PHashRecordSize = 28

const (
	phHeaderSize = 16 // { capacity: 8B, count: 8B }
	phOffHash    = 0
	phOffSeq     = 8
	phOffBinOff  = 16

	// tombstoneSeq marks a deleted path's slot, per spec: path_hash=0,
	// seq=0xFFFF....
	tombstoneSeq = ^uint64(0)
)

// PHashIndex is the per-shard open-addressed path-hash index. On duplicate
// path_hash, the newer record overwrites the older; only the latest seq is
// retained (older messages remain reachable only via sequence scan — see
// DESIGN.md's Open Question (iv) resolution).
type PHashIndex struct {
	file     *mmapfile.File
	capacity uint64
}

// nextPow2AtLoad returns the smallest power of two >= maxRecords/0.6.
func nextPow2AtLoad(maxRecords uint64) uint64 {
	target := uint64(float64(maxRecords) / 0.6)
	if target < 1 {
		target = 1
	}
	return uint64(1) << bits.Len64(target-1)
}

// OpenPHashIndex opens or creates the path-hash index at path, sized for
// maxRecords expected entries.
func OpenPHashIndex(path string, maxRecords uint64) (*PHashIndex, error) {
	capacity := nextPow2AtLoad(maxRecords)
	size := int64(phHeaderSize) + int64(capacity)*PHashRecordSize
	f, err := mmapfile.Open(path, size)
	if err != nil {
		return nil, fmt.Errorf("index: phash: %w", err)
	}

	hdr := f.Data[:phHeaderSize]
	onDiskCap := binary.LittleEndian.Uint64(hdr[0:8])
	if onDiskCap == 0 {
		binary.LittleEndian.PutUint64(hdr[0:8], capacity)
		binary.LittleEndian.PutUint64(hdr[8:16], 0)
	} else if onDiskCap != capacity {
		f.Close()
		return nil, fmt.Errorf("index: phash: capacity mismatch, on-disk %d requested %d", onDiskCap, capacity)
	}

	return &PHashIndex{file: f, capacity: capacity}, nil
}

func (p *PHashIndex) slotOffset(idx uint64) int {
	return phHeaderSize + int(idx)*PHashRecordSize
}

// Put writes the (pathHash, seq, binOff) mapping, overwriting an existing
// record for the same pathHash if present, linear-probing to a new slot
// otherwise.
func (p *PHashIndex) Put(pathHash, seq, binOff uint64) error {
	start := pathHash % p.capacity
	for i := uint64(0); i < p.capacity; i++ {
		idx := (start + i) % p.capacity
		off := p.slotOffset(idx)
		slot := p.file.Data[off : off+PHashRecordSize]
		curHash := binary.LittleEndian.Uint64(slot[phOffHash:])
		curSeq := binary.LittleEndian.Uint64(slot[phOffSeq:])

		empty := curHash == 0 && curSeq == 0
		match := curHash == pathHash && curSeq != tombstoneSeq
		if empty || match {
			binary.LittleEndian.PutUint64(slot[phOffBinOff:], binOff)
			binary.LittleEndian.PutUint64(slot[phOffHash:], pathHash)
			// Release store: seq publishes the slot to concurrent readers.
			unsafehelpers.Uint64At(slot, phOffSeq).Store(seq)
			if empty {
				hdr := p.file.Data[:phHeaderSize]
				count := binary.LittleEndian.Uint64(hdr[8:16])
				binary.LittleEndian.PutUint64(hdr[8:16], count+1)
			}
			return nil
		}
	}
	return fmt.Errorf("index: phash: table full at capacity %d", p.capacity)
}

// Get returns the most recent (seq, binOff) for pathHash.
func (p *PHashIndex) Get(pathHash uint64) (seq, binOff uint64, ok bool) {
	start := pathHash % p.capacity
	for i := uint64(0); i < p.capacity; i++ {
		idx := (start + i) % p.capacity
		off := p.slotOffset(idx)
		slot := p.file.Data[off : off+PHashRecordSize]

		s := unsafehelpers.Uint64At(slot, phOffSeq).Load()
		h := binary.LittleEndian.Uint64(slot[phOffHash:])
		if h == 0 && s == 0 {
			return 0, 0, false // empty slot: probe ends
		}
		if h == pathHash && s != tombstoneSeq {
			b := binary.LittleEndian.Uint64(slot[phOffBinOff:])
			return s, b, true
		}
	}
	return 0, 0, false
}

// Delete writes a tombstone slot for pathHash: { path_hash: 0, seq:
// tombstoneSeq }, per spec. The caller is responsible for also setting the
// global tombstone bit for the evicted seq.
func (p *PHashIndex) Delete(pathHash uint64) {
	start := pathHash % p.capacity
	for i := uint64(0); i < p.capacity; i++ {
		idx := (start + i) % p.capacity
		off := p.slotOffset(idx)
		slot := p.file.Data[off : off+PHashRecordSize]
		h := binary.LittleEndian.Uint64(slot[phOffHash:])
		s := unsafehelpers.Uint64At(slot, phOffSeq).Load()
		if h == 0 && s == 0 {
			return
		}
		if h == pathHash && s != tombstoneSeq {
			binary.LittleEndian.PutUint64(slot[phOffHash:], 0)
			unsafehelpers.Uint64At(slot, phOffSeq).Store(tombstoneSeq)
			return
		}
	}
}

// Close flushes and unmaps the index file.
func (p *PHashIndex) Close() error { return p.file.Close() }
