// Package identitymap implements the memory-mapped, lock-free,
// open-addressed hash table mapping DID identities to their verifying key
// material.
//
// The table is backed by a single file of a 40-byte header followed by
// `capacity` fixed 80-byte records (see record.go), plus a sidecar string
// heap holding full DIDs for collision disambiguation. Publication of a new
// record is a Release/Acquire protocol over the record's `generation`
// field: writers stage every other field, then store a nonzero generation
// with release ordering; readers load generation with acquire ordering
// first and treat zero as "slot empty", making concurrent inserts visible
// without locks. This generalizes the same single-writer-visible-to-many-
// readers trick the teacher's shard entries used for an in-process ref
// flag, to an mmap'd, possibly-multi-process table.
//
// © 2025 firehose authors. MIT License.
package identitymap

import (
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/archiveguard/firehose/internal/metrics"
	"github.com/archiveguard/firehose/internal/mmapfile"
	"github.com/archiveguard/firehose/internal/unsafehelpers"
)

const (
	magic       uint64 = 0x4D4D4150_43414348
	fileVersion uint32 = 2

	headerSize = 40
	// header field offsets
	hOffMagic      = 0
	hOffVersion    = 8
	hOffCapacity   = 12
	hOffCount      = 20
	hOffGeneration = 28
	// bytes 36..40 reserved

	maxProbeLen = 128
	loadFactor  = 0.75
)

var (
	// ErrFull is returned by Insert when the table's load factor would
	// exceed loadFactor, or probing exhausts maxProbeLen without finding a
	// slot.
	ErrFull = errors.New("identitymap: table full")
	// ErrNotFound is returned by Lookup on full probe exhaustion.
	ErrNotFound = errors.New("identitymap: not found")
	// ErrHeaderMismatch is fatal at Open: bad magic, version, or truncated file.
	ErrHeaderMismatch = errors.New("identitymap: header magic/version mismatch or file truncated")
	// ErrKeyTooLong is returned by Insert when a key, after any
	// curve-specific normalization, still does not fit the record's
	// fixed-width key field.
	ErrKeyTooLong = errors.New("identitymap: key too long for record")
	// ErrInvalidKey is returned by Insert when a P-256 key claims the
	// uncompressed SEC1 length but fails to parse as a valid curve point.
	ErrInvalidKey = errors.New("identitymap: invalid key encoding")
)

// normalizeKey puts key into the compressed SEC1 form the record's 48-byte
// field is sized for. secp256k1 keys are expected to already arrive
// compressed (33 bytes) from the wire; P-256 keys may arrive in either
// form, since crypto/ecdsa/crypto/elliptic naturally produce the
// uncompressed (65-byte) encoding, so those are compressed here rather
// than stored (and later truncated) as-is.
func normalizeKey(keyType KeyType, key []byte) ([]byte, error) {
	if keyType == KeyTypeP256 && len(key) == 65 {
		x, y := elliptic.Unmarshal(elliptic.P256(), key)
		if x == nil {
			return nil, ErrInvalidKey
		}
		key = elliptic.MarshalCompressed(elliptic.P256(), x, y)
	}
	if len(key) > lenKey {
		return nil, ErrKeyTooLong
	}
	return key, nil
}

// Map is the Identity Map: an mmap'd open-addressed table plus its string
// heap sidecar. Safe for concurrent Lookup from many goroutines; Insert
// serializes writers with an internal mutex. Readers never take that lock —
// they rely solely on the generation field's acquire/release discipline.
type Map struct {
	file     *mmapfile.File
	heap     *stringHeap
	mu       sync.Mutex
	sink     metrics.Sink
	capacity uint64
}

// Open opens or creates the identity map at dataPath (capacity*80+40 bytes)
// with its string heap sidecar at dataPath+".strings". Header
// magic/version mismatch on an existing file is fatal, per spec.
func Open(dataPath string, capacity uint64, sink metrics.Sink) (*Map, error) {
	if sink == nil {
		sink = metrics.Noop()
	}
	size := int64(headerSize) + int64(capacity)*recordSize
	mf, err := mmapfile.Open(dataPath, size)
	if err != nil {
		return nil, err
	}

	hdr := mf.Data[:headerSize]
	existingMagic := binary.LittleEndian.Uint64(hdr[hOffMagic:])
	if existingMagic == 0 {
		binary.LittleEndian.PutUint64(hdr[hOffMagic:], magic)
		binary.LittleEndian.PutUint32(hdr[hOffVersion:], fileVersion)
		binary.LittleEndian.PutUint64(hdr[hOffCapacity:], capacity)
		binary.LittleEndian.PutUint64(hdr[hOffCount:], 0)
		binary.LittleEndian.PutUint64(hdr[hOffGeneration:], 0)
		if err := mf.Sync(); err != nil {
			mf.Close()
			return nil, err
		}
	} else {
		if existingMagic != magic {
			mf.Close()
			return nil, ErrHeaderMismatch
		}
		if ver := binary.LittleEndian.Uint32(hdr[hOffVersion:]); ver != fileVersion {
			mf.Close()
			return nil, ErrHeaderMismatch
		}
		if onDiskCap := binary.LittleEndian.Uint64(hdr[hOffCapacity:]); onDiskCap != capacity {
			mf.Close()
			return nil, fmt.Errorf("%w: capacity %d != requested %d", ErrHeaderMismatch, onDiskCap, capacity)
		}
	}

	sh, err := openStringHeap(dataPath + ".strings")
	if err != nil {
		mf.Close()
		return nil, err
	}

	return &Map{file: mf, heap: sh, sink: sink, capacity: capacity}, nil
}

// Close flushes and unmaps the table and closes the string heap.
func (m *Map) Close() error {
	if err := m.file.Sync(); err != nil {
		m.heap.Close()
		return err
	}
	if err := m.file.Close(); err != nil {
		m.heap.Close()
		return err
	}
	return m.heap.Close()
}

func didHash16(did string) [16]byte {
	sum := sha256.Sum256(unsafehelpers.StringToBytes(did))
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

func (m *Map) slotOffset(idx uint64) int {
	return headerSize + int(idx)*recordSize
}

// Lookup returns the stored key material for did, or ErrNotFound if absent,
// tombstoned, or the hash collides with a different DID. Safe to call
// concurrently with Insert.
func (m *Map) Lookup(did string) (Record, error) {
	hash := didHash16(did)
	start := binary.LittleEndian.Uint64(hash[:8]) % m.capacity

	for i := uint64(0); i < maxProbeLen; i++ {
		idx := (start + i) % m.capacity
		off := m.slotOffset(idx)
		slot := m.file.Data[off : off+recordSize]

		// Acquire-ordered load of the publication fence.
		gen := unsafehelpers.Uint32At(slot, offGeneration).Load()
		if gen == 0 {
			m.sink.IncIdentityMiss()
			return Record{}, ErrNotFound
		}
		rec := decodeRecord(slot)
		if rec.DIDHash == hash {
			if stored, err := m.heap.readAt(rec.HeapOffset); err != nil || stored != did {
				continue // did_hash collision with a different DID
			}
			if rec.Tombstone {
				m.sink.IncIdentityMiss()
				return Record{}, ErrNotFound
			}
			return rec, nil
		}
	}
	m.sink.IncIdentityMiss()
	return Record{}, ErrNotFound
}

// Insert publishes a record for did. If an existing record for the same did
// is present it is overwritten in place (same slot, fresh generation); a
// subsequent Insert with a different key makes subsequent Lookup calls
// observe the new key.
func (m *Map) Insert(did string, keyType KeyType, key []byte) error {
	key, err := normalizeKey(keyType, key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hash := didHash16(did)
	start := binary.LittleEndian.Uint64(hash[:8]) % m.capacity

	var (
		targetOff     int
		foundExisting bool
		existingHeapOff uint64
	)

	found := false
	for i := uint64(0); i < maxProbeLen; i++ {
		idx := (start + i) % m.capacity
		off := m.slotOffset(idx)
		slot := m.file.Data[off : off+recordSize]
		gen := unsafehelpers.Uint32At(slot, offGeneration).Load()
		if gen == 0 {
			targetOff = off
			found = true
			break
		}
		rec := decodeRecord(slot)
		if rec.DIDHash == hash {
			stored, err := m.heap.readAt(rec.HeapOffset)
			if err != nil {
				return err
			}
			if stored != did {
				continue // did_hash collision with a different DID
			}
			targetOff = off
			foundExisting = true
			existingHeapOff = rec.HeapOffset
			found = true
			break
		}
	}
	if !found {
		return ErrFull
	}

	hdr := m.file.Data[:headerSize]
	count := binary.LittleEndian.Uint64(hdr[hOffCount : hOffCount+8])
	if !foundExisting {
		if float64(count+1)/float64(m.capacity) > loadFactor {
			return ErrFull
		}
	}

	heapOff := existingHeapOff
	if !foundExisting {
		off, err := m.heap.append(did)
		if err != nil {
			return err
		}
		heapOff = off
	}

	slot := m.file.Data[targetOff : targetOff+recordSize]
	rec := Record{DIDHash: hash, KeyType: keyType, KeyLen: uint8(len(key)), HeapOffset: heapOff}
	copy(rec.Key[:], key)
	rec.encodeInto(slot)

	genField := unsafehelpers.Uint32At(slot, offGeneration)
	next := genField.Load() + 1
	if next == 0 {
		next = 1
	}
	// Release store: publishes the staged record atomically to readers.
	genField.Store(next)

	if !foundExisting {
		binary.LittleEndian.PutUint64(hdr[hOffCount:hOffCount+8], count+1)
	}
	return nil
}

// Rebuild scans every live (non-tombstoned) record in m and writes a fresh
// table at newPath sized for newCapacity, mirroring the teacher's
// rebuild-not-mutate philosophy for resizing rather than mutating in place.
func (m *Map) Rebuild(newPath string, newCapacity uint64) (*Map, error) {
	fresh, err := Open(newPath, newCapacity, m.sink)
	if err != nil {
		return nil, err
	}
	for idx := uint64(0); idx < m.capacity; idx++ {
		off := m.slotOffset(idx)
		slot := m.file.Data[off : off+recordSize]
		gen := unsafehelpers.Uint32At(slot, offGeneration).Load()
		if gen == 0 {
			continue
		}
		rec := decodeRecord(slot)
		if rec.Tombstone {
			continue
		}
		did, err := m.heap.readAt(rec.HeapOffset)
		if err != nil {
			continue
		}
		if err := fresh.Insert(did, rec.KeyType, rec.Key[:rec.KeyLen]); err != nil {
			fresh.Close()
			return nil, err
		}
	}
	return fresh, nil
}

// Count returns the current number of live slots (best-effort, racy read
// with respect to concurrent Insert).
func (m *Map) Count() uint64 {
	return binary.LittleEndian.Uint64(m.file.Data[hOffCount : hOffCount+8])
}

// Capacity returns the table's fixed slot count.
func (m *Map) Capacity() uint64 {
	return m.capacity
}
