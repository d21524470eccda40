package identitymap

import "encoding/binary"

// Record layout, fixed 80 bytes, little-endian:
//
//	did_hash     16B  offset 0   first 16 bytes of SHA-256(did)
//	key_type      1B  offset 16  0=unknown 1=secp256k1 2=p256
//	key_len       1B  offset 17  actual key length, explicit rather than
//	                             inferred from key_type
//	heap_offset   8B  offset 18  byte offset of the full DID in the
//	                             sidecar string heap
//	key          48B  offset 26  key bytes, zero-padded
//	generation    4B  offset 74  publication fence, 0 == empty slot
//	tombstone     1B  offset 78  1 == slot tombstoned
//	_pad          1B  offset 79  reserved
//
// Keys are stored in compressed SEC1 form (33 bytes for both secp256k1 and
// P-256) regardless of the form they arrived in on the wire; the 48-byte
// field leaves headroom without growing the record past 80 bytes. The
// heap offset lets Rebuild recover the full DID for every live slot
// without a linear heap scan.
const (
	recordSize = 80

	offDIDHash     = 0
	lenDIDHash     = 16
	offKeyType     = 16
	offKeyLen      = 17
	offHeapOffset  = 18
	offKey         = 26
	lenKey         = 48 // 26 + 48 = 74
	offGeneration  = 74
	offTombstone   = 78
	// byte 79 is padding
)

// KeyType enumerates the curve a stored public key belongs to.
type KeyType uint8

const (
	KeyTypeUnknown   KeyType = 0
	KeyTypeSecp256k1 KeyType = 1
	KeyTypeP256      KeyType = 2
)

// Record is the decoded, in-memory form of one 80-byte slot.
type Record struct {
	DIDHash    [16]byte
	KeyType    KeyType
	KeyLen     uint8
	HeapOffset uint64
	Key        [48]byte
	Generation uint32
	Tombstone  bool
}

// encodeInto writes r's fields into buf[0:80], except generation — callers
// publish the generation field separately, last, via a release store.
func (r *Record) encodeInto(buf []byte) {
	copy(buf[offDIDHash:offDIDHash+lenDIDHash], r.DIDHash[:])
	buf[offKeyType] = byte(r.KeyType)
	buf[offKeyLen] = r.KeyLen
	binary.LittleEndian.PutUint64(buf[offHeapOffset:offHeapOffset+8], r.HeapOffset)
	copy(buf[offKey:offKey+lenKey], r.Key[:])
	if r.Tombstone {
		buf[offTombstone] = 1
	} else {
		buf[offTombstone] = 0
	}
}

func decodeRecord(buf []byte) Record {
	var r Record
	copy(r.DIDHash[:], buf[offDIDHash:offDIDHash+lenDIDHash])
	r.KeyType = KeyType(buf[offKeyType])
	r.KeyLen = buf[offKeyLen]
	r.HeapOffset = binary.LittleEndian.Uint64(buf[offHeapOffset : offHeapOffset+8])
	copy(r.Key[:], buf[offKey:offKey+lenKey])
	r.Generation = binary.LittleEndian.Uint32(buf[offGeneration : offGeneration+4])
	r.Tombstone = buf[offTombstone] != 0
	return r
}
