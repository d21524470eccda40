// Package index implements the per-shard sequence index (dense) and
// path-hash index (open-addressed), both fixed 28-byte-record files as
// named by the spec.
//
// © 2025 firehose authors. MIT License.
package index

import "encoding/binary"

// SeqRecordSize is the fixed size of one sequence-index record.
const SeqRecordSize = 28

// SeqRecord locates one archived message within a shard's cluster stream.
type SeqRecord struct {
	BinOff   uint64 // file offset of the compressed cluster
	CLen     uint32 // compressed cluster byte length
	InnerOff uint32 // byte offset of the message within the decompressed cluster
	ILen     uint32 // decompressed message length
	PathHash uint64 // 64-bit hash of the full record path
}

func (r SeqRecord) encode() [SeqRecordSize]byte {
	var b [SeqRecordSize]byte
	binary.LittleEndian.PutUint64(b[0:8], r.BinOff)
	binary.LittleEndian.PutUint32(b[8:12], r.CLen)
	binary.LittleEndian.PutUint32(b[12:16], r.InnerOff)
	binary.LittleEndian.PutUint32(b[16:20], r.ILen)
	binary.LittleEndian.PutUint64(b[20:28], r.PathHash)
	return b
}

func decodeSeqRecord(b []byte) SeqRecord {
	return SeqRecord{
		BinOff:   binary.LittleEndian.Uint64(b[0:8]),
		CLen:     binary.LittleEndian.Uint32(b[8:12]),
		InnerOff: binary.LittleEndian.Uint32(b[12:16]),
		ILen:     binary.LittleEndian.Uint32(b[16:20]),
		PathHash: binary.LittleEndian.Uint64(b[20:28]),
	}
}
