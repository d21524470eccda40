// Package archive implements the per-shard Archive Writer: clustering
// messages by DID, zstd-compressing with a per-shard trained dictionary,
// maintaining a running Blake3 Merkle tree, and emitting sequence and
// path-hash index records.
//
// Grounded on the teacher's shard-per-keyspace-slice design (pkg/shard.go)
// and its generation-rotation control loop (internal/genring), generalized
// here from TTL/byte-budget arena rotation to a byte/DID-count/timer
// cluster-flush loop whose "generations" are sealed segments instead of
// arena buffers.
//
// © 2025 firehose authors. MIT License.
package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/archiveguard/firehose/internal/archive/index"
	"github.com/archiveguard/firehose/internal/metrics"
)

// Config parameterizes a ShardWriter's clustering and sealing behavior.
type Config struct {
	ClusterTargetBytes int
	ClusterMaxDIDs     int
	FlushInterval      time.Duration
	SegmentLeafTarget  uint32
}

// ShardWriter owns every on-disk structure for one archive shard: the
// append-only data file, the dense sequence index, the open-addressed
// path-hash index, and the in-memory cluster buffer. Archive shards are
// single-writer; Append must only be called from one goroutine (or under
// external serialization) per shard, matching the spec's concurrency
// model. Read is safe to call concurrently with Append.
type ShardWriter struct {
	idx uint8
	cfg Config

	dataFile *os.File
	dataOff  int64

	seqIdx   *index.SeqIndex
	phashIdx *index.PHashIndex

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.Mutex
	buffer *clusterBuffer

	leaves       [][32]byte
	firstSeq     uint64
	haveFirstSeq bool

	readOnly bool
	sink     metrics.Sink
	logger   *zap.Logger

	committedPath string

	bytesWritten    int64
	clustersFlushed uint64
	segmentsSealed  uint64
}

// committedMarker records the last fsync'd (dataOff, seqCount) pair, used
// to detect and truncate an unsealed tail on restart.
type committedMarker struct {
	DataOff  uint64
	SeqCount uint64
}

func readCommitted(path string) committedMarker {
	b, err := os.ReadFile(path)
	if err != nil || len(b) != 16 {
		return committedMarker{}
	}
	return committedMarker{
		DataOff:  binary.LittleEndian.Uint64(b[0:8]),
		SeqCount: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func writeCommitted(path string, m committedMarker) error {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], m.DataOff)
	binary.LittleEndian.PutUint64(b[8:16], m.SeqCount)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// OpenShardWriter opens (or creates) shard idx's files under dir, loading
// a per-shard trained dictionary from shard_<idx>.zdict if present. A
// missing dictionary file falls back to plain (undictionaried) zstd
// compression.
func OpenShardWriter(dir string, idx uint8, cfg Config, maxRecordsHint uint64, sink metrics.Sink, logger *zap.Logger) (*ShardWriter, error) {
	if sink == nil {
		sink = metrics.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := filepath.Join(dir, fmt.Sprintf("shard_%d", idx))
	dataPath := base + ".dat"
	committedPath := base + ".committed"

	df, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", dataPath, err)
	}

	seqIdx, err := index.OpenSeqIndex(base + ".seq")
	if err != nil {
		df.Close()
		return nil, err
	}
	phashIdx, err := index.OpenPHashIndex(base+".phash", maxRecordsHint)
	if err != nil {
		df.Close()
		seqIdx.Close()
		return nil, err
	}

	committed := readCommitted(committedPath)
	// Crash recovery: truncate the data file and sequence index back to
	// the last fsync'd segment boundary, discarding any unsealed tail.
	if uint64(seqIdx.Count()) > committed.SeqCount {
		if err := seqIdx.Truncate(int64(committed.SeqCount)); err != nil {
			df.Close()
			seqIdx.Close()
			phashIdx.Close()
			return nil, err
		}
	}
	if fi, statErr := df.Stat(); statErr == nil && uint64(fi.Size()) > committed.DataOff {
		if err := df.Truncate(int64(committed.DataOff)); err != nil {
			df.Close()
			seqIdx.Close()
			phashIdx.Close()
			return nil, err
		}
	}

	dict, _ := os.ReadFile(base + ".zdict")

	var encOpts []zstd.EOption
	var decOpts []zstd.DOption
	if len(dict) > 0 {
		encOpts = append(encOpts, zstd.WithEncoderDict(dict))
		decOpts = append(decOpts, zstd.WithDecoderDicts(dict))
	}
	enc, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		df.Close()
		seqIdx.Close()
		phashIdx.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil, decOpts...)
	if err != nil {
		enc.Close()
		df.Close()
		seqIdx.Close()
		phashIdx.Close()
		return nil, err
	}

	return &ShardWriter{
		idx:           idx,
		cfg:           cfg,
		dataFile:      df,
		dataOff:       int64(committed.DataOff),
		seqIdx:        seqIdx,
		phashIdx:      phashIdx,
		enc:           enc,
		dec:           dec,
		buffer:        newClusterBuffer(),
		sink:          sink,
		logger:        logger,
		committedPath: committedPath,
	}, nil
}

// ReadOnly reports whether this shard has been marked read-only after a
// disk I/O error.
func (s *ShardWriter) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

func (s *ShardWriter) markReadOnly(reason error) {
	s.readOnly = true
	s.sink.SetShardReadOnly(s.idx, true)
	s.logger.Error("shard marked read-only after disk I/O error",
		zap.Uint8("shard", s.idx), zap.Error(reason))
}

// Append buffers (did, path, cid, payload) and flushes the cluster if any
// trigger fires: target bytes reached, distinct-DID cap reached, or the
// caller-driven timer tick (see MaybeFlushOnTimer).
func (s *ShardWriter) Append(did, path string, cid [36]byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return fmt.Errorf("archive: shard %d is read-only", s.idx)
	}

	s.buffer.add(bufferedMsg{
		did:      did,
		path:     path,
		pathHash: xxhash.Sum64String(path),
		cid:      cid,
		payload:  payload,
	})

	if s.buffer.bytes >= s.cfg.ClusterTargetBytes ||
		s.buffer.distinctDIDs() >= maxInt(s.cfg.ClusterMaxDIDs, 1) {
		return s.flushLocked()
	}
	return nil
}

// MaybeFlushOnTimer flushes a non-empty buffer; Archive's flush loop
// calls it for every shard on each tick of one archive-wide ticker
// (Config.FlushInterval) so a low-traffic shard doesn't hold messages
// indefinitely.
func (s *ShardWriter) MaybeFlushOnTimer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer.empty() || s.readOnly {
		return nil
	}
	return s.flushLocked()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// flushLocked compresses the buffered cluster, appends it to the data
// file, emits one sequence-index record and one path-hash-index record per
// message, folds Merkle leaves, and seals a segment when the leaf target
// is reached. Caller holds s.mu.
func (s *ShardWriter) flushLocked() error {
	msgs := s.buffer.drain()
	if len(msgs) == 0 {
		return nil
	}

	var plain bytes.Buffer
	offsets := make([]int, len(msgs))
	lengths := make([]int, len(msgs))
	for i, m := range msgs {
		env := m.envelope()
		offsets[i] = plain.Len()
		plain.Write(env)
		lengths[i] = len(env)
	}

	compressed := s.enc.EncodeAll(plain.Bytes(), nil)

	binOff := uint64(s.dataOff)
	n, err := s.dataFile.WriteAt(compressed, s.dataOff)
	if err != nil {
		s.markReadOnly(err)
		return err
	}
	s.dataOff += int64(n)

	for i, m := range msgs {
		rec := index.SeqRecord{
			BinOff:   binOff,
			CLen:     uint32(len(compressed)),
			InnerOff: uint32(offsets[i]),
			ILen:     uint32(lengths[i]),
			PathHash: m.pathHash,
		}
		seqInShard, err := s.seqIdx.Append(rec)
		if err != nil {
			s.markReadOnly(err)
			return err
		}
		if err := s.phashIdx.Put(m.pathHash, uint64(seqInShard), binOff); err != nil {
			s.logger.Warn("path-hash index full, lookup-by-path degraded",
				zap.Uint8("shard", s.idx), zap.Error(err))
		}

		leaf := leafHash(m.envelope())
		s.leaves = append(s.leaves, leaf)
		if !s.haveFirstSeq {
			s.firstSeq = uint64(seqInShard)
			s.haveFirstSeq = true
		}

		if uint32(len(s.leaves)) >= s.cfg.SegmentLeafTarget {
			if err := s.sealSegmentLocked(uint64(seqInShard)); err != nil {
				return err
			}
		}
	}

	s.sink.IncClusterFlushed(s.idx)
	s.sink.AddBytesWritten(s.idx, int64(len(compressed)))
	s.clustersFlushed++
	s.bytesWritten += int64(len(compressed))
	return nil
}

func (s *ShardWriter) sealSegmentLocked(lastSeq uint64) error {
	root := buildMerkleRoot(s.leaves)
	footer := segmentFooter{
		MerkleRoot: root,
		LeafCount:  uint32(len(s.leaves)),
		FirstSeq:   s.firstSeq,
		LastSeq:    lastSeq,
	}
	buf := footer.encode()
	if _, err := s.dataFile.WriteAt(buf, s.dataOff); err != nil {
		s.markReadOnly(err)
		return err
	}
	s.dataOff += int64(len(buf))

	if err := s.dataFile.Sync(); err != nil {
		s.markReadOnly(err)
		return err
	}
	if err := s.seqIdx.Sync(); err != nil {
		s.markReadOnly(err)
		return err
	}
	if err := writeCommitted(s.committedPath, committedMarker{
		DataOff:  uint64(s.dataOff),
		SeqCount: uint64(s.seqIdx.Count()),
	}); err != nil {
		s.markReadOnly(err)
		return err
	}

	s.sink.IncSegmentSealed(s.idx)
	s.segmentsSealed++
	s.leaves = nil
	s.haveFirstSeq = false
	return nil
}

// ReadEnvelope returns the raw, byte-identical envelope (36-byte CID
// prefix followed by payload) archived at shard-local sequence
// seqInShard.
func (s *ShardWriter) ReadEnvelope(seqInShard int64) ([]byte, error) {
	rec, err := s.seqIdx.RecordAt(seqInShard)
	if err != nil {
		return nil, err
	}
	compressed := make([]byte, rec.CLen)
	if _, err := s.dataFile.ReadAt(compressed, int64(rec.BinOff)); err != nil {
		return nil, err
	}
	plain, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, err
	}
	end := int(rec.InnerOff) + int(rec.ILen)
	if end > len(plain) || int(rec.InnerOff) > end {
		return nil, fmt.Errorf("archive: index/data inconsistency at seq %d", seqInShard)
	}
	return plain[rec.InnerOff:end], nil
}

// Read returns the byte-identical payload archived at shard-local
// sequence seqInShard, with the leading CID stripped.
func (s *ShardWriter) Read(seqInShard int64) ([]byte, error) {
	env, err := s.ReadEnvelope(seqInShard)
	if err != nil {
		return nil, err
	}
	if len(env) < 36 {
		return nil, fmt.Errorf("archive: truncated envelope at seq %d", seqInShard)
	}
	return env[36:], nil
}

// ReadCID returns the CID archived alongside the payload at shard-local
// sequence seqInShard.
func (s *ShardWriter) ReadCID(seqInShard int64) ([36]byte, error) {
	var cid [36]byte
	env, err := s.ReadEnvelope(seqInShard)
	if err != nil {
		return cid, err
	}
	if len(env) < 36 {
		return cid, fmt.Errorf("archive: truncated envelope at seq %d", seqInShard)
	}
	copy(cid[:], env[:36])
	return cid, nil
}

// ReadByPath returns the most recently archived payload for path, or
// (nil, false) if unknown.
func (s *ShardWriter) ReadByPath(path string) ([]byte, bool) {
	hash := xxhash.Sum64String(path)
	seq, _, ok := s.phashIdx.Get(hash)
	if !ok {
		return nil, false
	}
	payload, err := s.Read(int64(seq))
	if err != nil {
		return nil, false
	}
	return payload, true
}

// SeqForPath returns the shard-local sequence number most recently
// archived for path.
func (s *ShardWriter) SeqForPath(path string) (int64, bool) {
	hash := xxhash.Sum64String(path)
	seq, _, ok := s.phashIdx.Get(hash)
	if !ok {
		return 0, false
	}
	return int64(seq), true
}

// DeletePath evicts path's path-hash index entry, per spec.md §4.6's
// deletion operation: once globalSeq is tombstoned, ReadByPath/SeqForPath
// must stop resolving path to the now-masked record rather than continuing
// to serve it from a stale index entry.
func (s *ShardWriter) DeletePath(path string) {
	hash := xxhash.Sum64String(path)
	s.phashIdx.Delete(hash)
}

// SeqCount returns the number of records currently appended to this
// shard's sequence index.
func (s *ShardWriter) SeqCount() int64 { return s.seqIdx.Count() }

// BytesWritten returns the cumulative compressed-cluster bytes written to
// this shard's data file.
func (s *ShardWriter) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// ClustersFlushed returns the number of clusters flushed to disk so far.
func (s *ShardWriter) ClustersFlushed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clustersFlushed
}

// SegmentsSealed returns the number of segments sealed (Merkle footer
// written and fsync'd) so far.
func (s *ShardWriter) SegmentsSealed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentsSealed
}

// RecordMeta is the public view of a sequence-index record, exposed for
// callers outside this package (egress, the debug snapshot surface) that
// need to group messages by their backing cluster without reaching into
// ShardWriter's unexported fields.
type RecordMeta struct {
	BinOff   uint64
	CLen     uint32
	InnerOff uint32
	ILen     uint32
	PathHash uint64
}

// RecordAt returns the sequence-index record at shard-local sequence
// seqInShard.
func (s *ShardWriter) RecordAt(seqInShard int64) (RecordMeta, error) {
	rec, err := s.seqIdx.RecordAt(seqInShard)
	if err != nil {
		return RecordMeta{}, err
	}
	return RecordMeta{
		BinOff:   rec.BinOff,
		CLen:     rec.CLen,
		InnerOff: rec.InnerOff,
		ILen:     rec.ILen,
		PathHash: rec.PathHash,
	}, nil
}

// DecodeCluster decompresses the cluster stored at binOff/cLen, for
// callers that need to read multiple messages out of the same cluster
// without paying the decompression cost once per message.
func (s *ShardWriter) DecodeCluster(binOff uint64, cLen uint32) ([]byte, error) {
	compressed := make([]byte, cLen)
	if _, err := s.dataFile.ReadAt(compressed, int64(binOff)); err != nil {
		return nil, err
	}
	return s.dec.DecodeAll(compressed, nil)
}

// EncodeCluster compresses plain using this shard's dictionary/encoder.
// Used by egress to re-serialize a cluster-framed stream after masking
// tombstoned messages out; the original on-disk cluster is never
// modified by this call.
func (s *ShardWriter) EncodeCluster(plain []byte) []byte {
	return s.enc.EncodeAll(plain, nil)
}

// Close flushes any buffered cluster, seals the pending (partial) segment
// so its records survive a reopen, syncs, and closes every underlying
// file.
func (s *ShardWriter) Close() error {
	s.mu.Lock()
	if !s.buffer.empty() && !s.readOnly {
		_ = s.flushLocked()
	}
	if len(s.leaves) > 0 && !s.readOnly {
		_ = s.sealSegmentLocked(uint64(s.seqIdx.Count() - 1))
	}
	s.mu.Unlock()

	_ = s.enc.Close()
	s.dec.Close()
	_ = s.dataFile.Sync()
	errs := []error{s.dataFile.Close(), s.seqIdx.Close(), s.phashIdx.Close()}
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
