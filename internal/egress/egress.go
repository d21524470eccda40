// Package egress implements the Egress Relay: it reads a shard's
// sequence index, decompresses the target clusters, masks tombstoned
// messages, and re-serves the survivors as a length-delimited byte
// stream. The package is transport-agnostic: it writes to an io.Writer
// and registers no HTTP handlers of its own.
//
// © 2025 firehose authors. MIT License.
package egress

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/archiveguard/firehose/internal/archive"
	"github.com/archiveguard/firehose/internal/metrics"
	"github.com/archiveguard/firehose/internal/tombstone"
)

// Tuple is one subscriber-visible message: {seq, cid, payload}, per
// spec.md §6's egress wire contract. Seq here is the flat, cross-shard
// global sequence (see archive.GlobalSeq), since that is the address
// space subscribers and the tombstone lattice share.
type Tuple struct {
	Seq     uint32
	CID     [36]byte
	Payload []byte
}

const tupleHeaderSize = 4 + 36 // seq + cid

// WriteFrame writes t as one length-delimited frame: a big-endian uint32
// byte count followed by {seq:4B, cid:36B, payload}.
func WriteFrame(w io.Writer, t Tuple) error {
	body := make([]byte, tupleHeaderSize+len(t.Payload))
	binary.BigEndian.PutUint32(body[0:4], t.Seq)
	copy(body[4:40], t.CID[:])
	copy(body[40:], t.Payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one frame written by WriteFrame. Exposed mainly for
// tests and for collaborator tooling (live_firehose) consuming this wire
// format outside this process.
func ReadFrame(r io.Reader) (Tuple, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Tuple{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Tuple{}, err
	}
	if len(body) < tupleHeaderSize {
		return Tuple{}, fmt.Errorf("egress: truncated frame")
	}
	var t Tuple
	t.Seq = binary.BigEndian.Uint32(body[0:4])
	copy(t.CID[:], body[4:40])
	t.Payload = body[40:]
	return t, nil
}

// writeClusterFrame writes one re-serialized cluster's worth of
// surviving messages, length-delimited as {first_seq:4B, last_seq:4B,
// compressed}.
func writeClusterFrame(w io.Writer, firstSeq, lastSeq uint32, compressed []byte) error {
	body := make([]byte, 8+len(compressed))
	binary.BigEndian.PutUint32(body[0:4], firstSeq)
	binary.BigEndian.PutUint32(body[4:8], lastSeq)
	copy(body[8:], compressed)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// Relay serves the archive back to subscribers, masking tombstoned
// messages at read time. It never mutates the underlying archive.
type Relay struct {
	arc        *archive.Archive
	lattice    *tombstone.Lattice
	shardCount int
	sink       metrics.Sink
}

// NewRelay constructs a Relay over arc and lattice.
func NewRelay(arc *archive.Archive, lattice *tombstone.Lattice, sink metrics.Sink) *Relay {
	if sink == nil {
		sink = metrics.Noop()
	}
	return &Relay{arc: arc, lattice: lattice, shardCount: arc.ShardCount(), sink: sink}
}

// Filter, when non-nil, is consulted with each candidate message's
// path_hash (the only per-message path information the on-disk index
// retains) and may reject it from the stream.
type Filter func(pathHash uint64) bool

// ServeRange streams every non-tombstoned message on shardIdx from
// fromSeqInShard (inclusive) onward, one frame per message, in sequence
// order. The guarantee this upholds (spec.md §4.8): the subscriber-
// visible stream never contains a message whose tombstone bit was set at
// or before this call's read point.
func (r *Relay) ServeRange(ctx context.Context, w io.Writer, shardIdx uint8, fromSeqInShard int64, filter Filter) (served, masked int, err error) {
	sw := r.arc.Shard(shardIdx)
	n := sw.SeqCount()

	for seq := fromSeqInShard; seq < n; seq++ {
		select {
		case <-ctx.Done():
			return served, masked, ctx.Err()
		default:
		}

		rec, err := sw.RecordAt(seq)
		if err != nil {
			return served, masked, err
		}
		if filter != nil && !filter(rec.PathHash) {
			continue
		}

		global := archive.GlobalSeq(seq, shardIdx, r.shardCount)
		if r.lattice.Get(global) {
			masked++
			r.sink.IncEgressMasked()
			continue
		}

		payload, err := sw.Read(seq)
		if err != nil {
			return served, masked, err
		}
		cid, err := sw.ReadCID(seq)
		if err != nil {
			return served, masked, err
		}
		if err := WriteFrame(w, Tuple{Seq: global, CID: cid, Payload: payload}); err != nil {
			return served, masked, err
		}
		served++
		r.sink.IncEgressServed()
	}
	return served, masked, nil
}

// ServeClusterFramed streams whole re-compressed clusters instead of
// individual messages: consecutive records sharing a cluster are
// decompressed once, tombstoned survivors are re-packed and
// re-compressed under the shard's own dictionary, and non-survivors are
// simply omitted from the new frame. The original on-disk cluster bytes
// are never modified.
func (r *Relay) ServeClusterFramed(ctx context.Context, w io.Writer, shardIdx uint8, fromSeqInShard int64) (servedClusters int, err error) {
	sw := r.arc.Shard(shardIdx)
	n := sw.SeqCount()

	seq := fromSeqInShard
	for seq < n {
		select {
		case <-ctx.Done():
			return servedClusters, ctx.Err()
		default:
		}

		first, err := sw.RecordAt(seq)
		if err != nil {
			return servedClusters, err
		}
		clusterStart := seq
		end := seq
		for end+1 < n {
			rec, err := sw.RecordAt(end + 1)
			if err != nil {
				return servedClusters, err
			}
			if rec.BinOff != first.BinOff {
				break
			}
			end++
		}

		plain, err := sw.DecodeCluster(first.BinOff, first.CLen)
		if err != nil {
			return servedClusters, err
		}

		var survivors bytes.Buffer
		var firstSurvivor, lastSurvivor uint32
		haveSurvivor := false
		for s := clusterStart; s <= end; s++ {
			rec, err := sw.RecordAt(s)
			if err != nil {
				return servedClusters, err
			}
			global := archive.GlobalSeq(s, shardIdx, r.shardCount)
			if r.lattice.Get(global) {
				r.sink.IncEgressMasked()
				continue
			}
			if int(rec.InnerOff)+int(rec.ILen) > len(plain) {
				return servedClusters, fmt.Errorf("egress: index/data inconsistency at seq %d", s)
			}
			survivors.Write(plain[rec.InnerOff : rec.InnerOff+rec.ILen])
			if !haveSurvivor {
				firstSurvivor = global
				haveSurvivor = true
			}
			lastSurvivor = global
			r.sink.IncEgressServed()
		}

		seq = end + 1
		if !haveSurvivor {
			continue // every message in this cluster was masked
		}

		recompressed := sw.EncodeCluster(survivors.Bytes())
		if err := writeClusterFrame(w, firstSurvivor, lastSurvivor, recompressed); err != nil {
			return servedClusters, err
		}
		servedClusters++
	}
	return servedClusters, nil
}
