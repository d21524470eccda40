// Package codec decodes wire frames — CAR envelopes wrapping a DAG-CBOR
// commit block — into the archive's internal Event type.
//
// Grounded on the pack's yellowstone-faithful dependency manifest, which is
// the only complete stack in the corpus carrying go-car/go-cid/go-multihash/
// go-multibase/fxamacker-cbor together for exactly this CAR-wraps-CBOR
// shape; the teacher has no wire-format concern of its own.
//
// © 2025 firehose authors. MIT License.
package codec

import (
	"bytes"
	"io"

	"github.com/fxamacker/cbor/v2"
	carv2 "github.com/ipld/go-car/v2"
)

// commitBlock is the inner DAG-CBOR structure carrying the fields this
// archive cares about; the wire format carries more than this, but only
// these fields are load-bearing for ingestion.
type commitBlock struct {
	DID     string   `cbor:"did"`
	Path    string   `cbor:"path"`
	Seq     uint64   `cbor:"seq"`
	Sig     []byte   `cbor:"sig"`
	Payload cbor.RawMessage `cbor:"payload"`
}

var cborDecMode = func() cbor.DecMode {
	m, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// Decode walks a CAR-framed envelope, locates the inner DAG-CBOR commit
// block, and extracts (did, path, sig, payload). The CAR block reader and
// the CBOR decoder both copy what they return, so Payload and Sig are
// fresh allocations and do not alias frame.
func Decode(frame []byte) (Event, error) {
	if len(frame) == 0 {
		return Event{}, newDecodeError(TruncatedFrame, "codec: empty frame")
	}

	br, err := carv2.NewBlockReader(bytes.NewReader(frame))
	if err != nil {
		return Event{}, newDecodeError(TruncatedFrame, "codec: car header: "+err.Error())
	}

	var (
		found   bool
		cb      commitBlock
		blkCid  [36]byte
	)

	for {
		blk, err := br.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Event{}, newDecodeError(TruncatedFrame, "codec: car block read: "+err.Error())
		}

		data := blk.RawData()
		var candidate commitBlock
		if decErr := cborDecMode.Unmarshal(data, &candidate); decErr != nil {
			// Not every block in the CAR is necessarily the commit block
			// (a CAR may carry referenced blobs); skip blocks that don't
			// decode as a commit.
			continue
		}
		if candidate.DID == "" || candidate.Path == "" {
			continue
		}

		cid, err := normalizeCID(blk.Cid().Bytes())
		if err != nil {
			return Event{}, err
		}
		blkCid = cid
		cb = candidate
		found = true
		break
	}

	if !found {
		return Event{}, newDecodeError(MissingCommitBlock, "codec: no commit block found in frame")
	}
	if len(cb.Sig) == 0 {
		return Event{}, newDecodeError(MissingSignature, "codec: commit block missing signature")
	}

	return Event{
		DID:     cb.DID,
		Path:    cb.Path,
		Seq:     cb.Seq,
		CID:     blkCid,
		Payload: []byte(cb.Payload),
		Sig:     cb.Sig,
	}, nil
}
