package codec

import (
	"bytes"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/fxamacker/cbor/v2"
	carv2 "github.com/ipld/go-car/v2"
)

func buildCommitCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash sum: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, sum)
}

func buildFrame(t *testing.T, cb commitBlock) ([]byte, [36]byte) {
	t.Helper()
	data, err := cbor.Marshal(cb)
	if err != nil {
		t.Fatalf("cbor marshal: %v", err)
	}
	c := buildCommitCID(t, data)
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		t.Fatalf("block with cid: %v", err)
	}

	var buf bytes.Buffer
	w, err := carv2.NewBlockWriter(&buf, []cid.Cid{c})
	if err != nil {
		t.Fatalf("new block writer: %v", err)
	}
	if err := w.Write(blk); err != nil {
		t.Fatalf("write block: %v", err)
	}

	var want [36]byte
	copy(want[:], c.Bytes())
	return buf.Bytes(), want
}

// Invariant 5: round trip raw frame -> decode -> re-serialize CID bytes ->
// byte-equal.
func TestDecodeRoundTripCID(t *testing.T) {
	cb := commitBlock{
		DID:     "did:plc:roundtrip",
		Path:    "app.bsky.feed.post/abc123",
		Seq:     42,
		Sig:     bytes.Repeat([]byte{0xAB}, 64),
		Payload: cbor.RawMessage([]byte{0xA0}), // empty CBOR map
	}
	frame, wantCID := buildFrame(t, cb)

	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.CID != wantCID {
		t.Fatalf("CID mismatch: got %x want %x", ev.CID, wantCID)
	}
	if ev.DID != cb.DID || ev.Path != cb.Path || ev.Seq != cb.Seq {
		t.Fatalf("event fields mismatch: %+v", ev)
	}
	if !bytes.Equal(ev.Sig, cb.Sig) {
		t.Fatal("sig mismatch")
	}
}

func TestDecodeMissingSignature(t *testing.T) {
	cb := commitBlock{
		DID:     "did:plc:nosig",
		Path:    "app.bsky.feed.post/xyz",
		Seq:     1,
		Payload: cbor.RawMessage([]byte{0xA0}),
	}
	frame, _ := buildFrame(t, cb)

	_, err := Decode(frame)
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != MissingSignature {
		t.Fatalf("expected MissingSignature, got %v", err)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != TruncatedFrame {
		t.Fatalf("expected TruncatedFrame, got %v", err)
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != TruncatedFrame {
		t.Fatalf("expected TruncatedFrame for empty frame, got %v", err)
	}
}
