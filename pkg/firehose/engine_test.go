package firehose

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fxamacker/cbor/v2"
	carv2 "github.com/ipld/go-car/v2"

	"github.com/archiveguard/firehose/internal/archive"
	"github.com/archiveguard/firehose/internal/config"
	"github.com/archiveguard/firehose/internal/identitymap"
)

// commitBlock mirrors internal/codec's unexported wire shape; duplicated
// here (tags only need to match, not the type) so this package can build
// realistic test frames without reaching into codec internals.
type commitBlock struct {
	DID     string          `cbor:"did"`
	Path    string          `cbor:"path"`
	Seq     uint64          `cbor:"seq"`
	Sig     []byte          `cbor:"sig"`
	Payload cbor.RawMessage `cbor:"payload"`
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default(t.TempDir())
	if err := config.Apply(cfg, []config.Option{
		config.WithShardCount(2),
		config.WithIdentityMapCapacity(256),
		config.WithVerifierWorkers(2),
	}); err != nil {
		t.Fatalf("config.Apply: %v", err)
	}
	cfg.ClusterFlushInterval = 20 * time.Millisecond
	cfg.BloomResetInterval = time.Hour

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func signedFrame(t *testing.T, did, path string, seq uint64, payload []byte) ([]byte, *secp256k1.PrivateKey) {
	t.Helper()
	digest := sha256.Sum256(payload)

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig := dcecdsa.Sign(priv, digest[:])
	r, s := sig.R(), sig.S()
	raw := make([]byte, 64)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(raw[32-len(rBytes):32], rBytes)
	copy(raw[64-len(sBytes):64], sBytes)

	return buildCommitFrame(t, did, path, seq, raw, payload), priv
}

// signedFrameP256 mirrors signedFrame but signs with a P-256 key in the
// uncompressed SEC1 form crypto/ecdsa naturally produces, exercising the
// Identity Map's compress-on-Insert normalization end to end.
func signedFrameP256(t *testing.T, did, path string, seq uint64, payload []byte) ([]byte, *ecdsa.PrivateKey) {
	t.Helper()
	digest := sha256.Sum256(payload)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw := make([]byte, 64)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(raw[32-len(rBytes):32], rBytes)
	copy(raw[64-len(sBytes):64], sBytes)

	return buildCommitFrame(t, did, path, seq, raw, payload), priv
}

// buildCommitFrame cbor-marshals a commitBlock, computes its CID, and
// wraps it in a single-block CAR frame, shared by every signer helper.
func buildCommitFrame(t *testing.T, did, path string, seq uint64, sig, payload []byte) []byte {
	t.Helper()
	cb := commitBlock{DID: did, Path: path, Seq: seq, Sig: sig, Payload: cbor.RawMessage(payload)}
	data, err := cbor.Marshal(cb)
	if err != nil {
		t.Fatalf("cbor marshal: %v", err)
	}

	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash: %v", err)
	}
	c := cid.NewCidV1(cid.DagCBOR, sum)
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
	return buf.Bytes()
}

// TestIngestVerifiesAndArchives exercises the full pipeline: decode,
// dedup, verify against a freshly-enrolled identity, archive, and read
// back by path.
func TestIngestVerifiesAndArchives(t *testing.T) {
	e := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	did := "did:plc:engine-test"
	path := "app.bsky.feed.post/abc"
	payload := []byte("hello firehose engine")

	frame, priv := signedFrame(t, did, path, 7, payload)
	pub := priv.PubKey().SerializeCompressed()
	if err := e.RefreshIdentity(did, identitymap.KeyTypeSecp256k1, pub); err != nil {
		t.Fatalf("RefreshIdentity: %v", err)
	}

	if err := e.Ingest(ctx, frame); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if got, ok := e.arc.ReadByPath(did, path); ok {
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload mismatch: got %q want %q", got, payload)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for verified event to be archived")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestIngestRejectsDuplicateCID confirms the same frame ingested twice is
// rejected the second time by the dedup layer before verification.
func TestIngestRejectsDuplicateCID(t *testing.T) {
	e := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	did := "did:plc:dup-test"
	frame, priv := signedFrame(t, did, "app.bsky.feed.post/dup", 1, []byte("dup payload"))
	if err := e.RefreshIdentity(did, identitymap.KeyTypeSecp256k1, priv.PubKey().SerializeCompressed()); err != nil {
		t.Fatalf("RefreshIdentity: %v", err)
	}

	if err := e.Ingest(ctx, frame); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	if err := e.Ingest(ctx, frame); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate on second Ingest, got %v", err)
	}
}

// TestTombstoneMasksFromRelay confirms a tombstoned global sequence is
// omitted from Relay.ServeRange, per scenario S3.
func TestTombstoneMasksFromRelay(t *testing.T) {
	e := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	did := "did:plc:tombstone-test"
	frame, priv := signedFrame(t, did, "app.bsky.feed.post/tomb", 1, []byte("to be masked"))
	if err := e.RefreshIdentity(did, identitymap.KeyTypeSecp256k1, priv.PubKey().SerializeCompressed()); err != nil {
		t.Fatalf("RefreshIdentity: %v", err)
	}
	if err := e.Ingest(ctx, frame); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	var seqInShard int64 = -1
	deadline := time.After(2 * time.Second)
	for {
		if s, ok := e.arc.Shard(e.shardFor(did)).SeqForPath("app.bsky.feed.post/tomb"); ok {
			seqInShard = s
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for archival")
		case <-time.After(5 * time.Millisecond):
		}
	}

	global := archive.GlobalSeq(seqInShard, e.shardFor(did), e.arc.ShardCount())
	e.Tombstone(global)

	var buf bytes.Buffer
	served, masked, err := e.Relay().ServeRange(ctx, &buf, e.shardFor(did), 0, nil)
	if err != nil {
		t.Fatalf("ServeRange: %v", err)
	}
	if masked != 1 || served != 0 {
		t.Fatalf("expected 1 masked, 0 served, got served=%d masked=%d", served, masked)
	}
}

// TestTombstonePathEvictsIndexEntry confirms TombstonePath both masks the
// global sequence from the relay and evicts the path-hash index entry, so
// ReadByPath/SeqForPath stop resolving the deleted path.
func TestTombstonePathEvictsIndexEntry(t *testing.T) {
	e := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	did := "did:plc:tombstone-path-test"
	path := "app.bsky.feed.post/deleteme"
	frame, priv := signedFrame(t, did, path, 1, []byte("to be deleted"))
	if err := e.RefreshIdentity(did, identitymap.KeyTypeSecp256k1, priv.PubKey().SerializeCompressed()); err != nil {
		t.Fatalf("RefreshIdentity: %v", err)
	}
	if err := e.Ingest(ctx, frame); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := e.arc.ReadByPath(did, path); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for archival")
		case <-time.After(5 * time.Millisecond):
		}
	}

	e.TombstonePath(did, path)

	if _, ok := e.arc.Shard(e.shardFor(did)).SeqForPath(path); ok {
		t.Fatal("expected SeqForPath to miss after TombstonePath")
	}
	if _, ok := e.arc.ReadByPath(did, path); ok {
		t.Fatal("expected ReadByPath to miss after TombstonePath")
	}

	var buf bytes.Buffer
	served, masked, err := e.Relay().ServeRange(ctx, &buf, e.shardFor(did), 0, nil)
	if err != nil {
		t.Fatalf("ServeRange: %v", err)
	}
	if masked != 1 || served != 0 {
		t.Fatalf("expected 1 masked, 0 served, got served=%d masked=%d", served, masked)
	}
}

func TestSnapshotReflectsShardCount(t *testing.T) {
	e := testEngine(t)
	snap := e.Snapshot()
	if len(snap.Shards) != 2 {
		t.Fatalf("expected 2 shards in snapshot, got %d", len(snap.Shards))
	}
	if snap.IdentityCapacity != 256 {
		t.Fatalf("expected identity capacity 256, got %d", snap.IdentityCapacity)
	}
}

// TestIngestVerifiesP256Identity round-trips a real P-256 identity through
// RefreshIdentity -> Pool.verifyOne: the enrolled key is the uncompressed
// 65-byte SEC1 encoding crypto/ecdsa.GenerateKey naturally produces, which
// must be compressed to fit the Identity Map's record before it can ever be
// read back and re-parsed for verification.
func TestIngestVerifiesP256Identity(t *testing.T) {
	e := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	did := "did:plc:p256-test"
	path := "app.bsky.feed.post/p256"
	payload := []byte("hello firehose p256 engine")

	frame, priv := signedFrameP256(t, did, path, 1, payload)
	pub := elliptic.Marshal(elliptic.P256(), priv.X, priv.Y)
	if len(pub) != 65 {
		t.Fatalf("expected uncompressed P-256 key to be 65 bytes, got %d", len(pub))
	}
	if err := e.RefreshIdentity(did, identitymap.KeyTypeP256, pub); err != nil {
		t.Fatalf("RefreshIdentity: %v", err)
	}

	rec, err := e.identity.Lookup(did)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.KeyLen != 33 {
		t.Fatalf("expected stored P-256 key to be compressed to 33 bytes, got %d", rec.KeyLen)
	}

	if err := e.Ingest(ctx, frame); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if got, ok := e.arc.ReadByPath(did, path); ok {
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload mismatch: got %q want %q", got, payload)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for verified P-256 event to be archived")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
