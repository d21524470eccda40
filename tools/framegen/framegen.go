package main

// framegen.go is a tiny helper utility to generate synthetic CAR/
// DAG-CBOR event frames for standalone exercising of firehose's decode
// -> verify -> archive path outside `go test`. It emits a stream of
// length-delimited frames (the same {len:4B, frame} framing
// internal/egress uses for its own tuples) which can be replayed through
// firehose-ingest's Ingest path, alongside a sidecar JSON file mapping
// each generated DID to its public key so the replayer can enroll
// identities before feeding frames in. The DID sequence is reproducible
// from -seed; signing keys are freshly generated on every run, so
// signatures and CIDs differ between runs.
//
// Usage:
//   go run ./tools/framegen -n 1000000 -dids 5000 -dist=zipf -seed=42 -out frames.bin -keys keys.json
//
// Flags:
//   -n       number of frames to generate (default 1e6)
//   -dids    number of distinct DIDs to spread events across (default 1000)
//   -dist    DID-popularity distribution: "uniform" or "zipf" (default uniform)
//   -zipfs   Zipf s parameter (>1)  (default 1.2)
//   -zipfv   Zipf v parameter (>=1) (default 1.0)
//   -seed    RNG seed (default current time)
//   -out     output frame stream (default stdout)
//   -keys    output DID->pubkey sidecar JSON (default frames.keys.json next to -out)
//
// Grounded on the teacher's tools/dataset_gen/dataset_gen.go: same flag
// shape, same bufio-writer-around-stdout idiom, generalized from raw
// uint64 keys to signed wire frames.
//
// © 2025 firehose authors. MIT License.

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fxamacker/cbor/v2"
	carv2 "github.com/ipld/go-car/v2"
)

// commitBlock mirrors internal/codec's wire shape; duplicated here since
// that type is unexported and this tool only needs to match its cbor
// tags, not reuse its Go type.
type commitBlock struct {
	DID     string          `cbor:"did"`
	Path    string          `cbor:"path"`
	Seq     uint64          `cbor:"seq"`
	Sig     []byte          `cbor:"sig"`
	Payload cbor.RawMessage `cbor:"payload"`
}

type didIdentity struct {
	priv *secp256k1.PrivateKey
	seq  uint64
}

func main() {
	var (
		n       = flag.Int("n", 1_000_000, "number of frames to generate")
		dids    = flag.Int("dids", 1_000, "number of distinct DIDs")
		dist    = flag.String("dist", "uniform", "DID-popularity distribution: uniform or zipf")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>=1)")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outPath = flag.String("out", "", "output frame stream (default stdout)")
		keysOut = flag.String("keys", "", "output DID->pubkey sidecar JSON (default <out>.keys.json)")
	)
	flag.Parse()

	if *dids <= 0 {
		fmt.Fprintln(os.Stderr, "dids must be > 0")
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seedVal))

	var pick func() int
	switch *dist {
	case "uniform":
		pick = func() int { return rnd.Intn(*dids) }
	case "zipf":
		if *zipfS <= 1.0 || *zipfV < 1.0 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >=1")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, uint64(*dids-1))
		pick = func() int { return int(z.Uint64()) }
	default:
		fmt.Fprintln(os.Stderr, "unknown dist:", *dist)
		os.Exit(1)
	}

	identities := make([]*didIdentity, *dids)
	for i := range identities {
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, "generate key:", err)
			os.Exit(1)
		}
		identities[i] = &didIdentity{priv: priv}
	}

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}
	if *keysOut == "" {
		if *outPath == "" {
			*keysOut = "frames.keys.json"
		} else {
			*keysOut = *outPath + ".keys.json"
		}
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	for i := 0; i < *n; i++ {
		idx := pick() % *dids
		ident := identities[idx]
		did := fmt.Sprintf("did:plc:framegen%06d", idx)
		path := fmt.Sprintf("app.bsky.feed.post/%08d", i)
		payload := []byte(fmt.Sprintf("synthetic payload %d for %s", i, did))

		frame, err := buildFrame(ident, did, path, payload)
		if err != nil {
			fmt.Fprintln(os.Stderr, "build frame:", err)
			os.Exit(1)
		}
		if err := writeLengthDelimited(w, frame); err != nil {
			fmt.Fprintln(os.Stderr, "write frame:", err)
			os.Exit(1)
		}
		ident.seq++
	}

	if err := writeKeySidecar(*keysOut, identities); err != nil {
		fmt.Fprintln(os.Stderr, "write key sidecar:", err)
		os.Exit(1)
	}
}

func buildFrame(ident *didIdentity, did, path string, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	sig := dcecdsa.Sign(ident.priv, digest[:])
	r, s := sig.R(), sig.S()
	raw := make([]byte, 64)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(raw[32-len(rBytes):32], rBytes)
	copy(raw[64-len(sBytes):64], sBytes)

	cb := commitBlock{DID: did, Path: path, Seq: ident.seq, Sig: raw, Payload: cbor.RawMessage(payload)}
	data, err := cbor.Marshal(cb)
	if err != nil {
		return nil, err
	}

	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return nil, err
	}
	c := cid.NewCidV1(cid.DagCBOR, sum)
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	bw, err := carv2.NewBlockWriter(&buf, []cid.Cid{c})
	if err != nil {
		return nil, err
	}
	if err := bw.Write(blk); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeLengthDelimited(w *bufio.Writer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func writeKeySidecar(path string, identities []*didIdentity) error {
	type entry struct {
		DID    string `json:"did"`
		PubKey string `json:"pubkey_hex"`
	}
	entries := make([]entry, len(identities))
	for i, ident := range identities {
		pub := ident.priv.PubKey().SerializeCompressed()
		entries[i] = entry{
			DID:    fmt.Sprintf("did:plc:framegen%06d", i),
			PubKey: fmt.Sprintf("%x", pub),
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
