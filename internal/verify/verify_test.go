package verify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/archiveguard/firehose/internal/codec"
	"github.com/archiveguard/firehose/internal/identitymap"
)

func openIdentity(t *testing.T) *identitymap.Map {
	t.Helper()
	dir := t.TempDir()
	m, err := identitymap.Open(filepath.Join(dir, "identity.bin"), 256, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestVerifySecp256k1RoundTrip(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()

	msg := []byte("hello firehose")
	digest := sha256.Sum256(msg)
	sig := dcecdsa.Sign(priv, digest[:])

	r := sig.R()
	s := sig.S()
	raw := make([]byte, 64)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(raw[0:32], rBytes[:])
	copy(raw[32:64], sBytes[:])

	ok, err := verifySignature(identitymap.KeyTypeSecp256k1, pub, msg, raw)
	if err != nil {
		t.Fatalf("verifySignature: %v", err)
	}
	if !ok {
		t.Fatal("expected valid secp256k1 signature to verify")
	}

	raw[0] ^= 0xFF
	ok, _ = verifySignature(identitymap.KeyTypeSecp256k1, pub, msg, raw)
	if ok {
		t.Fatal("tampered signature must not verify")
	}
}

func TestVerifyP256RoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := elliptic.MarshalCompressed(elliptic.P256(), priv.X, priv.Y)

	msg := []byte("hello firehose p256")
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw := make([]byte, 64)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(raw[32-len(rBytes):32], rBytes)
	copy(raw[64-len(sBytes):64], sBytes)

	ok, err := verifySignature(identitymap.KeyTypeP256, pub, msg, raw)
	if err != nil {
		t.Fatalf("verifySignature: %v", err)
	}
	if !ok {
		t.Fatal("expected valid P-256 signature to verify")
	}
}

func TestPoolDropsOnIdentityMiss(t *testing.T) {
	identity := openIdentity(t)
	out := make(chan Verified, 8)
	pool := NewPool(2, 2, identity, func(string) uint8 { return 0 }, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer cancel()

	ev := codec.Event{DID: "did:plc:unknown", Payload: []byte("x"), Sig: make([]byte, 64)}
	if err := pool.Submit(ctx, ev); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-out:
		t.Fatal("expected no verified event for an unknown identity")
	case <-time.After(50 * time.Millisecond):
	}
}
