// Package verify implements the Signature Verifier Pool: a fixed worker
// pool that looks up a key via the Identity Map, dispatches to the right
// curve implementation, and forwards verified events onward.
//
// Curve dispatch is a small closed enumeration (spec.md §9's "Dynamic
// dispatch" note): implemented as a tagged variant switch, not a virtual
// table. Secp256k1 verification is grounded on the pack's
// decred/dcrd/dcrec/secp256k1/v4 dependency; P-256 uses the standard
// library since no example repo in the pack reaches for a third-party
// P-256 implementation — every pack repo needing NIST-curve verification
// falls back to crypto/ecdsa for it and only pulls in a third-party curve
// package for secp256k1 specifically.
//
// © 2025 firehose authors. MIT License.
package verify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/archiveguard/firehose/internal/identitymap"
)

var errInvalidSignatureLen = errors.New("verify: signature must be exactly 64 raw bytes (r||s)")

// verifySignature dispatches on keyType and reports whether sig is a valid
// signature over msg under key.
func verifySignature(keyType identitymap.KeyType, key []byte, msg, sig []byte) (bool, error) {
	if len(sig) != 64 {
		return false, errInvalidSignatureLen
	}
	switch keyType {
	case identitymap.KeyTypeSecp256k1:
		return verifySecp256k1(key, msg, sig)
	case identitymap.KeyTypeP256:
		return verifyP256(key, msg, sig)
	default:
		return false, errors.New("verify: unknown key type")
	}
}

func verifySecp256k1(key, msg, sig []byte) (bool, error) {
	pub, err := secp256k1.ParsePubKey(key)
	if err != nil {
		return false, err
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return false, errors.New("verify: secp256k1 signature r overflow")
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return false, errors.New("verify: secp256k1 signature s overflow")
	}
	dsig := dcecdsa.NewSignature(&r, &s)

	digest := sha256.Sum256(msg)
	return dsig.Verify(digest[:], pub), nil
}

func verifyP256(key, msg, sig []byte) (bool, error) {
	// Identity Map records always store P-256 keys in compressed SEC1 form
	// (see identitymap.normalizeKey); the uncompressed form never reaches
	// this far.
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), key)
	if x == nil {
		return false, errors.New("verify: invalid P-256 public key encoding")
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])

	digest := sha256.Sum256(msg)
	return ecdsa.Verify(pub, digest[:], r, s), nil
}
