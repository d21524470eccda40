package codec

import (
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
)

// normalizeCID strips any multibase text prefix and canonicalizes raw to
// the fixed 36-byte binary form used throughout the archive (CIDv1,
// dag-cbor codec, sha2-256 multihash — the shape every frame in this
// protocol actually uses). Binary-form input is accepted as-is.
func normalizeCID(raw []byte) ([36]byte, error) {
	var out [36]byte

	var c cid.Cid
	var err error

	if looksLikeText(raw) {
		_, data, decErr := multibase.Decode(string(raw))
		if decErr != nil {
			return out, newDecodeError(InvalidCid, "cid: multibase decode failed: "+decErr.Error())
		}
		c, err = cid.Cast(data)
	} else {
		c, err = cid.Cast(raw)
	}
	if err != nil {
		return out, newDecodeError(InvalidCid, "cid: cast failed: "+err.Error())
	}

	b := c.Bytes()
	if len(b) != 36 {
		return out, newDecodeError(InvalidCid, "cid: unexpected normalized length")
	}
	copy(out[:], b)
	return out, nil
}

func looksLikeText(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	// Binary CIDv1 always starts with the varint 0x01; any byte outside
	// the set of valid multibase prefix characters would never appear as
	// the first byte of a raw CIDv1, so ASCII-printable first bytes
	// indicate a text-encoded CID (e.g. "b..." base32, "z..." base58btc).
	return strings.ContainsRune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", rune(raw[0]))
}
