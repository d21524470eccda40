package archive

import "lukechampine.com/blake3"

// leafHash returns the Blake3 hash of a message's raw decompressed bytes,
// used as a Merkle leaf.
func leafHash(msg []byte) [32]byte {
	return blake3.Sum256(msg)
}

func nodeHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 64)
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return blake3.Sum256(buf)
}

// buildMerkleRoot folds leaves into a single root. An odd node at any level
// is carried up unchanged to the next level (no duplication), a simple and
// common convention for unbalanced leaf counts.
func buildMerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}

// MerkleProofStep is one sibling hash plus whether it sits on the right of
// the node being hashed up.
type MerkleProofStep struct {
	Sibling     [32]byte
	SiblingOnRight bool
}

// buildMerkleProof returns the authentication path for leaves[i] against
// the full leaf set, following the same odd-node-carries-up convention as
// buildMerkleRoot.
func buildMerkleProof(leaves [][32]byte, i int) []MerkleProofStep {
	var proof []MerkleProofStep
	level := leaves
	idx := i
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for j := 0; j+1 < len(level); j += 2 {
			next = append(next, nodeHash(level[j], level[j+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}

		if idx%2 == 0 {
			if idx+1 < len(level) {
				proof = append(proof, MerkleProofStep{Sibling: level[idx+1], SiblingOnRight: true})
			}
			// else idx is the odd leftover, carried up with no sibling step
		} else {
			proof = append(proof, MerkleProofStep{Sibling: level[idx-1], SiblingOnRight: false})
		}

		idx /= 2
		level = next
	}
	return proof
}

// VerifyMerkleProof reports whether leaf authenticates to root via proof.
func VerifyMerkleProof(leaf [32]byte, proof []MerkleProofStep, root [32]byte) bool {
	cur := leaf
	for _, step := range proof {
		if step.SiblingOnRight {
			cur = nodeHash(cur, step.Sibling)
		} else {
			cur = nodeHash(step.Sibling, cur)
		}
	}
	return cur == root
}
