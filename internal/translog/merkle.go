package translog

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/bits"
)

// Domain-separation prefixes per RFC 6962: leaves and interior nodes hash
// differently so a leaf can never be replayed as a subtree root.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// Hash is a SHA-256 digest of a leaf or node.
type Hash [sha256.Size]byte

var errIndexOutOfRange = errors.New("leaf index out of range for tree size")

// LeafHash computes the leaf hash of a payload: SHA-256(0x00 || payload).
func LeafHash(payload []byte) Hash {
	data := make([]byte, 0, len(payload)+1)
	data = append(data, leafPrefix)
	data = append(data, payload...)

	return sha256.Sum256(data)
}

// nodeHash combines two child hashes: SHA-256(0x01 || left || right).
func nodeHash(left, right Hash) Hash {
	data := make([]byte, 0, 2*sha256.Size+1)
	data = append(data, nodePrefix)
	data = append(data, left[:]...)
	data = append(data, right[:]...)

	return sha256.Sum256(data)
}

// splitPoint returns the largest power of two strictly less than n.
func splitPoint(n uint64) uint64 {
	return uint64(1) << (bits.Len64(n-1) - 1)
}

// RootHash computes the Merkle tree head over the ordered leaf hashes.
// The same leaf sequence always yields the same root; an empty sequence
// hashes to SHA-256 of the empty string.
func RootHash(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return sha256.Sum256(nil)
	}

	if len(leaves) == 1 {
		return leaves[0]
	}

	split := splitPoint(uint64(len(leaves)))

	return nodeHash(RootHash(leaves[:split]), RootHash(leaves[split:]))
}

// InclusionProof returns the sibling-hash path from leaf `index` to the root
// over the ordered leaf hashes, leaf-to-root order.
func InclusionProof(leaves []Hash, index uint64) ([]Hash, error) {
	if index >= uint64(len(leaves)) {
		return nil, fmt.Errorf("index %d, size %d: %w", index, len(leaves), errIndexOutOfRange)
	}

	return inclusionPath(leaves, index), nil
}

// inclusionPath is the PATH function of RFC 6962, section 2.1.1.
func inclusionPath(leaves []Hash, index uint64) []Hash {
	if len(leaves) == 1 {
		return nil
	}

	split := splitPoint(uint64(len(leaves)))

	if index < split {
		return append(inclusionPath(leaves[:split], index), RootHash(leaves[split:]))
	}

	return append(inclusionPath(leaves[split:], index-split), RootHash(leaves[:split]))
}

// VerifyInclusion recomputes the root from a leaf hash and its proof and
// compares it to the expected root (RFC 9162 verification algorithm).
func VerifyInclusion(leaf Hash, index, size uint64, proof []Hash, expectedRoot Hash) bool {
	if index >= size || size == 0 {
		return false
	}

	fn, sn := index, size-1
	current := leaf

	for _, sibling := range proof {
		if sn == 0 {
			return false
		}

		if fn&1 == 1 || fn == sn {
			current = nodeHash(sibling, current)

			if fn&1 == 0 {
				for fn&1 == 0 && fn != 0 {
					fn >>= 1
					sn >>= 1
				}
			}
		} else {
			current = nodeHash(current, sibling)
		}

		fn >>= 1
		sn >>= 1
	}

	return sn == 0 && current == expectedRoot
}
