package translog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// testLeaves builds n distinct leaf hashes.
func testLeaves(n int) []Hash {
	leaves := make([]Hash, 0, n)
	for i := 0; i < n; i++ {
		leaves = append(leaves, LeafHash([]byte(fmt.Sprintf("entry-%d", i))))
	}

	return leaves
}

// TestRootHashIsIdempotent verifies repeated computation over the same leaves
// yields the same root for a range of tree sizes.
func TestRootHashIsIdempotent(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 1, 2, 3, 7, 8, 9, 31, 64} {
		leaves := testLeaves(size)
		require.Equal(t, RootHash(leaves), RootHash(leaves), "size %d", size)
	}
}

// TestInclusionProofRoundtrip verifies every proof against the independently
// computed root at every tree size up to a two-level tree and beyond.
func TestInclusionProofRoundtrip(t *testing.T) {
	t.Parallel()

	for _, size := range []int{1, 2, 3, 5, 8, 13, 33} {
		leaves := testLeaves(size)
		root := RootHash(leaves)

		for index := 0; index < size; index++ {
			proof, err := InclusionProof(leaves, uint64(index))
			require.NoError(t, err)

			ok := VerifyInclusion(leaves[index], uint64(index), uint64(size), proof, root)
			require.True(t, ok, "size %d index %d", size, index)
		}
	}
}

// TestInclusionProofRejectsOutOfRange checks the index bound.
func TestInclusionProofRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	leaves := testLeaves(4)

	_, err := InclusionProof(leaves, 4)
	require.Error(t, err)
}

// TestTamperInvalidatesProofs verifies mutating leaf i breaks verification of
// every previously valid proof at sizes greater than i.
func TestTamperInvalidatesProofs(t *testing.T) {
	t.Parallel()

	const size = 9

	leaves := testLeaves(size)
	root := RootHash(leaves)

	proofs := make([][]Hash, size)

	for i := 0; i < size; i++ {
		proof, err := InclusionProof(leaves, uint64(i))
		require.NoError(t, err)

		proofs[i] = proof
	}

	// Mutate leaf 3; the recomputed tree must reject every old proof.
	tampered := make([]Hash, size)
	copy(tampered, leaves)
	tampered[3] = LeafHash([]byte("rewritten history"))

	tamperedRoot := RootHash(tampered)
	require.NotEqual(t, root, tamperedRoot)

	for i := 0; i < size; i++ {
		ok := VerifyInclusion(leaves[i], uint64(i), size, proofs[i], tamperedRoot)
		require.False(t, ok, "proof %d should not verify against tampered root", i)
	}
}

// TestVerifyInclusionRejectsWrongLeaf checks a valid proof does not verify a
// different leaf hash.
func TestVerifyInclusionRejectsWrongLeaf(t *testing.T) {
	t.Parallel()

	leaves := testLeaves(6)
	root := RootHash(leaves)

	proof, err := InclusionProof(leaves, 2)
	require.NoError(t, err)

	require.False(t, VerifyInclusion(LeafHash([]byte("impostor")), 2, 6, proof, root))
	require.False(t, VerifyInclusion(leaves[2], 3, 6, proof, root))
}
