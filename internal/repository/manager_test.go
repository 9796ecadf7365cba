package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriup/veriup/internal/domain/trust"
)

// newTestManager creates a store and manager in a temporary directory.
func newTestManager(t *testing.T) (*Manager, *Store) {
	t.Helper()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	signers, err := LoadOrGenerateSigners(store.Dir())
	require.NoError(t, err)

	manager, err := NewManager(store, signers)
	require.NoError(t, err)

	return manager, store
}

// TestPublishProducesConsistentGeneration verifies the version vector:
// snapshot references the exact targets version, timestamp the exact
// snapshot version, and all documents verify under the published root.
func TestPublishProducesConsistentGeneration(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	ctx := context.Background()

	payload := []byte("kernel image bytes")

	entry, err := manager.AddTarget("kernel-6.1.55", payload, map[string]string{"version": "6.1.55"})
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	require.Equal(t, hex.EncodeToString(sum[:]), entry.Hash)
	require.Equal(t, int64(len(payload)), entry.Length)

	release, err := manager.Publish(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, release.Versions[trust.RoleRoot])
	require.Equal(t, 1, release.Versions[trust.RoleTargets])
	require.Contains(t, release.Added, "kernel-6.1.55")

	rootDoc, err := store.CurrentDocument(trust.RoleRoot)
	require.NoError(t, err)

	root, err := rootDoc.ParseRoot()
	require.NoError(t, err)

	now := time.Now()

	timestampDoc, err := store.CurrentDocument(trust.RoleTimestamp)
	require.NoError(t, err)
	require.NoError(t, root.VerifyDocument(timestampDoc, trust.RoleTimestamp, now))

	timestamp, err := timestampDoc.ParseTimestamp()
	require.NoError(t, err)

	snapshotDoc, err := store.Document(trust.RoleSnapshot, timestamp.SnapshotVersion)
	require.NoError(t, err)
	require.NoError(t, root.VerifyDocument(snapshotDoc, trust.RoleSnapshot, now))

	snapshot, err := snapshotDoc.ParseSnapshot()
	require.NoError(t, err)

	targetsDoc, err := store.Document(trust.RoleTargets, snapshot.TargetsVersion)
	require.NoError(t, err)
	require.NoError(t, root.VerifyDocument(targetsDoc, trust.RoleTargets, now))

	targets, err := targetsDoc.ParseTargets()
	require.NoError(t, err)
	require.Equal(t, entry, targets.Targets["kernel-6.1.55"])

	// Blob is content-addressed.
	blob, err := store.Target(entry.Hash)
	require.NoError(t, err)
	require.Equal(t, payload, blob)
}

// TestPublishBumpsVersionsMonotonically checks release-over-release growth
// and retention of old signed versions.
func TestPublishBumpsVersionsMonotonically(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	ctx := context.Background()

	_, err := manager.AddTarget("app", []byte("v1"), nil)
	require.NoError(t, err)

	first, err := manager.Publish(ctx)
	require.NoError(t, err)

	_, err = manager.AddTarget("app", []byte("v2"), nil)
	require.NoError(t, err)

	second, err := manager.Publish(ctx)
	require.NoError(t, err)

	require.Greater(t, second.Versions[trust.RoleTargets], first.Versions[trust.RoleTargets])
	require.Greater(t, second.Versions[trust.RoleTimestamp], first.Versions[trust.RoleTimestamp])

	// The superseded targets version is still readable.
	oldDoc, err := store.Document(trust.RoleTargets, first.Versions[trust.RoleTargets])
	require.NoError(t, err)

	oldTargets, err := oldDoc.ParseTargets()
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("v1"))
	require.Equal(t, hex.EncodeToString(sum[:]), oldTargets.Targets["app"].Hash)
}

// TestRotateRootProducesVerifiableChain rotates every key and checks clients
// can walk v1 → v2 and verify the re-signed generation.
func TestRotateRootProducesVerifiableChain(t *testing.T) {
	t.Parallel()

	manager, store := newTestManager(t)
	ctx := context.Background()

	_, err := manager.AddTarget("app", []byte("v1"), nil)
	require.NoError(t, err)

	_, err = manager.Publish(ctx)
	require.NoError(t, err)

	rootV1, err := store.CurrentDocument(trust.RoleRoot)
	require.NoError(t, err)

	newSigners := make(map[trust.Role]*trust.Signer, len(trust.Roles()))

	for _, role := range trust.Roles() {
		signer, err := trust.GenerateSigner(role)
		require.NoError(t, err)

		newSigners[role] = signer
	}

	require.NoError(t, manager.RotateRoot(ctx, newSigners))

	rootV2, err := store.CurrentDocument(trust.RoleRoot)
	require.NoError(t, err)

	now := time.Now()

	current, err := trust.VerifyRootChain(rootV1, []*trust.Document{rootV2}, now)
	require.NoError(t, err)
	require.Equal(t, 2, current.Version)

	// The re-signed generation verifies under the rotated root.
	timestampDoc, err := store.CurrentDocument(trust.RoleTimestamp)
	require.NoError(t, err)
	require.NoError(t, current.VerifyDocument(timestampDoc, trust.RoleTimestamp, now))
}

// TestAddTargetRejectsEmptyName covers the validation edge.
func TestAddTargetRejectsEmptyName(t *testing.T) {
	t.Parallel()

	manager, _ := newTestManager(t)

	_, err := manager.AddTarget("", []byte("x"), nil)
	require.Error(t, err)
}

// TestSignersRoundtrip ensures seeds persist and rebuild identical key ids.
func TestSignersRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first, err := LoadOrGenerateSigners(dir)
	require.NoError(t, err)

	second, err := LoadOrGenerateSigners(dir)
	require.NoError(t, err)

	for _, role := range trust.Roles() {
		require.Equal(t, first[role].ID, second[role].ID)
	}
}
