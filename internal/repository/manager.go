package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veriup/veriup/internal/domain/trust"
	"github.com/veriup/veriup/internal/logger"
)

// Metadata lifetimes per role. The timestamp document is deliberately
// short-lived: it is the freshness anchor clients poll.
const (
	rootLifetime      = 365 * 24 * time.Hour
	targetsLifetime   = 30 * 24 * time.Hour
	snapshotLifetime  = 7 * 24 * time.Hour
	timestampLifetime = 24 * time.Hour
)

var (
	// errMissingSigner is returned when a required role signer is absent.
	errMissingSigner = errors.New("missing role signer")
	// errEmptyTargetName is returned when a target is added without a name.
	errEmptyTargetName = errors.New("target name must not be empty")
)

// Release summarizes one successful publish.
type Release struct {
	// Versions holds the published version of each role.
	Versions map[trust.Role]int `json:"versions"`
	// Added lists the target names introduced or changed by this release.
	Added []string `json:"added"`
}

// pendingTarget is a staged artifact awaiting publish.
type pendingTarget struct {
	entry trust.TargetEntry
	data  []byte
}

// Manager is the authoring side: it stages targets, bumps role versions and
// re-signs snapshot/timestamp atomically on publish. A partially signed
// generation is never committed.
type Manager struct {
	// store persists metadata and target blobs.
	store *Store
	// signers holds the private role keys.
	signers map[trust.Role]*trust.Signer
	// now is the clock, replaceable in tests.
	now func() time.Time

	// mu protects the pending set.
	mu sync.Mutex
	// pending maps target names to staged artifacts.
	pending map[string]pendingTarget
}

// NewManager creates an authoring manager over the store. Root and targets
// signers must exist before any metadata can be produced.
func NewManager(store *Store, signers map[trust.Role]*trust.Signer) (*Manager, error) {
	for _, role := range trust.Roles() {
		if signers[role] == nil {
			return nil, fmt.Errorf("%s: %w", role, errMissingSigner)
		}
	}

	return &Manager{
		store:   store,
		signers: signers,
		now:     time.Now,
		pending: make(map[string]pendingTarget),
	}, nil
}

// AddTarget hashes the artifact bytes and stages the entry for the next
// publish. The returned entry is immutable once published; changing a
// target later requires a new signed targets version.
func (m *Manager) AddTarget(name string, data []byte, custom map[string]string) (trust.TargetEntry, error) {
	if name == "" {
		return trust.TargetEntry{}, errEmptyTargetName
	}

	sum := sha256.Sum256(data)

	entry := trust.TargetEntry{
		Length: int64(len(data)),
		Hash:   hex.EncodeToString(sum[:]),
		Custom: custom,
	}

	m.mu.Lock()
	m.pending[name] = pendingTarget{entry: entry, data: data}
	m.mu.Unlock()

	return entry, nil
}

// Publish signs a new consistent generation: targets vN (current entries
// plus the pending set), snapshot referencing exactly that targets version,
// timestamp referencing exactly that snapshot version. All three are signed
// before anything is written; any failure aborts with no state change.
func (m *Manager) Publish(ctx context.Context) (*Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, err := m.store.CurrentVersions()
	if err != nil {
		return nil, err
	}

	documents := make(map[trust.Role]*trust.Document, 4)
	next := make(map[trust.Role]int, 4)

	for role, version := range versions {
		next[role] = version
	}

	now := m.now()

	// First publish bootstraps root v1.
	if versions[trust.RoleRoot] == 0 {
		rootDoc, err := m.signRoot(1, now)
		if err != nil {
			return nil, err
		}

		documents[trust.RoleRoot] = rootDoc
		next[trust.RoleRoot] = 1
	}

	targets, err := m.currentTargets()
	if err != nil {
		return nil, err
	}

	added := make([]string, 0, len(m.pending))
	blobs := make(map[string][]byte, len(m.pending))

	for name, staged := range m.pending {
		targets[name] = staged.entry
		blobs[staged.entry.Hash] = staged.data
		added = append(added, name)
	}

	targetsVersion := versions[trust.RoleTargets] + 1
	snapshotVersion := versions[trust.RoleSnapshot] + 1
	timestampVersion := versions[trust.RoleTimestamp] + 1

	targetsDoc, err := trust.SignPayload(&trust.TargetsPayload{
		Header: trust.Header{
			Type:    trust.RoleTargets,
			Version: targetsVersion,
			Expires: now.Add(targetsLifetime),
		},
		Targets: targets,
	}, m.signers[trust.RoleTargets])
	if err != nil {
		return nil, fmt.Errorf("sign targets: %w", err)
	}

	snapshotDoc, err := trust.SignPayload(&trust.SnapshotPayload{
		Header: trust.Header{
			Type:    trust.RoleSnapshot,
			Version: snapshotVersion,
			Expires: now.Add(snapshotLifetime),
		},
		TargetsVersion: targetsVersion,
	}, m.signers[trust.RoleSnapshot])
	if err != nil {
		return nil, fmt.Errorf("sign snapshot: %w", err)
	}

	timestampDoc, err := trust.SignPayload(&trust.TimestampPayload{
		Header: trust.Header{
			Type:    trust.RoleTimestamp,
			Version: timestampVersion,
			Expires: now.Add(timestampLifetime),
		},
		SnapshotVersion: snapshotVersion,
	}, m.signers[trust.RoleTimestamp])
	if err != nil {
		return nil, fmt.Errorf("sign timestamp: %w", err)
	}

	documents[trust.RoleTargets] = targetsDoc
	documents[trust.RoleSnapshot] = snapshotDoc
	documents[trust.RoleTimestamp] = timestampDoc

	next[trust.RoleTargets] = targetsVersion
	next[trust.RoleSnapshot] = snapshotVersion
	next[trust.RoleTimestamp] = timestampVersion

	if err := m.store.Commit(documents, next, blobs); err != nil {
		return nil, fmt.Errorf("commit generation: %w", err)
	}

	m.pending = make(map[string]pendingTarget)

	logger.InfoKV(ctx, "Published generation",
		"targets_version", targetsVersion,
		"snapshot_version", snapshotVersion,
		"timestamp_version", timestampVersion,
		"added", added)

	return &Release{Versions: next, Added: added}, nil
}

// RotateRoot replaces the signer set with the provided one and publishes a
// new root version signed by a quorum of the previous root keys plus the
// new root key. Targets, snapshot and timestamp are re-signed with the new
// keys in the same atomic commit, so the generation stays verifiable.
func (m *Manager) RotateRoot(ctx context.Context, newSigners map[trust.Role]*trust.Signer) error {
	for _, role := range trust.Roles() {
		if newSigners[role] == nil {
			return fmt.Errorf("%s: %w", role, errMissingSigner)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions, err := m.store.CurrentVersions()
	if err != nil {
		return err
	}

	previousRootSigner := m.signers[trust.RoleRoot]
	previousSigners := m.signers
	m.signers = newSigners

	now := m.now()

	rootDoc, err := m.signRoot(versions[trust.RoleRoot]+1, now, previousRootSigner)
	if err != nil {
		m.signers = previousSigners

		return err
	}

	targets, err := m.currentTargets()
	if err != nil {
		m.signers = previousSigners

		return err
	}

	release, err := m.publishWithRoot(ctx, rootDoc, versions, targets)
	if err != nil {
		m.signers = previousSigners

		return err
	}

	// The committed generation is already signed by the new keys; losing
	// the seeds now would strand the repository, so persistence failure is
	// an error even though the rotation itself went through.
	if err := SaveSigners(m.store.Dir(), newSigners); err != nil {
		return fmt.Errorf("persist rotated keys: %w", err)
	}

	logger.InfoKV(ctx, "Rotated root", "root_version", release.Versions[trust.RoleRoot])

	return nil
}

// publishWithRoot commits a generation that includes a new root document.
// Callers hold m.mu.
func (m *Manager) publishWithRoot(_ context.Context, rootDoc *trust.Document, versions map[trust.Role]int, targets map[string]trust.TargetEntry) (*Release, error) {
	now := m.now()

	next := map[trust.Role]int{
		trust.RoleRoot:      versions[trust.RoleRoot] + 1,
		trust.RoleTargets:   versions[trust.RoleTargets] + 1,
		trust.RoleSnapshot:  versions[trust.RoleSnapshot] + 1,
		trust.RoleTimestamp: versions[trust.RoleTimestamp] + 1,
	}

	targetsDoc, err := trust.SignPayload(&trust.TargetsPayload{
		Header: trust.Header{
			Type:    trust.RoleTargets,
			Version: next[trust.RoleTargets],
			Expires: now.Add(targetsLifetime),
		},
		Targets: targets,
	}, m.signers[trust.RoleTargets])
	if err != nil {
		return nil, fmt.Errorf("sign targets: %w", err)
	}

	snapshotDoc, err := trust.SignPayload(&trust.SnapshotPayload{
		Header: trust.Header{
			Type:    trust.RoleSnapshot,
			Version: next[trust.RoleSnapshot],
			Expires: now.Add(snapshotLifetime),
		},
		TargetsVersion: next[trust.RoleTargets],
	}, m.signers[trust.RoleSnapshot])
	if err != nil {
		return nil, fmt.Errorf("sign snapshot: %w", err)
	}

	timestampDoc, err := trust.SignPayload(&trust.TimestampPayload{
		Header: trust.Header{
			Type:    trust.RoleTimestamp,
			Version: next[trust.RoleTimestamp],
			Expires: now.Add(timestampLifetime),
		},
		SnapshotVersion: next[trust.RoleSnapshot],
	}, m.signers[trust.RoleTimestamp])
	if err != nil {
		return nil, fmt.Errorf("sign timestamp: %w", err)
	}

	documents := map[trust.Role]*trust.Document{
		trust.RoleRoot:      rootDoc,
		trust.RoleTargets:   targetsDoc,
		trust.RoleSnapshot:  snapshotDoc,
		trust.RoleTimestamp: timestampDoc,
	}

	if err := m.store.Commit(documents, next, nil); err != nil {
		return nil, fmt.Errorf("commit generation: %w", err)
	}

	return &Release{Versions: next}, nil
}

// signRoot builds and signs root metadata at the given version. Extra
// signers (the previous root keys) co-sign rotations.
func (m *Manager) signRoot(version int, now time.Time, extra ...*trust.Signer) (*trust.Document, error) {
	all := make([]*trust.Signer, 0, len(trust.Roles()))
	for _, role := range trust.Roles() {
		all = append(all, m.signers[role])
	}

	payload := trust.NewRootPayload(version, now.Add(rootLifetime), all)

	signingKeys := append([]*trust.Signer{m.signers[trust.RoleRoot]}, extra...)

	doc, err := trust.SignPayload(payload, signingKeys...)
	if err != nil {
		return nil, fmt.Errorf("sign root: %w", err)
	}

	return doc, nil
}

// currentTargets loads the published target entries, or an empty set before
// the first publish.
func (m *Manager) currentTargets() (map[string]trust.TargetEntry, error) {
	doc, err := m.store.CurrentDocument(trust.RoleTargets)
	if errors.Is(err, ErrNotFound) {
		return make(map[string]trust.TargetEntry), nil
	}

	if err != nil {
		return nil, err
	}

	payload, err := doc.ParseTargets()
	if err != nil {
		return nil, err
	}

	if payload.Targets == nil {
		return make(map[string]trust.TargetEntry), nil
	}

	return payload.Targets, nil
}
