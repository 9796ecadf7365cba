package client

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goupdate "github.com/doitdistributed/go-update"
	goversion "github.com/hashicorp/go-version"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/domain/trust"
	"github.com/veriup/veriup/internal/logger"
	"github.com/veriup/veriup/internal/rollout"
)

var (
	errTrustedRootMissing = errors.New("trusted root file missing, provision the device first")
	errTargetNotPublished = errors.New("target not present in signed targets metadata")
	errTargetRequired     = errors.New("target name is not configured")
)

// versionCustomKey is the target custom-metadata key carrying the artifact
// semantic version.
const versionCustomKey = "version"

// installFileMode is used for installed artifacts.
const installFileMode os.FileMode = 0o755

// Updater drives one device through the verification pipeline: metadata
// chain, artifact hash, cohort eligibility, apply. One Updater per device;
// Check is not safe for concurrent use.
type Updater struct {
	cfg     *config.Config
	api     *apiClient
	state   *DeviceState
	trusted *trust.Document
	machine State
	now     func() time.Time
}

// NewUpdater loads the device state and pinned root. The pinned root is the
// trust anchor: without it no metadata can be verified, so its absence is
// an error rather than a fresh start.
func NewUpdater(cfg *config.Config) (*Updater, error) {
	if cfg.Target == "" {
		return nil, errTargetRequired
	}

	state, err := LoadDeviceState(cfg.DeviceStateFile)
	if err != nil {
		return nil, err
	}

	contents, err := os.ReadFile(filepath.Clean(cfg.TrustedRootFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errTrustedRootMissing
		}

		return nil, fmt.Errorf("read trusted root: %w", err)
	}

	trusted, err := trust.DecodeDocument(contents)
	if err != nil {
		return nil, fmt.Errorf("decode trusted root: %w", err)
	}

	return &Updater{
		cfg:     cfg,
		api:     newAPIClient(cfg.ServerAddress, cfg.Timeout),
		state:   state,
		trusted: trusted,
		machine: StateIdle,
		now:     time.Now,
	}, nil
}

// State returns the current pipeline state.
func (u *Updater) State() State {
	return u.machine
}

// DeviceState returns the persisted device state.
func (u *Updater) DeviceState() *DeviceState {
	return u.state
}

func (u *Updater) setState(ctx context.Context, next State) {
	logger.DebugKV(ctx, "Updater state change", "from", u.machine, "to", next)
	u.machine = next
}

func (u *Updater) fail(ctx context.Context, err error) error {
	u.setState(ctx, StateFailed)
	return err
}

// Check runs one pipeline pass. It returns nil when the device ends up on
// the current artifact (installed now or already current), ErrNotEligibleYet
// when the rollout has not reached this device's cohort, and a taxonomy
// error otherwise. The pass is cancellable up to Applying; once the apply
// starts it runs to completion or rollback.
func (u *Updater) Check(ctx context.Context) error {
	u.setState(ctx, StateFetchingMetadata)

	root, err := u.refreshRoot(ctx)
	if err != nil {
		return u.fail(ctx, err)
	}

	targets, versions, upToDate, err := u.verifyMetadataChain(ctx, root)
	if err != nil {
		return u.fail(ctx, err)
	}

	if upToDate {
		u.setState(ctx, StateDone)
		return nil
	}

	entry, ok := targets.Targets[u.cfg.Target]
	if !ok {
		return u.fail(ctx, fmt.Errorf("%s: %w", u.cfg.Target, errTargetNotPublished))
	}

	if entry.Hash == u.state.InstalledHash {
		logger.InfoKV(ctx, "Installed artifact is current", "target", u.cfg.Target)
		u.acceptChain(ctx, versions)
		u.setState(ctx, StateDone)

		return nil
	}

	if !u.remoteIsNewer(ctx, entry) {
		u.acceptChain(ctx, versions)
		u.setState(ctx, StateDone)

		return nil
	}

	data, err := u.downloadAndVerify(ctx, entry)
	if err != nil {
		return u.fail(ctx, err)
	}

	u.setState(ctx, StateStaged)

	eligible, err := u.api.checkEligibility(ctx, u.cfg.DeviceID, u.cfg.Target)
	if err != nil {
		return u.fail(ctx, err)
	}

	if !eligible.Eligible {
		logger.InfoKV(ctx, "Rollout has not reached this device yet, deferring",
			"target", u.cfg.Target, "update_id", eligible.UpdateID)

		// Deferred, not failed: the staged artifact is re-fetched on the
		// next poll once the cohort grows. The accepted-version floor is
		// NOT advanced here, so the next poll walks the chain and re-asks
		// for eligibility instead of short-circuiting on an unchanged
		// timestamp.
		u.setState(ctx, StateIdle)

		return ErrNotEligibleYet
	}

	// Metadata is verified and the artifact matched its signed hash: record
	// the acceptance floor before touching the filesystem so an interrupted
	// apply cannot be replayed against older metadata.
	u.acceptChain(ctx, versions)

	if err := ctx.Err(); err != nil {
		return u.fail(ctx, err)
	}

	u.setState(ctx, StateApplying)

	if err := u.apply(ctx, entry, data); err != nil {
		u.api.reportHealth(ctx, rollout.Sample{
			DeviceID: u.cfg.DeviceID,
			Check:    "apply",
			Status:   rollout.CheckFail,
			At:       u.now(),
		})

		return u.fail(ctx, err)
	}

	u.state.InstalledTarget = u.cfg.Target
	u.state.InstalledVersion = entry.Custom[versionCustomKey]
	u.state.InstalledHash = entry.Hash

	if err := SaveDeviceState(u.cfg.DeviceStateFile, u.state); err != nil {
		return u.fail(ctx, err)
	}

	u.api.reportHealth(ctx, rollout.Sample{
		DeviceID: u.cfg.DeviceID,
		Check:    "apply",
		Status:   rollout.CheckPass,
		At:       u.now(),
	})

	logger.InfoKV(ctx, "Artifact installed",
		"target", u.cfg.Target, "version", u.state.InstalledVersion, "hash", entry.Hash)

	u.setState(ctx, StateDone)

	return nil
}

// refreshRoot walks the root rotation chain from the pinned version to the
// server's current one. Every intermediate version is verified in order;
// a server offering an older root than the pin is a rollback attempt.
func (u *Updater) refreshRoot(ctx context.Context) (*trust.RootPayload, error) {
	pinned, err := u.trusted.ParseRoot()
	if err != nil {
		return nil, &TrustChainError{Role: trust.RoleRoot, Err: err}
	}

	current, err := u.api.fetchDocument(ctx, trust.RoleRoot)
	if err != nil {
		return nil, err
	}

	header, err := current.ParseHeader()
	if err != nil {
		return nil, &TrustChainError{Role: trust.RoleRoot, Err: err}
	}

	switch {
	case header.Version < pinned.Version:
		return nil, u.rollbackDetected(ctx, trust.RoleRoot, header.Version, pinned.Version)
	case header.Version == pinned.Version:
		// No rotation to walk, but the pinned root must still be alive:
		// an expired anchor cannot authorize anything.
		if _, err := trust.VerifyRootChain(u.trusted, nil, u.now()); err != nil {
			return nil, &TrustChainError{Role: trust.RoleRoot, Err: err}
		}

		return pinned, nil
	}

	successors := make([]*trust.Document, 0, header.Version-pinned.Version)

	for v := pinned.Version + 1; v < header.Version; v++ {
		doc, err := u.api.fetchRootVersion(ctx, v)
		if err != nil {
			return nil, err
		}

		successors = append(successors, doc)
	}

	successors = append(successors, current)

	latest, err := trust.VerifyRootChain(u.trusted, successors, u.now())
	if err != nil {
		return nil, &TrustChainError{Role: trust.RoleRoot, Err: err}
	}

	// Re-pin: the verified chain end becomes the new trust anchor.
	encoded, err := current.Encode()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(filepath.Clean(u.cfg.TrustedRootFile), encoded, config.DefaultFilePermissions); err != nil {
		return nil, fmt.Errorf("persist trusted root: %w", err)
	}

	u.trusted = current
	u.state.Accept(trust.RoleRoot, latest.Version)

	logger.InfoKV(ctx, "Trusted root advanced", "version", latest.Version)

	return latest, nil
}

// chainVersions is the verified version vector of one metadata walk. It is
// folded into the device's accepted floor only once the device has finished
// acting on the generation (installed, or confirmed current); a deferred
// device keeps its old floor so later polls re-walk the chain.
type chainVersions struct {
	timestamp int
	snapshot  int
	targets   int
}

// verifyMetadataChain walks timestamp, snapshot, targets. Each document is
// verified against the root-authorized keys, checked for expiry, checked
// against the device's accepted-version floor, and cross-checked against
// the referencing document so roles cannot be mixed across generations.
// Returns the verified targets payload and its version vector, or
// upToDate=true when the timestamp version has not moved since the last
// accepted poll.
func (u *Updater) verifyMetadataChain(ctx context.Context, root *trust.RootPayload) (*trust.TargetsPayload, chainVersions, bool, error) {
	var none chainVersions

	timestampDoc, err := u.api.fetchDocument(ctx, trust.RoleTimestamp)
	if err != nil {
		return nil, none, false, err
	}

	u.setState(ctx, StateVerifying)

	now := u.now()

	if err := root.VerifyDocument(timestampDoc, trust.RoleTimestamp, now); err != nil {
		return nil, none, false, &TrustChainError{Role: trust.RoleTimestamp, Err: err}
	}

	timestamp, err := timestampDoc.ParseTimestamp()
	if err != nil {
		return nil, none, false, &TrustChainError{Role: trust.RoleTimestamp, Err: err}
	}

	if accepted := u.state.Accepted(trust.RoleTimestamp); timestamp.Version < accepted {
		return nil, none, false, u.rollbackDetected(ctx, trust.RoleTimestamp, timestamp.Version, accepted)
	} else if timestamp.Version == accepted && u.state.InstalledHash != "" {
		logger.DebugKV(ctx, "Timestamp unchanged since last accepted poll", "version", timestamp.Version)
		return nil, none, true, nil
	}

	snapshotDoc, err := u.api.fetchDocument(ctx, trust.RoleSnapshot)
	if err != nil {
		return nil, none, false, err
	}

	if err := root.VerifyDocument(snapshotDoc, trust.RoleSnapshot, now); err != nil {
		return nil, none, false, &TrustChainError{Role: trust.RoleSnapshot, Err: err}
	}

	snapshot, err := snapshotDoc.ParseSnapshot()
	if err != nil {
		return nil, none, false, &TrustChainError{Role: trust.RoleSnapshot, Err: err}
	}

	if snapshot.Version != timestamp.SnapshotVersion {
		return nil, none, false, &TrustChainError{
			Role: trust.RoleSnapshot,
			Err: fmt.Errorf("snapshot version %d does not match timestamp reference %d",
				snapshot.Version, timestamp.SnapshotVersion),
		}
	}

	if accepted := u.state.Accepted(trust.RoleSnapshot); snapshot.Version < accepted {
		return nil, none, false, u.rollbackDetected(ctx, trust.RoleSnapshot, snapshot.Version, accepted)
	}

	targetsDoc, err := u.api.fetchDocument(ctx, trust.RoleTargets)
	if err != nil {
		return nil, none, false, err
	}

	if err := root.VerifyDocument(targetsDoc, trust.RoleTargets, now); err != nil {
		return nil, none, false, &TrustChainError{Role: trust.RoleTargets, Err: err}
	}

	targets, err := targetsDoc.ParseTargets()
	if err != nil {
		return nil, none, false, &TrustChainError{Role: trust.RoleTargets, Err: err}
	}

	if targets.Version != snapshot.TargetsVersion {
		return nil, none, false, &TrustChainError{
			Role: trust.RoleTargets,
			Err: fmt.Errorf("targets version %d does not match snapshot reference %d",
				targets.Version, snapshot.TargetsVersion),
		}
	}

	if accepted := u.state.Accepted(trust.RoleTargets); targets.Version < accepted {
		return nil, none, false, u.rollbackDetected(ctx, trust.RoleTargets, targets.Version, accepted)
	}

	return targets, chainVersions{
		timestamp: timestamp.Version,
		snapshot:  snapshot.Version,
		targets:   targets.Version,
	}, false, nil
}

// rollbackDetected reports the regression upstream and builds the error.
func (u *Updater) rollbackDetected(ctx context.Context, role trust.Role, seen, accepted int) error {
	logger.ErrorKV(ctx, "Metadata rollback detected",
		"role", role, "seen", seen, "accepted", accepted)

	u.api.reportRollbackAttempt(ctx, rollbackReport{
		DeviceID:        u.cfg.DeviceID,
		Role:            role,
		SeenVersion:     seen,
		AcceptedVersion: accepted,
	})

	return &RollbackAttemptError{Role: role, SeenVersion: seen, AcceptedVersion: accepted}
}

// remoteIsNewer compares artifact semantic versions when both sides carry
// one. Missing or malformed versions fall back to hash difference, which is
// already established by the caller.
func (u *Updater) remoteIsNewer(ctx context.Context, entry trust.TargetEntry) bool {
	remoteRaw := entry.Custom[versionCustomKey]
	if remoteRaw == "" || u.state.InstalledVersion == "" {
		return true
	}

	remote, err := goversion.NewVersion(remoteRaw)
	if err != nil {
		logger.WarnKV(ctx, "Unparseable remote artifact version", "version", remoteRaw)
		return true
	}

	local, err := goversion.NewVersion(u.state.InstalledVersion)
	if err != nil {
		return true
	}

	if remote.LessThanOrEqual(local) {
		logger.InfoKV(ctx, "Remote artifact is not newer, skipping",
			"local", local.String(), "remote", remote.String())

		return false
	}

	return true
}

// downloadAndVerify fetches the artifact and recomputes its hash against
// the signed entry. Any mismatch fails closed and discards the bytes.
func (u *Updater) downloadAndVerify(ctx context.Context, entry trust.TargetEntry) ([]byte, error) {
	u.setState(ctx, StateDownloading)

	data, err := u.api.fetchTarget(ctx, entry.Hash)
	if err != nil {
		return nil, err
	}

	u.setState(ctx, StateVerifyingArtifact)

	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])

	if got != entry.Hash || int64(len(data)) != entry.Length {
		return nil, &HashMismatchError{Target: u.cfg.Target, Want: entry.Hash, Got: got}
	}

	return data, nil
}

// apply swaps the installed artifact. go-update validates the checksum once
// more during the swap and restores the previous file when the swap itself
// fails, so an interrupted install never leaves a half-written artifact.
func (u *Updater) apply(ctx context.Context, entry trust.TargetEntry, data []byte) error {
	checksum, err := hex.DecodeString(entry.Hash)
	if err != nil {
		return err
	}

	installPath := u.cfg.InstallPath

	if _, err = os.Stat(installPath); err != nil && os.IsNotExist(err) {
		placeholder, createErr := os.Create(installPath)
		if createErr != nil {
			return createErr
		}

		if err = placeholder.Close(); err != nil {
			return err
		}
	}

	options := goupdate.Options{
		TargetPath: installPath,
		TargetMode: installFileMode,
		Checksum:   checksum,
		Hash:       crypto.SHA256,
	}

	if err := goupdate.Apply(bytes.NewReader(data), options); err != nil {
		if rollbackErr := goupdate.RollbackError(err); rollbackErr != nil {
			logger.ErrorKV(ctx, "Apply rollback failed, artifact state is inconsistent",
				"path", installPath, "error", rollbackErr)
		}

		return fmt.Errorf("apply update: %w", err)
	}

	oldFileName := installPath + ".old"
	if _, err := os.Stat(oldFileName); err == nil {
		_ = os.Remove(oldFileName)
	}

	return nil
}

// acceptChain raises the accepted-version floor to a verified generation and
// persists it. Callers invoke it only after the device has acted on that
// generation; a deferred device must not advance past metadata it never used.
func (u *Updater) acceptChain(ctx context.Context, v chainVersions) {
	u.state.Accept(trust.RoleTimestamp, v.timestamp)
	u.state.Accept(trust.RoleSnapshot, v.snapshot)
	u.state.Accept(trust.RoleTargets, v.targets)
	u.commitAcceptedVersions(ctx)
}

// commitAcceptedVersions persists the accepted-version floor.
func (u *Updater) commitAcceptedVersions(ctx context.Context) {
	if err := SaveDeviceState(u.cfg.DeviceStateFile, u.state); err != nil {
		logger.ErrorKV(ctx, "Failed to persist device state", "error", err)
	}
}
