package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/domain/trust"
	"github.com/veriup/veriup/internal/repository"
	"github.com/veriup/veriup/internal/rollout"
	"github.com/veriup/veriup/internal/server"
	"github.com/veriup/veriup/internal/translog"
)

// testEnv is a full server stack plus an agent configuration pointed at it.
type testEnv struct {
	dir      string
	store    *repository.Store
	manager  *repository.Manager
	log      *translog.Log
	rollouts *rollout.Manager
	service  *server.Service
	httpSrv  *httptest.Server
	cfg      *config.Config
}

func newTestEnv(t *testing.T, stages []rollout.Stage) *testEnv {
	t.Helper()

	dir := t.TempDir()

	store, err := repository.NewStore(filepath.Join(dir, "repo"))
	require.NoError(t, err)

	signers, err := repository.LoadOrGenerateSigners(store.Dir())
	require.NoError(t, err)

	manager, err := repository.NewManager(store, signers)
	require.NoError(t, err)

	log, err := translog.Open(filepath.Join(dir, "log.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, log.Close())
	})

	rollouts := rollout.NewManager(log, 10*time.Minute)
	service := server.New(store, log, rollouts, stages, prometheus.NewRegistry())

	httpSrv := httptest.NewServer(service.Handler())
	t.Cleanup(httpSrv.Close)

	cfg := &config.Config{
		ServerAddress:   httpSrv.Listener.Addr().String(),
		DeviceID:        "device-1",
		DeviceStateFile: filepath.Join(dir, "state.json"),
		TrustedRootFile: filepath.Join(dir, "root.json"),
		Target:          "app",
		InstallPath:     filepath.Join(dir, "app.bin"),
		Timeout:         5 * time.Second,
	}

	return &testEnv{
		dir:      dir,
		store:    store,
		manager:  manager,
		log:      log,
		rollouts: rollouts,
		service:  service,
		httpSrv:  httpSrv,
		cfg:      cfg,
	}
}

// publish stages an artifact with a semantic version, publishes, reloads
// the server and pins the current root for the agent when not yet pinned.
func (e *testEnv) publish(t *testing.T, data []byte, semver string) trust.TargetEntry {
	t.Helper()

	entry, err := e.manager.AddTarget(e.cfg.Target, data, map[string]string{"version": semver})
	require.NoError(t, err)

	_, err = e.manager.Publish(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.service.Reload(context.Background()))

	if _, err := os.Stat(e.cfg.TrustedRootFile); errors.Is(err, os.ErrNotExist) {
		e.pinCurrentRoot(t)
	}

	return entry
}

func (e *testEnv) pinCurrentRoot(t *testing.T) {
	t.Helper()

	doc, err := e.store.CurrentDocument(trust.RoleRoot)
	require.NoError(t, err)

	encoded, err := doc.Encode()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(e.cfg.TrustedRootFile, encoded, 0o600))
}

// fullStages makes every device eligible from the first stage.
func fullStages() []rollout.Stage {
	return []rollout.Stage{{
		Name:       "full",
		Percent:    100,
		MinDwell:   time.Minute,
		Thresholds: rollout.Thresholds{MaxFailureRate: 0.1, MinSamples: 1, TripAfter: 3},
	}}
}

// canaryStages keeps the cohort at 1%.
func canaryStages() []rollout.Stage {
	return []rollout.Stage{{
		Name:       "canary",
		Percent:    1,
		MinDwell:   time.Minute,
		Thresholds: rollout.Thresholds{MaxFailureRate: 0.1, MinSamples: 1, TripAfter: 3},
	}}
}

// deviceWithPercentile finds a device id whose cohort percentile satisfies
// the predicate. Cohort assignment is deterministic, so this always
// terminates quickly.
func deviceWithPercentile(t *testing.T, want func(int) bool) string {
	t.Helper()

	for i := 0; i < 10_000; i++ {
		id := fmt.Sprintf("device-%d", i)
		if want(rollout.CohortPercentile(id)) {
			return id
		}
	}

	t.Fatal("no device id matched the cohort predicate")

	return ""
}

func TestInstallsVerifiedArtifact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fullStages())
	env.publish(t, []byte("artifact v1"), "1.0.0")

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)

	require.NoError(t, updater.Check(context.Background()))
	require.Equal(t, StateDone, updater.State())

	installed, err := os.ReadFile(env.cfg.InstallPath)
	require.NoError(t, err)
	require.Equal(t, "artifact v1", string(installed))

	state, err := LoadDeviceState(env.cfg.DeviceStateFile)
	require.NoError(t, err)
	require.Equal(t, "app", state.InstalledTarget)
	require.Equal(t, "1.0.0", state.InstalledVersion)
	require.Equal(t, 1, state.Accepted(trust.RoleTimestamp))

	// Second poll: timestamp unchanged, nothing re-applied.
	require.NoError(t, updater.Check(context.Background()))
	require.Equal(t, StateDone, updater.State())
}

func TestUpgradesToNewerVersion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fullStages())
	env.publish(t, []byte("artifact v1"), "1.0.0")

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)
	require.NoError(t, updater.Check(context.Background()))

	env.publish(t, []byte("artifact v2"), "1.1.0")

	require.NoError(t, updater.Check(context.Background()))

	installed, err := os.ReadFile(env.cfg.InstallPath)
	require.NoError(t, err)
	require.Equal(t, "artifact v2", string(installed))
	require.Equal(t, "1.1.0", updater.DeviceState().InstalledVersion)
}

func TestDefersWhenNotEligible(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, canaryStages())
	env.cfg.DeviceID = deviceWithPercentile(t, func(p int) bool { return p >= 1 })
	env.publish(t, []byte("artifact v1"), "1.0.0")

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)

	err = updater.Check(context.Background())
	require.ErrorIs(t, err, ErrNotEligibleYet)
	require.Equal(t, StateIdle, updater.State())

	_, err = os.Stat(env.cfg.InstallPath)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

// TestDeferredDeviceInstallsWhenCohortGrows drives a device through the full
// defer-then-install arc: outside the canary it defers on every poll without
// raising its accepted-version floor, and once the rollout widens the next
// poll installs instead of concluding it is already up to date.
func TestDeferredDeviceInstallsWhenCohortGrows(t *testing.T) {
	t.Parallel()

	stages := []rollout.Stage{
		{
			Name:       "canary",
			Percent:    1,
			Thresholds: rollout.Thresholds{MaxFailureRate: 0.1, MinSamples: 1, TripAfter: 3},
		},
		{
			Name:       "full",
			Percent:    100,
			Thresholds: rollout.Thresholds{MaxFailureRate: 0.1, MinSamples: 1, TripAfter: 3},
		},
	}

	env := newTestEnv(t, stages)
	env.cfg.DeviceID = deviceWithPercentile(t, func(p int) bool { return p >= 1 })
	env.publish(t, []byte("artifact v1"), "1.0.0")

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)

	require.ErrorIs(t, updater.Check(context.Background()), ErrNotEligibleYet)

	// The metadata has not changed, but a deferred device must keep asking:
	// a second poll defers again rather than reporting itself current.
	require.ErrorIs(t, updater.Check(context.Background()), ErrNotEligibleYet)

	_, err = os.Stat(env.cfg.InstallPath)
	require.True(t, errors.Is(err, os.ErrNotExist))

	// A healthy canary advances the rollout to the full stage.
	env.rollouts.ReportHealth(rollout.Sample{
		DeviceID: "canary-device",
		Check:    "apply",
		Status:   rollout.CheckPass,
		At:       time.Now(),
	})
	env.rollouts.EvaluateAll(context.Background())

	require.NoError(t, updater.Check(context.Background()))
	require.Equal(t, StateDone, updater.State())

	installed, err := os.ReadFile(env.cfg.InstallPath)
	require.NoError(t, err)
	require.Equal(t, "artifact v1", string(installed))
	require.Equal(t, "1.0.0", updater.DeviceState().InstalledVersion)
}

func TestCanaryDeviceInstallsImmediately(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, canaryStages())
	env.cfg.DeviceID = deviceWithPercentile(t, func(p int) bool { return p < 1 })
	env.publish(t, []byte("artifact v1"), "1.0.0")

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)

	require.NoError(t, updater.Check(context.Background()))
	require.Equal(t, StateDone, updater.State())
}

func TestRejectsMetadataRollback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fullStages())
	env.publish(t, []byte("artifact v1"), "1.0.0")

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)

	// A device that has already accepted a later timestamp refuses the
	// served one and reports it.
	updater.DeviceState().Accept(trust.RoleTimestamp, 99)

	sizeBefore := env.log.Size()

	err = updater.Check(context.Background())

	var rollback *RollbackAttemptError
	require.ErrorAs(t, err, &rollback)
	require.Equal(t, trust.RoleTimestamp, rollback.Role)
	require.Equal(t, StateFailed, updater.State())

	// The server recorded the report as a security event.
	require.Equal(t, sizeBefore+1, env.log.Size())

	entry, err := env.log.Entry(sizeBefore)
	require.NoError(t, err)
	require.Equal(t, translog.EntrySecurityEvent, entry.Type)
}

func TestRejectsTamperedArtifact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fullStages())
	entry := env.publish(t, []byte("artifact v1"), "1.0.0")

	// Corrupt the stored blob after signing.
	blobPath := filepath.Join(env.store.Dir(), "targets", entry.Hash)
	require.NoError(t, os.WriteFile(blobPath, []byte("tampered bytes"), 0o600))

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)

	err = updater.Check(context.Background())

	var mismatch *HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, entry.Hash, mismatch.Want)
	require.Equal(t, StateFailed, updater.State())

	_, err = os.Stat(env.cfg.InstallPath)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFollowsRootRotation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fullStages())
	env.publish(t, []byte("artifact v1"), "1.0.0")

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)
	require.NoError(t, updater.Check(context.Background()))

	next := make(map[trust.Role]*trust.Signer, len(trust.Roles()))

	for _, role := range trust.Roles() {
		signer, err := trust.GenerateSigner(role)
		require.NoError(t, err)

		next[role] = signer
	}

	require.NoError(t, env.manager.RotateRoot(context.Background(), next))
	require.NoError(t, env.service.Reload(context.Background()))

	require.NoError(t, updater.Check(context.Background()))
	require.Equal(t, 2, updater.DeviceState().Accepted(trust.RoleRoot))

	// The pin on disk advanced with the chain.
	pinned, err := os.ReadFile(env.cfg.TrustedRootFile)
	require.NoError(t, err)

	doc, err := trust.DecodeDocument(pinned)
	require.NoError(t, err)

	root, err := doc.ParseRoot()
	require.NoError(t, err)
	require.Equal(t, 2, root.Version)
}

func TestExpiredTimestampIsTrustChainError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fullStages())
	env.publish(t, []byte("artifact v1"), "1.0.0")

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)

	// The timestamp role lives for a day; two days later it must be
	// rejected regardless of signature validity.
	updater.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	err = updater.Check(context.Background())

	var chain *TrustChainError
	require.ErrorAs(t, err, &chain)
	require.Equal(t, trust.RoleTimestamp, chain.Role)
	require.ErrorIs(t, err, trust.ErrExpired)
}

func TestExpiredRootIsTrustChainError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fullStages())
	env.publish(t, []byte("artifact v1"), "1.0.0")

	updater, err := NewUpdater(env.cfg)
	require.NoError(t, err)

	// The root lives for a year. Even when the server still serves the same
	// root version, an expired pin must stop being a trust anchor.
	updater.now = func() time.Time { return time.Now().Add(400 * 24 * time.Hour) }

	err = updater.Check(context.Background())

	var chain *TrustChainError
	require.ErrorAs(t, err, &chain)
	require.Equal(t, trust.RoleRoot, chain.Role)
	require.ErrorIs(t, err, trust.ErrExpired)
	require.Equal(t, StateFailed, updater.State())
}

func TestMissingTrustedRootIsFatal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fullStages())

	_, err := NewUpdater(env.cfg)
	require.ErrorIs(t, err, errTrustedRootMissing)
}
