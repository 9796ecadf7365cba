package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/domain/trust"
)

// State names the updater's position in the install pipeline.
type State string

// Pipeline states. Failed is reachable from every non-terminal state;
// Done and Failed end the run.
const (
	StateIdle              State = "idle"
	StateFetchingMetadata  State = "fetching_metadata"
	StateVerifying         State = "verifying"
	StateDownloading       State = "downloading"
	StateVerifyingArtifact State = "verifying_artifact"
	StateStaged            State = "staged"
	StateApplying          State = "applying"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// DeviceState is what the agent persists between polls: the highest metadata
// versions it has accepted per role (the rollback-detection floor) and the
// artifact it currently runs.
type DeviceState struct {
	// AcceptedVersions records the highest verified version per role.
	AcceptedVersions map[trust.Role]int `json:"accepted_versions"`
	// InstalledTarget is the name of the installed target, empty before
	// the first install.
	InstalledTarget string `json:"installed_target,omitempty"`
	// InstalledVersion is the semantic version of the installed artifact.
	InstalledVersion string `json:"installed_version,omitempty"`
	// InstalledHash is the hex SHA-256 of the installed artifact bytes.
	InstalledHash string `json:"installed_hash,omitempty"`
	// UpdatedAt is when this state last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDeviceState returns an empty state accepting any first metadata version.
func NewDeviceState() *DeviceState {
	return &DeviceState{AcceptedVersions: make(map[trust.Role]int, len(trust.Roles()))}
}

// Accepted returns the highest accepted version for a role, zero when the
// role has never been verified on this device.
func (s *DeviceState) Accepted(role trust.Role) int {
	return s.AcceptedVersions[role]
}

// Accept records a verified version for a role. Versions never move down.
func (s *DeviceState) Accept(role trust.Role, version int) {
	if version > s.AcceptedVersions[role] {
		s.AcceptedVersions[role] = version
	}
}

// LoadDeviceState reads persisted state, returning a fresh one when the
// file does not exist yet.
func LoadDeviceState(path string) (*DeviceState, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDeviceState(), nil
		}

		return nil, fmt.Errorf("read device state: %w", err)
	}

	var state DeviceState
	if err := json.Unmarshal(contents, &state); err != nil {
		return nil, fmt.Errorf("unmarshal device state: %w", err)
	}

	if state.AcceptedVersions == nil {
		state.AcceptedVersions = make(map[trust.Role]int, len(trust.Roles()))
	}

	return &state, nil
}

// SaveDeviceState persists state with restricted permissions.
func SaveDeviceState(path string, state *DeviceState) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device state: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write device state: %w", err)
	}

	return nil
}
