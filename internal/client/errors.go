package client

import (
	"errors"
	"fmt"

	"github.com/veriup/veriup/internal/domain/trust"
)

// ErrNotEligibleYet reports that the device is outside the active rollout
// cohort. It is a deferral, not a failure: the caller re-checks on the next
// poll instead of retrying.
var ErrNotEligibleYet = errors.New("device not eligible for this rollout yet")

// ErrUpdaterAlreadyRunning is returned when a fresh instance marker belongs
// to another live agent process.
var ErrUpdaterAlreadyRunning = errors.New("the updater is already running")

// TrustChainError is fatal: a metadata document failed signature, threshold,
// role or expiry verification. Nothing is installed.
type TrustChainError struct {
	// Role is the metadata role that failed verification.
	Role trust.Role
	// Err is the underlying verification failure.
	Err error
}

func (e *TrustChainError) Error() string {
	return fmt.Sprintf("trust chain broken at %s metadata: %v", e.Role, e.Err)
}

func (e *TrustChainError) Unwrap() error {
	return e.Err
}

// RollbackAttemptError is fatal: the server offered a metadata version older
// than one this device already accepted. It is reported upstream as a
// security event before the pipeline aborts.
type RollbackAttemptError struct {
	// Role is the regressed metadata role.
	Role trust.Role
	// SeenVersion is the version the server offered.
	SeenVersion int
	// AcceptedVersion is the version this device last accepted.
	AcceptedVersion int
}

func (e *RollbackAttemptError) Error() string {
	return fmt.Sprintf("%s metadata rolled back: offered version %d, already accepted %d",
		e.Role, e.SeenVersion, e.AcceptedVersion)
}

// HashMismatchError is fatal: downloaded artifact bytes do not hash to the
// signed target entry. The artifact is discarded, nothing is installed.
type HashMismatchError struct {
	// Target is the target name whose bytes were rejected.
	Target string
	// Want is the hex hash recorded in the signed targets document.
	Want string
	// Got is the hex hash of the downloaded bytes.
	Got string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("artifact %s hash mismatch: signed %s, downloaded %s", e.Target, e.Want, e.Got)
}

// NetworkError wraps a failed server exchange. It is the only retryable
// class in the taxonomy; fetches wrap transport failures in it so callers
// can distinguish them from verification failures.
type NetworkError struct {
	// URL is the request that failed.
	URL string
	// Err is the underlying transport error.
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	var netErr *NetworkError

	return errors.As(err, &netErr)
}
