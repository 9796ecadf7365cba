package trust

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// errUnknownRole is returned when a role name is not one of the four known roles.
	errUnknownRole = errors.New("unknown role")
	// errBadKeyLength is returned when key material has the wrong size.
	errBadKeyLength = errors.New("invalid key length")
	// errNoSigners is returned when signing is attempted without any signer.
	errNoSigners = errors.New("at least one signer is required")

	// ErrExpired is returned when a document is past its expiry.
	ErrExpired = errors.New("metadata expired")
	// ErrWrongRole is returned when a payload type does not match the expected role.
	ErrWrongRole = errors.New("unexpected metadata role")
	// ErrRoleNotDeclared is returned when root metadata carries no key set for a role.
	ErrRoleNotDeclared = errors.New("role not declared in root metadata")
	// ErrThresholdNotMet is returned when too few valid signatures are present.
	ErrThresholdNotMet = errors.New("signature threshold not met")
	// ErrVersionNotSequential is returned when a root chain skips a version.
	ErrVersionNotSequential = errors.New("root version not sequential")
)

// VerifyDocument checks a signed document against the authorized key set the
// root declares for the expected role: payload type, expiry, and signature
// threshold. Version monotonicity is the caller's job because it requires the
// previously accepted version.
func (r *RootPayload) VerifyDocument(doc *Document, expected Role, now time.Time) error {
	header, err := doc.ParseHeader()
	if err != nil {
		return err
	}

	if header.Type != expected {
		return fmt.Errorf("got %q, want %q: %w", header.Type, expected, ErrWrongRole)
	}

	if !header.Expires.After(now) {
		return fmt.Errorf("%s v%d expired at %s: %w",
			expected, header.Version, header.Expires.Format(time.RFC3339), ErrExpired)
	}

	roleKeys, ok := r.Roles[expected]
	if !ok {
		return fmt.Errorf("%s: %w", expected, ErrRoleNotDeclared)
	}

	return r.verifyThreshold(doc, roleKeys, expected)
}

// verifyThreshold counts distinct valid signatures by authorized keys.
func (r *RootPayload) verifyThreshold(doc *Document, roleKeys RoleKeys, role Role) error {
	authorized := make(map[string]struct{}, len(roleKeys.KeyIDs))
	for _, keyID := range roleKeys.KeyIDs {
		authorized[keyID] = struct{}{}
	}

	valid := make(map[string]struct{}, len(doc.Signatures))

	for _, signature := range doc.Signatures {
		if _, ok := authorized[signature.KeyID]; !ok {
			continue
		}

		publicKey, ok := r.Keys[signature.KeyID]
		if !ok {
			continue
		}

		raw, err := publicKey.Bytes()
		if err != nil {
			continue
		}

		sig, err := hex.DecodeString(signature.Sig)
		if err != nil {
			continue
		}

		if ed25519.Verify(raw, doc.Signed, sig) {
			valid[signature.KeyID] = struct{}{}
		}
	}

	if len(valid) < roleKeys.Threshold {
		return fmt.Errorf("%s: %d of %d required signatures: %w",
			role, len(valid), roleKeys.Threshold, ErrThresholdNotMet)
	}

	return nil
}

// VerifyRootChain walks root versions sequentially from the trusted root.
// Each successor must be version prev+1 and satisfy the signature threshold
// of both the previous root (the rotation quorum) and its own declared root
// key set. Skipping versions is forbidden. Expiry is only enforced on the
// final root: intermediates may have expired since they were superseded.
func VerifyRootChain(trusted *Document, successors []*Document, now time.Time) (*RootPayload, error) {
	current, err := trusted.ParseRoot()
	if err != nil {
		return nil, err
	}

	for _, successor := range successors {
		next, err := successor.ParseRoot()
		if err != nil {
			return nil, err
		}

		if next.Type != RoleRoot {
			return nil, fmt.Errorf("got %q, want %q: %w", next.Type, RoleRoot, ErrWrongRole)
		}

		if next.Version != current.Version+1 {
			return nil, fmt.Errorf("root v%d after v%d: %w",
				next.Version, current.Version, ErrVersionNotSequential)
		}

		previousKeys, ok := current.Roles[RoleRoot]
		if !ok {
			return nil, fmt.Errorf("%s: %w", RoleRoot, ErrRoleNotDeclared)
		}

		// Quorum of the previous root's keys authorizes the rotation.
		if err := current.verifyThreshold(successor, previousKeys, RoleRoot); err != nil {
			return nil, fmt.Errorf("rotation to v%d: %w", next.Version, err)
		}

		// The new root must also be valid under its own declared key set,
		// otherwise clients that start from it could never verify anything.
		ownKeys, ok := next.Roles[RoleRoot]
		if !ok {
			return nil, fmt.Errorf("%s: %w", RoleRoot, ErrRoleNotDeclared)
		}

		if err := next.verifyThreshold(successor, ownKeys, RoleRoot); err != nil {
			return nil, fmt.Errorf("self-signature of v%d: %w", next.Version, err)
		}

		current = next
	}

	if !current.Expires.After(now) {
		return nil, fmt.Errorf("root v%d expired at %s: %w",
			current.Version, current.Expires.Format(time.RFC3339), ErrExpired)
	}

	return current, nil
}

// NewRootPayload assembles root metadata from the provided signers.
// Every role gets a threshold of 1 unless more signers share the role.
func NewRootPayload(version int, expires time.Time, signers []*Signer) *RootPayload {
	payload := &RootPayload{
		Header: Header{
			Type:    RoleRoot,
			Version: version,
			Expires: expires,
		},
		Keys:  make(map[string]PublicKey, len(signers)),
		Roles: make(map[Role]RoleKeys, len(Roles())),
	}

	for _, signer := range signers {
		payload.Keys[signer.ID] = signer.Public()

		roleKeys := payload.Roles[signer.Role]
		roleKeys.KeyIDs = append(roleKeys.KeyIDs, signer.ID)

		if roleKeys.Threshold == 0 {
			roleKeys.Threshold = 1
		}

		payload.Roles[signer.Role] = roleKeys
	}

	return payload
}
