package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Role is a named signing authority with its own keys and scope.
type Role string

// The four signing roles. Root is the long-lived anchor that authorizes
// the keys of every other role.
const (
	RoleRoot      Role = "root"
	RoleTargets   Role = "targets"
	RoleSnapshot  Role = "snapshot"
	RoleTimestamp Role = "timestamp"
)

// Roles lists every role in the order metadata is verified by clients.
func Roles() []Role {
	return []Role{RoleRoot, RoleTargets, RoleSnapshot, RoleTimestamp}
}

// Valid reports whether the role is one of the four known signing roles.
func (r Role) Valid() bool {
	switch r {
	case RoleRoot, RoleTargets, RoleSnapshot, RoleTimestamp:
		return true
	default:
		return false
	}
}

// keyAlgorithm is the only signature scheme the repository produces.
const keyAlgorithm = "ed25519"

// PublicKey is the serialized form of a role public key inside root metadata.
type PublicKey struct {
	// Algorithm identifies the signature scheme ("ed25519").
	Algorithm string `json:"alg"`
	// Value is the hex-encoded raw public key.
	Value string `json:"value"`
}

// Bytes decodes the raw public key material.
func (k PublicKey) Bytes() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(k.Value)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", errBadKeyLength, len(raw))
	}

	return ed25519.PublicKey(raw), nil
}

// KeyID derives the key identifier: hex(SHA-256(raw public key)).
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)

	return hex.EncodeToString(sum[:])
}

// Signer holds the private half of a role key and signs canonical payload bytes.
type Signer struct {
	// Role is the signing role this key is authorized for.
	Role Role
	// ID is the key identifier derived from the public key.
	ID string
	// private is the ed25519 private key. Kept unexported so it never
	// leaks through serialization.
	private ed25519.PrivateKey
}

// GenerateSigner creates a fresh keypair for the given role.
func GenerateSigner(role Role) (*Signer, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%q: %w", role, errUnknownRole)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", role, err)
	}

	return &Signer{
		Role:    role,
		ID:      KeyID(pub),
		private: priv,
	}, nil
}

// NewSignerFromSeed rebuilds a signer from a stored 32-byte seed.
func NewSignerFromSeed(role Role, seed []byte) (*Signer, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%q: %w", role, errUnknownRole)
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %d bytes", errBadKeyLength, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)

	return &Signer{
		Role:    role,
		ID:      KeyID(priv.Public().(ed25519.PublicKey)),
		private: priv,
	}, nil
}

// Seed returns the private key seed for persistence.
func (s *Signer) Seed() []byte {
	return s.private.Seed()
}

// Public returns the serialized public half of the key.
func (s *Signer) Public() PublicKey {
	return PublicKey{
		Algorithm: keyAlgorithm,
		Value:     hex.EncodeToString(s.private.Public().(ed25519.PublicKey)),
	}
}

// Sign produces a signature over the provided canonical payload bytes.
func (s *Signer) Sign(payload []byte) Signature {
	return Signature{
		KeyID: s.ID,
		Sig:   hex.EncodeToString(ed25519.Sign(s.private, payload)),
	}
}
