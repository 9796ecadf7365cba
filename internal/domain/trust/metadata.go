package trust

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Signature is one signature over the canonical signed bytes of a document.
type Signature struct {
	// KeyID identifies the signing key.
	KeyID string `json:"keyid"`
	// Sig is the hex-encoded ed25519 signature.
	Sig string `json:"sig"`
}

// Document is a signed metadata envelope: the canonical payload bytes plus
// the signatures over them. Signed is kept as raw bytes so verification is
// byte-exact regardless of how the document travelled.
type Document struct {
	// Signed is the canonical JSON payload.
	Signed json.RawMessage `json:"signed"`
	// Signatures are signatures over Signed by role keys.
	Signatures []Signature `json:"signatures"`
}

// Header is the common prefix of every signed payload.
type Header struct {
	// Type is the role this payload belongs to.
	Type Role `json:"_type"`
	// Version strictly increases release-over-release within a role lineage.
	Version int `json:"version"`
	// Expires is the moment after which the document is rejected
	// regardless of signature validity.
	Expires time.Time `json:"expires"`
}

// RoleKeys declares the authorized key set and signature threshold for a role.
type RoleKeys struct {
	// KeyIDs lists the authorized key identifiers.
	KeyIDs []string `json:"keyids"`
	// Threshold is the minimum number of distinct valid signatures required.
	Threshold int `json:"threshold"`
}

// RootPayload is the self-describing anchor: it declares the keys and
// thresholds for every role, its own included.
type RootPayload struct {
	Header

	// Keys maps key identifiers to public keys.
	Keys map[string]PublicKey `json:"keys"`
	// Roles maps each role to its authorized key set.
	Roles map[Role]RoleKeys `json:"roles"`
}

// TargetEntry describes one distributable artifact. Entries are immutable
// once included in a signed targets document.
type TargetEntry struct {
	// Length is the artifact size in bytes.
	Length int64 `json:"length"`
	// Hash is the hex-encoded SHA-256 of the raw artifact bytes.
	Hash string `json:"hash"`
	// Custom carries opaque per-target metadata, e.g. a rollout policy
	// reference or the artifact semantic version.
	Custom map[string]string `json:"custom,omitempty"`
}

// TargetsPayload lists every target eligible for distribution.
type TargetsPayload struct {
	Header

	// Targets maps target names to their entries.
	Targets map[string]TargetEntry `json:"targets"`
}

// SnapshotPayload pins the exact targets version of this generation.
type SnapshotPayload struct {
	Header

	// TargetsVersion is the version of the targets document in this generation.
	TargetsVersion int `json:"targets_version"`
}

// TimestampPayload is the short-lived entry point of the metadata chain.
type TimestampPayload struct {
	Header

	// SnapshotVersion is the version of the snapshot document in this generation.
	SnapshotVersion int `json:"snapshot_version"`
}

// Canonicalize produces the deterministic JSON encoding used for signing.
// encoding/json writes struct fields in declaration order and sorts map keys,
// so independent re-encoding of the same payload is byte-reproducible.
func Canonicalize(payload any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	// Encoder appends a trailing newline; the signed bytes must not carry it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignPayload canonicalizes the payload and wraps it in a Document signed by
// every provided signer.
func SignPayload(payload any, signers ...*Signer) (*Document, error) {
	if len(signers) == 0 {
		return nil, errNoSigners
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Signed:     canonical,
		Signatures: make([]Signature, 0, len(signers)),
	}

	for _, signer := range signers {
		doc.Signatures = append(doc.Signatures, signer.Sign(canonical))
	}

	return doc, nil
}

// ParseHeader decodes only the common header of a signed payload.
func (d *Document) ParseHeader() (*Header, error) {
	var header Header
	if err := json.Unmarshal(d.Signed, &header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	return &header, nil
}

// ParseRoot decodes the signed payload as root metadata.
func (d *Document) ParseRoot() (*RootPayload, error) {
	var payload RootPayload
	if err := json.Unmarshal(d.Signed, &payload); err != nil {
		return nil, fmt.Errorf("decode root payload: %w", err)
	}

	return &payload, nil
}

// ParseTargets decodes the signed payload as targets metadata.
func (d *Document) ParseTargets() (*TargetsPayload, error) {
	var payload TargetsPayload
	if err := json.Unmarshal(d.Signed, &payload); err != nil {
		return nil, fmt.Errorf("decode targets payload: %w", err)
	}

	return &payload, nil
}

// ParseSnapshot decodes the signed payload as snapshot metadata.
func (d *Document) ParseSnapshot() (*SnapshotPayload, error) {
	var payload SnapshotPayload
	if err := json.Unmarshal(d.Signed, &payload); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}

	return &payload, nil
}

// ParseTimestamp decodes the signed payload as timestamp metadata.
func (d *Document) ParseTimestamp() (*TimestampPayload, error) {
	var payload TimestampPayload
	if err := json.Unmarshal(d.Signed, &payload); err != nil {
		return nil, fmt.Errorf("decode timestamp payload: %w", err)
	}

	return &payload, nil
}

// Encode serializes the full document (payload plus signatures).
func (d *Document) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	return data, nil
}

// DecodeDocument parses a serialized document.
func DecodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	return &doc, nil
}
