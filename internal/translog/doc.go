// Package translog is the append-only transparency log: every release and
// rollout transition is recorded as a sequentially indexed entry, and an
// RFC 6962 Merkle tree over the leaf hashes yields reproducible roots and
// inclusion proofs for tamper detection.
package translog
