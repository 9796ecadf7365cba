package translog

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/veriup/veriup/internal/logger"
)

// EntryType distinguishes what kind of event a log entry records.
type EntryType string

const (
	// EntryUpdateRelease records a metadata publish.
	EntryUpdateRelease EntryType = "update_release"
	// EntryRolloutEvent records a rollout state transition.
	EntryRolloutEvent EntryType = "rollout_event"
	// EntrySecurityEvent records a security-relevant observation,
	// e.g. a rollback attempt reported by a device.
	EntrySecurityEvent EntryType = "security_event"
)

// Entry is one immutable record of the transparency log.
type Entry struct {
	// Index is the 0-based, contiguous position in the log.
	Index uint64 `json:"index"`
	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`
	// Type classifies the recorded event.
	Type EntryType `json:"type"`
	// Payload is the recorded event body.
	Payload json.RawMessage `json:"payload"`
	// LeafHash is the hex-encoded RFC 6962 leaf hash of Payload.
	// It is a pure function of Payload and never changes once assigned.
	LeafHash string `json:"leaf_hash"`
}

var (
	entriesBucket = []byte("entries")

	// ErrEntryNotFound is returned when no entry exists at the requested index.
	ErrEntryNotFound = errors.New("log entry not found")
	// ErrSizeOutOfRange is returned when a tree size exceeds the log size.
	ErrSizeOutOfRange = errors.New("tree size exceeds log size")
)

// Log is the append-only transparency log. Appends are serialized through a
// single mutex so index assignment never duplicates or reorders; the Merkle
// tree is derived from the stored leaf sequence on demand.
type Log struct {
	// db is the bbolt database backing the entry sequence.
	db *bolt.DB
	// mu serializes appends (single-writer discipline).
	mu sync.Mutex
	// size caches the current entry count.
	size uint64
}

// Open opens (or creates) the transparency log database at the given path.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open transparency log: %w", err)
	}

	l := &Log{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return fmt.Errorf("create entries bucket: %w", err)
		}

		l.size = uint64(bucket.Stats().KeyN)

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return l, nil
}

// Close releases the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Size returns the current number of entries.
func (l *Log) Size() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.size
}

// Append records a new entry and returns it with its assigned index and leaf
// hash. Concurrent calls are serialized; the index sequence is strictly
// sequential and gapless.
func (l *Log) Append(ctx context.Context, entryType EntryType, payload any) (*Entry, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode log payload: %w", err)
	}

	leaf := LeafHash(body)

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		Index:     l.size,
		Timestamp: time.Now().UTC(),
		Type:      entryType,
		Payload:   body,
		LeafHash:  hex.EncodeToString(leaf[:]),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode log entry: %w", err)
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put(indexKey(entry.Index), data)
	})
	if err != nil {
		return nil, fmt.Errorf("append log entry: %w", err)
	}

	l.size++

	logger.DebugKV(ctx, "Appended transparency log entry",
		"index", entry.Index, "type", entry.Type, "leaf_hash", entry.LeafHash)

	return entry, nil
}

// Entry reads the entry at the given index.
func (l *Log) Entry(index uint64) (*Entry, error) {
	var entry Entry

	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get(indexKey(index))
		if data == nil {
			return fmt.Errorf("index %d: %w", index, ErrEntryNotFound)
		}

		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// RootHash computes the deterministic Merkle root over the first `size` leaves.
func (l *Log) RootHash(size uint64) (Hash, error) {
	leaves, err := l.leafHashes(size)
	if err != nil {
		return Hash{}, err
	}

	return RootHash(leaves), nil
}

// InclusionProof returns the sibling-hash path for leaf `index` in the tree
// of the first `size` leaves.
func (l *Log) InclusionProof(index, size uint64) ([]Hash, error) {
	leaves, err := l.leafHashes(size)
	if err != nil {
		return nil, err
	}

	return InclusionProof(leaves, index)
}

// leafHashes loads the first `size` leaf hashes in index order.
func (l *Log) leafHashes(size uint64) ([]Hash, error) {
	if size > l.Size() {
		return nil, fmt.Errorf("size %d, log size %d: %w", size, l.Size(), ErrSizeOutOfRange)
	}

	leaves := make([]Hash, 0, size)

	err := l.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(entriesBucket).Cursor()

		for k, v := cursor.First(); k != nil && uint64(len(leaves)) < size; k, v = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode log entry: %w", err)
			}

			raw, err := hex.DecodeString(entry.LeafHash)
			if err != nil {
				return fmt.Errorf("decode leaf hash at %d: %w", entry.Index, err)
			}

			var leaf Hash
			copy(leaf[:], raw)
			leaves = append(leaves, leaf)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return leaves, nil
}

// indexKey encodes an index as a big-endian key so bbolt iterates in order.
func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)

	return key
}
