package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/domain/trust"
)

// ErrNotFound is returned when a document, version or target blob is absent.
var ErrNotFound = errors.New("not found in repository")

const (
	metadataDirname = "metadata"
	targetsDirname  = "targets"
	currentFilename = "current.json"

	dirPermissions = 0o700
)

// Store persists signed metadata and content-addressed target blobs on the
// filesystem. Every signed version is retained forever (old versions enable
// rollback-attack detection); the current generation is a single pointer
// file swapped atomically via rename, so readers never observe a
// half-published generation.
type Store struct {
	// dir is the repository root directory.
	dir string
	// mu serializes commits.
	mu sync.Mutex
}

// NewStore opens (or creates) a repository at the given directory.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{metadataDirname, targetsDirname} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPermissions); err != nil {
			return nil, fmt.Errorf("create repository layout: %w", err)
		}
	}

	return &Store{dir: dir}, nil
}

// Dir returns the repository root directory.
func (s *Store) Dir() string {
	return s.dir
}

// CurrentVersions reads the generation pointer: the published version of
// each role. A missing pointer means nothing was published yet.
func (s *Store) CurrentVersions() (map[trust.Role]int, error) {
	contents, err := os.ReadFile(filepath.Join(s.dir, currentFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[trust.Role]int{}, nil
		}

		return nil, fmt.Errorf("read generation pointer: %w", err)
	}

	versions := make(map[trust.Role]int)
	if err := json.Unmarshal(contents, &versions); err != nil {
		return nil, fmt.Errorf("decode generation pointer: %w", err)
	}

	return versions, nil
}

// Document reads a specific signed version of a role's metadata.
func (s *Store) Document(role trust.Role, version int) (*trust.Document, error) {
	contents, err := os.ReadFile(s.documentPath(role, version))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s v%d: %w", role, version, ErrNotFound)
		}

		return nil, fmt.Errorf("read %s v%d: %w", role, version, err)
	}

	return trust.DecodeDocument(contents)
}

// CurrentDocument reads the published version of a role's metadata.
func (s *Store) CurrentDocument(role trust.Role) (*trust.Document, error) {
	versions, err := s.CurrentVersions()
	if err != nil {
		return nil, err
	}

	version, ok := versions[role]
	if !ok {
		return nil, fmt.Errorf("%s: %w", role, ErrNotFound)
	}

	return s.Document(role, version)
}

// Target reads a content-addressed blob by its hex SHA-256.
func (s *Store) Target(hash string) ([]byte, error) {
	contents, err := os.ReadFile(filepath.Join(s.dir, targetsDirname, filepath.Clean(hash)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("target %s: %w", hash, ErrNotFound)
		}

		return nil, fmt.Errorf("read target %s: %w", hash, err)
	}

	return contents, nil
}

// Commit writes the new generation: target blobs first, then every signed
// document under its versioned name, and finally the generation pointer in
// one rename. Existing versioned documents are never overwritten.
func (s *Store) Commit(documents map[trust.Role]*trust.Document, versions map[trust.Role]int, blobs map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, data := range blobs {
		if err := s.writeTarget(hash, data); err != nil {
			return err
		}
	}

	for role, doc := range documents {
		data, err := doc.Encode()
		if err != nil {
			return err
		}

		path := s.documentPath(role, versions[role])
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("refusing to overwrite %s v%d: %w", role, versions[role], os.ErrExist)
		}

		if err := os.WriteFile(path, data, config.DefaultFilePermissions); err != nil {
			return fmt.Errorf("write %s v%d: %w", role, versions[role], err)
		}
	}

	return s.writeVersions(versions)
}

// writeVersions swaps the generation pointer atomically.
func (s *Store) writeVersions(versions map[trust.Role]int) error {
	data, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("encode generation pointer: %w", err)
	}

	target := filepath.Join(s.dir, currentFilename)
	temp := target + ".tmp"

	if err := os.WriteFile(temp, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write generation pointer: %w", err)
	}

	if err := os.Rename(temp, target); err != nil {
		return fmt.Errorf("swap generation pointer: %w", err)
	}

	return nil
}

// writeTarget stores a content-addressed blob. Rewriting the same hash with
// the same bytes is a no-op by construction.
func (s *Store) writeTarget(hash string, data []byte) error {
	path := filepath.Join(s.dir, targetsDirname, filepath.Clean(hash))
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.WriteFile(path, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write target %s: %w", hash, err)
	}

	return nil
}

// documentPath returns the versioned filename for a role document.
func (s *Store) documentPath(role trust.Role, version int) string {
	return filepath.Join(s.dir, metadataDirname, fmt.Sprintf("%s.%d.json", role, version))
}
