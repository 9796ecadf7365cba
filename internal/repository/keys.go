package repository

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/domain/trust"
)

const keysFilename = "keys.yaml"

// keyFile is the on-disk format for role signing keys. It lives inside the
// repository directory with restricted permissions; only the authoring side
// ever reads it.
type keyFile struct {
	// Seeds maps role names to hex-encoded ed25519 seeds.
	Seeds map[trust.Role]string `yaml:"seeds"`
}

// LoadOrGenerateSigners reads the role keys from the repository directory,
// generating and persisting a fresh set on first use. Root and targets keys
// exist before any metadata can be produced.
func LoadOrGenerateSigners(dir string) (map[trust.Role]*trust.Signer, error) {
	path := filepath.Join(dir, keysFilename)

	contents, err := os.ReadFile(path)

	switch {
	case err == nil:
		return decodeSigners(contents)
	case errors.Is(err, os.ErrNotExist):
		return generateSigners(path)
	default:
		return nil, fmt.Errorf("read key file: %w", err)
	}
}

// decodeSigners rebuilds signers from stored seeds.
func decodeSigners(contents []byte) (map[trust.Role]*trust.Signer, error) {
	var stored keyFile
	if err := yaml.Unmarshal(contents, &stored); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}

	signers := make(map[trust.Role]*trust.Signer, len(stored.Seeds))

	for role, encoded := range stored.Seeds {
		seed, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode %s seed: %w", role, err)
		}

		signer, err := trust.NewSignerFromSeed(role, seed)
		if err != nil {
			return nil, err
		}

		signers[role] = signer
	}

	return signers, nil
}

// generateSigners creates one keypair per role and persists the seeds.
func generateSigners(path string) (map[trust.Role]*trust.Signer, error) {
	signers := make(map[trust.Role]*trust.Signer, len(trust.Roles()))
	stored := keyFile{Seeds: make(map[trust.Role]string, len(trust.Roles()))}

	for _, role := range trust.Roles() {
		signer, err := trust.GenerateSigner(role)
		if err != nil {
			return nil, err
		}

		signers[role] = signer
		stored.Seeds[role] = hex.EncodeToString(signer.Seed())
	}

	data, err := yaml.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode key file: %w", err)
	}

	if err := os.WriteFile(path, data, config.DefaultFilePermissions); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	return signers, nil
}

// SaveSigners overwrites the stored seeds, used after a root rotation so
// later invocations pick up the new key set.
func SaveSigners(dir string, signers map[trust.Role]*trust.Signer) error {
	stored := keyFile{Seeds: make(map[trust.Role]string, len(signers))}

	for role, signer := range signers {
		stored.Seeds[role] = hex.EncodeToString(signer.Seed())
	}

	data, err := yaml.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}

	path := filepath.Join(dir, keysFilename)
	if err := os.WriteFile(path, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	return nil
}
