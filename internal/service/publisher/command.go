package publisher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/domain/trust"
	"github.com/veriup/veriup/internal/logger"
	"github.com/veriup/veriup/internal/repository"
)

// Options are inputs accepted by the publisher commands.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// RepositoryDir overrides the repository directory from configuration.
	RepositoryDir string
}

// open loads configuration and assembles the repository manager.
func open(ctx context.Context, opts *Options) (*repository.Manager, error) {
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	repositoryDir := settings.RepositoryDir
	if opts.RepositoryDir != "" {
		repositoryDir = opts.RepositoryDir
	}

	store, err := repository.NewStore(repositoryDir)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	signers, err := repository.LoadOrGenerateSigners(store.Dir())
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}

	manager, err := repository.NewManager(store, signers)
	if err != nil {
		return nil, fmt.Errorf("initialise repository manager: %w", err)
	}

	logger.InfoKV(ctx, "Repository opened", "dir", repositoryDir)

	return manager, nil
}

// AddTarget hashes a file and stages it for the next publish under the
// given target name. Custom carries opaque per-target metadata such as the
// artifact semantic version.
func AddTarget(ctx context.Context, opts *Options, name, filePath string, custom map[string]string) error {
	ctx = logger.WithName(ctx, "veriup-repo")

	manager, err := open(ctx, opts)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}

	entry, err := manager.AddTarget(name, data, custom)
	if err != nil {
		return fmt.Errorf("stage target: %w", err)
	}

	logger.InfoKV(ctx, "Target staged for publish",
		"name", name, "length", entry.Length, "hash", entry.Hash)

	return nil
}

// Publish signs and commits a new generation from the staged targets.
func Publish(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "veriup-repo")

	manager, err := open(ctx, opts)
	if err != nil {
		return err
	}

	release, err := manager.Publish(ctx)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	logger.InfoKV(ctx, "Generation published",
		"targets_version", release.Versions[trust.RoleTargets],
		"snapshot_version", release.Versions[trust.RoleSnapshot],
		"timestamp_version", release.Versions[trust.RoleTimestamp],
		"added_targets", len(release.Added))

	return nil
}

// RotateRoot generates a fresh signer set and publishes a successor root
// signed by both the previous and the new root keys.
func RotateRoot(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "veriup-repo")

	manager, err := open(ctx, opts)
	if err != nil {
		return err
	}

	next := make(map[trust.Role]*trust.Signer, len(trust.Roles()))

	for _, role := range trust.Roles() {
		signer, err := trust.GenerateSigner(role)
		if err != nil {
			return fmt.Errorf("generate %s key: %w", role, err)
		}

		next[role] = signer
	}

	if err := manager.RotateRoot(ctx, next); err != nil {
		return fmt.Errorf("rotate root: %w", err)
	}

	logger.Info(ctx, "Root rotated, all role keys replaced")

	return nil
}
