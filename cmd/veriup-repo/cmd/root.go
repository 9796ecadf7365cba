package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/service/publisher"
	"github.com/veriup/veriup/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// repositoryDir overrides the repository directory from configuration.
	repositoryDir string
	// targetVersion is the semantic version recorded with a staged target.
	targetVersion string

	// rootCmd represents the base command for repository authoring.
	rootCmd = &cobra.Command{
		Use:   "veriup-repo",
		Short: "Author and publish signed update metadata",
		Long: `Manages the update repository: stages artifacts, publishes signed
metadata generations (targets, snapshot, timestamp) and rotates the root
of trust. Signing keys live in the repository directory and are generated
on first use.`,
	}

	addTargetCmd = &cobra.Command{
		Use:   "add-target [name] [file]",
		Short: "Hash an artifact and stage it for the next publish",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			var custom map[string]string
			if targetVersion != "" {
				custom = map[string]string{"version": targetVersion}
			}

			return publisher.AddTarget(ctx, options(), args[0], args[1], custom)
		},
	}

	publishCmd = &cobra.Command{
		Use:   "publish",
		Short: "Sign and commit a new metadata generation",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return publisher.Publish(ctx, options())
		},
	}

	rotateRootCmd = &cobra.Command{
		Use:   "rotate-root",
		Short: "Replace all role keys and publish a successor root",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return publisher.RotateRoot(ctx, options())
		},
	}
)

func options() *publisher.Options {
	return &publisher.Options{
		ConfigPath:    configPath,
		RepositoryDir: repositoryDir,
	}
}

// Execute runs the veriup-repo CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().
		StringVarP(&repositoryDir, "repository", "r", "", "path to the repository directory")

	addTargetCmd.Flags().
		StringVar(&targetVersion, "artifact-version", "", "semantic version recorded with the target")

	rootCmd.AddCommand(addTargetCmd, publishCmd, rotateRootCmd)
}
