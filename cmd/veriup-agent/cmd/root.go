package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/service/agent"
	"github.com/veriup/veriup/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// once runs a single check instead of the polling loop.
	once bool

	// rootCmd represents the base command for the device agent.
	rootCmd = &cobra.Command{
		Use:   "veriup-agent",
		Short: "Poll for updates, verify the trust chain and install artifacts",
		Long: `Runs the device-side updater. Each poll fetches the signed metadata
chain, verifies it against the pinned root of trust, refuses version
rollbacks, downloads and hash-checks the artifact, waits for rollout
cohort eligibility and applies the update with an atomic binary swap.

Accepted metadata versions and the installed artifact version are
persisted in the device state file between polls.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &agent.Options{
				ConfigPath: configPath,
				Once:       once,
			}

			return agent.Run(ctx, options)
		},
	}
)

// Execute runs the veriup-agent CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.Flags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().
		BoolVar(&once, "once", false, "run a single update check and exit")
}
