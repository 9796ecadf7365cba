package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/service/server"
	"github.com/veriup/veriup/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// rootCmd represents the base command for running the update server.
	rootCmd = &cobra.Command{
		Use:   "veriup-server [listen-address]",
		Short: "Serve signed update metadata, artifacts and transparency proofs",
		Long: `Starts the HTTP update server. It serves the currently published
metadata generation and content-addressed artifacts, ingests device health
samples, evaluates staged rollouts and answers transparency log queries
with Merkle inclusion proofs.

The server owns the transparency log: every generation it picks up from the
repository and every rollout transition is recorded before it takes effect.
Listen address can be provided as argument to override config (e.g., :9090).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			options := &server.Options{
				ConfigPath:    configPath,
				ListenAddress: listenAddress,
			}

			return server.Run(ctx, options)
		},
	}
)

// Execute runs the veriup-server CLI and exits with non-zero status on error.
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
}
