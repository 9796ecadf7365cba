package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/logger"
	"github.com/veriup/veriup/internal/repository"
	"github.com/veriup/veriup/internal/rollout"
	"github.com/veriup/veriup/internal/server"
	"github.com/veriup/veriup/internal/translog"
)

// shutdownGrace is how long in-flight requests get to finish on shutdown.
const shutdownGrace = 10 * time.Second

// Options controls the veriup-server process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional listen address override.
	ListenAddress string
}

// Run starts the update server and blocks until the context is canceled.
// The server owns the transparency log: it records every generation it
// starts serving and every rollout transition, and it runs the single
// rollout evaluator.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "veriup-server")

	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	listenAddress, err := resolveListenAddress(settings.ServerAddress, opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	store, err := repository.NewStore(settings.RepositoryDir)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	log, err := translog.Open(settings.TransparencyLogPath)
	if err != nil {
		return fmt.Errorf("open transparency log: %w", err)
	}

	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			logger.ErrorKV(ctx, "Failed to close transparency log", "error", closeErr)
		}
	}()

	rollouts := rollout.NewManager(log, settings.HealthWindow)
	svc := server.New(store, log, rollouts, stagesFromConfig(settings.Stages), prometheus.DefaultRegisterer)

	go rollouts.Run(ctx, settings.EvaluateInterval)

	watchErr := make(chan error, 1)

	go func() {
		watchErr <- svc.WatchStore(ctx, settings.PollInterval)
	}()

	httpServer := &http.Server{
		Addr:              listenAddress,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: settings.Timeout,
	}

	logger.InfoKV(ctx, "Update server listening",
		"listen_address", listenAddress,
		"repository_dir", settings.RepositoryDir,
		"transparency_log", settings.TransparencyLogPath)

	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
		case err := <-watchErr:
			if err != nil {
				logger.ErrorKV(ctx, "Repository watch failed", "error", err)
			}
		}

		logger.Info(ctx, "Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorKV(ctx, "HTTP shutdown failed", "error", err)
		}

		close(done)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}

	<-done
	logger.Info(ctx, "HTTP server stopped")

	return nil
}

// stagesFromConfig converts configured stages, falling back to the default
// exposure ladder when the configuration carries none.
func stagesFromConfig(configured []config.StageConfig) []rollout.Stage {
	if len(configured) == 0 {
		return rollout.DefaultStages()
	}

	stages := make([]rollout.Stage, 0, len(configured))

	for _, stage := range configured {
		stages = append(stages, rollout.Stage{
			Name:     stage.Name,
			Percent:  stage.Percent,
			MinDwell: stage.MinDwell,
			Thresholds: rollout.Thresholds{
				MaxFailureRate: stage.MaxFailureRate,
				MinSamples:     stage.MinSamples,
				TripAfter:      stage.TripAfter,
			},
		})
	}

	return stages
}

// resolveListenAddress determines the listen address for the HTTP server.
// An override is used directly; otherwise only the port from the configured
// address is kept so the server binds all interfaces.
func resolveListenAddress(configAddr, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	resolved, err := net.ResolveTCPAddr("tcp", configAddr)
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}

	return ":" + strconv.Itoa(resolved.Port), nil
}
