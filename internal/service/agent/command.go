package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veriup/veriup/internal/client"
	"github.com/veriup/veriup/internal/config"
	"github.com/veriup/veriup/internal/logger"
)

// Options are inputs accepted by the agent entry point.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// Once runs a single check instead of the polling loop.
	Once bool
}

// Run starts the agent. It polls the update server at the configured
// interval, running the verification pipeline each time, until the context
// is canceled. Only one agent instance runs at a time; a stale marker left
// by a crashed run is recovered instead of blocking forever.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "veriup-agent")

	if client.IsAgentRunningNow(ctx) {
		return client.ErrUpdaterAlreadyRunning
	}

	if err := client.WriteMarker(); err != nil {
		return fmt.Errorf("write instance marker: %w", err)
	}

	defer client.RemoveMarker()

	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	updater, err := client.NewUpdater(settings)
	if err != nil {
		return fmt.Errorf("initialise updater: %w", err)
	}

	if opts.Once {
		return check(ctx, updater)
	}

	logger.InfoKV(ctx, "Agent polling for updates",
		"server", settings.ServerAddress,
		"target", settings.Target,
		"interval", settings.PollInterval)

	ticker := time.NewTicker(settings.PollInterval)
	defer ticker.Stop()

	for {
		if err := check(ctx, updater); err != nil {
			logger.ErrorKV(ctx, "Update check failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info(ctx, "Agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// check runs one pipeline pass. Deferral is not a failure: the device
// simply is not in the rollout cohort yet and will re-check next poll.
func check(ctx context.Context, updater *client.Updater) error {
	err := updater.Check(ctx)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, client.ErrNotEligibleYet):
		logger.Info(ctx, "Not in the rollout cohort yet, deferring")
		return nil
	default:
		return err
	}
}
