package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/veriup/veriup/internal/logger"
)

const (
	// MarkerFilename marks that an agent run is in flight to avoid
	// parallel execution.
	MarkerFilename = "veriup-agent-marker.bin"

	// markerLifetime is the period after which a stale marker is ignored.
	markerLifetime = 30 * time.Second

	// baseAgentExecutable is the agent binary name without extension.
	baseAgentExecutable = "veriup-agent"
)

// IsAgentRunningNow checks presence of a marker file and attempts recovery
// when it looks stale: a marker older than its lifetime with no matching
// live process is removed so a crashed run cannot block updates forever.
func IsAgentRunningNow(ctx context.Context) bool {
	fileInfo, err := os.Stat(MarkerFilename)
	if err == nil {
		if time.Since(fileInfo.ModTime()) <= markerLifetime {
			return true
		}

		logger.Info(ctx, "The agent marker is too old, attempting cleanup")

		if err = terminateProcessByName(agentExecutable()); err != nil {
			return true
		}

		if err = os.Remove(MarkerFilename); err != nil {
			return true
		}

		return false
	}

	if errors.Is(err, os.ErrNotExist) {
		return false
	}

	logger.Infof(ctx, "Unable to read agent marker: %v", err)

	return false
}

// WriteMarker creates the instance marker.
func WriteMarker() error {
	marker, err := os.Create(MarkerFilename)
	if err != nil {
		return err
	}

	return marker.Close()
}

// RemoveMarker deletes the instance marker if present.
func RemoveMarker() {
	if _, err := os.Stat(MarkerFilename); err == nil {
		_ = os.Remove(MarkerFilename)
	}
}

// terminateProcessByName kills other processes with the provided executable name.
func terminateProcessByName(processName string) error {
	processList, err := ps.Processes()
	if err != nil {
		return err
	}

	thisProcessID := os.Getpid()

	for _, process := range processList {
		if process.Pid() == thisProcessID {
			continue
		}

		if filepath.Base(process.Executable()) != processName {
			continue
		}

		var runningProcess *os.Process

		runningProcess, err = os.FindProcess(process.Pid())
		if err != nil {
			return err
		}

		if err = runningProcess.Kill(); err != nil {
			return err
		}
	}

	return nil
}

// agentExecutable returns the platform-specific agent binary name.
func agentExecutable() string {
	if strings.Contains(strings.ToLower(runtime.GOOS), "windows") {
		return baseAgentExecutable + ".exe"
	}

	return baseAgentExecutable
}
