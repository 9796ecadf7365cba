package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds settings shared by the veriup binaries.
// One file serves all three roles: the repository manager and server read the
// repository/log sections, the agent reads the device section.
type Config struct {
	// ServerAddress is the HTTP address of the update server
	// (listen address for veriup-server, dial address for veriup-agent).
	ServerAddress string `yaml:"server_addr"`
	// RepositoryDir is the directory holding signed metadata and target blobs.
	RepositoryDir string `yaml:"repository_dir"`
	// TransparencyLogPath is the path to the append-only transparency log database.
	TransparencyLogPath string `yaml:"transparency_log"`
	// DeviceID is the stable per-device identifier used for cohort assignment.
	DeviceID string `yaml:"device_id"`
	// DeviceStateFile is where the agent persists accepted metadata versions
	// and the installed artifact version.
	DeviceStateFile string `yaml:"device_state_file"`
	// TrustedRootFile is the pinned root metadata the agent bootstraps from.
	TrustedRootFile string `yaml:"trusted_root_file"`
	// Target is the name of the target this device tracks.
	Target string `yaml:"target"`
	// InstallPath is where the agent installs the verified target bytes.
	InstallPath string `yaml:"install_path"`
	// PollInterval is how often the agent polls the server for new metadata.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Timeout is the duration for network operations.
	Timeout time.Duration `yaml:"timeout"`
	// EvaluateInterval is how often the rollout evaluator aggregates health.
	EvaluateInterval time.Duration `yaml:"evaluate_interval"`
	// HealthWindow is the rolling window over which health samples are aggregated.
	HealthWindow time.Duration `yaml:"health_window"`
	// Stages overrides the default rollout stages when non-empty.
	Stages []StageConfig `yaml:"stages,omitempty"`
}

// StageConfig describes one rollout stage in the configuration file.
// Thresholds are configurable on purpose: the right failure formula is
// deployment-specific.
type StageConfig struct {
	// Name is the human-readable stage name (e.g. "canary").
	Name string `yaml:"name"`
	// Percent is the fleet percentage eligible at this stage (1..100).
	Percent int `yaml:"percent"`
	// MinDwell is the minimum time to hold the stage before advancing.
	MinDwell time.Duration `yaml:"min_dwell"`
	// MaxFailureRate is the aggregate failure rate above which the stage
	// evaluation is considered unhealthy (0..1).
	MaxFailureRate float64 `yaml:"max_failure_rate"`
	// MinSamples is the minimum sample count for a meaningful evaluation;
	// below it the evaluation result is unknown and no transition happens.
	MinSamples int `yaml:"min_samples"`
	// TripAfter is the number of consecutive unhealthy evaluations that
	// trips the circuit breaker and rolls the update back.
	TripAfter int `yaml:"trip_after"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "veriup-settings.yaml"

	// DefaultDeviceStateFilename is the default filename for agent state JSON.
	DefaultDeviceStateFilename = "veriup-device-state.json"

	// DefaultTrustedRootFilename is the default filename for the pinned root.
	DefaultTrustedRootFilename = "veriup-root.json"

	// DefaultRepositoryDirname is the default repository directory.
	DefaultRepositoryDirname = "veriup-repository"

	// DefaultTransparencyLogFilename is the default transparency log database.
	DefaultTransparencyLogFilename = "veriup-log.db"

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 5 * time.Second

	// DefaultPollInterval is the default agent polling period.
	DefaultPollInterval = 1 * time.Minute

	// DefaultEvaluateInterval is the default rollout evaluation period.
	DefaultEvaluateInterval = 30 * time.Second

	// DefaultHealthWindow is the default health aggregation window.
	DefaultHealthWindow = 10 * time.Minute

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errServerSocketRequired is returned when server address is missing.
	errServerSocketRequired = errors.New("server address must be provided")
	// errBadStagePercent is returned when a stage percent is outside 1..100.
	errBadStagePercent = errors.New("stage percent must be between 1 and 100")
	// errStagesNotMonotonic is returned when stage percentages do not grow.
	errStagesNotMonotonic = errors.New("stage percentages must be non-decreasing")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and fills defaults.
func Validate(cfg *Config) error {
	if cfg.ServerAddress == "" {
		return errServerSocketRequired
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.ServerAddress); err != nil {
		return fmt.Errorf("invalid server socket: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.EvaluateInterval <= 0 {
		cfg.EvaluateInterval = DefaultEvaluateInterval
	}

	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = DefaultHealthWindow
	}

	if cfg.RepositoryDir == "" {
		cfg.RepositoryDir = DefaultRepositoryDirname
	}

	if cfg.TransparencyLogPath == "" {
		cfg.TransparencyLogPath = DefaultTransparencyLogFilename
	}

	if cfg.DeviceStateFile == "" {
		cfg.DeviceStateFile = DefaultDeviceStateFilename
	}

	if cfg.TrustedRootFile == "" {
		cfg.TrustedRootFile = DefaultTrustedRootFilename
	}

	return validateStages(cfg.Stages)
}

// validateStages enforces percent bounds and monotone growth of stage percentages.
func validateStages(stages []StageConfig) error {
	previous := 0

	for _, stage := range stages {
		if stage.Percent < 1 || stage.Percent > 100 {
			return fmt.Errorf("stage %q: %w", stage.Name, errBadStagePercent)
		}

		if stage.Percent < previous {
			return fmt.Errorf("stage %q: %w", stage.Name, errStagesNotMonotonic)
		}

		previous = stage.Percent
	}

	return nil
}
