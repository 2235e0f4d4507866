package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the resolved runtime configuration.
type Config struct {
	// Rank identifies this grading worker. It selects the port band and
	// prefixes workspace names.
	Rank int `mapstructure:"rank"`

	// ProjectRoot holds per-attempt workspaces.
	ProjectRoot string `mapstructure:"project_root"`

	Workers int `mapstructure:"workers"`

	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Health     HealthConfig     `mapstructure:"health"`
	Install    InstallConfig    `mapstructure:"install"`
	Ports      PortsConfig      `mapstructure:"ports"`
	Launch     LaunchConfig     `mapstructure:"launch"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Screenshot ScreenshotConfig `mapstructure:"screenshot"`
	Judge      JudgeConfig      `mapstructure:"judge"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Results    ResultsConfig    `mapstructure:"results"`
	Rollout    RolloutConfig    `mapstructure:"rollout"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type InstallConfig struct {
	// Timeout bounds each install tier.
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheDirName string        `mapstructure:"cache_dir_name"`
}

type PortsConfig struct {
	Base     int `mapstructure:"base"`
	BandSize int `mapstructure:"band_size"`
	// ProbeDelay is multiplied by rank before the first probe.
	ProbeDelay time.Duration `mapstructure:"probe_delay"`
}

type LaunchConfig struct {
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DefaultPort      int           `mapstructure:"default_port"`
	NodeBin          string        `mapstructure:"node_bin"`
}

type SupervisorConfig struct {
	// Backend is "pm2" or "local".
	Backend string `mapstructure:"backend"`
	PM2Bin  string `mapstructure:"pm2_bin"`
	// StateDir holds service records. Empty places them under project_root.
	StateDir string `mapstructure:"state_dir"`
}

type ScreenshotConfig struct {
	ChromePath     string        `mapstructure:"chrome_path"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	Pause          time.Duration `mapstructure:"pause"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type JudgeConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64       `mapstructure:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ArchiveConfig struct {
	// Kind is "none", "file", or "s3".
	Kind    string   `mapstructure:"kind"`
	Dir     string   `mapstructure:"dir"`
	Prefix  string   `mapstructure:"prefix"`
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type ResultsConfig struct {
	// DB is the SQLite results path; empty disables the index.
	DB string `mapstructure:"db"`
}

type RolloutConfig struct {
	// Path receives JSONL rollout records; empty disables them.
	Path string `mapstructure:"path"`
}

type CleanupConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Rank < 0:
		return fmt.Errorf("rank must be >= 0, got %d", c.Rank)
	case c.Workers < 1:
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	case c.Ports.BandSize < 1:
		return fmt.Errorf("ports.band_size must be >= 1, got %d", c.Ports.BandSize)
	case c.Ports.Base < 1 || c.Ports.Base+(c.Rank+1)*c.Ports.BandSize > 65536:
		return fmt.Errorf("port band for rank %d exceeds the valid port range", c.Rank)
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch strings.ToLower(c.Logging.Profile) {
	case "structured", "console", "":
	default:
		return fmt.Errorf("logging.profile must be structured or console, got %q", c.Logging.Profile)
	}

	switch c.Supervisor.Backend {
	case "pm2", "local":
	default:
		return fmt.Errorf("supervisor.backend must be pm2 or local, got %q", c.Supervisor.Backend)
	}

	switch c.Archive.Kind {
	case "", "none":
	case "file":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required when archive.kind is file")
		}
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive.kind is s3")
		}
	default:
		return fmt.Errorf("archive.kind must be none, file, or s3, got %q", c.Archive.Kind)
	}
	return nil
}
