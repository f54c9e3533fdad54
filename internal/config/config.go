// Package config provides configuration management for vidtanium using
// Viper. It supports configuration from files, environment variables, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultMaxConcurrentTasks = 3
	defaultMaxWorkersPerTask  = 8
	defaultMaxRetries         = 5
	defaultRetryBaseDelay     = 500 * time.Millisecond
	defaultMaxBackoff         = 30 * time.Second
	defaultConnectTimeout     = 10 * time.Second
	defaultReadTimeout        = 60 * time.Second
	defaultMergeTimeoutFloor  = 30 * time.Second
	defaultMergeTimeoutCeil   = 30 * time.Minute
	defaultMergeBytesPerSec   = 20 * 1024 * 1024
	defaultSchedulerTick      = time.Second
	minSchedulerTick          = 200 * time.Millisecond
	defaultServerPort         = 8475
	defaultHistoryRetention   = 90 * 24 * time.Hour
	defaultStagingRetention   = 7 * 24 * time.Hour
	defaultEventQueueSize     = 256
	defaultUserAgent          = "vidtanium/1.0"
)

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Network   NetworkConfig   `mapstructure:"network"`
	Download  DownloadConfig  `mapstructure:"download"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Perf      PerfConfig      `mapstructure:"perf"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// NetworkConfig holds the shared HTTP client configuration.
type NetworkConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`

	// ProxyEnabled honors HTTP_PROXY/HTTPS_PROXY when set.
	ProxyEnabled bool `mapstructure:"proxy_enabled"`

	// CircuitThreshold is the failure count that opens the circuit
	// breaker for playlist/key fetches.
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// DownloadConfig holds download engine configuration.
type DownloadConfig struct {
	// MaxConcurrentTasks bounds admission: how many tasks run at once.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`

	// MaxWorkersPerTask bounds in-flight segment fetches per task.
	MaxWorkersPerTask int `mapstructure:"max_workers_per_task"`

	// MaxRetries is the per-segment attempt budget.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// MaxBackoff caps the backoff between attempts.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// KeepStagingOnFailure retains the staging directory of failed tasks
	// for post-mortem inspection.
	KeepStagingOnFailure bool `mapstructure:"keep_staging_on_failure"`

	// SelectLowestBandwidth picks the lowest-bandwidth master variant
	// instead of the default highest.
	SelectLowestBandwidth bool `mapstructure:"select_lowest_bandwidth"`

	// EventQueueSize bounds per-subscriber event queues.
	EventQueueSize int `mapstructure:"event_queue_size"`
}

// MergeConfig holds merger configuration.
type MergeConfig struct {
	// PreferTranscoder remuxes through an external transcoder when one is
	// reachable; binary concatenation is the fallback either way.
	PreferTranscoder bool `mapstructure:"prefer_transcoder"`

	// FFmpegPath overrides transcoder binary discovery (empty = auto).
	FFmpegPath string `mapstructure:"ffmpeg_path"`

	// TimeoutFloor and TimeoutCeiling bound the size-proportional merge
	// timeout; BytesPerSecond is the assumed throughput for scaling.
	TimeoutFloor   time.Duration `mapstructure:"timeout_floor"`
	TimeoutCeiling time.Duration `mapstructure:"timeout_ceiling"`
	BytesPerSecond int64         `mapstructure:"bytes_per_second"`

	// FailOnEmpty fails tasks whose plan has zero segments instead of
	// producing an empty output.
	FailOnEmpty bool `mapstructure:"fail_on_empty"`
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// TickInterval is how often the scheduler checks for due triggers.
	// Clamped to a 200ms minimum.
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// StorageConfig holds filesystem layout configuration.
type StorageConfig struct {
	// ConfigDir holds settings, scheduler state and the history database.
	ConfigDir string `mapstructure:"config_dir"`

	// OutputDir is the default destination for merged artifacts.
	OutputDir string `mapstructure:"output_dir"`

	// HistoryRetention prunes task history records older than this.
	HistoryRetention time.Duration `mapstructure:"history_retention"`

	// StagingRetention prunes orphaned staging directories older than this.
	StagingRetention time.Duration `mapstructure:"staging_retention"`
}

// ServerConfig holds the local status API configuration.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// PerfConfig holds the resource monitor configuration.
type PerfConfig struct {
	// Adaptive enables resource-aware worker sizing.
	Adaptive bool `mapstructure:"adaptive"`

	// SampleInterval is how often CPU/memory are sampled.
	SampleInterval time.Duration `mapstructure:"sample_interval"`

	// TargetCPUPercent is the utilization above which worker counts are
	// scaled down.
	TargetCPUPercent float64 `mapstructure:"target_cpu_percent"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with VIDTANIUM (VIDTANIUM_DOWNLOAD_MAX_RETRIES=3).
// VIDTANIUM_CONFIG_DIR overrides storage.config_dir when the flag is
// absent.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configDir == "" {
		configDir = os.Getenv("VIDTANIUM_CONFIG_DIR")
	}
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configDir = filepath.Join(home, ".vidtanium")
		} else {
			configDir = ".vidtanium"
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	v.SetEnvPrefix("VIDTANIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Storage.ConfigDir = configDir
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("network.connect_timeout", defaultConnectTimeout)
	v.SetDefault("network.read_timeout", defaultReadTimeout)
	v.SetDefault("network.user_agent", defaultUserAgent)
	v.SetDefault("network.proxy_enabled", true)
	v.SetDefault("network.circuit_threshold", 5)
	v.SetDefault("network.circuit_timeout", 30*time.Second)

	v.SetDefault("download.max_concurrent_tasks", defaultMaxConcurrentTasks)
	v.SetDefault("download.max_workers_per_task", defaultMaxWorkersPerTask)
	v.SetDefault("download.max_retries", defaultMaxRetries)
	v.SetDefault("download.retry_base_delay", defaultRetryBaseDelay)
	v.SetDefault("download.max_backoff", defaultMaxBackoff)
	v.SetDefault("download.keep_staging_on_failure", true)
	v.SetDefault("download.select_lowest_bandwidth", false)
	v.SetDefault("download.event_queue_size", defaultEventQueueSize)

	v.SetDefault("merge.prefer_transcoder", true)
	v.SetDefault("merge.ffmpeg_path", "")
	v.SetDefault("merge.timeout_floor", defaultMergeTimeoutFloor)
	v.SetDefault("merge.timeout_ceiling", defaultMergeTimeoutCeil)
	v.SetDefault("merge.bytes_per_second", defaultMergeBytesPerSec)
	v.SetDefault("merge.fail_on_empty", false)

	v.SetDefault("scheduler.tick_interval", defaultSchedulerTick)

	v.SetDefault("storage.config_dir", "")
	v.SetDefault("storage.output_dir", defaultOutputDir())
	v.SetDefault("storage.history_retention", defaultHistoryRetention)
	v.SetDefault("storage.staging_retention", defaultStagingRetention)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)

	v.SetDefault("perf.adaptive", false)
	v.SetDefault("perf.sample_interval", 5*time.Second)
	v.SetDefault("perf.target_cpu_percent", 85.0)
}

// defaultOutputDir resolves the default download destination.
func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "Downloads"
	}
	return filepath.Join(home, "Downloads")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Download.MaxConcurrentTasks < 1 {
		return fmt.Errorf("download.max_concurrent_tasks must be at least 1")
	}
	if c.Download.MaxWorkersPerTask < 1 {
		return fmt.Errorf("download.max_workers_per_task must be at least 1")
	}
	if c.Download.MaxRetries < 1 {
		return fmt.Errorf("download.max_retries must be at least 1")
	}

	if c.Merge.TimeoutFloor > c.Merge.TimeoutCeiling {
		return fmt.Errorf("merge.timeout_floor must not exceed merge.timeout_ceiling")
	}

	if c.Scheduler.TickInterval < minSchedulerTick {
		c.Scheduler.TickInterval = minSchedulerTick
	}

	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	return nil
}

// Address returns the status server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TriggersPath returns the scheduler persistence file path.
func (c *StorageConfig) TriggersPath() string {
	return filepath.Join(c.ConfigDir, "scheduled_tasks.json")
}

// HistoryPath returns the task history database path.
func (c *StorageConfig) HistoryPath() string {
	return filepath.Join(c.ConfigDir, "history.db")
}

// StagingRoot returns the staging area root under the output directory.
func (c *StorageConfig) StagingRoot() string {
	return filepath.Join(c.OutputDir, ".vidtanium")
}

// StagingDir returns the staging directory for one task.
func (c *StorageConfig) StagingDir(taskID string) string {
	return filepath.Join(c.StagingRoot(), taskID)
}

// MergeTimeout computes the transcoder timeout for an input of the given
// total size: linear in bytes, clamped to the configured floor/ceiling.
func (c *MergeConfig) MergeTimeout(totalBytes int64) time.Duration {
	bps := c.BytesPerSecond
	if bps <= 0 {
		bps = defaultMergeBytesPerSec
	}
	d := time.Duration(totalBytes/bps) * time.Second
	if d < c.TimeoutFloor {
		return c.TimeoutFloor
	}
	if c.TimeoutCeiling > 0 && d > c.TimeoutCeiling {
		return c.TimeoutCeiling
	}
	return d
}
