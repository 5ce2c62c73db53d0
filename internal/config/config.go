// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Storage() StorageConfig
	Scanner() ScannerConfig
	Monitor() MonitorConfig
	Journal() JournalConfig

	// Scanner Setters
	SetScannerDeep(bool)
	SetScannerWorkers(int)
	SetCloudEnabled(bool)

	// Monitor Setters
	SetFilesystemMonitorEnabled(bool)
	SetRegistryMonitorEnabled(bool)
	SetProcessMonitorEnabled(bool)
}

// Config holds the entire application configuration.
// Sections are exposed through the Interface getters; the exported fields exist
// so viper/mapstructure can populate them.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	StorageCfg StorageConfig `mapstructure:"storage" yaml:"storage"`
	ScannerCfg ScannerConfig `mapstructure:"scanner" yaml:"scanner"`
	MonitorCfg MonitorConfig `mapstructure:"monitor" yaml:"monitor"`
	JournalCfg JournalConfig `mapstructure:"journal" yaml:"journal"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig { return c.LoggerCfg }
func (c *Config) Storage() StorageConfig { return c.StorageCfg }
func (c *Config) Scanner() ScannerConfig { return c.ScannerCfg }
func (c *Config) Monitor() MonitorConfig { return c.MonitorCfg }
func (c *Config) Journal() JournalConfig { return c.JournalCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetScannerDeep(b bool) { c.ScannerCfg.DeepScan = b }
func (c *Config) SetScannerWorkers(n int) { c.ScannerCfg.Workers = n }
func (c *Config) SetCloudEnabled(b bool) { c.ScannerCfg.Cloud.Enabled = b }
func (c *Config) SetFilesystemMonitorEnabled(b bool) { c.MonitorCfg.Filesystem.Enabled = b }
func (c *Config) SetRegistryMonitorEnabled(b bool) { c.MonitorCfg.Registry.Enabled = b }
func (c *Config) SetProcessMonitorEnabled(b bool) { c.MonitorCfg.Process.Enabled = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// StorageConfig locates the persisted protective state. Empty paths are
// resolved relative to DataDir.
type StorageConfig struct {
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	QuarantineDir string `mapstructure:"quarantine_dir" yaml:"quarantine_dir"`
	QuarantineDB  string `mapstructure:"quarantine_db" yaml:"quarantine_db"`
	TrustDB       string `mapstructure:"trust_db" yaml:"trust_db"`
	WhitelistFile string `mapstructure:"whitelist_file" yaml:"whitelist_file"`
}

// QuarantineDirPath returns the directory holding encrypted blobs.
func (s StorageConfig) QuarantineDirPath() string {
	return s.resolve(s.QuarantineDir, "quarantine")
}

// QuarantineDBPath returns the quarantine sidecar path.
func (s StorageConfig) QuarantineDBPath() string {
	return s.resolve(s.QuarantineDB, "quarantine.json")
}

// TrustDBPath returns the trust sidecar path.
func (s StorageConfig) TrustDBPath() string {
	return s.resolve(s.TrustDB, "trust.json")
}

// WhitelistPath returns the registry whitelist file path.
func (s StorageConfig) WhitelistPath() string {
	return s.resolve(s.WhitelistFile, "registry_whitelist.txt")
}

func (s StorageConfig) resolve(p, fallback string) string {
	if p != "" {
		return p
	}
	return filepath.Join(s.DataDir, fallback)
}

// ScannerConfig configures local and cloud scanning.
type ScannerConfig struct {
	DeepScan    bool        `mapstructure:"deep_scan" yaml:"deep_scan"`
	MaxFileSize int64       `mapstructure:"max_file_size" yaml:"max_file_size"`
	Workers     int         `mapstructure:"workers" yaml:"workers"`
	Cloud       CloudConfig `mapstructure:"cloud" yaml:"cloud"`
}

// CloudConfig configures the hash-keyed remote lookup service.
type CloudConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxConcurrent int64         `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	RateLimit     float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
	ClientID      string        `mapstructure:"client_id" yaml:"client_id"`
	APISecret     string        `mapstructure:"api_secret" yaml:"-"`
}

// MonitorConfig configures the real-time monitors.
type MonitorConfig struct {
	DeepScan     bool                    `mapstructure:"deep_scan" yaml:"deep_scan"`
	StopTimeout  time.Duration           `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	ErrorBackoff time.Duration           `mapstructure:"error_backoff" yaml:"error_backoff"`
	EventsBuffer int                     `mapstructure:"events_buffer" yaml:"events_buffer"`
	Filesystem   FilesystemMonitorConfig `mapstructure:"filesystem" yaml:"filesystem"`
	Registry     RegistryMonitorConfig   `mapstructure:"registry" yaml:"registry"`
	Process      ProcessMonitorConfig    `mapstructure:"process" yaml:"process"`
}

// FilesystemMonitorConfig configures the file system watcher.
type FilesystemMonitorConfig struct {
	Enabled         bool     `mapstructure:"enabled" yaml:"enabled"`
	Roots           []string `mapstructure:"roots" yaml:"roots"`
	ExcludeDirs     []string `mapstructure:"exclude_dirs" yaml:"exclude_dirs"`
	EventsPerSecond float64  `mapstructure:"events_per_second" yaml:"events_per_second"`
	Burst           int      `mapstructure:"burst" yaml:"burst"`
}

// RegistryMonitorConfig configures the autorun registry poller.
type RegistryMonitorConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// ExtraFragments are appended to the built-in malicious command fragments.
	ExtraFragments []string `mapstructure:"extra_fragments" yaml:"extra_fragments"`
}

// ProcessMonitorConfig configures the process creation poller.
type ProcessMonitorConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// JournalConfig configures the threat journal.
type JournalConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.resolvePaths()
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "warden")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Storage --
	v.SetDefault("storage.data_dir", "~/.warden")

	// -- Scanner --
	v.SetDefault("scanner.deep_scan", false)
	v.SetDefault("scanner.max_file_size", 64<<20)
	v.SetDefault("scanner.workers", 8)
	v.SetDefault("scanner.cloud.enabled", false)
	v.SetDefault("scanner.cloud.timeout", "10s")
	v.SetDefault("scanner.cloud.max_concurrent", 5000)
	v.SetDefault("scanner.cloud.rate_limit", 50.0)
	v.SetDefault("scanner.cloud.burst", 10)
	v.SetDefault("scanner.cloud.client_id", "warden")

	// -- Monitor --
	v.SetDefault("monitor.deep_scan", false)
	v.SetDefault("monitor.stop_timeout", "3s")
	v.SetDefault("monitor.error_backoff", "1s")
	v.SetDefault("monitor.events_buffer", 256)
	v.SetDefault("monitor.filesystem.enabled", true)
	v.SetDefault("monitor.filesystem.events_per_second", 200.0)
	v.SetDefault("monitor.filesystem.burst", 50)
	v.SetDefault("monitor.registry.enabled", true)
	v.SetDefault("monitor.registry.poll_interval", "300ms")
	v.SetDefault("monitor.process.enabled", true)
	v.SetDefault("monitor.process.poll_interval", "10ms")

	// -- Journal --
	v.SetDefault("journal.path", "")
	v.SetDefault("journal.max_size", 20)
	v.SetDefault("journal.max_backups", 3)
	v.SetDefault("journal.max_age", 90)
	v.SetDefault("journal.compress", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("scanner.cloud.api_secret", "WARDEN_CLOUD_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the secret if Unmarshal didn't pick it up
	if cfg.ScannerCfg.Cloud.APISecret == "" {
		cfg.ScannerCfg.Cloud.APISecret = os.Getenv("WARDEN_CLOUD_SECRET")
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// resolvePaths expands "~" in the data directory and derives the journal path.
func (c *Config) resolvePaths() error {
	dir, err := homedir.Expand(c.StorageCfg.DataDir)
	if err != nil {
		return fmt.Errorf("storage.data_dir: %w", err)
	}
	c.StorageCfg.DataDir = dir
	if c.JournalCfg.Path == "" && dir != "" {
		c.JournalCfg.Path = filepath.Join(dir, "journal.jsonl")
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.StorageCfg.DataDir == "" {
		return fmt.Errorf("storage.data_dir is a required configuration field")
	}
	if c.ScannerCfg.Workers <= 0 {
		return fmt.Errorf("scanner.workers must be a positive integer")
	}
	if c.ScannerCfg.MaxFileSize <= 0 {
		return fmt.Errorf("scanner.max_file_size must be a positive integer")
	}
	if err := c.ScannerCfg.Cloud.Validate(); err != nil {
		return fmt.Errorf("scanner.cloud configuration invalid: %w", err)
	}
	if err := c.MonitorCfg.Validate(); err != nil {
		return fmt.Errorf("monitor configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the CloudConfig settings.
func (cc *CloudConfig) Validate() error {
	if cc.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be a positive integer")
	}
	if !cc.Enabled {
		return nil
	}
	if cc.Endpoint == "" {
		return fmt.Errorf("endpoint is required when cloud scanning is enabled")
	}
	if cc.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	return nil
}

// Validate checks the MonitorConfig settings.
func (m *MonitorConfig) Validate() error {
	if m.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be a positive duration")
	}
	if m.EventsBuffer <= 0 {
		return fmt.Errorf("events_buffer must be a positive integer")
	}
	if m.Registry.Enabled && m.Registry.PollInterval <= 0 {
		return fmt.Errorf("registry.poll_interval must be a positive duration")
	}
	if m.Process.Enabled && m.Process.PollInterval <= 0 {
		return fmt.Errorf("process.poll_interval must be a positive duration")
	}
	return nil
}
