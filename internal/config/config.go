package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/b2fs/pkg/errors"
)

// DefaultAPIEndpoint is the public authorization endpoint.
const DefaultAPIEndpoint = "https://api.backblazeb2.com"

// MaxListPageSize is the largest page the list endpoint returns.
const MaxListPageSize = 1000

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Mount   MountConfig   `yaml:"mount"`
	Network NetworkConfig `yaml:"network"`
	Account AccountConfig `yaml:"account"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	LogFile        string `yaml:"log_file"`
	MetricsAddress string `yaml:"metrics_address"`
}

// MountConfig is fixed for the lifetime of a mount.
type MountConfig struct {
	BucketID   string `yaml:"bucket_id"`
	BucketName string `yaml:"bucket_name"`

	// CacheRoot holds the content cache and per-mount staging directories.
	CacheRoot string `yaml:"cache_root"`
	// CacheSize caps the on-disk content cache, e.g. "2GB".
	CacheSize   string        `yaml:"cache_size"`
	MetadataTTL time.Duration `yaml:"metadata_ttl"`

	ListPageSize      int `yaml:"list_page_size"`
	EnumeratePageSize int `yaml:"enumerate_page_size"`
	MaxInFlight       int `yaml:"max_in_flight"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	APIEndpoint string        `yaml:"api_endpoint"`
	Timeouts    TimeoutConfig `yaml:"timeouts"`
	Retry       RetryConfig   `yaml:"retry"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Request time.Duration `yaml:"request"`
	// Authorize bounds a shared session refresh.
	Authorize time.Duration `yaml:"authorize"`
}

// RetryConfig governs caller-side retries of rate-limited and server errors.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// AccountConfig carries the key ID only. The secret never lives in config.
type AccountConfig struct {
	KeyID string `yaml:"key_id"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		Mount: MountConfig{
			CacheRoot:         defaultCacheRoot(),
			CacheSize:         "2GB",
			MetadataTTL:       30 * time.Second,
			ListPageSize:      MaxListPageSize,
			EnumeratePageSize: 256,
			MaxInFlight:       64,
		},
		Network: NetworkConfig{
			APIEndpoint: DefaultAPIEndpoint,
			Timeouts: TimeoutConfig{
				Connect:   10 * time.Second,
				Request:   5 * time.Minute,
				Authorize: 30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
		},
	}
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "b2fs")
	}
	return filepath.Join(os.TempDir(), "b2fs")
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("B2FS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("B2FS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("B2FS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("B2FS_METRICS_ADDRESS"); val != "" {
		c.Global.MetricsAddress = val
	}

	// Mount settings
	if val := os.Getenv("B2FS_BUCKET_ID"); val != "" {
		c.Mount.BucketID = val
	}
	if val := os.Getenv("B2FS_BUCKET_NAME"); val != "" {
		c.Mount.BucketName = val
	}
	if val := os.Getenv("B2FS_CACHE_ROOT"); val != "" {
		c.Mount.CacheRoot = val
	}
	if val := os.Getenv("B2FS_CACHE_SIZE"); val != "" {
		c.Mount.CacheSize = val
	}
	if val := os.Getenv("B2FS_METADATA_TTL"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("B2FS_METADATA_TTL: %w", err)
		}
		c.Mount.MetadataTTL = duration
	}
	if val := os.Getenv("B2FS_LIST_PAGE_SIZE"); val != "" {
		size, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("B2FS_LIST_PAGE_SIZE: %w", err)
		}
		c.Mount.ListPageSize = size
	}
	if val := os.Getenv("B2FS_MAX_IN_FLIGHT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("B2FS_MAX_IN_FLIGHT: %w", err)
		}
		c.Mount.MaxInFlight = n
	}

	// Network settings
	if val := os.Getenv("B2FS_API_ENDPOINT"); val != "" {
		c.Network.APIEndpoint = val
	}

	// Account
	if val := os.Getenv("B2FS_KEY_ID"); val != "" {
		c.Account.KeyID = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CacheSizeBytes parses Mount.CacheSize.
func (c *Configuration) CacheSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Mount.CacheSize)
	if err != nil {
		return 0, invalid("invalid cache_size %q: %v", c.Mount.CacheSize, err)
	}
	return int64(n), nil
}

// BucketRef returns whichever bucket identifier was configured, preferring the ID.
func (c *Configuration) BucketRef() string {
	if c.Mount.BucketID != "" {
		return c.Mount.BucketID
	}
	return c.Mount.BucketName
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if c.Global.LogFormat != "json" && c.Global.LogFormat != "console" {
		return invalid("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}

	if c.Mount.BucketID == "" && c.Mount.BucketName == "" {
		return invalid("one of bucket_id or bucket_name is required")
	}
	if c.Mount.CacheRoot == "" {
		return invalid("cache_root is required")
	}
	if _, err := c.CacheSizeBytes(); err != nil {
		return err
	}
	if c.Mount.MetadataTTL <= 0 {
		return invalid("metadata_ttl must be greater than 0")
	}
	if c.Mount.ListPageSize <= 0 || c.Mount.ListPageSize > MaxListPageSize {
		return invalid("list_page_size must be between 1 and %d", MaxListPageSize)
	}
	if c.Mount.EnumeratePageSize <= 0 {
		return invalid("enumerate_page_size must be greater than 0")
	}
	if c.Mount.MaxInFlight <= 0 {
		return invalid("max_in_flight must be greater than 0")
	}

	if !strings.HasPrefix(c.Network.APIEndpoint, "https://") && !strings.HasPrefix(c.Network.APIEndpoint, "http://") {
		return invalid("api_endpoint must be an http(s) URL: %q", c.Network.APIEndpoint)
	}
	if c.Network.Retry.MaxAttempts <= 0 {
		return invalid("retry.max_attempts must be greater than 0")
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
}
