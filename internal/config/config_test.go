package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/objectfs/b2fs/pkg/errors"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestCacheSize  = "8GB"
)

func validConfig() *Configuration {
	cfg := NewDefault()
	cfg.Mount.BucketName = "photos"
	return cfg
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.LogFormat != "json" {
		t.Errorf("Expected LogFormat to be json, got %s", cfg.Global.LogFormat)
	}
	if cfg.Mount.CacheSize != "2GB" {
		t.Errorf("Expected CacheSize to be 2GB, got %s", cfg.Mount.CacheSize)
	}
	if cfg.Mount.ListPageSize != MaxListPageSize {
		t.Errorf("Expected ListPageSize to be %d, got %d", MaxListPageSize, cfg.Mount.ListPageSize)
	}
	if cfg.Mount.MetadataTTL != 30*time.Second {
		t.Errorf("Expected MetadataTTL to be 30s, got %v", cfg.Mount.MetadataTTL)
	}
	if cfg.Network.APIEndpoint != DefaultAPIEndpoint {
		t.Errorf("Expected APIEndpoint to be %s, got %s", DefaultAPIEndpoint, cfg.Network.APIEndpoint)
	}
	if cfg.Mount.CacheRoot == "" {
		t.Error("Expected a default CacheRoot")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			config:  validConfig,
			wantErr: false,
		},
		{
			name: "bucket id alone is enough",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Mount.BucketID = "4a48fe8875c6214145260818"
				return cfg
			},
		},
		{
			name:    "missing bucket",
			config:  NewDefault,
			wantErr: true,
			errMsg:  "bucket_id or bucket_name",
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Global.LogLevel = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name: "invalid log format",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Global.LogFormat = "xml"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_format",
		},
		{
			name: "unparseable cache size",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mount.CacheSize = "lots"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid cache_size",
		},
		{
			name: "page size too large",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mount.ListPageSize = 5000
				return cfg
			},
			wantErr: true,
			errMsg:  "list_page_size",
		},
		{
			name: "zero ttl",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mount.MetadataTTL = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "metadata_ttl",
		},
		{
			name: "endpoint without scheme",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Network.APIEndpoint = "api.backblazeb2.com"
				return cfg
			},
			wantErr: true,
			errMsg:  "api_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
				}
				if errors.CodeOf(err) != errors.ErrCodeInvalidConfig {
					t.Errorf("Validate() code = %v, want INVALID_CONFIG", errors.CodeOf(err))
				}
			}
		})
	}
}

func TestCacheSizeBytes(t *testing.T) {
	cfg := validConfig()
	cfg.Mount.CacheSize = TestCacheSize

	n, err := cfg.CacheSizeBytes()
	if err != nil {
		t.Fatalf("CacheSizeBytes() error = %v", err)
	}
	if n != 8*1000*1000*1000 {
		t.Errorf("Expected 8GB = 8e9 bytes, got %d", n)
	}

	cfg.Mount.CacheSize = "512MiB"
	n, err = cfg.CacheSizeBytes()
	if err != nil {
		t.Fatalf("CacheSizeBytes() error = %v", err)
	}
	if n != 512*1024*1024 {
		t.Errorf("Expected 512MiB, got %d", n)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_address: "127.0.0.1:9100"

mount:
  bucket_name: backups
  cache_size: 4GB
  metadata_ttl: 1m
  list_page_size: 500

network:
  timeouts:
    request: 2m

account:
  key_id: 0012abc
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsAddress != "127.0.0.1:9100" {
		t.Errorf("Expected MetricsAddress, got %s", cfg.Global.MetricsAddress)
	}
	if cfg.Mount.BucketName != "backups" {
		t.Errorf("Expected BucketName backups, got %s", cfg.Mount.BucketName)
	}
	if cfg.Mount.MetadataTTL != time.Minute {
		t.Errorf("Expected MetadataTTL 1m, got %v", cfg.Mount.MetadataTTL)
	}
	if cfg.Mount.ListPageSize != 500 {
		t.Errorf("Expected ListPageSize 500, got %d", cfg.Mount.ListPageSize)
	}
	if cfg.Network.Timeouts.Request != 2*time.Minute {
		t.Errorf("Expected request timeout 2m, got %v", cfg.Network.Timeouts.Request)
	}
	// Untouched defaults survive.
	if cfg.Network.Timeouts.Connect != 10*time.Second {
		t.Errorf("Expected connect timeout default, got %v", cfg.Network.Timeouts.Connect)
	}
	if cfg.Account.KeyID != "0012abc" {
		t.Errorf("Expected KeyID, got %s", cfg.Account.KeyID)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("B2FS_LOG_LEVEL", "debug")
	t.Setenv("B2FS_BUCKET_ID", "bucket-123")
	t.Setenv("B2FS_CACHE_SIZE", "1GB")
	t.Setenv("B2FS_METADATA_TTL", "45s")
	t.Setenv("B2FS_LIST_PAGE_SIZE", "100")
	t.Setenv("B2FS_API_ENDPOINT", "http://127.0.0.1:8080")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Mount.BucketID != "bucket-123" {
		t.Errorf("Expected BucketID bucket-123, got %s", cfg.Mount.BucketID)
	}
	if cfg.BucketRef() != "bucket-123" {
		t.Errorf("Expected BucketRef to prefer id, got %s", cfg.BucketRef())
	}
	if cfg.Mount.MetadataTTL != 45*time.Second {
		t.Errorf("Expected MetadataTTL 45s, got %v", cfg.Mount.MetadataTTL)
	}
	if cfg.Mount.ListPageSize != 100 {
		t.Errorf("Expected ListPageSize 100, got %d", cfg.Mount.ListPageSize)
	}
	if cfg.Network.APIEndpoint != "http://127.0.0.1:8080" {
		t.Errorf("Expected endpoint override, got %s", cfg.Network.APIEndpoint)
	}
}

func TestLoadFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("B2FS_METADATA_TTL", "soon")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("Expected error for unparseable B2FS_METADATA_TTL")
	}
}

func TestSaveToFile(t *testing.T) {
	cfg := validConfig()
	cfg.Mount.CacheSize = TestCacheSize

	path := filepath.Join(t.TempDir(), "nested", "b2fs.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Mount.CacheSize != TestCacheSize || loaded.Mount.BucketName != "photos" {
		t.Errorf("round trip lost values: %+v", loaded.Mount)
	}
}
