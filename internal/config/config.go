// Package config loads fv config from YAML. Env overrides take precedence.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds resolved paths and settings. Paths use XDG defaults when not in file.
type Config struct {
	DbPath string `yaml:"db_path"`

	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	PathStyle    bool   `yaml:"path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	WaitTimeoutS int    `yaml:"wait_timeout_s"`

	RetryMaxAttempts int     `yaml:"retry_max_attempts"`
	RetryBaseDelayMs int     `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int     `yaml:"retry_max_delay_ms"`
	RetryMultiplier  float64 `yaml:"retry_multiplier"`

	RetentionSnapshotMonths int `yaml:"retention_snapshot_months"`
	NoncurrentExpiryDays    int `yaml:"noncurrent_expiry_days"`

	// MasterKeyHex is the hex-encoded 32-byte manifest encryption key.
	// Empty means manifests are stored in plaintext.
	MasterKeyHex string `yaml:"master_key"`
}

type rawConfig struct {
	DbPath string `yaml:"db_path"`

	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	PathStyle    bool   `yaml:"path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	WaitTimeoutS int    `yaml:"wait_timeout_s"`

	RetryMaxAttempts int     `yaml:"retry_max_attempts"`
	RetryBaseDelayMs int     `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int     `yaml:"retry_max_delay_ms"`
	RetryMultiplier  float64 `yaml:"retry_multiplier"`

	RetentionSnapshotMonths int `yaml:"retention_snapshot_months"`
	NoncurrentExpiryDays    int `yaml:"noncurrent_expiry_days"`

	MasterKeyHex string `yaml:"master_key"`
}

// Load reads config from XDG_CONFIG_HOME/fv/config.yaml. Missing file uses defaults.
// Env overrides: FV_DB_PATH, FV_BUCKET, FV_REGION, FV_ENDPOINT, FV_PATH_STYLE,
// FV_ACCESS_KEY, FV_SECRET_KEY, FV_MASTER_KEY.
func Load() (*Config, error) {
	dataHome := xdgDataHome()
	configHome := xdgConfigHome()
	path := filepath.Join(configHome, "fv", "config.yaml")

	c := &Config{
		DbPath:                  filepath.Join(dataHome, "fv", "fv.db"),
		Bucket:                  "file-vault",
		Region:                  "us-east-1",
		WaitTimeoutS:            30,
		RetryMaxAttempts:        3,
		RetryBaseDelayMs:        100,
		RetryMaxDelayMs:         5000,
		RetryMultiplier:         2.0,
		RetentionSnapshotMonths: 12,
		NoncurrentExpiryDays:    90,
	}

	b, err := os.ReadFile(path)
	if err == nil {
		var raw rawConfig
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
		if raw.DbPath != "" {
			c.DbPath = resolvePath(raw.DbPath, dataHome)
		}
		if raw.Bucket != "" {
			c.Bucket = raw.Bucket
		}
		if raw.Region != "" {
			c.Region = raw.Region
		}
		if raw.Endpoint != "" {
			c.Endpoint = raw.Endpoint
		}
		c.PathStyle = raw.PathStyle
		if raw.AccessKey != "" {
			c.AccessKey = raw.AccessKey
		}
		if raw.SecretKey != "" {
			c.SecretKey = raw.SecretKey
		}
		if raw.WaitTimeoutS > 0 {
			c.WaitTimeoutS = raw.WaitTimeoutS
		}
		if raw.RetryMaxAttempts > 0 {
			c.RetryMaxAttempts = raw.RetryMaxAttempts
		}
		if raw.RetryBaseDelayMs > 0 {
			c.RetryBaseDelayMs = raw.RetryBaseDelayMs
		}
		if raw.RetryMaxDelayMs > 0 {
			c.RetryMaxDelayMs = raw.RetryMaxDelayMs
		}
		if raw.RetryMultiplier > 0 {
			c.RetryMultiplier = raw.RetryMultiplier
		}
		if raw.RetentionSnapshotMonths > 0 {
			c.RetentionSnapshotMonths = raw.RetentionSnapshotMonths
		}
		if raw.NoncurrentExpiryDays > 0 {
			c.NoncurrentExpiryDays = raw.NoncurrentExpiryDays
		}
		if raw.MasterKeyHex != "" {
			c.MasterKeyHex = raw.MasterKeyHex
		}
	}

	// Env overrides
	if v := os.Getenv("FV_DB_PATH"); v != "" {
		c.DbPath = v
	}
	if v := os.Getenv("FV_BUCKET"); v != "" {
		c.Bucket = v
	}
	if v := os.Getenv("FV_REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("FV_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("FV_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.PathStyle = b
		}
	}
	if v := os.Getenv("FV_ACCESS_KEY"); v != "" {
		c.AccessKey = v
	}
	if v := os.Getenv("FV_SECRET_KEY"); v != "" {
		c.SecretKey = v
	}
	if v := os.Getenv("FV_MASTER_KEY"); v != "" {
		c.MasterKeyHex = v
	}

	return c, nil
}

// MasterKey decodes the configured hex master key. Nil when unset.
func (c *Config) MasterKey() ([]byte, error) {
	if c.MasterKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master_key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// WaitTimeout returns the object-store consistency wait as a duration.
func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutS) * time.Second
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// resolvePath expands $XDG_DATA_HOME, $HOME in paths from config file.
func resolvePath(p, dataHome string) string {
	return filepath.Clean(os.Expand(p, func(key string) string {
		if key == "XDG_DATA_HOME" {
			return dataHome
		}
		if key == "XDG_CONFIG_HOME" {
			return xdgConfigHome()
		}
		if key == "HOME" {
			home, _ := os.UserHomeDir()
			return home
		}
		return ""
	}))
}
