// Package config loads and validates the runtime configuration. Settings
// come from a perch.yaml file, PERCH_* environment variables, and built-in
// defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	// VaultDir is the directory of tracked documents.
	VaultDir string `mapstructure:"vault_dir"`

	// Include and Exclude are doublestar glob patterns over vault-relative
	// paths. Empty Include tracks every file with a known extension.
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`

	// DebounceWindow is how long a path must stay quiet before its changes
	// settle.
	DebounceWindow time.Duration `mapstructure:"debounce_window"`

	// WriteTTL bounds how long a self-write may go unobserved before its
	// suppression entry expires.
	WriteTTL time.Duration `mapstructure:"write_ttl"`

	// StateKeywords are the recognized action keywords on headings.
	StateKeywords []string `mapstructure:"state_keywords"`

	// Labels restricts the allowed label set. Empty allows any label.
	Labels []string `mapstructure:"labels"`

	// CachePath locates the snapshot database. Relative paths resolve
	// against the vault directory.
	CachePath string `mapstructure:"cache_path"`

	// Listen is the HTTP API address.
	Listen string `mapstructure:"listen"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	// File enables rotating file output when non-empty. Stderr output is
	// always on.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vault_dir", ".")
	v.SetDefault("debounce_window", 300*time.Millisecond)
	v.SetDefault("write_ttl", 10*time.Second)
	v.SetDefault("state_keywords", []string{"TODO", "DONE", "CANCELLED"})
	v.SetDefault("exclude", []string{".perch/**"})
	v.SetDefault("cache_path", ".perch/cache.db")
	v.SetDefault("listen", "127.0.0.1:7134")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// Load reads the configuration. With an explicit file path, that file must
// exist; otherwise perch.yaml is searched for in the vault directory and
// the working directory, and its absence is fine.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PERCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("perch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.VaultDir == "" {
		return fmt.Errorf("vault_dir must not be empty")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("debounce_window must be positive, got %s", c.DebounceWindow)
	}
	if c.WriteTTL < c.DebounceWindow {
		return fmt.Errorf("write_ttl %s must not be shorter than debounce_window %s", c.WriteTTL, c.DebounceWindow)
	}
	if len(c.StateKeywords) == 0 {
		return fmt.Errorf("state_keywords must not be empty")
	}
	seen := make(map[string]bool)
	for _, kw := range c.StateKeywords {
		if kw == "" || kw != strings.ToUpper(kw) {
			return fmt.Errorf("state keyword %q must be non-empty and uppercase", kw)
		}
		if seen[kw] {
			return fmt.Errorf("duplicate state keyword %q", kw)
		}
		seen[kw] = true
	}
	for _, label := range c.Labels {
		if strings.ContainsAny(label, ": ,\t") {
			return fmt.Errorf("label %q contains a delimiter character", label)
		}
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	return nil
}

func (c *Config) normalize() {
	if !filepath.IsAbs(c.CachePath) {
		c.CachePath = filepath.Join(c.VaultDir, c.CachePath)
	}
}
