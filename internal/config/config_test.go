package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 300*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, 10*time.Second, cfg.WriteTTL)
	assert.Equal(t, []string{"TODO", "DONE", "CANCELLED"}, cfg.StateKeywords)
	assert.NotEmpty(t, cfg.Listen)
	assert.Equal(t, filepath.Join(".", ".perch", "cache.db"), cfg.CachePath,
		"relative cache path should resolve against the vault dir")
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "perch.yaml")
	content := `
vault_dir: /vault
debounce_window: 150ms
labels: [home, work]
exclude:
  - "archive/**"
listen: "127.0.0.1:9000"
log:
  file: /var/log/perch.log
  max_backups: 5
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "/vault", cfg.VaultDir)
	assert.Equal(t, 150*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, []string{"home", "work"}, cfg.Labels)
	assert.Equal(t, []string{"archive/**"}, cfg.Exclude)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/var/log/perch.log", cfg.Log.File)
	assert.Equal(t, 5, cfg.Log.MaxBackups)
	assert.Equal(t, filepath.Join("/vault", ".perch", "cache.db"), cfg.CachePath)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err, "an explicitly named config file must exist")
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PERCH_DEBOUNCE_WINDOW", "75ms")
	t.Setenv("PERCH_LISTEN", "0.0.0.0:8080")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 75*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, "0.0.0.0:8080", cfg.Listen)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			VaultDir:       "/vault",
			DebounceWindow: 300 * time.Millisecond,
			WriteTTL:       10 * time.Second,
			StateKeywords:  []string{"TODO", "DONE"},
			Listen:         "127.0.0.1:7134",
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty vault dir", func(c *Config) { c.VaultDir = "" }},
		{"zero debounce", func(c *Config) { c.DebounceWindow = 0 }},
		{"ttl below window", func(c *Config) { c.WriteTTL = 100 * time.Millisecond }},
		{"no keywords", func(c *Config) { c.StateKeywords = nil }},
		{"lowercase keyword", func(c *Config) { c.StateKeywords = []string{"todo"} }},
		{"duplicate keyword", func(c *Config) { c.StateKeywords = []string{"TODO", "TODO"} }},
		{"label with delimiter", func(c *Config) { c.Labels = []string{"a b"} }},
		{"empty listen", func(c *Config) { c.Listen = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
