package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_threads: 32\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.WorkerThreads)
	assert.Equal(t, Default().MaxDriversPerTask, cfg.MaxDriversPerTask)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"zero initial splits", func(c *Config) { c.InitialSplitsPerNode = 0 }},
		{"max below initial", func(c *Config) { c.MaxDriversPerTask = c.InitialSplitsPerNode - 1 }},
		{"zero yield interval", func(c *Config) { c.TaskYieldInterval = 0 }},
		{"zero notification threads", func(c *Config) { c.NotificationExecutorThreads = 0 }},
		{"zero worker threads", func(c *Config) { c.WorkerThreads = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mod(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
