package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "models", cfg.Models.Dir)
	assert.Equal(t, 0.7, cfg.Detection.Threshold)
	assert.Equal(t, 0.1, cfg.Detection.Contamination)
	assert.Equal(t, "or", cfg.Detection.Fusion)
	assert.Equal(t, 100, cfg.Detection.MinTrainingSamples)
	assert.Equal(t, 100, cfg.IsolationForest.Trees)
	assert.Equal(t, 256, cfg.IsolationForest.SampleSize)
	assert.Equal(t, 20, cfg.LOF.Neighbors)
	assert.Equal(t, 5*time.Minute, cfg.SessionTimeout())

	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
models:
  dir: /var/lib/netsentry/models
detection:
  threshold: 0.85
  fusion: and
lof:
  neighbors: 35
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/netsentry/models", cfg.Models.Dir)
	assert.Equal(t, 0.85, cfg.Detection.Threshold)
	assert.Equal(t, "and", cfg.Detection.Fusion)
	assert.Equal(t, 35, cfg.LOF.Neighbors)

	// Untouched keys keep their defaults.
	assert.Equal(t, 0.1, cfg.Detection.Contamination)
	assert.Equal(t, 100, cfg.IsolationForest.Trees)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "detection: [not, a, mapping")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold too high", func(c *Config) { c.Detection.Threshold = 1.0 }},
		{"threshold zero", func(c *Config) { c.Detection.Threshold = 0 }},
		{"contamination too high", func(c *Config) { c.Detection.Contamination = 0.5 }},
		{"unknown fusion", func(c *Config) { c.Detection.Fusion = "xor" }},
		{"zero neighbors", func(c *Config) { c.LOF.Neighbors = 0 }},
		{"zero trees", func(c *Config) { c.IsolationForest.Trees = 0 }},
		{"tiny sample size", func(c *Config) { c.IsolationForest.SampleSize = 1 }},
		{"zero session timeout", func(c *Config) { c.PCAP.SessionTimeoutSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadValidates(t *testing.T) {
	path := writeConfig(t, "detection:\n  fusion: majority\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fusion")
}
