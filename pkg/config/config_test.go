package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.InDelta(t, 0.60, cfg.Integrity.ChecksumWeight, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.StalenessWindow)
	assert.Equal(t, 50*time.Millisecond, cfg.Consistency.StoreTimeout)
	assert.Equal(t, 200, cfg.Consistency.SampleCap)
	assert.Equal(t, 2, cfg.Recovery.FailureThreshold)
	assert.Equal(t, "@every 1h", cfg.Cadence.Sweep)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patternguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
staleness_window: 10m
stores:
  relational_path: /var/lib/patternguard/patterns.db
integrity:
  checksum_weight: 0.5
  shape_weight: 0.3
  freshness_weight: 0.2
consistency:
  deadline: 250ms
pool:
  workers: 4
cadence:
  sweep: "0 3 * * *"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.StalenessWindow)
	assert.Equal(t, "/var/lib/patternguard/patterns.db", cfg.Stores.RelationalPath)
	assert.InDelta(t, 0.5, cfg.Integrity.ChecksumWeight, 1e-9)
	assert.Equal(t, 250*time.Millisecond, cfg.Consistency.Deadline)
	assert.Equal(t, 4, cfg.Pool.Workers)
	assert.Equal(t, "0 3 * * *", cfg.Cadence.Sweep)

	// Untouched keys keep their defaults.
	assert.Equal(t, 256, cfg.Pool.QueueDepth)
	assert.Equal(t, ":memory:", cfg.Stores.GraphPath)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patternguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  workers: 4\n"), 0o644))

	t.Setenv("PATTERNGUARD_WORKERS", "8")
	t.Setenv("PATTERNGUARD_STALENESS_WINDOW", "90s")
	t.Setenv("PATTERNGUARD_EMBEDDER_URL", "http://localhost:11434")
	t.Setenv("PATTERNGUARD_AUTO_RECOVER", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pool.Workers)
	assert.Equal(t, 90*time.Second, cfg.StalenessWindow)
	assert.Equal(t, "http://localhost:11434", cfg.Embedder.URL)
	assert.False(t, cfg.Recovery.AutoRecover)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("staleness_window: soon\n"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	t.Setenv("PATTERNGUARD_WORKERS", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "PATTERNGUARD_WORKERS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"weights", func(c *Config) { c.Integrity.ChecksumWeight = 0.7 }, "sum to 1"},
		{"negative weight", func(c *Config) {
			c.Integrity.ChecksumWeight = 1.1
			c.Integrity.ShapeWeight = -0.1
			c.Integrity.FreshnessWeight = 0
		}, "negative"},
		{"timeout", func(c *Config) { c.Consistency.StoreTimeout = 0 }, "consistency.store_timeout"},
		{"staleness", func(c *Config) { c.StalenessWindow = -time.Second }, "staleness_window"},
		{"sample cap", func(c *Config) { c.Consistency.SampleCap = 0 }, "sample_cap"},
		{"workers", func(c *Config) { c.Pool.Workers = 0 }, "pool.workers"},
		{"queue depth", func(c *Config) { c.Pool.QueueDepth = 0 }, "queue_depth"},
		{"threshold", func(c *Config) { c.Health.HealthyThreshold = 101 }, "healthy_threshold"},
		{"cron", func(c *Config) { c.Cadence.Sampling = "whenever" }, "cadence.sampling"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("weights within tolerance", func(t *testing.T) {
		cfg := Default()
		cfg.Integrity.ChecksumWeight = 0.6005
		assert.NoError(t, cfg.Validate())
	})
}
