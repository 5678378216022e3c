// Package config loads patternguard settings from defaults, an optional YAML
// file and PATTERNGUARD_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PATTERNGUARD_"

// Config is the full engine configuration.
type Config struct {
	Stores      StoresConfig      `yaml:"stores"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Integrity   IntegrityConfig   `yaml:"integrity"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Health      HealthConfig      `yaml:"health"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Pool        PoolConfig        `yaml:"pool"`
	Cadence     CadenceConfig     `yaml:"cadence"`
	Metrics     MetricsConfig     `yaml:"metrics"`

	// StalenessWindow is how far a replica's last write may trail the system of record.
	StalenessWindow time.Duration `yaml:"staleness_window"`
}

// StoresConfig locates the four stores and the ledger. ":memory:" and empty
// vector paths keep data in process.
type StoresConfig struct {
	RelationalPath string        `yaml:"relational_path"`
	GraphPath      string        `yaml:"graph_path"`
	VectorPath     string        `yaml:"vector_path"`
	LedgerPath     string        `yaml:"ledger_path"`
	CacheMaxItems  int64         `yaml:"cache_max_items"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	TracePath      string        `yaml:"trace_path"`
}

// EmbedderConfig selects the embedding collaborator. An empty URL selects the
// offline hashing embedder.
type EmbedderConfig struct {
	URL        string        `yaml:"url"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	Dimensions int           `yaml:"dimensions"`
}

// IntegrityConfig tunes the pattern integrity validator.
type IntegrityConfig struct {
	ChecksumWeight      float64       `yaml:"checksum_weight"`
	ShapeWeight         float64       `yaml:"shape_weight"`
	FreshnessWeight     float64       `yaml:"freshness_weight"`
	ShallowStoreTimeout time.Duration `yaml:"shallow_store_timeout"`
	DeepStoreTimeout    time.Duration `yaml:"deep_store_timeout"`
	Deadline            time.Duration `yaml:"deadline"`
}

// ConsistencyConfig tunes the cross-database consistency checker.
type ConsistencyConfig struct {
	StoreTimeout     time.Duration `yaml:"store_timeout"`
	Deadline         time.Duration `yaml:"deadline"`
	ValidationWindow time.Duration `yaml:"validation_window"`
	SampleCap        int           `yaml:"sample_cap"`
	Seed             uint64        `yaml:"seed"`
}

// HealthConfig tunes the memory health monitor.
type HealthConfig struct {
	HealthyThreshold float64       `yaml:"healthy_threshold"`
	TrendWindow      time.Duration `yaml:"trend_window"`
	Deadline         time.Duration `yaml:"deadline"`
}

// RecoveryConfig tunes the recovery orchestrator.
type RecoveryConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`
	CheckpointTTL    time.Duration `yaml:"checkpoint_ttl"`
	AutoRecover      bool          `yaml:"auto_recover"`
}

// PoolConfig sizes the validation worker pool.
type PoolConfig struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// CadenceConfig schedules the background passes.
type CadenceConfig struct {
	Sweep         string `yaml:"sweep"`
	Sampling      string `yaml:"sampling"`
	SamplingBatch int    `yaml:"sampling_batch"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the documented defaults with every store in memory.
func Default() *Config {
	return &Config{
		Stores: StoresConfig{
			RelationalPath: ":memory:",
			GraphPath:      ":memory:",
			LedgerPath:     ":memory:",
			CacheMaxItems:  100000,
		},
		Embedder: EmbedderConfig{
			Model:      "nomic-embed-text",
			Timeout:    30 * time.Second,
			Dimensions: 256,
		},
		Integrity: IntegrityConfig{
			ChecksumWeight:      0.60,
			ShapeWeight:         0.25,
			FreshnessWeight:     0.15,
			ShallowStoreTimeout: 50 * time.Millisecond,
			DeepStoreTimeout:    200 * time.Millisecond,
			Deadline:            200 * time.Millisecond,
		},
		Consistency: ConsistencyConfig{
			StoreTimeout:     50 * time.Millisecond,
			Deadline:         100 * time.Millisecond,
			ValidationWindow: 15 * time.Minute,
			SampleCap:        200,
		},
		Health: HealthConfig{
			HealthyThreshold: 99,
			TrendWindow:      15 * time.Minute,
			Deadline:         200 * time.Millisecond,
		},
		Recovery: RecoveryConfig{
			FailureThreshold: 2,
			StoreTimeout:     200 * time.Millisecond,
			CheckpointTTL:    time.Hour,
			AutoRecover:      true,
		},
		Pool: PoolConfig{
			Workers:    16,
			QueueDepth: 256,
		},
		Cadence: CadenceConfig{
			Sweep:         "@every 1h",
			Sampling:      "@every 1m",
			SamplingBatch: 50,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9464",
		},
		StalenessWindow: 5 * time.Minute,
	}
}

// Load returns the defaults overlaid with the YAML file at path, when path is
// not empty, and then with environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}

	str("RELATIONAL_PATH", &c.Stores.RelationalPath)
	str("GRAPH_PATH", &c.Stores.GraphPath)
	str("VECTOR_PATH", &c.Stores.VectorPath)
	str("LEDGER_PATH", &c.Stores.LedgerPath)
	str("TRACE_PATH", &c.Stores.TracePath)
	dur("CACHE_TTL", &c.Stores.CacheTTL)

	str("EMBEDDER_URL", &c.Embedder.URL)
	str("EMBEDDER_MODEL", &c.Embedder.Model)
	dur("EMBEDDER_TIMEOUT", &c.Embedder.Timeout)

	float("CHECKSUM_WEIGHT", &c.Integrity.ChecksumWeight)
	float("SHAPE_WEIGHT", &c.Integrity.ShapeWeight)
	float("FRESHNESS_WEIGHT", &c.Integrity.FreshnessWeight)
	dur("STALENESS_WINDOW", &c.StalenessWindow)
	dur("VALIDATION_DEADLINE", &c.Integrity.Deadline)
	dur("CHECK_DEADLINE", &c.Consistency.Deadline)
	integer("SAMPLE_CAP", &c.Consistency.SampleCap)

	integer("WORKERS", &c.Pool.Workers)
	integer("QUEUE_DEPTH", &c.Pool.QueueDepth)
	integer("FAILURE_THRESHOLD", &c.Recovery.FailureThreshold)
	if v, ok := os.LookupEnv(EnvPrefix + "AUTO_RECOVER"); ok {
		c.Recovery.AutoRecover = strings.EqualFold(v, "true")
	}

	str("SWEEP", &c.Cadence.Sweep)
	str("SAMPLING", &c.Cadence.Sampling)
	str("METRICS_ADDR", &c.Metrics.ListenAddr)

	return errors.Join(errs...)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	sum := c.Integrity.ChecksumWeight + c.Integrity.ShapeWeight + c.Integrity.FreshnessWeight
	if math.Abs(sum-1) > 0.001 {
		errs = append(errs, fmt.Errorf("integrity weights must sum to 1, got %.3f", sum))
	}
	for _, w := range []float64{c.Integrity.ChecksumWeight, c.Integrity.ShapeWeight, c.Integrity.FreshnessWeight} {
		if w < 0 {
			errs = append(errs, fmt.Errorf("integrity weights must not be negative"))
			break
		}
	}

	positive := map[string]time.Duration{
		"staleness_window":                c.StalenessWindow,
		"integrity.shallow_store_timeout": c.Integrity.ShallowStoreTimeout,
		"integrity.deep_store_timeout":    c.Integrity.DeepStoreTimeout,
		"integrity.deadline":              c.Integrity.Deadline,
		"consistency.store_timeout":       c.Consistency.StoreTimeout,
		"consistency.deadline":            c.Consistency.Deadline,
		"consistency.validation_window":   c.Consistency.ValidationWindow,
		"health.trend_window":             c.Health.TrendWindow,
		"health.deadline":                 c.Health.Deadline,
		"recovery.store_timeout":          c.Recovery.StoreTimeout,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.Consistency.SampleCap < 1 {
		errs = append(errs, fmt.Errorf("consistency.sample_cap must be at least 1"))
	}
	if c.Pool.Workers < 1 {
		errs = append(errs, fmt.Errorf("pool.workers must be at least 1"))
	}
	if c.Pool.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("pool.queue_depth must be at least 1"))
	}
	if c.Recovery.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("recovery.failure_threshold must be at least 1"))
	}
	if c.Health.HealthyThreshold < 0 || c.Health.HealthyThreshold > 100 {
		errs = append(errs, fmt.Errorf("health.healthy_threshold must be within [0,100]"))
	}
	if c.Cadence.SamplingBatch < 1 {
		errs = append(errs, fmt.Errorf("cadence.sampling_batch must be at least 1"))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	specs := map[string]string{"cadence.sweep": c.Cadence.Sweep, "cadence.sampling": c.Cadence.Sampling}
	for _, name := range sortedKeys(specs) {
		if _, err := parser.Parse(specs[name]); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid cron spec %q: %w", name, specs[name], err))
		}
	}

	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
