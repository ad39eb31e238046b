// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/pooler/lib/pool"
)

// PoolSpec declares one pool the application builds at startup.
type PoolSpec struct {
	Name            string            `yaml:"name"`
	InitialCapacity int               `yaml:"initialCapacity"`
	MaxCapacity     int               `yaml:"maxCapacity"`
	Policy          pool.GrowthPolicy `yaml:"policy"`
	PrewarmWorkers  int               `yaml:"prewarmWorkers"`
	AcquireTimeout  time.Duration     `yaml:"acquireTimeout"`
}

// PoolConfig converts the declaration into engine configuration.
func (s PoolSpec) PoolConfig() pool.Config {
	return pool.Config{
		Name:            s.Name,
		InitialCapacity: s.InitialCapacity,
		MaxCapacity:     s.MaxCapacity,
		Policy:          s.Policy,
		PrewarmWorkers:  s.PrewarmWorkers,
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// WorkloadKind selects the synthetic workload driven against a pool.
type WorkloadKind string

const (
	// WorkloadParticles spawns and despawns short-lived particles.
	WorkloadParticles WorkloadKind = "particles"
	// WorkloadScript evaluates a JavaScript function on pooled runtimes.
	WorkloadScript WorkloadKind = "script"
)

// WorkloadConfig tunes the benchmark workload.
type WorkloadConfig struct {
	Kind              WorkloadKind  `yaml:"kind"`
	Pool              string        `yaml:"pool"`
	Workers           int           `yaml:"workers"`
	Iterations        int           `yaml:"iterations"`
	RatePerSecond     float64       `yaml:"ratePerSecond"`
	Burst             int           `yaml:"burst"`
	Hold              time.Duration `yaml:"hold"`
	ResetFailureEvery int           `yaml:"resetFailureEvery"`
	RetryMaxElapsed   time.Duration `yaml:"retryMaxElapsed"`
	Script            string        `yaml:"script"`
	ScriptFunction    string        `yaml:"scriptFunction"`
	ScriptTimeout     time.Duration `yaml:"scriptTimeout"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Pools       []PoolSpec      `yaml:"pools"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Workload    WorkloadConfig  `yaml:"workload"`
}

// Pool returns the declaration with the given name.
func (c AppConfig) Pool(name string) (PoolSpec, bool) {
	for _, spec := range c.Pools {
		if spec.Name == name {
			return spec, true
		}
	}
	return PoolSpec{}, false
}

// Load reads and validates an AppConfig from the provided YAML file. Values
// missing from the file keep their defaults and environment variables
// override both.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	cfg.Pools = nil
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Pools) == 0 {
		cfg.Pools = Default().Pools
	}

	return finish(cfg)
}

// LoadOrDefault loads configPath when it exists and otherwise falls back to
// Default with environment overrides. The boolean reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil {
			return cfg, true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return AppConfig{}, false, err
		}
	}
	cfg, err := finish(Default())
	return cfg, false, err
}

func finish(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if env := strings.TrimSpace(os.Getenv("POOLER_ENV")); env != "" {
		c.Environment = Environment(env)
	}
	if addr := strings.TrimSpace(os.Getenv("POOLER_METRICS_ADDR")); addr != "" {
		c.Metrics.Addr = addr
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		c.Telemetry.OTLPEndpoint = endpoint
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Metrics.Addr = strings.TrimSpace(c.Metrics.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	for i := range c.Pools {
		c.Pools[i].Name = strings.TrimSpace(c.Pools[i].Name)
		if c.Pools[i].Policy == "" {
			c.Pools[i].Policy = pool.PolicyGrowOnDemand
		}
	}

	w := &c.Workload
	w.Kind = WorkloadKind(strings.ToLower(strings.TrimSpace(string(w.Kind))))
	w.Pool = strings.TrimSpace(w.Pool)
	w.Script = strings.TrimSpace(w.Script)
	w.ScriptFunction = strings.TrimSpace(w.ScriptFunction)
	if w.Burst <= 0 {
		w.Burst = 1
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool required")
	}
	seen := make(map[string]struct{}, len(c.Pools))
	for i, spec := range c.Pools {
		if spec.Name == "" {
			return fmt.Errorf("pools[%d] name required", i)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("pools[%d] duplicate name %q", i, spec.Name)
		}
		seen[spec.Name] = struct{}{}
		if spec.InitialCapacity < 0 {
			return fmt.Errorf("pool %s initialCapacity must be >= 0", spec.Name)
		}
		if spec.MaxCapacity < 0 {
			return fmt.Errorf("pool %s maxCapacity must be >= 0", spec.Name)
		}
		if spec.MaxCapacity > 0 && spec.InitialCapacity > spec.MaxCapacity {
			return fmt.Errorf("pool %s initialCapacity must not exceed maxCapacity", spec.Name)
		}
		if !spec.Policy.Valid() {
			return fmt.Errorf("pool %s policy %q unknown", spec.Name, spec.Policy)
		}
		if spec.AcquireTimeout < 0 {
			return fmt.Errorf("pool %s acquireTimeout must be >= 0", spec.Name)
		}
	}

	if c.Telemetry.EnableMetrics && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	w := c.Workload
	switch w.Kind {
	case WorkloadParticles:
	case WorkloadScript:
		if w.Script == "" {
			return fmt.Errorf("workload script required for kind %s", w.Kind)
		}
		if w.ScriptFunction == "" {
			return fmt.Errorf("workload scriptFunction required for kind %s", w.Kind)
		}
	default:
		return fmt.Errorf("workload kind must be one of particles, script")
	}
	if _, ok := c.Pool(w.Pool); !ok {
		return fmt.Errorf("workload pool %q is not declared", w.Pool)
	}
	if w.Workers <= 0 {
		return fmt.Errorf("workload workers must be > 0")
	}
	if w.Iterations <= 0 {
		return fmt.Errorf("workload iterations must be > 0")
	}
	if w.RatePerSecond < 0 {
		return fmt.Errorf("workload ratePerSecond must be >= 0")
	}
	if w.ResetFailureEvery < 0 {
		return fmt.Errorf("workload resetFailureEvery must be >= 0")
	}
	if w.Hold < 0 || w.RetryMaxElapsed < 0 || w.ScriptTimeout < 0 {
		return fmt.Errorf("workload durations must be >= 0")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
