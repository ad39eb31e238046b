package config

import (
	"time"

	"github.com/coachpo/pooler/lib/pool"
)

// Environment identifies the runtime environment the benchmark runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// DefaultPoolName names the pool Default declares.
const DefaultPoolName = "particles"

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Pools: []PoolSpec{{
			Name:            DefaultPoolName,
			InitialCapacity: 64,
			MaxCapacity:     256,
			Policy:          pool.PolicyFail,
		}},
		Telemetry: TelemetryConfig{
			ServiceName: "poolbench",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Workload: WorkloadConfig{
			Kind:              WorkloadParticles,
			Pool:              DefaultPoolName,
			Workers:           8,
			Iterations:        10000,
			Burst:             1,
			Hold:              200 * time.Microsecond,
			ResetFailureEvery: 97,
			RetryMaxElapsed:   2 * time.Second,
			ScriptTimeout:     100 * time.Millisecond,
		},
	}
}
