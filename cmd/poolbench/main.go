// Command poolbench drives a synthetic workload against configured instance
// pools and prints a JSON report of what the pools did.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dop251/goja"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pooler/internal/config"
	"github.com/coachpo/pooler/internal/metrics"
	"github.com/coachpo/pooler/internal/scripting"
	"github.com/coachpo/pooler/internal/telemetry"
	"github.com/coachpo/pooler/internal/workload"
	"github.com/coachpo/pooler/lib/observability"
	"github.com/coachpo/pooler/lib/pool"
)

const (
	defaultConfigPath          = "config/poolbench.yaml"
	benchLoggerPrefix          = "poolbench "
	meterName                  = "github.com/coachpo/pooler"
	shutdownTimeout            = 15 * time.Second
	metricsServerShutdownTime  = 3 * time.Second
	lifecycleShutdownTimeout   = 5 * time.Second
	poolManagerShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout   = 5 * time.Second
	metricsReadHeaderTimeout   = 5 * time.Second
)

type options struct {
	configPath  string
	workload    string
	metricsAddr string
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBenchLogger()
	if err := run(ctx, logger, opts, os.Stdout); err != nil {
		logger.Printf("poolbench: %v", err)
		cancel()
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&opts.workload, "workload", "", "Override the workload kind (particles, script)")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Override the Prometheus listen address; \"off\" disables it")
	flag.Parse()
	return opts
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// The report owns stdout, so progress goes to stderr.
func newBenchLogger() *log.Logger {
	return log.New(os.Stderr, benchLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func run(ctx context.Context, logger *log.Logger, opts options, out io.Writer) error {
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	if err := applyOverrides(&appCfg, opts); err != nil {
		return err
	}
	logger.Printf("configuration initialised: env=%s, pools=%d, workload=%s",
		appCfg.Environment, len(appCfg.Pools), appCfg.Workload.Kind)

	poolLogger := observability.NewStdLogger(logger, appCfg.Environment == config.EnvDev)
	observability.SetLogger(poolLogger)

	var shutdown gracefulShutdownConfig
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		shutdownStart := time.Now()
		performGracefulShutdown(shutdownCtx, logger, shutdown)
		logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	}()

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	shutdown.telemetry = telemetryProvider

	env := telemetryProvider.Environment()
	meter := telemetryProvider.Meter(meterName)
	registry := prometheus.NewRegistry()
	observer, err := newPoolObserver(meter, env, registry)
	if err != nil {
		return err
	}

	poolMgr := pool.NewManager(poolLogger)
	shutdown.poolMgr = poolMgr
	registry.MustRegister(metrics.NewStatsCollector(poolMgr.Stats))
	statsRegistration, err := telemetry.ObserveStats(meter, env, poolMgr.Stats)
	if err != nil {
		return fmt.Errorf("observe pool stats: %w", err)
	}
	shutdown.statsRegistration = statsRegistration

	task, err := buildWorkload(appCfg, poolMgr, observer, poolLogger)
	if err != nil {
		return fmt.Errorf("initialise workload: %w", err)
	}
	logger.Printf("pools registered: %s", strings.Join(poolMgr.Names(), ", "))

	var lifecycle conc.WaitGroup
	shutdown.lifecycle = &lifecycle
	if appCfg.Metrics.Addr != "" {
		server := buildMetricsServer(appCfg.Metrics.Addr, registry)
		startMetricsServer(&lifecycle, logger, server)
		shutdown.server = server
		logger.Printf("metrics listening on %s", server.Addr)
	}

	w := appCfg.Workload
	runner, err := workload.NewRunner(workload.Config{
		Name:          string(w.Kind),
		Workers:       w.Workers,
		Iterations:    w.Iterations,
		RatePerSecond: w.RatePerSecond,
		Burst:         w.Burst,
	}, poolMgr.Stats, poolLogger)
	if err != nil {
		return err
	}

	logger.Printf("workload started: kind=%s, pool=%s, workers=%d, iterations=%d",
		w.Kind, w.Pool, w.Workers, w.Iterations)
	report, runErr := runner.Run(ctx, task)
	if runErr != nil {
		logger.Printf("workload stopped early: %v", runErr)
	}
	return report.Encode(out)
}

func applyOverrides(cfg *config.AppConfig, opts options) error {
	if kind := strings.ToLower(strings.TrimSpace(opts.workload)); kind != "" {
		cfg.Workload.Kind = config.WorkloadKind(kind)
	}
	switch addr := strings.TrimSpace(opts.metricsAddr); addr {
	case "":
	case "off":
		cfg.Metrics.Addr = ""
	default:
		cfg.Metrics.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("apply flags: %w", err)
	}
	return nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func newPoolObserver(meter metric.Meter, env string, reg prometheus.Registerer) (pool.Observer, error) {
	otelMetrics, err := telemetry.NewPoolMetrics(meter, env)
	if err != nil {
		return nil, fmt.Errorf("create pool instruments: %w", err)
	}
	return pool.Observers(otelMetrics, metrics.NewPoolMetrics(reg)), nil
}

// buildWorkload registers every declared pool and returns the task driving
// the workload's pool. The script workload's pool holds JavaScript runtimes;
// every other pool holds particles.
func buildWorkload(cfg config.AppConfig, mgr *pool.Manager, observer pool.Observer, logger observability.Logger) (workload.Task, error) {
	w := cfg.Workload
	var program *goja.Program
	if w.Kind == config.WorkloadScript {
		compiled, err := loadScript(w.Script)
		if err != nil {
			return nil, err
		}
		program = compiled
	}

	for _, spec := range cfg.Pools {
		if program != nil && spec.Name == w.Pool {
			_, err := pool.Register[*scripting.Runtime](mgr, scripting.Factory(program), spec.PoolConfig(),
				scripting.Options(
					pool.WithObserver[*scripting.Runtime](observer),
					pool.WithLogger[*scripting.Runtime](logger),
				)...)
			if err != nil {
				return nil, err
			}
			continue
		}
		_, err := pool.Register[*workload.Particle](mgr, workload.NewParticle, spec.PoolConfig(),
			pool.WithReset(workload.ResetParticle),
			pool.WithObserver[*workload.Particle](observer),
			pool.WithLogger[*workload.Particle](logger),
		)
		if err != nil {
			return nil, err
		}
	}

	switch w.Kind {
	case config.WorkloadScript:
		runtimes, err := pool.Lookup[*scripting.Runtime](mgr, w.Pool)
		if err != nil {
			return nil, err
		}
		engine, err := scripting.NewEngine(runtimes, w.ScriptTimeout)
		if err != nil {
			return nil, err
		}
		return workload.ScriptTask(engine, w.ScriptFunction), nil
	default:
		particles, err := pool.Lookup[*workload.Particle](mgr, w.Pool)
		if err != nil {
			return nil, err
		}
		spec, _ := cfg.Pool(w.Pool)
		retry := pool.DefaultRetryPolicy
		if w.RetryMaxElapsed > 0 {
			retry.MaxElapsed = w.RetryMaxElapsed
		}
		return workload.ParticleTask(particles, workload.ParticleOptions{
			Retry:             retry,
			AcquireTimeout:    spec.AcquireTimeout,
			Hold:              w.Hold,
			ResetFailureEvery: w.ResetFailureEvery,
		}), nil
	}
}

func loadScript(path string) (*goja.Program, error) {
	source, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return scripting.Compile(filepath.Base(path), string(source))
}

func buildMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
}

func startMetricsServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server            *http.Server
	lifecycle         *conc.WaitGroup
	statsRegistration metric.Registration
	poolMgr           *pool.Manager
	telemetry         *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping metrics server", metricsServerShutdownTime, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.statsRegistration != nil {
		shutdownStep("unregistering pool gauges", telemetryShutdownTimeout, func(context.Context) error {
			return cfg.statsRegistration.Unregister()
		})
	}

	if cfg.poolMgr != nil {
		shutdownStep("shutting down pool manager", poolManagerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.poolMgr.Shutdown(stepCtx)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
