package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/coachpo/pooler/internal/config"
	"github.com/coachpo/pooler/internal/metrics"
	"github.com/coachpo/pooler/internal/workload"
	"github.com/coachpo/pooler/lib/observability"
	"github.com/coachpo/pooler/lib/pool"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, benchLoggerPrefix, 0)
}

func runBench(t *testing.T, opts options) workload.Report {
	t.Helper()
	t.Setenv("OTEL_ENABLED", "false")
	t.Cleanup(func() { observability.SetLogger(nil) })

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), quietLogger(), opts, &out))

	var report workload.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	return report
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "config/poolbench.yaml", resolveConfigPath(""))
	require.Equal(t, "/etc/bench.yaml", resolveConfigPath("/etc/bench.yaml"))
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, applyOverrides(&cfg, options{metricsAddr: "off"}))
	require.Empty(t, cfg.Metrics.Addr)

	require.NoError(t, applyOverrides(&cfg, options{metricsAddr: "127.0.0.1:9999", workload: " PARTICLES "}))
	require.Equal(t, "127.0.0.1:9999", cfg.Metrics.Addr)
	require.Equal(t, config.WorkloadParticles, cfg.Workload.Kind)

	err := applyOverrides(&cfg, options{workload: "script"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "script")
}

func TestRunParticleWorkload(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "bench.yaml", `
environment: staging
pools:
  - name: particles
    initialCapacity: 2
    maxCapacity: 2
    policy: fail
  - name: spare
    maxCapacity: 4
    policy: block
metrics:
  addr: 127.0.0.1:0
workload:
  kind: particles
  pool: particles
  workers: 4
  iterations: 50
  hold: 0s
  resetFailureEvery: 5
  retryMaxElapsed: 5s
`)

	report := runBench(t, options{configPath: cfgPath})
	require.Equal(t, "particles", report.Workload)
	require.EqualValues(t, 50, report.Submitted)
	require.EqualValues(t, 50, report.Completed)
	require.EqualValues(t, 10, report.ResetFailures)
	require.Len(t, report.Pools, 2)

	byName := make(map[string]pool.Stats, len(report.Pools))
	for _, st := range report.Pools {
		byName[st.Name] = st
	}
	particles := byName["particles"]
	require.Equal(t, pool.PolicyFail, particles.Policy)
	require.Equal(t, 0, particles.InUse)
	require.LessOrEqual(t, particles.Allocated, 2)
	require.EqualValues(t, 10, particles.Retired)
	require.Zero(t, byName["spare"].Manufactured)
}

func TestRunScriptWorkload(t *testing.T) {
	dir := t.TempDir()
	scriptPath := writeFile(t, dir, "square.js", `exports.square = function (n) { return n * n; };`)
	cfgPath := writeFile(t, dir, "bench.yaml", `
environment: dev
pools:
  - name: runtimes
    maxCapacity: 3
    policy: block
    acquireTimeout: 2s
metrics:
  addr: ""
workload:
  kind: script
  pool: runtimes
  workers: 6
  iterations: 30
  script: `+scriptPath+`
  scriptFunction: square
  scriptTimeout: 1s
`)

	report := runBench(t, options{configPath: cfgPath})
	require.Equal(t, "script", report.Workload)
	require.EqualValues(t, 30, report.Completed)
	require.Zero(t, report.Failed)
	require.Len(t, report.Pools, 1)
	require.LessOrEqual(t, report.Pools[0].Manufactured, uint64(3))
}

func TestRunRejectsMissingScript(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "bench.yaml", `
pools:
  - name: runtimes
metrics:
  addr: ""
workload:
  kind: script
  pool: runtimes
  script: `+filepath.Join(dir, "absent.js")+`
  scriptFunction: run
`)
	t.Setenv("OTEL_ENABLED", "false")
	t.Cleanup(func() { observability.SetLogger(nil) })

	var out bytes.Buffer
	err := run(context.Background(), quietLogger(), options{configPath: cfgPath}, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "read script")
	require.Zero(t, out.Len())
}

func TestMetricsServerExposesPoolSeries(t *testing.T) {
	registry := prometheus.NewRegistry()
	observer, err := newPoolObserver(otel.Meter("test"), "dev", registry)
	require.NoError(t, err)

	mgr := pool.NewManager(observability.Nop())
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	registry.MustRegister(metrics.NewStatsCollector(mgr.Stats))

	p, err := pool.Register[*workload.Particle](mgr, workload.NewParticle,
		pool.Config{Name: "particles", InitialCapacity: 1, MaxCapacity: 1},
		pool.WithObserver[*workload.Particle](observer))
	require.NoError(t, err)
	pt, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(pt))

	srv := httptest.NewServer(buildMetricsServer("127.0.0.1:0", registry).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `pooler_pool_acquired_total{pool="particles"} 1`)
	require.Contains(t, string(body), `pooler_pool_instances{pool="particles",state="free"} 1`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
