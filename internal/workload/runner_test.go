package workload

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pooler/errs"
	"github.com/coachpo/pooler/internal/scripting"
	"github.com/coachpo/pooler/lib/observability"
	"github.com/coachpo/pooler/lib/pool"
)

func newParticlePool(t *testing.T, cfg pool.Config) *pool.Pool[*Particle] {
	t.Helper()
	p, err := pool.New(NewParticle, cfg, pool.WithReset(ResetParticle))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func TestParticleLifecycle(t *testing.T) {
	pt, err := NewParticle()
	require.NoError(t, err)

	pt.Spawn(90)
	require.True(t, pt.Alive)
	require.InDelta(t, 0, pt.VX, 1e-9)
	steps := 0
	for pt.Step() {
		steps++
	}
	require.Equal(t, particleTTL-1, steps)
	require.Greater(t, pt.Y, 0.0)

	require.NoError(t, ResetParticle(pt))
	require.Zero(t, pt.X)
	require.Zero(t, pt.Y)
	require.False(t, pt.Alive)
	require.EqualValues(t, 1, pt.Generation)

	pt.Corrupt()
	require.ErrorIs(t, ResetParticle(pt), ErrCorrupted)
}

func TestParticleWorkloadRetiresCorruptedParticles(t *testing.T) {
	p := newParticlePool(t, pool.Config{Name: "particles", InitialCapacity: 4, MaxCapacity: 4, Policy: pool.PolicyFail})
	runner, err := NewRunner(Config{Name: "particles", Workers: 8, Iterations: 200}, func() []pool.Stats {
		return []pool.Stats{p.Stats()}
	}, observability.Nop())
	require.NoError(t, err)

	task := ParticleTask(p, ParticleOptions{
		Retry: pool.RetryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsed:      5 * time.Second,
		},
		ResetFailureEvery: 10,
	})
	report, err := runner.Run(context.Background(), task)
	require.NoError(t, err)

	require.EqualValues(t, 200, report.Submitted)
	require.EqualValues(t, 200, report.Completed)
	require.EqualValues(t, 20, report.ResetFailures)
	require.Zero(t, report.Failed)
	require.Len(t, report.Pools, 1)

	st := report.Pools[0]
	require.EqualValues(t, 20, st.Retired)
	require.Equal(t, 0, st.InUse)
	require.LessOrEqual(t, st.Allocated, 4)
}

func TestParticleTaskAcquireTimeoutCountsAsExhaustion(t *testing.T) {
	p := newParticlePool(t, pool.Config{Name: "blocked", MaxCapacity: 1, Policy: pool.PolicyBlock})
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	task := ParticleTask(p, ParticleOptions{AcquireTimeout: 20 * time.Millisecond})
	err = task(context.Background(), 0)
	require.ErrorIs(t, err, errs.ErrPoolExhausted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, p.Stats().Waiting)

	require.NoError(t, p.Release(held))
	require.NoError(t, task(context.Background(), 1))
}

func TestRunnerClassifiesErrors(t *testing.T) {
	runner, err := NewRunner(Config{Name: "classify", Workers: 2, Iterations: 9}, nil, nil)
	require.NoError(t, err)

	report, err := runner.Run(context.Background(), func(_ context.Context, seq int) error {
		switch seq % 3 {
		case 0:
			return nil
		case 1:
			return errs.New("p", errs.CodeExhausted)
		default:
			return errors.New("boom")
		}
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, report.Completed)
	require.EqualValues(t, 3, report.Exhausted)
	require.EqualValues(t, 3, report.Failed)
	require.Nil(t, report.Pools)
}

func TestRunnerStopsOnCancellation(t *testing.T) {
	runner, err := NewRunner(Config{Name: "cancel", Workers: 1, Iterations: 1000, RatePerSecond: 100}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var ran atomic.Int64
	report, err := runner.Run(ctx, func(context.Context, int) error {
		ran.Add(1)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, report.Submitted, int64(1000))
	require.Equal(t, ran.Load(), report.Completed)
}

func TestNewRunnerValidates(t *testing.T) {
	_, err := NewRunner(Config{Workers: 0, Iterations: 1}, nil, nil)
	require.Error(t, err)
	_, err = NewRunner(Config{Workers: 1, Iterations: 0}, nil, nil)
	require.Error(t, err)
	_, err = NewRunner(Config{Workers: 1, Iterations: 1, RatePerSecond: -1}, nil, nil)
	require.Error(t, err)
}

func TestScriptTask(t *testing.T) {
	program, err := scripting.Compile("double.js", `exports.double = function (n) { return n * 2; };`)
	require.NoError(t, err)
	p, err := pool.New(scripting.Factory(program), pool.Config{Name: "scripts", MaxCapacity: 2, Policy: pool.PolicyBlock}, scripting.Options()...)
	require.NoError(t, err)
	defer p.Destroy()
	engine, err := scripting.NewEngine(p, time.Second)
	require.NoError(t, err)

	runner, err := NewRunner(Config{Name: "script", Workers: 4, Iterations: 40}, nil, nil)
	require.NoError(t, err)
	report, err := runner.Run(context.Background(), ScriptTask(engine, "double"))
	require.NoError(t, err)
	require.EqualValues(t, 40, report.Completed)
	require.LessOrEqual(t, p.Stats().Manufactured, uint64(2))
}

func TestReportEncodesJSON(t *testing.T) {
	report := Report{
		Workload:   "particles",
		Iterations: 3,
		Completed:  3,
		Elapsed:    "1ms",
		Pools:      []pool.Stats{{Name: "particles", Policy: pool.PolicyBlock, Free: 2}},
	}
	var buf bytes.Buffer
	require.NoError(t, report.Encode(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "particles", decoded["workload"])
	pools := decoded["pools"].([]any)
	require.Equal(t, "block", pools[0].(map[string]any)["policy"])
	require.EqualValues(t, 2, pools[0].(map[string]any)["free"])
}
