package workload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	concpool "github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/coachpo/pooler/errs"
	"github.com/coachpo/pooler/internal/scripting"
	"github.com/coachpo/pooler/lib/observability"
	"github.com/coachpo/pooler/lib/pool"
)

// Task performs one unit of work; seq numbers tasks from zero.
type Task func(ctx context.Context, seq int) error

// Config tunes a Runner.
type Config struct {
	Name          string
	Workers       int
	Iterations    int
	RatePerSecond float64
	Burst         int
}

// Report summarises a run.
type Report struct {
	Workload      string       `json:"workload"`
	Iterations    int          `json:"iterations"`
	Submitted     int64        `json:"submitted"`
	Completed     int64        `json:"completed"`
	Exhausted     int64        `json:"exhausted"`
	ResetFailures int64        `json:"reset_failures"`
	Failed        int64        `json:"failed"`
	Elapsed       string       `json:"elapsed"`
	Throughput    float64      `json:"throughput_per_sec"`
	Pools         []pool.Stats `json:"pools"`
}

// Encode writes r as indented JSON.
func (r Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// Runner submits Iterations tasks at a bounded rate to at most Workers
// concurrent goroutines.
type Runner struct {
	cfg     Config
	limiter *rate.Limiter
	stats   func() []pool.Stats
	logger  observability.Logger
}

// NewRunner validates cfg. stats is sampled once the run finishes and may be nil.
func NewRunner(cfg Config, stats func() []pool.Stats, logger observability.Logger) (*Runner, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workload: workers must be > 0")
	}
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("workload: iterations must be > 0")
	}
	if cfg.RatePerSecond < 0 || math.IsNaN(cfg.RatePerSecond) {
		return nil, fmt.Errorf("workload: rate must be >= 0")
	}
	if logger == nil {
		logger = observability.Log()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Runner{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		stats:   stats,
		logger:  logger,
	}, nil
}

// Run executes task until all iterations finish or ctx ends. Task errors are
// tallied in the report; only cancellation is returned as an error.
func (r *Runner) Run(ctx context.Context, task Task) (Report, error) {
	var submitted, completed, exhausted, resetFailures, failed atomic.Int64
	started := time.Now()

	workers := concpool.New().WithContext(ctx).WithMaxGoroutines(r.cfg.Workers)
	var runErr error
	for seq := 0; seq < r.cfg.Iterations; seq++ {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// the limiter refuses waits that would outlive the deadline
				err = context.DeadlineExceeded
			}
			runErr = fmt.Errorf("workload %s: %w", r.cfg.Name, err)
			break
		}
		submitted.Add(1)
		workers.Go(func(ctx context.Context) error {
			err := task(ctx, seq)
			switch {
			case err == nil:
				completed.Add(1)
			case errors.Is(err, errs.ErrResetFailure):
				completed.Add(1)
				resetFailures.Add(1)
			case errors.Is(err, errs.ErrPoolExhausted):
				exhausted.Add(1)
			case ctx.Err() != nil:
			default:
				failed.Add(1)
				r.logger.Debug("workload task failed",
					observability.F("workload", r.cfg.Name),
					observability.F("seq", seq),
					observability.F("error", err),
				)
			}
			return nil
		})
	}
	_ = workers.Wait()
	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("workload %s: %w", r.cfg.Name, ctx.Err())
	}

	elapsed := time.Since(started)
	report := Report{
		Workload:      r.cfg.Name,
		Iterations:    r.cfg.Iterations,
		Submitted:     submitted.Load(),
		Completed:     completed.Load(),
		Exhausted:     exhausted.Load(),
		ResetFailures: resetFailures.Load(),
		Failed:        failed.Load(),
		Elapsed:       elapsed.String(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		report.Throughput = float64(report.Completed) / secs
	}
	if r.stats != nil {
		report.Pools = r.stats()
	}
	r.logger.Info("workload finished",
		observability.F("workload", r.cfg.Name),
		observability.F("completed", report.Completed),
		observability.F("exhausted", report.Exhausted),
		observability.F("failed", report.Failed),
		observability.F("elapsed", report.Elapsed),
	)
	return report, runErr
}

// ParticleOptions tunes ParticleTask.
type ParticleOptions struct {
	// Retry governs AcquireRetry when the pool reports exhaustion.
	Retry pool.RetryPolicy
	// AcquireTimeout bounds each acquisition, including time spent blocked.
	AcquireTimeout time.Duration
	// Hold keeps each particle on loan this long after it expires.
	Hold time.Duration
	// ResetFailureEvery corrupts every n-th particle so its reset fails.
	ResetFailureEvery int
}

// ParticleTask acquires a particle, flies it until it expires, holds it and
// releases it.
func ParticleTask(p *pool.Pool[*Particle], opts ParticleOptions) Task {
	return func(ctx context.Context, seq int) error {
		pt, err := acquireParticle(ctx, p, opts)
		if err != nil {
			return err
		}
		pt.Spawn(seq)
		for pt.Step() {
		}
		if opts.Hold > 0 {
			timer := time.NewTimer(opts.Hold)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		if every := opts.ResetFailureEvery; every > 0 && (seq+1)%every == 0 {
			pt.Corrupt()
		}
		return p.Release(pt)
	}
}

// acquireParticle reports an expired AcquireTimeout as exhaustion so the
// runner tallies it alongside FAIL rejections.
func acquireParticle(ctx context.Context, p *pool.Pool[*Particle], opts ParticleOptions) (*Particle, error) {
	if opts.AcquireTimeout <= 0 {
		return pool.AcquireRetry(ctx, p, opts.Retry)
	}
	acquireCtx, cancel := context.WithTimeout(ctx, opts.AcquireTimeout)
	defer cancel()
	pt, err := pool.AcquireRetry(acquireCtx, p, opts.Retry)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, errs.New(p.Name(), errs.CodeExhausted,
			errs.WithOp("acquire"),
			errs.WithMessage(fmt.Sprintf("no instance within %s", opts.AcquireTimeout)),
			errs.WithCause(err),
		)
	}
	return pt, err
}

// ScriptTask calls function on the engine with the task sequence number.
func ScriptTask(e *scripting.Engine, function string) Task {
	return func(ctx context.Context, seq int) error {
		_, err := e.Call(ctx, function, seq)
		return err
	}
}
