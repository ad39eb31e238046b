package scripting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coachpo/pooler/errs"
	"github.com/coachpo/pooler/lib/pool"
)

// Options returns the pool hooks every runtime pool needs, followed by extra.
func Options(extra ...pool.Option[*Runtime]) []pool.Option[*Runtime] {
	return append([]pool.Option[*Runtime]{
		pool.WithReset(Reset),
		pool.WithRetire(Retire),
	}, extra...)
}

// Engine runs exported functions on pooled runtimes.
type Engine struct {
	pool    *pool.Pool[*Runtime]
	timeout time.Duration
}

// NewEngine wraps a runtime pool. A zero timeout leaves calls bounded only by
// the caller's context.
func NewEngine(p *pool.Pool[*Runtime], timeout time.Duration) (*Engine, error) {
	if p == nil {
		return nil, errors.New("scripting: pool required")
	}
	return &Engine{pool: p, timeout: timeout}, nil
}

// Pool exposes the underlying runtime pool.
func (e *Engine) Pool() *pool.Pool[*Runtime] {
	return e.pool
}

// Call acquires a runtime, invokes function with args and returns the
// exported result. A runtime interrupted by ctx or the engine timeout is
// retired on release instead of being reused.
func (e *Engine) Call(ctx context.Context, function string, args ...any) (any, error) {
	rt, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("scripting: acquire runtime: %w", err)
	}
	value, callErr := rt.Call(ctx, e.timeout, function, args...)
	if relErr := e.pool.Release(rt); relErr != nil && !errors.Is(relErr, errs.ErrResetFailure) {
		return value, errors.Join(callErr, relErr)
	}
	return value, callErr
}
