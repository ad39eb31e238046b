package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/pooler/errs"
	"github.com/coachpo/pooler/lib/observability"
)

// Pool manages a bounded set of reusable instances manufactured from a
// template. All structural mutations serialize on a single mutex; factory and
// hook calls run outside it.
type Pool[T any] struct {
	name     string
	policy   GrowthPolicy
	reset    func(T) error
	retireFn func(T) error
	observer Observer
	logger   observability.Logger
	debug    *debugState

	mu           sync.Mutex
	factory      Factory[T]
	free         []entry[T]
	leases       map[uintptr]T
	tracked      map[uintptr]struct{} // free, on loan or resetting
	stranded     int                  // loans outstanding when the pool was destroyed
	waiters      *waitQueue[T]
	maxCapacity  int
	allocated    int
	resetting    int
	manufactured uint64
	retired      uint64
	destroyed    bool
	idle         chan struct{}
}

// Stats is a point-in-time snapshot of pool accounting.
type Stats struct {
	Name         string       `json:"name"`
	Policy       GrowthPolicy `json:"policy"`
	Free         int          `json:"free"`
	InUse        int          `json:"in_use"`
	Resetting    int          `json:"resetting"`
	Allocated    int          `json:"allocated"`
	MaxCapacity  int          `json:"max_capacity"`
	Waiting      int          `json:"waiting"`
	Manufactured uint64       `json:"manufactured"`
	Retired      uint64       `json:"retired"`
	Destroyed    bool         `json:"destroyed"`
}

// New constructs a pool around factory and pre-warms cfg.InitialCapacity
// instances, each passed through the reset hook before it becomes free.
func New[T any](factory Factory[T], cfg Config, opts ...Option[T]) (*Pool[T], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errs.New(cfg.Name, errs.CodeInvalidConfig, errs.WithOp("new"), errs.WithMessage("factory required"))
	}

	p := &Pool[T]{
		name:        cfg.Name,
		policy:      cfg.Policy,
		observer:    NopObserver{},
		logger:      observability.Log(),
		debug:       newDebugState(cfg.Name),
		factory:     factory,
		leases:      make(map[uintptr]T),
		tracked:     make(map[uintptr]struct{}),
		waiters:     newWaitQueue[T](),
		maxCapacity: cfg.MaxCapacity,
		idle:        closedChan(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if err := p.prewarm(cfg.InitialCapacity, cfg.PrewarmWorkers); err != nil {
		return nil, err
	}

	p.logger.Info("pool created",
		observability.F("pool", p.name),
		observability.F("policy", string(p.policy)),
		observability.F("initial", cfg.InitialCapacity),
		observability.F("max", cfg.MaxCapacity),
	)
	return p, nil
}

// Name returns the configured pool name.
func (p *Pool[T]) Name() string {
	return p.name
}

// Acquire hands out an instance, reusing the most recently released free one,
// manufacturing a new one while capacity allows, or applying the growth policy
// at capacity. Under PolicyBlock it suspends until a release hands it an
// instance or ctx ends; cancellation leaves pool accounting untouched.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return zero, p.destroyedErr("acquire")
	}
	if e, ok := p.popFreeLocked(); ok {
		p.lendLocked(e)
		p.mu.Unlock()
		p.acquired(e.key, started)
		return e.obj, nil
	}
	if p.hasRoomLocked() {
		p.allocated++
		p.mu.Unlock()
		return p.manufactureLease(started)
	}
	if p.policy != PolicyBlock {
		err := p.exhaustedLocked()
		p.mu.Unlock()
		p.observer.Exhausted(p.name)
		return zero, err
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return zero, p.canceledErr(err)
	}
	w := p.waiters.push()
	p.mu.Unlock()

	select {
	case g := <-w.ready:
		return p.claim(g, started)
	case <-ctx.Done():
		return p.abandon(w, ctx.Err())
	}
}

// TryAcquire is Acquire without suspension: at capacity it reports ok=false
// regardless of policy.
func (p *Pool[T]) TryAcquire() (T, bool, error) {
	var zero T
	started := time.Now()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return zero, false, p.destroyedErr("try_acquire")
	}
	if e, ok := p.popFreeLocked(); ok {
		p.lendLocked(e)
		p.mu.Unlock()
		p.acquired(e.key, started)
		return e.obj, true, nil
	}
	if p.hasRoomLocked() {
		p.allocated++
		p.mu.Unlock()
		obj, err := p.manufactureLease(started)
		if err != nil {
			return zero, false, err
		}
		return obj, true, nil
	}
	p.mu.Unlock()
	p.observer.Exhausted(p.name)
	return zero, false, nil
}

// Release returns an instance acquired from this pool. The reset hook runs
// before the instance is reused; if it fails the instance is retired and an
// errs.ErrResetFailure error is returned. Releasing an instance that is not
// on loan from this pool fails with errs.ErrInvalidRelease.
func (p *Pool[T]) Release(obj T) error {
	key, ok := instanceKey(obj)

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return p.destroyedErr("release")
	}
	if !ok {
		p.mu.Unlock()
		p.observer.InvalidRelease(p.name)
		return errs.New(p.name, errs.CodeInvalidRelease, errs.WithOp("release"),
			errs.WithMessage(fmt.Sprintf("instance must be a non-nil pointer, got %T", any(obj))))
	}
	if _, leased := p.leases[key]; !leased {
		p.mu.Unlock()
		p.observer.InvalidRelease(p.name)
		return errs.New(p.name, errs.CodeInvalidRelease, errs.WithOp("release"),
			errs.WithMessage(fmt.Sprintf("%T is not on loan from this pool", any(obj))))
	}
	p.resetting++
	p.unlendLocked(key)
	p.mu.Unlock()

	p.debug.recordRelease(key)
	resetErr := callHook(p.reset, obj)

	p.mu.Lock()
	p.resetting--
	switch {
	case resetErr != nil:
		p.dropLocked(key)
		p.grantCapacityLocked()
		p.settleLocked()
		p.mu.Unlock()
		p.logger.Error("reset failed, retiring instance",
			observability.F("pool", p.name),
			observability.F("error", resetErr),
		)
		_ = p.retire(obj, RetireResetFailed)
		return errs.New(p.name, errs.CodeResetFailure, errs.WithOp("release"), errs.WithCause(resetErr))
	case p.destroyed:
		p.dropLocked(key)
		p.settleLocked()
		p.mu.Unlock()
		_ = p.retire(obj, RetireDestroy)
		return nil
	}
	retire := p.returnLocked(entry[T]{key: key, obj: obj})
	p.settleLocked()
	p.mu.Unlock()

	if retire {
		_ = p.retire(obj, RetireOverCapacity)
	}
	p.observer.Released(p.name)
	return nil
}

// Resize sets a new maximum capacity; Unbounded disables the bound and 0
// retires every free instance. Shrinking retires excess free instances
// immediately, least recently used first, and never touches instances on
// loan; those are retired as they are released while the pool remains over
// capacity. Growing only raises the ceiling.
func (p *Pool[T]) Resize(newMax int) error {
	if newMax < Unbounded {
		return errs.New(p.name, errs.CodeInvalidConfig, errs.WithOp("resize"),
			errs.WithMessage(fmt.Sprintf("max capacity must be >= 0 or Unbounded, got %d", newMax)))
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return p.destroyedErr("resize")
	}
	previous := p.maxCapacity
	p.maxCapacity = newMax

	var victims []entry[T]
	if newMax != Unbounded {
		excess := min(p.allocated-newMax, len(p.free))
		if excess > 0 {
			victims = make([]entry[T], excess)
			copy(victims, p.free[:excess])
			remaining := copy(p.free, p.free[excess:])
			clear(p.free[remaining:])
			p.free = p.free[:remaining]
			for _, v := range victims {
				p.dropLocked(v.key)
			}
		}
	}
	p.grantCapacityLocked()
	allocated := p.allocated
	p.mu.Unlock()

	for _, v := range victims {
		_ = p.retire(v.obj, RetireShrink)
	}
	p.logger.Info("pool resized",
		observability.F("pool", p.name),
		observability.F("previous", previous),
		observability.F("max", newMax),
		observability.F("retired", len(victims)),
		observability.F("allocated", allocated),
	)
	return nil
}

// Destroy retires every free instance, detaches the template and fails all
// suspended acquirers. Instances still on loan stay valid for their holders
// but can no longer be released; the pool drops its references to them and
// only keeps their count in Stats.InUse. Destroy is idempotent; it returns
// the joined errors of the retire hook, if any.
func (p *Pool[T]) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	victims := p.free
	p.free = nil
	p.allocated -= len(victims)
	p.retired += uint64(len(victims))
	p.factory = nil
	for w := p.waiters.pop(); w != nil; w = p.waiters.pop() {
		w.ready <- grant[T]{err: p.destroyedErr("acquire")}
	}
	outstanding := len(p.leases)
	p.stranded = outstanding
	clear(p.leases)
	clear(p.tracked)
	p.closeIdleLocked()
	p.mu.Unlock()

	var retireErrs []error
	for _, v := range victims {
		if err := p.retire(v.obj, RetireDestroy); err != nil {
			retireErrs = append(retireErrs, err)
		}
	}

	fields := []observability.Field{
		observability.F("pool", p.name),
		observability.F("retired", len(victims)),
	}
	if outstanding > 0 {
		fields = append(fields, observability.F("outstanding", outstanding))
		for _, stack := range p.debug.activeStacks() {
			p.logger.Info("outstanding instance acquired at", observability.F("pool", p.name), observability.F("stack", stack))
		}
	}
	p.logger.Info("pool destroyed", fields...)

	return observability.AggregateErrors(p.logger, "pool "+p.name+" destroy", retireErrs)
}

// Stats returns a snapshot of the pool's accounting.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:         p.name,
		Policy:       p.policy,
		Free:         len(p.free),
		InUse:        len(p.leases) + p.stranded,
		Resetting:    p.resetting,
		Allocated:    p.allocated,
		MaxCapacity:  p.maxCapacity,
		Waiting:      p.waiters.len(),
		Manufactured: p.manufactured,
		Retired:      p.retired,
		Destroyed:    p.destroyed,
	}
}

// WaitIdle blocks until no instance is on loan or being reset, or ctx ends. It fails with
// errs.ErrPoolDestroyed once the pool is destroyed.
func (p *Pool[T]) WaitIdle(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return p.destroyedErr("wait_idle")
		}
		if !p.busyLocked() {
			p.mu.Unlock()
			return nil
		}
		idle := p.idle
		p.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("pool %s: wait idle: %w", p.name, ctx.Err())
		}
	}
}

func (p *Pool[T]) manufacture() (T, uintptr, error) {
	var zero T
	p.mu.Lock()
	factory := p.factory
	p.mu.Unlock()
	if factory == nil {
		return zero, 0, p.destroyedErr("manufacture")
	}

	obj, err := callFactory(factory)
	if err != nil {
		return zero, 0, errs.New(p.name, errs.CodeManufacture, errs.WithOp("manufacture"), errs.WithCause(err))
	}
	key, ok := instanceKey(obj)
	if !ok {
		return zero, 0, errs.New(p.name, errs.CodeManufacture, errs.WithOp("manufacture"),
			errs.WithMessage(fmt.Sprintf("factory must return a non-nil pointer, got %T", any(obj))))
	}
	return obj, key, nil
}

// duplicateErr rejects a factory result the pool already holds; lending it
// would put one instance on loan twice.
func (p *Pool[T]) duplicateErr(obj T) error {
	return errs.New(p.name, errs.CodeManufacture, errs.WithOp("manufacture"),
		errs.WithMessage(fmt.Sprintf("factory returned a %T the pool already holds", any(obj))))
}

// manufactureLease fills a capacity slot the caller already reserved.
func (p *Pool[T]) manufactureLease(started time.Time) (T, error) {
	var zero T
	obj, key, err := p.manufacture()

	p.mu.Lock()
	if err != nil {
		p.allocated--
		p.grantCapacityLocked()
		p.mu.Unlock()
		return zero, err
	}
	if _, dup := p.tracked[key]; dup {
		p.allocated--
		p.grantCapacityLocked()
		p.mu.Unlock()
		p.logger.Error("factory returned a tracked instance", observability.F("pool", p.name))
		return zero, p.duplicateErr(obj)
	}
	p.manufactured++
	if p.destroyed {
		p.allocated--
		p.retired++
		p.mu.Unlock()
		p.observer.Manufactured(p.name)
		_ = p.retire(obj, RetireDestroy)
		return zero, p.destroyedErr("acquire")
	}
	p.tracked[key] = struct{}{}
	p.lendLocked(entry[T]{key: key, obj: obj})
	p.mu.Unlock()

	p.observer.Manufactured(p.name)
	p.acquired(key, started)
	return obj, nil
}

func (p *Pool[T]) claim(g grant[T], started time.Time) (T, error) {
	var zero T
	switch {
	case g.err != nil:
		return zero, g.err
	case g.slot:
		return p.manufactureLease(started)
	default:
		p.acquired(g.entry.key, started)
		return g.entry.obj, nil
	}
}

// abandon withdraws a suspended acquirer. A grant that raced with the
// cancellation is passed on as if this caller had never waited.
func (p *Pool[T]) abandon(w *waiter[T], cause error) (T, error) {
	var zero T
	var victim *entry[T]
	reason := RetireOverCapacity

	p.mu.Lock()
	select {
	case g := <-w.ready:
		switch {
		case g.held:
			p.unlendLocked(g.entry.key)
			if p.destroyed {
				p.dropLocked(g.entry.key)
				victim = &g.entry
				reason = RetireDestroy
			} else if p.returnLocked(g.entry) {
				victim = &g.entry
			}
		case g.slot:
			p.allocated--
			p.grantCapacityLocked()
		}
	default:
		p.waiters.cancel(w)
	}
	p.mu.Unlock()

	if victim != nil {
		_ = p.retire(victim.obj, reason)
	}
	return zero, p.canceledErr(cause)
}

// returnLocked puts a reset instance back into circulation: directly to the
// oldest waiter, else onto the free list. It reports true when the pool is
// over capacity and the caller must retire the instance instead.
func (p *Pool[T]) returnLocked(e entry[T]) bool {
	if p.maxCapacity != Unbounded && p.allocated > p.maxCapacity {
		p.dropLocked(e.key)
		return true
	}
	if w := p.waiters.pop(); w != nil {
		p.lendLocked(e)
		w.ready <- grant[T]{entry: e, held: true}
		return false
	}
	p.free = append(p.free, e)
	return false
}

// grantCapacityLocked hands free capacity to waiters as manufacture slots.
func (p *Pool[T]) grantCapacityLocked() {
	for !p.destroyed && p.hasRoomLocked() {
		w := p.waiters.pop()
		if w == nil {
			return
		}
		p.allocated++
		w.ready <- grant[T]{slot: true}
	}
}

// dropLocked takes a retiring instance out of the accounting.
func (p *Pool[T]) dropLocked(key uintptr) {
	p.allocated--
	p.retired++
	delete(p.tracked, key)
}

func (p *Pool[T]) popFreeLocked() (entry[T], bool) {
	n := len(p.free)
	if n == 0 {
		return entry[T]{}, false
	}
	e := p.free[n-1]
	p.free[n-1] = entry[T]{}
	p.free = p.free[:n-1]
	return e, true
}

func (p *Pool[T]) hasRoomLocked() bool {
	return p.maxCapacity == Unbounded || p.allocated < p.maxCapacity
}

func (p *Pool[T]) busyLocked() bool {
	return len(p.leases) > 0 || p.resetting > 0
}

func (p *Pool[T]) lendLocked(e entry[T]) {
	select {
	case <-p.idle:
		p.idle = make(chan struct{})
	default:
	}
	p.leases[e.key] = e.obj
}

func (p *Pool[T]) unlendLocked(key uintptr) {
	delete(p.leases, key)
	p.settleLocked()
}

// settleLocked wakes WaitIdle callers once nothing is on loan or resetting.
func (p *Pool[T]) settleLocked() {
	if !p.busyLocked() {
		p.closeIdleLocked()
	}
}

func (p *Pool[T]) closeIdleLocked() {
	select {
	case <-p.idle:
	default:
		close(p.idle)
	}
}

func (p *Pool[T]) acquired(key uintptr, started time.Time) {
	p.debug.recordAcquire(key)
	p.observer.Acquired(p.name, time.Since(started))
}

func (p *Pool[T]) retire(obj T, reason RetireReason) error {
	p.observer.Retired(p.name, reason)
	if err := callHook(p.retireFn, obj); err != nil {
		p.logger.Error("retire hook failed",
			observability.F("pool", p.name),
			observability.F("reason", string(reason)),
			observability.F("error", err),
		)
		return fmt.Errorf("pool %s: retire (%s): %w", p.name, reason, err)
	}
	return nil
}

func (p *Pool[T]) exhaustedLocked() error {
	return errs.New(p.name, errs.CodeExhausted,
		errs.WithOp("acquire"),
		errs.WithCapacity(p.maxCapacity),
		errs.WithInUse(len(p.leases)),
		errs.WithMessage("no free instance and capacity exhausted"),
	)
}

func (p *Pool[T]) destroyedErr(op string) error {
	return errs.New(p.name, errs.CodeDestroyed, errs.WithOp(op))
}

func (p *Pool[T]) canceledErr(cause error) error {
	return fmt.Errorf("pool %s: acquire: %w", p.name, cause)
}
