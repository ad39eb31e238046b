package pool

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/coachpo/pooler/errs"
	"github.com/coachpo/pooler/lib/observability"
)

// GrowthPolicy selects the behaviour of Acquire when the pool is at capacity.
type GrowthPolicy string

const (
	// PolicyGrowOnDemand manufactures while capacity allows and reports
	// exhaustion at a bounded maximum.
	PolicyGrowOnDemand GrowthPolicy = "grow_on_demand"
	// PolicyBlock suspends the caller until a release makes an instance available.
	PolicyBlock GrowthPolicy = "block"
	// PolicyFail reports exhaustion immediately.
	PolicyFail GrowthPolicy = "fail"
)

// Unbounded disables the capacity ceiling. Config treats a zero MaxCapacity
// as Unbounded; Resize takes it explicitly so that Resize(0) can empty the pool.
const Unbounded = -1

// ParseGrowthPolicy normalises s into a GrowthPolicy. The empty string maps to
// PolicyGrowOnDemand.
func ParseGrowthPolicy(s string) (GrowthPolicy, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch GrowthPolicy(normalized) {
	case "", PolicyGrowOnDemand, "grow":
		return PolicyGrowOnDemand, nil
	case PolicyBlock:
		return PolicyBlock, nil
	case PolicyFail:
		return PolicyFail, nil
	default:
		return "", fmt.Errorf("unknown growth policy %q", s)
	}
}

// UnmarshalText lets policies decode from YAML and flag values.
func (p *GrowthPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseGrowthPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText renders the canonical policy name.
func (p GrowthPolicy) MarshalText() ([]byte, error) {
	return []byte(p), nil
}

// Valid reports whether p is a known policy.
func (p GrowthPolicy) Valid() bool {
	switch p {
	case PolicyGrowOnDemand, PolicyBlock, PolicyFail:
		return true
	default:
		return false
	}
}

// Config describes pool sizing and exhaustion behaviour. Hooks are supplied
// as Options to New.
type Config struct {
	// Name labels the pool in errors, logs and metrics.
	Name string
	// InitialCapacity instances are manufactured eagerly by New.
	InitialCapacity int
	// MaxCapacity bounds allocated instances. Zero or Unbounded disables the bound.
	MaxCapacity int
	// Policy applies when no instance is free and capacity is exhausted.
	Policy GrowthPolicy
	// PrewarmWorkers bounds concurrent manufacture during pre-warm.
	PrewarmWorkers int
}

func (c Config) withDefaults() Config {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.Policy == "" {
		c.Policy = PolicyGrowOnDemand
	}
	if c.MaxCapacity == 0 {
		c.MaxCapacity = Unbounded
	}
	if c.PrewarmWorkers <= 0 {
		c.PrewarmWorkers = runtime.GOMAXPROCS(0)
	}
	return c
}

func (c Config) validate() error {
	var problems []error
	if c.InitialCapacity < 0 {
		problems = append(problems, errors.New("initial capacity must be >= 0"))
	}
	if c.MaxCapacity < Unbounded {
		problems = append(problems, errors.New("max capacity must be >= 0 or Unbounded"))
	}
	if c.MaxCapacity != Unbounded && c.InitialCapacity > c.MaxCapacity {
		problems = append(problems, fmt.Errorf("initial capacity %d exceeds max capacity %d", c.InitialCapacity, c.MaxCapacity))
	}
	if !c.Policy.Valid() {
		problems = append(problems, fmt.Errorf("unknown growth policy %q", c.Policy))
	}
	if len(problems) == 0 {
		return nil
	}
	return errs.New(c.Name, errs.CodeInvalidConfig, errs.WithOp("new"), errs.WithCause(errors.Join(problems...)))
}

// Factory manufactures a fresh instance. It is the pool's template and may be
// called concurrently. Instances must be non-nil pointers.
type Factory[T any] func() (T, error)

// FromPrototype returns a Factory that clones prototype for every instance.
// The prototype is never handed to callers.
func FromPrototype[T any](prototype T, clone func(T) T) Factory[T] {
	return func() (T, error) {
		if clone == nil {
			var zero T
			return zero, errors.New("prototype clone function required")
		}
		return clone(prototype), nil
	}
}

// Option configures optional pool hooks.
type Option[T any] func(*Pool[T])

// WithReset installs the hook that restores a released instance to a
// template-equivalent state. A failing hook retires the instance.
func WithReset[T any](reset func(T) error) Option[T] {
	return func(p *Pool[T]) {
		p.reset = reset
	}
}

// WithRetire installs the hook releasing an instance's underlying resource
// when it leaves circulation.
func WithRetire[T any](retire func(T) error) Option[T] {
	return func(p *Pool[T]) {
		p.retireFn = retire
	}
}

// WithObserver installs instrumentation hooks.
func WithObserver[T any](observer Observer) Option[T] {
	return func(p *Pool[T]) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// WithLogger overrides the logger used for lifecycle events.
func WithLogger[T any](logger observability.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}
