// Package errs provides structured error types and helpers for pool operations.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a pool error category.
type Code string

const (
	// CodeExhausted indicates no instance was free and capacity forbids manufacturing.
	CodeExhausted Code = "pool_exhausted"
	// CodeInvalidRelease indicates a double release or an instance foreign to the pool.
	CodeInvalidRelease Code = "invalid_release"
	// CodeResetFailure indicates the reset hook could not restore an instance.
	CodeResetFailure Code = "reset_failure"
	// CodeDestroyed indicates the pool was destroyed before the operation.
	CodeDestroyed Code = "pool_destroyed"
	// CodeInvalidConfig indicates invalid configuration supplied by the caller.
	CodeInvalidConfig Code = "invalid_config"
	// CodeManufacture indicates the template failed to produce an instance.
	CodeManufacture Code = "manufacture_failed"
)

// Sentinels usable with errors.Is. Any *E with the same Code matches.
var (
	ErrPoolExhausted  = &E{Code: CodeExhausted}
	ErrInvalidRelease = &E{Code: CodeInvalidRelease}
	ErrResetFailure   = &E{Code: CodeResetFailure}
	ErrPoolDestroyed  = &E{Code: CodeDestroyed}
	ErrInvalidConfig  = &E{Code: CodeInvalidConfig}
	ErrManufacture    = &E{Code: CodeManufacture}
)

// E captures structured error information produced by pools.
type E struct {
	Pool     string
	Op       string
	Code     Code
	Message  string
	Capacity int
	InUse    int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the pool and error code.
func New(pool string, code Code, opts ...Option) *E {
	e := &E{
		Pool: strings.TrimSpace(pool),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithOp records the pool operation that failed.
func WithOp(op string) Option {
	trimmed := strings.TrimSpace(op)
	return func(e *E) {
		e.Op = trimmed
	}
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCapacity records the pool capacity at the time of the failure.
func WithCapacity(capacity int) Option {
	return func(e *E) {
		e.Capacity = capacity
	}
}

// WithInUse records the number of instances on loan at the time of the failure.
func WithInUse(inUse int) Option {
	return func(e *E) {
		e.InUse = inUse
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 7)

	pool := e.Pool
	if pool == "" {
		pool = "unnamed"
	}
	parts = append(parts, "pool="+pool)
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Code == CodeExhausted {
		parts = append(parts, "capacity="+strconv.Itoa(e.Capacity), "in_use="+strconv.Itoa(e.InUse))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope carrying the same code.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the code from err, or "" when err is not an envelope.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
