// Package scripting pools goja JavaScript runtimes manufactured from a compiled
// program.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

var (
	// ErrFunctionMissing is returned when a requested export does not exist.
	ErrFunctionMissing = errors.New("scripting: function missing")
	// ErrInterrupted marks a runtime whose execution was interrupted; it cannot be reused.
	ErrInterrupted = errors.New("scripting: runtime interrupted")
)

// Runtime is one isolated VM with the program's module already evaluated.
// A Runtime is not safe for concurrent use; the pool grants exclusive access.
type Runtime struct {
	ID uuid.UUID

	program     *goja.Program
	vm          *goja.Runtime
	exports     *goja.Object
	interrupted bool
	calls       int
}

// Compile parses source once so every manufactured runtime shares the program.
func Compile(name, source string) (*goja.Program, error) {
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("scripting: compile %s: %w", name, err)
	}
	return program, nil
}

// Factory returns a template manufacturing runtimes from program.
func Factory(program *goja.Program) func() (*Runtime, error) {
	return func() (*Runtime, error) {
		if program == nil {
			return nil, errors.New("scripting: program required")
		}
		r := &Runtime{ID: uuid.New(), program: program}
		if err := r.evaluate(); err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Reset restores r to its freshly manufactured state: the module is
// evaluated again on a new VM, so neither globals nor module-scope variables
// carry over from the last caller. Interrupted runtimes fail reset.
func Reset(r *Runtime) error {
	if r.vm == nil {
		return errors.New("scripting: runtime retired")
	}
	if r.interrupted {
		return ErrInterrupted
	}
	return r.evaluate()
}

func (r *Runtime) evaluate() error {
	vm := goja.New()
	exports, err := runModule(vm, r.program)
	if err != nil {
		return err
	}
	r.vm = vm
	r.exports = exports
	return nil
}

// Retire drops the VM so it can be collected.
func Retire(r *Runtime) error {
	if r.vm != nil {
		r.vm.Interrupt("retired")
	}
	r.vm = nil
	r.exports = nil
	r.program = nil
	return nil
}

// Calls reports how many functions this runtime has executed.
func (r *Runtime) Calls() int {
	return r.calls
}

// Call invokes the named export. The VM is interrupted when ctx ends or the
// timeout elapses; the runtime is then marked unusable.
func (r *Runtime) Call(ctx context.Context, timeout time.Duration, function string, args ...any) (any, error) {
	if r.vm == nil {
		return nil, errors.New("scripting: runtime retired")
	}
	name := strings.TrimSpace(function)
	value := r.exports.Get(name)
	if name == "" || value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("%w: %q", ErrFunctionMissing, name)
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("scripting: export %q not callable", name)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	params := make([]goja.Value, len(args))
	for idx, arg := range args {
		params[idx] = r.vm.ToValue(arg)
	}
	r.calls++
	res, err := callable(goja.Undefined(), params...)
	close(stop)
	<-watcherDone

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			r.interrupted = true
			return nil, fmt.Errorf("%w: %s: %v", ErrInterrupted, name, interrupted.Value())
		}
		return nil, fmt.Errorf("scripting: call %s: %w", name, err)
	}
	return res.Export(), nil
}

func runModule(vm *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := vm.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := vm.Set("console", buildConsole(vm)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	object := module.Get("exports").ToObject(vm)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(vm *goja.Runtime) *goja.Object {
	console := vm.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}
