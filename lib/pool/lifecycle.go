package pool

import (
	"fmt"
	"reflect"
)

// entry pairs an instance with its identity key.
type entry[T any] struct {
	key uintptr
	obj T
}

// instanceKey derives the identity of obj from its pointer address. Instances
// must be non-nil pointers; anything else cannot be tracked.
func instanceKey[T any](obj T) (uintptr, bool) {
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return 0, false
	}
	return rv.Pointer(), true
}

func callFactory[T any](factory Factory[T]) (obj T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	return factory()
}

func callHook[T any](hook func(T) error, obj T) (err error) {
	if hook == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return hook(obj)
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
