package pool

import (
	"errors"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/pooler/errs"
)

// prewarm manufactures n instances with at most workers concurrent factory
// calls. Each instance passes the reset hook before it becomes free; on any
// failure every instance built so far is retired and the error returned. A
// factory that hands out the same instance twice fails prewarm with
// errs.ErrManufacture.
func (p *Pool[T]) prewarm(n, workers int) error {
	if n <= 0 {
		return nil
	}
	builders := concpool.NewWithResults[entry[T]]().WithErrors().WithMaxGoroutines(min(workers, n))
	for i := 0; i < n; i++ {
		builders.Go(func() (entry[T], error) {
			obj, key, err := p.manufacture()
			if err != nil {
				return entry[T]{}, err
			}
			p.observer.Manufactured(p.name)
			if err := callHook(p.reset, obj); err != nil {
				_ = p.retire(obj, RetirePrewarm)
				return entry[T]{}, errs.New(p.name, errs.CodeResetFailure, errs.WithOp("prewarm"), errs.WithCause(err))
			}
			return entry[T]{key: key, obj: obj}, nil
		})
	}
	built, err := builders.Wait()
	unique := make([]entry[T], 0, len(built))
	seen := make(map[uintptr]struct{}, len(built))
	for _, e := range built {
		if _, dup := seen[e.key]; dup {
			if err == nil {
				err = p.duplicateErr(e.obj)
			}
			continue
		}
		seen[e.key] = struct{}{}
		unique = append(unique, e)
	}
	if err != nil {
		var retireErrs []error
		for _, e := range unique {
			retireErrs = append(retireErrs, p.retire(e.obj, RetirePrewarm))
		}
		return errors.Join(append([]error{err}, retireErrs...)...)
	}

	p.mu.Lock()
	for _, e := range unique {
		p.tracked[e.key] = struct{}{}
	}
	p.free = append(p.free, unique...)
	p.allocated += len(unique)
	p.manufactured += uint64(len(unique))
	p.mu.Unlock()
	return nil
}
