package pool

import "time"

// RetireReason explains why an instance left circulation.
type RetireReason string

const (
	RetireResetFailed  RetireReason = "reset_failed"
	RetireShrink       RetireReason = "shrink"
	RetireOverCapacity RetireReason = "over_capacity"
	RetireDestroy      RetireReason = "destroy"
	RetirePrewarm      RetireReason = "prewarm_failed"
)

// Observer receives instrumentation events. Implementations must be safe for
// concurrent use and must not call back into the pool.
type Observer interface {
	Acquired(pool string, wait time.Duration)
	Released(pool string)
	Manufactured(pool string)
	Retired(pool string, reason RetireReason)
	Exhausted(pool string)
	InvalidRelease(pool string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) Acquired(string, time.Duration) {}
func (NopObserver) Released(string) {}
func (NopObserver) Manufactured(string) {}
func (NopObserver) Retired(string, RetireReason) {}
func (NopObserver) Exhausted(string) {}
func (NopObserver) InvalidRelease(string) {}

type multiObserver []Observer

// Observers fans events out to every non-nil observer.
func Observers(observers ...Observer) Observer {
	out := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return NopObserver{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiObserver) Acquired(pool string, wait time.Duration) {
	for _, o := range m {
		o.Acquired(pool, wait)
	}
}

func (m multiObserver) Released(pool string) {
	for _, o := range m {
		o.Released(pool)
	}
}

func (m multiObserver) Manufactured(pool string) {
	for _, o := range m {
		o.Manufactured(pool)
	}
}

func (m multiObserver) Retired(pool string, reason RetireReason) {
	for _, o := range m {
		o.Retired(pool, reason)
	}
}

func (m multiObserver) Exhausted(pool string) {
	for _, o := range m {
		o.Exhausted(pool)
	}
}

func (m multiObserver) InvalidRelease(pool string) {
	for _, o := range m {
		o.InvalidRelease(pool)
	}
}
