package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

type widget struct {
	id    int64
	dirty bool
}

type widgetShop struct {
	built   atomic.Int64
	resets  atomic.Int64
	retired atomic.Int64
}

func (s *widgetShop) factory() Factory[*widget] {
	return func() (*widget, error) {
		return &widget{id: s.built.Add(1)}, nil
	}
}

func (s *widgetShop) reset(w *widget) error {
	s.resets.Add(1)
	w.dirty = false
	return nil
}

func (s *widgetShop) retire(*widget) error {
	s.retired.Add(1)
	return nil
}

func (s *widgetShop) options() []Option[*widget] {
	return []Option[*widget]{
		WithReset(s.reset),
		WithRetire(s.retire),
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	acquired int
	released int
	built    int
	retired  map[RetireReason]int
	exhaust  int
	invalid  int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{retired: make(map[RetireReason]int)}
}

func (o *recordingObserver) Acquired(string, time.Duration) {
	o.mu.Lock()
	o.acquired++
	o.mu.Unlock()
}

func (o *recordingObserver) Released(string) {
	o.mu.Lock()
	o.released++
	o.mu.Unlock()
}

func (o *recordingObserver) Manufactured(string) {
	o.mu.Lock()
	o.built++
	o.mu.Unlock()
}

func (o *recordingObserver) Retired(_ string, reason RetireReason) {
	o.mu.Lock()
	o.retired[reason]++
	o.mu.Unlock()
}

func (o *recordingObserver) Exhausted(string) {
	o.mu.Lock()
	o.exhaust++
	o.mu.Unlock()
}

func (o *recordingObserver) InvalidRelease(string) {
	o.mu.Lock()
	o.invalid++
	o.mu.Unlock()
}

func (o *recordingObserver) retiredFor(reason RetireReason) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retired[reason]
}
