package pool

import "github.com/eapache/queue"

// compactThreshold bounds how many cancelled waiters may linger in the queue
// before it is rebuilt.
const compactThreshold = 64

// grant is what a suspended Acquire receives: an instance already leased to
// it, a reserved manufacture slot, or a terminal error.
type grant[T any] struct {
	entry entry[T]
	held  bool
	slot  bool
	err   error
}

type waiter[T any] struct {
	ready    chan grant[T]
	canceled bool
}

// waitQueue is a FIFO of BLOCKed acquirers. All methods require the pool lock.
type waitQueue[T any] struct {
	q    *queue.Queue
	live int
	dead int
}

func newWaitQueue[T any]() *waitQueue[T] {
	return &waitQueue[T]{q: queue.New()}
}

func (wq *waitQueue[T]) push() *waiter[T] {
	w := &waiter[T]{ready: make(chan grant[T], 1)}
	wq.q.Add(w)
	wq.live++
	return w
}

// pop removes the oldest live waiter, discarding cancelled ones.
func (wq *waitQueue[T]) pop() *waiter[T] {
	for wq.q.Length() > 0 {
		w := wq.q.Remove().(*waiter[T])
		if w.canceled {
			wq.dead--
			continue
		}
		wq.live--
		return w
	}
	return nil
}

func (wq *waitQueue[T]) cancel(w *waiter[T]) {
	if w.canceled {
		return
	}
	w.canceled = true
	wq.live--
	wq.dead++
	if wq.dead > compactThreshold && wq.dead > wq.live {
		wq.compact()
	}
}

func (wq *waitQueue[T]) compact() {
	fresh := queue.New()
	for wq.q.Length() > 0 {
		w := wq.q.Remove().(*waiter[T])
		if !w.canceled {
			fresh.Add(w)
		}
	}
	wq.q = fresh
	wq.dead = 0
}

func (wq *waitQueue[T]) len() int {
	return wq.live
}
