package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/pooler/errs"
	"github.com/coachpo/pooler/lib/observability"
)

var (
	// ErrPoolNotRegistered indicates the requested pool has not been registered.
	ErrPoolNotRegistered = errors.New("pool manager: pool not registered")
	// ErrManagerClosed indicates the manager is shutting down and cannot register pools.
	ErrManagerClosed = errors.New("pool manager: shutdown in progress")
)

const defaultShutdownTimeout = 5 * time.Second

// Handle is the type-erased view of a Pool the Manager needs.
type Handle interface {
	Name() string
	Stats() Stats
	WaitIdle(ctx context.Context) error
	Destroy() error
}

// Manager is a caller-owned registry of named pools with coordinated
// shutdown. It replaces process-wide pool singletons: create one, pass it to
// whatever needs pools, and shut it down when the application stops.
type Manager struct {
	mu           sync.RWMutex
	pools        map[string]Handle
	logger       observability.Logger
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewManager constructs an empty manager. A nil logger falls back to the
// default observability logger.
func NewManager(logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.Log()
	}
	return &Manager{
		pools:      make(map[string]Handle),
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Register constructs a pool and registers it under cfg.Name.
func Register[T any](m *Manager, factory Factory[T], cfg Config, opts ...Option[T]) (*Pool[T], error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errs.New("", errs.CodeInvalidConfig, errs.WithOp("register"), errs.WithMessage("pool name required"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitLocked(name); err != nil {
		return nil, err
	}
	p, err := New(factory, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("pool manager: register %s: %w", name, err)
	}
	m.pools[name] = p
	return p, nil
}

// Add registers an already constructed pool.
func (m *Manager) Add(h Handle) error {
	if h == nil {
		return errs.New("", errs.CodeInvalidConfig, errs.WithOp("register"), errs.WithMessage("nil pool"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitLocked(h.Name()); err != nil {
		return err
	}
	m.pools[h.Name()] = h
	return nil
}

func (m *Manager) admitLocked(name string) error {
	select {
	case <-m.shutdownCh:
		return ErrManagerClosed
	default:
	}
	if _, exists := m.pools[name]; exists {
		return fmt.Errorf("pool manager: pool %s already registered", name)
	}
	return nil
}

// Lookup returns the named pool typed as *Pool[T].
func Lookup[T any](m *Manager, name string) (*Pool[T], error) {
	h, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	p, ok := h.(*Pool[T])
	if !ok {
		var want T
		return nil, fmt.Errorf("pool manager: pool %s holds %T, not %T", name, h, want)
	}
	return p, nil
}

func (m *Manager) lookup(name string) (Handle, error) {
	m.mu.RLock()
	h, ok := m.pools[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotRegistered, name)
	}
	return h, nil
}

// Names lists registered pools in lexical order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Stats snapshots every registered pool, ordered by name.
func (m *Manager) Stats() []Stats {
	handles := m.snapshot()
	out := make([]Stats, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Stats())
	}
	return out
}

func (m *Manager) snapshot() []Handle {
	m.mu.RLock()
	handles := make([]Handle, 0, len(m.pools))
	for _, h := range m.pools {
		handles = append(handles, h)
	}
	m.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name() < handles[j].Name() })
	return handles
}

// Shutdown refuses further registrations, waits for every pool to have no
// instance on loan (bounded by ctx, defaulting to 5 seconds), then destroys
// all pools. Pools with unreturned instances are reported in the error.
func (m *Manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}

	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})

	handles := m.snapshot()

	var (
		wg     conc.WaitGroup
		mu     sync.Mutex
		leaked []Stats
	)
	for _, h := range handles {
		wg.Go(func() {
			err := h.WaitIdle(ctx)
			if err == nil || errors.Is(err, errs.ErrPoolDestroyed) {
				return
			}
			mu.Lock()
			leaked = append(leaked, h.Stats())
			mu.Unlock()
		})
	}
	wg.Wait()

	var failures []error
	for _, st := range leaked {
		m.logger.Error("pool manager: shutdown timed out with instances on loan",
			observability.F("pool", st.Name),
			observability.F("in_use", st.InUse),
		)
		failures = append(failures, fmt.Errorf("pool %s: %d instances unreturned", st.Name, st.InUse))
	}
	for _, h := range handles {
		if err := h.Destroy(); err != nil {
			failures = append(failures, err)
		}
	}
	return observability.AggregateErrors(m.logger, "pool manager shutdown", failures)
}
