package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/bonial-oss/healthchecks-monitor/pkg/config"
	"github.com/bonial-oss/healthchecks-monitor/pkg/metrics"
	"github.com/bonial-oss/healthchecks-monitor/pkg/provider"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Option configures a Registry.
type Option func(*Registry)

// WithInterval overrides the refresh interval of coordinators created by the
// registry.
func WithInterval(interval time.Duration) Option {
	return func(r *Registry) {
		r.interval = interval
	}
}

// WithAuthFailedHandler sets the handler that coordinators call when a
// scheduled refresh is rejected with an auth failure.
func WithAuthFailedHandler(handler AuthFailedHandler) Option {
	return func(r *Registry) {
		r.onAuthFailed = handler
	}
}

// Registry maps API keys to their coordinator. It guarantees that at most one
// coordinator exists per distinct API key.
type Registry struct {
	factory      provider.Factory
	interval     time.Duration
	onAuthFailed AuthFailedHandler

	// sem serializes lookup-or-create together with the first refresh. Unlike
	// a sync.Mutex it can be abandoned when the caller's context is done.
	sem *semaphore.Weighted

	mu           sync.RWMutex
	coordinators map[string]*Coordinator
}

// NewRegistry creates a new *Registry that uses factory to create the
// provider of each coordinator.
func NewRegistry(factory provider.Factory, opts ...Option) *Registry {
	r := &Registry{
		factory:      factory,
		interval:     config.RefreshInterval,
		sem:          semaphore.NewWeighted(1),
		coordinators: make(map[string]*Coordinator),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Registry) lock(ctx context.Context) error {
	return errors.Wrap(r.sem.Acquire(ctx, 1), "failed to acquire coordinator registry lock")
}

func (r *Registry) unlock() {
	r.sem.Release(1)
}

// GetOrCreate returns the coordinator bound to apiKey, creating it if it does
// not exist yet. Only fails if ctx is done before the registry lock is
// acquired.
func (r *Registry) GetOrCreate(ctx context.Context, apiKey string) (*Coordinator, error) {
	err := r.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.unlock()

	c, _ := r.getOrCreateLocked(apiKey)

	return c, nil
}

func (r *Registry) getOrCreateLocked(apiKey string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.coordinators[apiKey]; ok {
		return c, false
	}

	c := newCoordinator(apiKey, r.factory(apiKey), r.interval, r.onAuthFailed)
	r.coordinators[apiKey] = c

	metrics.CoordinatorsActive.Inc()
	log.Info("created coordinator", "coordinator", c.Name(), "interval", r.interval)

	return c, true
}

// Acquire subscribes checkID to the coordinator of apiKey and performs its
// first refresh. The remote refresh is skipped if the latest successful
// snapshot of an existing coordinator already contains checkID. The registry
// lock is held for the whole sequence, so concurrent setups never construct
// duplicate coordinators. If the first refresh fails the subscription is
// rolled back and the error is returned unchanged. Acquiring the same check
// twice holds two subscriptions, each released by one call to Release.
func (r *Registry) Acquire(ctx context.Context, apiKey, checkID string) (*Coordinator, error) {
	err := r.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.unlock()

	c, _ := r.getOrCreateLocked(apiKey)

	c.register(checkID)

	err = c.FirstRefresh(ctx, checkID)
	if err != nil {
		if c.unregister(checkID) == 0 {
			r.removeLocked(c)
		}

		return nil, err
	}

	return c, nil
}

// Release removes one subscription of checkID from the coordinator of apiKey.
// The coordinator is stopped and removed once its last subscription is
// released.
func (r *Registry) Release(ctx context.Context, apiKey, checkID string) error {
	err := r.lock(ctx)
	if err != nil {
		return err
	}
	defer r.unlock()

	c, ok := r.Get(apiKey)
	if !ok {
		return nil
	}

	if c.unregister(checkID) > 0 {
		return nil
	}

	r.removeLocked(c)

	return nil
}

func (r *Registry) removeLocked(c *Coordinator) {
	r.mu.Lock()
	if r.coordinators[c.APIKey()] != c {
		r.mu.Unlock()
		return
	}

	delete(r.coordinators, c.APIKey())
	r.mu.Unlock()

	c.Stop()

	metrics.CoordinatorsActive.Dec()
	metrics.Subscriptions.DeleteLabelValues(c.Name())
	log.Info("removed coordinator", "coordinator", c.Name())
}

// Get returns the coordinator bound to apiKey, if any.
func (r *Registry) Get(apiKey string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coordinators[apiKey]
	return c, ok
}

// Len returns the number of live coordinators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.coordinators)
}

// Shutdown stops and removes all coordinators.
func (r *Registry) Shutdown(ctx context.Context) error {
	err := r.lock(ctx)
	if err != nil {
		return err
	}
	defer r.unlock()

	r.mu.RLock()
	coordinators := make([]*Coordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		coordinators = append(coordinators, c)
	}
	r.mu.RUnlock()

	for _, c := range coordinators {
		r.removeLocked(c)
	}

	return nil
}
