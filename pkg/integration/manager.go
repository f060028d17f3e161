package integration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bonial-oss/healthchecks-monitor/pkg/coordinator"
	"github.com/bonial-oss/healthchecks-monitor/pkg/entry"
	"github.com/bonial-oss/healthchecks-monitor/pkg/metrics"
	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/bonial-oss/healthchecks-monitor/pkg/provider"
	"github.com/bonial-oss/healthchecks-monitor/pkg/sensor"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("integration")

var entryStates = []models.EntryState{
	models.EntryStateNotLoaded,
	models.EntryStateLoaded,
	models.EntryStateSetupRetry,
	models.EntryStateSetupError,
	models.EntryStateReauthRequired,
}

// Watcher is implemented by stores that can notify about changes.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type runtimeEntry struct {
	entry          models.Entry
	state          models.EntryState
	sensor         *sensor.CheckSensor
	removeListener func()

	// duplicateOf is the ID of the entry that monitors the same check.
	duplicateOf string
}

// Manager sets up and tears down the runtime wiring of the entries in a
// store. Each loaded entry holds a subscription on the coordinator of its API
// key and a sensor that listens to the coordinator's refreshes.
type Manager struct {
	registry      *coordinator.Registry
	store         entry.Store
	retryInterval time.Duration

	// opMu serializes setup and teardown operations.
	opMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*runtimeEntry

	trigger chan struct{}
}

// NewManager creates a new *Manager. The coordinator registry is created
// with opts and reports scheduled auth failures back to the manager.
func NewManager(factory provider.Factory, store entry.Store, retryInterval time.Duration, opts ...coordinator.Option) *Manager {
	m := &Manager{
		store:         store,
		retryInterval: retryInterval,
		entries:       make(map[string]*runtimeEntry),
		trigger:       make(chan struct{}, 1),
	}

	opts = append(opts, coordinator.WithAuthFailedHandler(m.handleAuthFailed))

	m.registry = coordinator.NewRegistry(factory, opts...)

	return m
}

// Registry returns the coordinator registry of the manager.
func (m *Manager) Registry() *coordinator.Registry {
	return m.registry
}

// State returns the runtime state of the entry with id.
func (m *Manager) State(id string) models.EntryState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rt, ok := m.entries[id]; ok {
		return rt.state
	}

	return models.EntryStateNotLoaded
}

// States returns the runtime states of all known entries.
func (m *Manager) States() map[string]models.EntryState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]models.EntryState, len(m.entries))
	for id, rt := range m.entries {
		states[id] = rt.state
	}

	return states
}

// Sensor returns the sensor of the loaded entry with id.
func (m *Manager) Sensor(id string) (*sensor.CheckSensor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rt, ok := m.entries[id]
	if !ok || rt.sensor == nil {
		return nil, false
	}

	return rt.sensor, true
}

// SetupEntry sets up e. Failures are recorded in the entry state and
// returned.
func (m *Manager) SetupEntry(ctx context.Context, e *models.Entry) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	return m.setupEntry(ctx, e)
}

func (m *Manager) setupEntry(ctx context.Context, e *models.Entry) error {
	m.unloadEntry(ctx, e.ID)

	rt := &runtimeEntry{entry: *e}

	if e.APIKey == "" || e.CheckID == "" {
		m.setState(rt, models.EntryStateSetupError)
		return errors.Errorf("entry %s is missing the api key or check id", e.ID)
	}

	c, err := m.registry.Acquire(ctx, e.APIKey, e.CheckID)
	if err != nil {
		var state models.EntryState

		switch kind := models.KindOf(err); {
		case kind == models.KindAuthFailure:
			state = models.EntryStateReauthRequired
			log.Info("api key of entry was rejected, run `reauth` to provide a new one", "entry", e.ID, "title", e.Title)
		case kind.Transient():
			state = models.EntryStateSetupRetry
			log.Info("setup of entry failed, retrying later", "entry", e.ID, "kind", kind.String(), "error", err.Error())
		default:
			state = models.EntryStateSetupError
			log.Error(err, "setup of entry failed permanently", "entry", e.ID, "kind", kind.String())
		}

		m.setState(rt, state)

		return errors.Wrapf(err, "failed to set up entry %s", e.ID)
	}

	s := sensor.New(c, e.Title, e.CheckID)
	rt.sensor = s
	rt.removeListener = c.AddListener(s.HandleUpdate)
	s.HandleUpdate()

	m.setState(rt, models.EntryStateLoaded)

	log.Info("loaded entry", "entry", e.ID, "check", e.CheckID, "coordinator", c.Name())

	return nil
}

// UnloadEntry tears down the runtime wiring of the entry with id. Unloading
// an entry that is not loaded is a no-op.
func (m *Manager) UnloadEntry(ctx context.Context, id string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.unloadEntry(ctx, id)
	m.forget(id)
}

func (m *Manager) unloadEntry(ctx context.Context, id string) {
	m.mu.Lock()
	rt, ok := m.entries[id]
	m.mu.Unlock()

	if !ok || rt.state != models.EntryStateLoaded {
		return
	}

	rt.removeListener()
	rt.sensor.Remove()

	err := m.registry.Release(ctx, rt.entry.APIKey, rt.entry.CheckID)
	if err != nil {
		log.Error(err, "failed to release subscription", "entry", id)
	}

	m.setState(rt, models.EntryStateNotLoaded)

	log.V(1).Info("unloaded entry", "entry", id)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	for _, state := range entryStates {
		metrics.EntryState.DeleteLabelValues(id, string(state))
	}
}

// ReloadEntry tears down and sets up the entry with id using its current
// stored configuration. It implements flow.Reloader.
func (m *Manager) ReloadEntry(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	e, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	return m.setupEntry(ctx, e)
}

// Sync reconciles the loaded entries with the store. New entries and entries
// waiting for a retry are set up, changed entries are reloaded and removed
// entries are unloaded. Entries in state reauth_required or setup_error are
// left alone until their stored configuration changes.
//
// Only one entry may monitor a check. Further entries with the same check ID
// are put into state setup_error until the entry that holds the check is
// removed or changed.
func (m *Manager) Sync(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	entries, err := m.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list entries")
	}

	seen := make(map[string]bool, len(entries))
	owners := m.checkOwners(entries)

	for _, e := range entries {
		seen[e.ID] = true

		m.mu.RLock()
		rt, ok := m.entries[e.ID]
		m.mu.RUnlock()

		if owner, found := owners[e.CheckID]; found && owner != e.ID {
			if !ok || rt.entry != *e || rt.duplicateOf != owner {
				m.markDuplicate(ctx, e, owner)
			}

			continue
		}

		if ok && rt.entry == *e && rt.duplicateOf == "" {
			switch rt.state {
			case models.EntryStateLoaded, models.EntryStateReauthRequired, models.EntryStateSetupError:
				continue
			}
		}

		if ok && rt.entry != *e {
			log.Info("entry changed, reloading", "entry", e.ID)
		}

		// failures are recorded in the entry state
		_ = m.setupEntry(ctx, e)
	}

	for _, id := range m.knownIDs() {
		if seen[id] {
			continue
		}

		m.unloadEntry(ctx, id)
		m.forget(id)

		log.Info("removed entry", "entry", id)
	}

	return nil
}

// checkOwners returns the ID of the entry allowed to monitor each check ID
// in entries. An entry that already holds its check keeps it, otherwise the
// entry with the lowest ID wins.
func (m *Manager) checkOwners(entries []*models.Entry) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owners := make(map[string]string, len(entries))
	holding := make(map[string]bool, len(entries))

	for _, e := range entries {
		if e.CheckID == "" {
			continue
		}

		rt, ok := m.entries[e.ID]
		holds := ok && rt.duplicateOf == "" && rt.entry.CheckID == e.CheckID && rt.state != models.EntryStateNotLoaded

		owner, found := owners[e.CheckID]

		switch {
		case !found:
		case holds && !holding[e.CheckID]:
		case holds == holding[e.CheckID] && e.ID < owner:
		default:
			continue
		}

		owners[e.CheckID] = e.ID
		holding[e.CheckID] = holds
	}

	return owners
}

func (m *Manager) markDuplicate(ctx context.Context, e *models.Entry, owner string) {
	m.unloadEntry(ctx, e.ID)

	m.setState(&runtimeEntry{entry: *e, duplicateOf: owner}, models.EntryStateSetupError)

	log.Info("check is already monitored by another entry, remove one of them", "entry", e.ID, "check", e.CheckID, "owner", owner)
}

func (m *Manager) knownIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func (m *Manager) setState(rt *runtimeEntry, state models.EntryState) {
	m.mu.Lock()
	rt.state = state
	m.entries[rt.entry.ID] = rt
	m.mu.Unlock()

	for _, s := range entryStates {
		if s == state {
			metrics.EntryState.WithLabelValues(rt.entry.ID, string(s)).Set(1)
		} else {
			metrics.EntryState.DeleteLabelValues(rt.entry.ID, string(s))
		}
	}
}

// handleAuthFailed unloads all entries that use the rejected API key and
// marks them for re-authentication.
func (m *Manager) handleAuthFailed(c *coordinator.Coordinator, err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx := context.Background()

	for _, id := range m.knownIDs() {
		m.mu.RLock()
		rt := m.entries[id]
		m.mu.RUnlock()

		if rt.state != models.EntryStateLoaded || rt.entry.APIKey != c.APIKey() {
			continue
		}

		m.unloadEntry(ctx, id)
		m.setState(rt, models.EntryStateReauthRequired)

		log.Info("api key of entry was rejected, run `reauth` to provide a new one", "entry", id, "title", rt.entry.Title, "coordinator", c.Name(), "error", err.Error())
	}
}

// Trigger schedules a Sync in the loop started by Run.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run syncs the entries and keeps them in sync until ctx is done. Entries
// are synced whenever the store reports a change and every retry interval.
// All entries are unloaded before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	err := m.Sync(ctx)
	if err != nil {
		log.Error(err, "initial sync failed")
	}

	g, ctx := errgroup.WithContext(ctx)

	if w, ok := m.store.(Watcher); ok {
		g.Go(func() error {
			return w.Watch(ctx, m.Trigger)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(m.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			case <-m.trigger:
			}

			err := m.Sync(ctx)
			if err != nil {
				log.Error(err, "sync failed")
			}
		}
	})

	err = g.Wait()

	m.shutdown()

	return err
}

func (m *Manager) shutdown() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx := context.Background()

	for _, id := range m.knownIDs() {
		m.unloadEntry(ctx, id)
		m.forget(id)
	}

	err := m.registry.Shutdown(ctx)
	if err != nil {
		log.Error(err, "failed to shut down coordinator registry")
	}
}
