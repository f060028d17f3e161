package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bonial-oss/healthchecks-monitor/pkg/coordinator"
	"github.com/bonial-oss/healthchecks-monitor/pkg/entry"
	"github.com/bonial-oss/healthchecks-monitor/pkg/flow"
	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/bonial-oss/healthchecks-monitor/pkg/provider"
	"github.com/bonial-oss/healthchecks-monitor/pkg/provider/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// testProviders hands out one fake provider per API key.
type testProviders struct {
	mu        sync.Mutex
	providers map[string]*fake.Provider
	setup     func(apiKey string, p *fake.Provider)
}

func (tp *testProviders) factory(apiKey string) provider.Interface {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if p, ok := tp.providers[apiKey]; ok {
		return p
	}

	p := &fake.Provider{}
	tp.setup(apiKey, p)
	tp.providers[apiKey] = p

	return p
}

func TestManager_Sync(t *testing.T) {
	tests := []struct {
		name     string
		entries  []*models.Entry
		setup    func(apiKey string, p *fake.Provider)
		validate func(*testing.T, *Manager)
	}{
		{
			name: "entries sharing an api key share a coordinator",
			entries: []*models.Entry{
				{ID: "1", UniqueID: "a", Title: "A", APIKey: "key1", CheckID: "a"},
				{ID: "2", UniqueID: "b", Title: "B", APIKey: "key1", CheckID: "b"},
				{ID: "3", UniqueID: "c", Title: "C", APIKey: "key2", CheckID: "c"},
			},
			setup: func(_ string, p *fake.Provider) {
				p.On("ListChecks", mock.Anything).Return([]*models.Check{
					{ID: "a", Status: models.StatusUp},
					{ID: "b", Status: models.StatusDown},
					{ID: "c", Status: models.StatusPaused},
				}, nil)
			},
			validate: func(t *testing.T, m *Manager) {
				assert.Equal(t, map[string]models.EntryState{
					"1": models.EntryStateLoaded,
					"2": models.EntryStateLoaded,
					"3": models.EntryStateLoaded,
				}, m.States())
				assert.Equal(t, 2, m.Registry().Len())

				s, ok := m.Sensor("2")
				require.True(t, ok)

				state, err := s.State()
				require.NoError(t, err)
				assert.Equal(t, "Down", state.Value)
			},
		},
		{
			name: "rejected api key requires reauth",
			entries: []*models.Entry{
				{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"},
			},
			setup: func(_ string, p *fake.Provider) {
				p.On("ListChecks", mock.Anything).Return(nil, models.Errorf(models.KindAuthFailure, "401"))
			},
			validate: func(t *testing.T, m *Manager) {
				assert.Equal(t, models.EntryStateReauthRequired, m.State("1"))
				assert.Equal(t, 0, m.Registry().Len())

				_, ok := m.Sensor("1")
				assert.False(t, ok)
			},
		},
		{
			name: "transient failures are retried",
			entries: []*models.Entry{
				{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"},
			},
			setup: func(_ string, p *fake.Provider) {
				p.On("ListChecks", mock.Anything).Return(nil, models.Errorf(models.KindRateLimited, "429")).Once()
				p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "a"}}, nil)
			},
			validate: func(t *testing.T, m *Manager) {
				assert.Equal(t, models.EntryStateSetupRetry, m.State("1"))

				require.NoError(t, m.Sync(context.Background()))
				assert.Equal(t, models.EntryStateLoaded, m.State("1"))
			},
		},
		{
			name: "incomplete entries are setup errors",
			entries: []*models.Entry{
				{ID: "1", UniqueID: "a", CheckID: "a"},
			},
			setup: func(_ string, _ *fake.Provider) {},
			validate: func(t *testing.T, m *Manager) {
				assert.Equal(t, models.EntryStateSetupError, m.State("1"))
			},
		},
		{
			name: "missing check keeps the entry loaded",
			entries: []*models.Entry{
				{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"},
			},
			setup: func(_ string, p *fake.Provider) {
				p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "other"}}, nil)
			},
			validate: func(t *testing.T, m *Manager) {
				assert.Equal(t, models.EntryStateLoaded, m.State("1"))

				s, ok := m.Sensor("1")
				require.True(t, ok)
				assert.False(t, s.Available())
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m, store, _ := newTestManager(t, test.setup, time.Hour)

			for _, e := range test.entries {
				require.NoError(t, store.Add(context.Background(), e))
			}

			require.NoError(t, m.Sync(context.Background()))

			test.validate(t, m)
		})
	}
}

func TestManager_Sync_ChangedAndRemovedEntries(t *testing.T) {
	m, store, _ := newTestManager(t, func(_ string, p *fake.Provider) {
		p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "a"}, {ID: "b"}}, nil)
	}, time.Hour)

	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &models.Entry{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"}))
	require.NoError(t, store.Add(ctx, &models.Entry{ID: "2", UniqueID: "b", APIKey: "key1", CheckID: "b"}))
	require.NoError(t, m.Sync(ctx))

	old, ok := m.Registry().Get("key1")
	require.True(t, ok)

	// the api key of entry 1 changes
	e, err := store.Get(ctx, "1")
	require.NoError(t, err)
	e.APIKey = "key2"
	require.NoError(t, store.Update(ctx, e))

	require.NoError(t, m.Sync(ctx))

	assert.Equal(t, models.EntryStateLoaded, m.State("1"))
	assert.Equal(t, []string{"b"}, old.Subscriptions())

	c, ok := m.Registry().Get("key2")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, c.Subscriptions())

	// entry 2 is removed
	require.NoError(t, store.Remove(ctx, "2"))
	require.NoError(t, m.Sync(ctx))

	assert.Equal(t, models.EntryStateNotLoaded, m.State("2"))
	_, ok = m.Registry().Get("key1")
	assert.False(t, ok, "coordinator without subscriptions is removed")
	assert.False(t, old.Running())
}

func TestManager_ReloadEntry(t *testing.T) {
	m, store, _ := newTestManager(t, func(apiKey string, p *fake.Provider) {
		if apiKey == "old" {
			p.On("ListChecks", mock.Anything).Return(nil, models.Errorf(models.KindAuthFailure, "401"))
			return
		}

		p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "a"}}, nil)
	}, time.Hour)

	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &models.Entry{ID: "1", UniqueID: "a", APIKey: "old", CheckID: "a"}))
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, models.EntryStateReauthRequired, m.State("1"))

	// unchanged entries that require reauth are not retried
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, models.EntryStateReauthRequired, m.State("1"))

	require.NoError(t, store.Update(ctx, &models.Entry{ID: "1", UniqueID: "a", APIKey: "new", CheckID: "a"}))
	require.NoError(t, m.ReloadEntry(ctx, "1"))

	assert.Equal(t, models.EntryStateLoaded, m.State("1"))

	require.ErrorIs(t, m.ReloadEntry(ctx, "404"), models.ErrEntryNotFound)
}

func TestManager_Sync_ReauthWithSameKey(t *testing.T) {
	m, store, tp := newTestManager(t, func(_ string, p *fake.Provider) {
		p.On("ListChecks", mock.Anything).Return(nil, models.Errorf(models.KindAuthFailure, "401")).Once()
		p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "a"}}, nil)
		p.On("GetCheck", mock.Anything, "a").Return(&models.Check{ID: "a", Name: "A"}, nil)
	}, time.Hour)

	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &models.Entry{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"}))
	require.NoError(t, m.Sync(ctx))
	require.Equal(t, models.EntryStateReauthRequired, m.State("1"))

	// the key was fixed on the remote side and is confirmed without a
	// running manager to reload the entry
	f := flow.New(tp.factory, store, nil)

	result, err := f.StepReauth(ctx, "1", &flow.ReauthInput{APIKey: "key1"})
	require.NoError(t, err)
	require.Equal(t, flow.ResultAbort, result.Type)
	require.Equal(t, flow.ReasonReauthSuccessful, result.Reason)

	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, models.EntryStateLoaded, m.State("1"))
}

func TestManager_Sync_DuplicateCheck(t *testing.T) {
	m, store, _ := newTestManager(t, func(_ string, p *fake.Provider) {
		p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "a"}}, nil)
	}, time.Hour)

	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &models.Entry{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"}))
	require.NoError(t, m.Sync(ctx))
	require.Equal(t, models.EntryStateLoaded, m.State("1"))

	// a second entry for the same check was added to the entry file by hand
	require.NoError(t, store.Add(ctx, &models.Entry{ID: "0", UniqueID: "a2", APIKey: "key1", CheckID: "a"}))
	require.NoError(t, m.Sync(ctx))

	assert.Equal(t, models.EntryStateLoaded, m.State("1"), "the entry holding the check keeps it")
	assert.Equal(t, models.EntryStateSetupError, m.State("0"))

	_, ok := m.Sensor("0")
	assert.False(t, ok)

	// unchanged duplicates are left alone
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, models.EntryStateSetupError, m.State("0"))

	c, ok := m.Registry().Get("key1")
	require.True(t, ok)

	// once the holder is removed the duplicate takes over
	require.NoError(t, store.Remove(ctx, "1"))
	require.NoError(t, m.Sync(ctx))

	assert.Equal(t, models.EntryStateNotLoaded, m.State("1"))
	assert.Equal(t, models.EntryStateLoaded, m.State("0"))

	c2, ok := m.Registry().Get("key1")
	require.True(t, ok)
	assert.Same(t, c, c2)
	assert.True(t, c2.Running())
	assert.Equal(t, []string{"a"}, c2.Subscriptions())

	s, ok := m.Sensor("0")
	require.True(t, ok)
	assert.True(t, s.Available())
}

func TestManager_Sync_DuplicateCheckOnFirstSync(t *testing.T) {
	m, store, _ := newTestManager(t, func(_ string, p *fake.Provider) {
		p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "a"}}, nil)
	}, time.Hour)

	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &models.Entry{ID: "2", UniqueID: "a2", APIKey: "key1", CheckID: "a"}))
	require.NoError(t, store.Add(ctx, &models.Entry{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"}))
	require.NoError(t, m.Sync(ctx))

	assert.Equal(t, map[string]models.EntryState{
		"1": models.EntryStateLoaded,
		"2": models.EntryStateSetupError,
	}, m.States())

	// removing the duplicate keeps the coordinator of the holder alive
	require.NoError(t, store.Remove(ctx, "2"))
	require.NoError(t, m.Sync(ctx))

	c, ok := m.Registry().Get("key1")
	require.True(t, ok)
	assert.True(t, c.Running())
	assert.Equal(t, models.EntryStateLoaded, m.State("1"))
}

func TestManager_ScheduledAuthFailure(t *testing.T) {
	m, store, _ := newTestManager(t, func(_ string, p *fake.Provider) {
		p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "a"}, {ID: "b"}}, nil).Once()
		p.On("ListChecks", mock.Anything).Return(nil, models.Errorf(models.KindAuthFailure, "revoked"))
	}, 10*time.Millisecond)

	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &models.Entry{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"}))
	require.NoError(t, store.Add(ctx, &models.Entry{ID: "2", UniqueID: "b", APIKey: "key1", CheckID: "b"}))
	require.NoError(t, m.Sync(ctx))

	require.Eventually(t, func() bool {
		return m.State("1") == models.EntryStateReauthRequired && m.State("2") == models.EntryStateReauthRequired
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.Registry().Len())
}

func TestManager_UnloadEntry(t *testing.T) {
	m, store, _ := newTestManager(t, func(_ string, p *fake.Provider) {
		p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "a"}}, nil)
	}, time.Hour)

	ctx := context.Background()

	e := &models.Entry{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"}
	require.NoError(t, store.Add(ctx, e))
	require.NoError(t, m.SetupEntry(ctx, e))
	assert.Equal(t, 1, m.Registry().Len())

	m.UnloadEntry(ctx, "1")
	assert.Equal(t, models.EntryStateNotLoaded, m.State("1"))
	assert.Equal(t, 0, m.Registry().Len())

	// unknown entries are ignored
	m.UnloadEntry(ctx, "404")
}

func TestManager_Run(t *testing.T) {
	m, store, _ := newTestManager(t, func(_ string, p *fake.Provider) {
		p.On("ListChecks", mock.Anything).Return([]*models.Check{{ID: "a"}, {ID: "b"}}, nil)
	}, time.Hour)

	require.NoError(t, store.Add(context.Background(), &models.Entry{ID: "1", UniqueID: "a", APIKey: "key1", CheckID: "a"}))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return m.State("1") == models.EntryStateLoaded
	}, 2*time.Second, 5*time.Millisecond)

	// store changes are picked up by the watcher
	require.NoError(t, store.Add(context.Background(), &models.Entry{ID: "2", UniqueID: "b", APIKey: "key1", CheckID: "b"}))

	require.Eventually(t, func() bool {
		return m.State("2") == models.EntryStateLoaded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, 0, m.Registry().Len())
	assert.Empty(t, m.States())
}

func newTestManager(t *testing.T, setup func(apiKey string, p *fake.Provider), interval time.Duration) (*Manager, *entry.FileStore, *testProviders) {
	tp := &testProviders{
		providers: map[string]*fake.Provider{},
		setup:     setup,
	}

	store := entry.NewFileStore(filepath.Join(t.TempDir(), "entries.yaml"))

	m := NewManager(tp.factory, store, time.Hour, coordinator.WithInterval(interval))
	t.Cleanup(m.shutdown)

	return m, store, tp
}
