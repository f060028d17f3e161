package entry

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "entries.yaml")

	s := NewFileStore(path)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "missing file is an empty store")

	e1 := &models.Entry{ID: "2", UniqueID: "abc", Title: "Backups", APIKey: "key1", CheckID: "abc"}
	e2 := &models.Entry{ID: "1", UniqueID: "def", Title: "Cron", APIKey: "key1", CheckID: "def"}

	require.NoError(t, s.Add(ctx, e1))
	require.NoError(t, s.Add(ctx, e2))

	err = s.Add(ctx, &models.Entry{ID: "3", UniqueID: "abc", CheckID: "abc"})
	require.ErrorIs(t, err, models.ErrEntryExists)

	entries, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*models.Entry{e2, e1}, entries)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	found, err := s.FindByUniqueID(ctx, "def")
	require.NoError(t, err)
	assert.Equal(t, e2, found)

	_, err = s.FindByUniqueID(ctx, "xyz")
	require.ErrorIs(t, err, models.ErrEntryNotFound)

	updated := *e1
	updated.APIKey = "key2"
	require.NoError(t, s.Update(ctx, &updated))

	got, err := s.Get(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, "key2", got.APIKey)

	err = s.Update(ctx, &models.Entry{ID: "404"})
	require.ErrorIs(t, err, models.ErrEntryNotFound)

	require.NoError(t, s.Remove(ctx, "1"))
	require.ErrorIs(t, s.Remove(ctx, "1"), models.ErrEntryNotFound)

	_, err = s.Get(ctx, "1")
	require.ErrorIs(t, err, models.ErrEntryNotFound)

	// a second store on the same file sees the persisted state
	entries, err = NewFileStore(path).List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*models.Entry{&updated}, entries)
}

func TestFileStore_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not: [a list"), 0o600))

	_, err := NewFileStore(path).List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse entries file")
}

func TestFileStore_Watch(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "entries.yaml"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes int32

	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func() { atomic.AddInt32(&changes, 1) })
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o600))
	require.NoError(t, s.Add(context.Background(), &models.Entry{ID: "1", UniqueID: "abc", CheckID: "abc"}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&changes) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
