package entry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"
)

var log = logf.Log.WithName("entry")

// debounceInterval collapses the burst of events caused by a single atomic
// write into one change notification.
const debounceInterval = 100 * time.Millisecond

// Store is the interface for a persistent store of entries.
type Store interface {
	// List returns all entries sorted by ID.
	List(ctx context.Context) ([]*models.Entry, error)

	// Get returns the entry with id. Returns models.ErrEntryNotFound if it
	// does not exist.
	Get(ctx context.Context, id string) (*models.Entry, error)

	// FindByUniqueID returns the entry with uniqueID. Returns
	// models.ErrEntryNotFound if it does not exist.
	FindByUniqueID(ctx context.Context, uniqueID string) (*models.Entry, error)

	// Add adds a new entry. Returns models.ErrEntryExists if an entry with
	// the same ID or UniqueID is already present.
	Add(ctx context.Context, entry *models.Entry) error

	// Update replaces the entry with the same ID. Returns
	// models.ErrEntryNotFound if it does not exist.
	Update(ctx context.Context, entry *models.Entry) error

	// Remove deletes the entry with id. Returns models.ErrEntryNotFound if
	// it does not exist.
	Remove(ctx context.Context, id string) error
}

// FileStore is a Store that persists entries as YAML list in a single file.
// A missing file is treated as empty store.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a new *FileStore for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the path of the entries file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) read() ([]*models.Entry, error) {
	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to read entries file %q", s.path)
	}

	var entries []*models.Entry

	err = yaml.Unmarshal(buf, &entries)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse entries file %q", s.path)
	}

	return entries, nil
}

func (s *FileStore) write(entries []*models.Entry) error {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})

	buf, err := yaml.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "failed to marshal entries")
	}

	err = os.MkdirAll(filepath.Dir(s.path), 0o755)
	if err != nil {
		return errors.Wrapf(err, "failed to create directory for entries file %q", s.path)
	}

	err = atomic.WriteFile(s.path, bytes.NewReader(buf))
	if err != nil {
		return errors.Wrapf(err, "failed to write entries file %q", s.path)
	}

	// Entries contain API keys.
	return errors.Wrapf(os.Chmod(s.path, 0o600), "failed to restrict permissions of entries file %q", s.path)
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})

	return entries, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, id string) (*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.ID == id {
			return entry, nil
		}
	}

	return nil, errors.Wrapf(models.ErrEntryNotFound, "id %q", id)
}

// FindByUniqueID implements Store.
func (s *FileStore) FindByUniqueID(_ context.Context, uniqueID string) (*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.UniqueID == uniqueID {
			return entry, nil
		}
	}

	return nil, errors.Wrapf(models.ErrEntryNotFound, "unique id %q", uniqueID)
}

// Add implements Store.
func (s *FileStore) Add(_ context.Context, entry *models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}

	for _, existing := range entries {
		if existing.ID == entry.ID || existing.UniqueID == entry.UniqueID {
			return errors.Wrapf(models.ErrEntryExists, "unique id %q", entry.UniqueID)
		}
	}

	return s.write(append(entries, entry))
}

// Update implements Store.
func (s *FileStore) Update(_ context.Context, entry *models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}

	for i, existing := range entries {
		if existing.ID == entry.ID {
			entries[i] = entry
			return s.write(entries)
		}
	}

	return errors.Wrapf(models.ErrEntryNotFound, "id %q", entry.ID)
}

// Remove implements Store.
func (s *FileStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}

	for i, existing := range entries {
		if existing.ID == id {
			return s.write(append(entries[:i], entries[i+1:]...))
		}
	}

	return errors.Wrapf(models.ErrEntryNotFound, "id %q", id)
}

// Watch calls onChange whenever the entries file is created, written,
// replaced or removed until ctx is done. The parent directory is watched
// because atomic writes replace the file.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)

	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}

	err = watcher.Add(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to watch directory %q", dir)
	}

	name := filepath.Base(s.path)

	timer := time.NewTimer(debounceInterval)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != name || event.Op == fsnotify.Chmod {
				continue
			}

			log.V(1).Info("entries file changed", "file", event.Name, "op", event.Op.String())
			timer.Reset(debounceInterval)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			log.Error(err, "error while watching entries file", "file", s.path)
		case <-timer.C:
			onChange()
		}
	}
}
