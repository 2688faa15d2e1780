package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/relves/groupsync/internal/storage"
)

// StoreManager manages one GroupStore per group with caching.
type StoreManager struct {
	basePath string
	stores   map[uint64]*GroupStore
	mu       sync.RWMutex
}

// NewStoreManager creates a new StoreManager.
func NewStoreManager(basePath string) *StoreManager {
	return &StoreManager{
		basePath: basePath,
		stores:   make(map[uint64]*GroupStore),
	}
}

// GetStore returns the GroupStore for groupID, creating the database if needed.
// Stores are cached and reused.
func (m *StoreManager) GetStore(groupID uint64) (*GroupStore, error) {
	m.mu.RLock()
	if store, ok := m.stores[groupID]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[groupID]; ok {
		return store, nil
	}

	store, err := OpenGroupStore(m.basePath, groupID)
	if err != nil {
		return nil, err
	}

	m.stores[groupID] = store
	return store, nil
}

// Exists reports whether a database for groupID exists, without creating one.
func (m *StoreManager) Exists(groupID uint64) bool {
	m.mu.RLock()
	_, ok := m.stores[groupID]
	m.mu.RUnlock()
	if ok {
		return true
	}

	_, err := os.Stat(filepath.Join(GroupDir(m.basePath, groupID), "group.db"))
	return err == nil
}

// GroupIDs lists the groups that have a database on disk.
func (m *StoreManager) GroupIDs() ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(m.basePath, "groups"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		if m.Exists(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CloseStore closes and forgets the store for groupID.
func (m *StoreManager) CloseStore(groupID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, ok := m.stores[groupID]
	if !ok {
		return nil
	}
	delete(m.stores, groupID)
	return store.Close()
}

// CloseAll closes all cached stores.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[uint64]*GroupStore)
	return errors.Join(errs...)
}

// BasePath returns the base path for group storage.
func (m *StoreManager) BasePath() string {
	return m.basePath
}

// GetEventStore returns the EventStore for groupID.
func (m *StoreManager) GetEventStore(groupID uint64) (storage.EventStore, error) {
	return m.GetStore(groupID)
}
