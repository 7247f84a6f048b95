package disk

import (
	"sync"

	"stormbase/disk/pages"
)

// MemManager is an in-memory Manager used by tests, grounded on the
// teacher's MemBPager: same allocate/read/write contract as FileManager,
// minus the file handle, so unit tests can run fast and parallel.
type MemManager struct {
	mu         sync.Mutex
	nextPageID uint32
	store      map[uint32]*[pages.PageSize]byte
}

var _ Manager = &MemManager{}

func NewMemManager() *MemManager {
	return &MemManager{
		nextPageID: 1,
		store:      map[uint32]*[pages.PageSize]byte{0: {}},
	}
}

func (m *MemManager) ReadPage(pageID uint32, dest *[pages.PageSize]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data, ok := m.store[pageID]; ok {
		*dest = *data
		return nil
	}
	// unwritten page reads as zeroes, matching FileManager's behavior.
	for i := range dest {
		dest[i] = 0
	}
	return nil
}

func (m *MemManager) WritePage(pageID uint32, data *[pages.PageSize]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *data
	m.store[pageID] = &copied
	return nil
}

func (m *MemManager) AllocatePage() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextPageID
	m.nextPageID++
	return id
}

func (m *MemManager) DeallocatePage(pageID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, pageID)
}

func (m *MemManager) Close() error { return nil }
