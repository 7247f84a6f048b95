package buffer

import (
	"sync"

	"stormbase/common"
	"stormbase/disk"
	"stormbase/disk/pages"
	"stormbase/storage/hash"
	"stormbase/wal"
)

// BufferPoolManager owns a fixed set of in-memory frames and mediates every
// access to a page through them. Grounded on the teacher's BufferPool
// (frame array, page table, reserve-then-evict frame acquisition, an
// opLocks per-page mutex to keep concurrent GetPage callers for the same
// page_id from racing on disk I/O), generalized to the pluggable Replacer
// and the fixed contract of NewPage/FetchPage/UnpinPage/FlushPage/
// FlushAllPages/DeletePage.
type BufferPoolManager struct {
	mu sync.Mutex

	poolSize  int
	frames    []*pages.Page
	pageTable *hash.Table[uint32, int]
	freeList  []int

	replacer Replacer
	disk     disk.Manager
	log      wal.LogManager

	// opLocks serializes concurrent first-touch fetches of the same page_id
	// so only one goroutine ever pays for the disk read.
	opLocks *common.KeyMutex[uint32]

	stats *common.Stats
}

// Stats exposes the FetchPage hit statistics: every call records a sample
// under the key "fetch_hit_rate", 1.0 for a hit and 0.0 for a miss, so the
// recorded sum divided by the recorded count is the hit rate.
func (b *BufferPoolManager) Stats() *common.Stats { return b.stats }

func NewBufferPoolManager(poolSize int, diskMgr disk.Manager, replacer Replacer, logMgr wal.LogManager) *BufferPoolManager {
	if logMgr == nil {
		logMgr = wal.NoopLogManager
	}
	free := make([]int, poolSize)
	for i := range free {
		free[i] = i
	}
	return &BufferPoolManager{
		poolSize:  poolSize,
		frames:    make([]*pages.Page, poolSize),
		pageTable: hash.New[uint32, int](4, hashPageID),
		freeList:  free,
		replacer:  replacer,
		disk:      diskMgr,
		log:       logMgr,
		opLocks:   &common.KeyMutex[uint32]{},
		stats:     common.NewStats(),
	}
}

func hashPageID(pageID uint32) uint64 { return uint64(pageID) }

// acquireFrame returns a frame index ready to take a new tenant, evicting a
// victim if the free list is empty, and the frame's old Page object if one
// exists (so the caller can Reset and reuse it instead of allocating).
// The dirty victim is flushed to disk before its frame is reused. Caller
// holds mu.
func (b *BufferPoolManager) acquireFrame() (int, *pages.Page, bool) {
	if n := len(b.freeList); n > 0 {
		idx := b.freeList[n-1]
		b.freeList = b.freeList[:n-1]
		return idx, b.frames[idx], true
	}

	frameID, ok := b.replacer.Evict()
	if !ok {
		return 0, nil, false
	}

	victim := b.frames[frameID]
	if victim != nil {
		if victim.IsDirty() {
			b.flushFrameLocked(frameID)
		}
		b.pageTable.Remove(victim.GetPageID())
	}
	return frameID, victim, true
}

// flushFrameLocked writes the frame's page to disk and clears its dirty
// bit. Caller holds mu.
func (b *BufferPoolManager) flushFrameLocked(frameID int) {
	p := b.frames[frameID]
	if p == nil {
		return
	}
	// Write-ahead: force the log manager's buffer before a dirty page ever
	// reaches disk, so recovery can always trust that a data write implies
	// its log record is durable.
	_ = b.log.Flush()
	_ = b.disk.WritePage(p.GetPageID(), &p.Data)
	p.SetClean()
}

// NewPage allocates a fresh page id on disk, binds it to a frame, pins it
// once and returns it with pin count 1. Callers must UnpinPage when done.
func (b *BufferPoolManager) NewPage() (*pages.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, reused, ok := b.acquireFrame()
	if !ok {
		return nil, common.ErrBufferPoolExhausted
	}

	pageID := b.disk.AllocatePage()
	p := reused
	if p == nil {
		p = pages.NewPage(pageID)
	} else {
		p.Reset(pageID)
	}
	p.IncrPinCount()
	b.frames[frameID] = p
	b.pageTable.Insert(pageID, frameID)

	_ = b.replacer.RecordAccess(frameID)
	b.replacer.SetEvictable(frameID, false)

	return p, nil
}

// FetchPage returns the page for pageID, pinning it, reading it from disk
// first if it is not already resident.
func (b *BufferPoolManager) FetchPage(pageID uint32) (*pages.Page, error) {
	unlockKey := b.opLocks.Lock(pageID)
	defer unlockKey()

	b.mu.Lock()

	if frameID, ok := b.pageTable.Find(pageID); ok {
		p := b.frames[frameID]
		p.IncrPinCount()
		_ = b.replacer.RecordAccess(frameID)
		b.replacer.SetEvictable(frameID, false)
		b.mu.Unlock()
		b.stats.Avg("fetch_hit_rate", 1)
		return p, nil
	}
	b.stats.Avg("fetch_hit_rate", 0)

	frameID, reused, ok := b.acquireFrame()
	if !ok {
		b.mu.Unlock()
		return nil, common.ErrBufferPoolExhausted
	}

	p := reused
	if p == nil {
		p = pages.NewPage(pageID)
	} else {
		p.Reset(pageID)
	}
	b.mu.Unlock()

	if err := b.disk.ReadPage(pageID, &p.Data); err != nil {
		b.mu.Lock()
		b.freeList = append(b.freeList, frameID)
		b.mu.Unlock()
		return nil, common.Wrap(err, "reading page from disk")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p.IncrPinCount()
	b.frames[frameID] = p
	b.pageTable.Insert(pageID, frameID)
	_ = b.replacer.RecordAccess(frameID)
	b.replacer.SetEvictable(frameID, false)

	return p, nil
}

// UnpinPage decrements the page's pin count. isDirty is OR'd into the
// page's sticky dirty bit: once set by any pinner, it stays set until the
// page is flushed, per the kernel's write-tracking contract. Returns false
// if the page is not resident or already unpinned to zero.
func (b *BufferPoolManager) UnpinPage(pageID uint32, isDirty bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		return false
	}
	p := b.frames[frameID]
	if p.PinCount() <= 0 {
		return false
	}
	if isDirty {
		p.SetDirty()
	}
	if p.DecrPinCount() == 0 {
		b.replacer.SetEvictable(frameID, true)
	}
	return true
}

// FlushPage writes pageID's current contents to disk regardless of its
// dirty bit, and clears the dirty bit. Returns true even if the page is
// not resident: flushing an absent page is a no-op, not a failure.
func (b *BufferPoolManager) FlushPage(pageID uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		return true
	}
	b.flushFrameLocked(frameID)
	return true
}

// FlushAllPages flushes every resident page.
func (b *BufferPoolManager) FlushAllPages() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for frameID, p := range b.frames {
		if p != nil {
			b.flushFrameLocked(frameID)
		}
	}
}

// DeletePage removes pageID from the buffer pool and deallocates it on
// disk. It never flushes the page first: a deleted page's bytes are
// meaningless, so the kernel only calls disk.Manager.DeallocatePage
// (advisory; the page id is never handed out again) instead of paying for
// a write nobody will read. Returns false if the
// page is pinned (refuses to delete a page someone is using).
func (b *BufferPoolManager) DeletePage(pageID uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		b.disk.DeallocatePage(pageID)
		return true
	}

	p := b.frames[frameID]
	if p.PinCount() > 0 {
		return false
	}

	b.pageTable.Remove(pageID)
	b.replacer.Remove(frameID)
	b.frames[frameID] = nil
	b.freeList = append(b.freeList, frameID)
	b.disk.DeallocatePage(pageID)
	return true
}

// Size reports the number of frames currently holding a page.
func (b *BufferPoolManager) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.poolSize - len(b.freeList)
}
