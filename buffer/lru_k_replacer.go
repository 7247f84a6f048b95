package buffer

import (
	"container/list"
	"sync"

	"stormbase/common"
)

// LRUKReplacer implements the eviction rule from the kernel's design: among
// evictable frames with fewer than k recorded accesses, evict the
// classic-LRU oldest; otherwise evict the frame with the largest k-distance
// (the smallest k-th-most-recent timestamp). Ported from the reference
// lru_k_replacer.cpp, with two source bugs fixed: RecordAccess rejects
// frame_id == capacity (not just >), and history/cache bookkeeping is kept
// exactly in sync with the evictable counter.
type LRUKReplacer struct {
	mu sync.Mutex

	k        int
	capacity int
	currTS   int64

	// historyList/cacheList hold frame ids in most-recently-used-first
	// order; historyElem/cacheElem index into them for O(1) removal.
	historyList *list.List
	historyElem map[int]*list.Element
	cacheList   *list.List
	cacheElem   map[int]*list.Element

	accessCount map[int]int
	evictable   map[int]bool
	evictableN  int
}

var _ Replacer = &LRUKReplacer{}

func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	return &LRUKReplacer{
		k:           k,
		capacity:    numFrames,
		historyList: list.New(),
		historyElem: make(map[int]*list.Element),
		cacheList:   list.New(),
		cacheElem:   make(map[int]*list.Element),
		accessCount: make(map[int]int),
		evictable:   make(map[int]bool),
	}
}

func (r *LRUKReplacer) RecordAccess(frameID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if frameID < 0 || frameID >= r.capacity {
		return common.ErrInvalidFrameID
	}

	r.currTS++
	r.accessCount[frameID]++
	count := r.accessCount[frameID]

	switch {
	case count == r.k:
		if elem, ok := r.historyElem[frameID]; ok {
			r.historyList.Remove(elem)
			delete(r.historyElem, frameID)
		}
		r.cacheElem[frameID] = r.cacheList.PushFront(frameID)
	case count > r.k:
		if elem, ok := r.cacheElem[frameID]; ok {
			r.cacheList.Remove(elem)
		}
		r.cacheElem[frameID] = r.cacheList.PushFront(frameID)
	default:
		if _, ok := r.historyElem[frameID]; !ok {
			r.historyElem[frameID] = r.historyList.PushFront(frameID)
		}
	}
	return nil
}

func (r *LRUKReplacer) SetEvictable(frameID int, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, tracked := r.accessCount[frameID]; !tracked {
		return
	}

	was := r.evictable[frameID]
	if !was && evictable {
		r.evictableN++
	} else if was && !evictable {
		r.evictableN--
	}
	r.evictable[frameID] = evictable
}

// Evict scans history_list_ first (oldest access wins), then cache_list_
// (each list is kept in most-recently-used-first order, so the back of the
// list is the eviction candidate), exactly as the reference implementation
// does.
func (r *LRUKReplacer) Evict() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.historyList.Back(); e != nil; e = e.Prev() {
		frameID := e.Value.(int)
		if r.evictable[frameID] {
			r.forget(frameID)
			return frameID, true
		}
	}

	for e := r.cacheList.Back(); e != nil; e = e.Prev() {
		frameID := e.Value.(int)
		if r.evictable[frameID] {
			r.forget(frameID)
			return frameID, true
		}
	}

	return 0, false
}

func (r *LRUKReplacer) Remove(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, tracked := r.accessCount[frameID]; !tracked {
		return
	}
	if !r.evictable[frameID] {
		panic("replacer: Remove called on a non-evictable frame")
	}
	r.forget(frameID)
}

func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictableN
}

// forget drops all bookkeeping for frameID. Caller holds r.mu.
func (r *LRUKReplacer) forget(frameID int) {
	if elem, ok := r.historyElem[frameID]; ok {
		r.historyList.Remove(elem)
		delete(r.historyElem, frameID)
	}
	if elem, ok := r.cacheElem[frameID]; ok {
		r.cacheList.Remove(elem)
		delete(r.cacheElem, frameID)
	}
	if r.evictable[frameID] {
		r.evictableN--
	}
	delete(r.evictable, frameID)
	delete(r.accessCount, frameID)
}
