// Package btree implements a disk-backed B+-tree index over fixed-size
// integer keys, with latch-crabbing concurrency control through the buffer
// pool. Grounded on the node/page split of the teacher's own btree package
// (a header struct describing page layout, separate leaf/internal
// accessors), reworked for fixed 8-byte keys operating directly on a
// buffer.Page's bytes instead of a serializer-driven variable-length slot
// layout.
package btree

import (
	"encoding/binary"

	"stormbase/common"
	"stormbase/disk/pages"
)

type PageType int32

const (
	InvalidPageType PageType = iota
	LeafPageType
	InternalPageType
)

// header layout, 24 bytes, shared by leaf and internal pages:
//
//	0:4   page type
//	4:8   size (number of entries)
//	8:12  max size
//	12:16 parent page id
//	16:20 this page's id
//	20:24 next page id (leaves only; chains them for forward iteration)
const headerSize = 24

const (
	leafEntrySize     = 16 // 8 byte key + 8 byte RID
	internalEntrySize = 12 // 8 byte key + 4 byte child page id
)

// LeafMaxSize and InternalMaxSize are the node capacities the tree splits
// and merges against.
func LeafMaxSize() int     { return (pages.PageSize - headerSize) / leafEntrySize }
func InternalMaxSize() int { return (pages.PageSize - headerSize) / internalEntrySize }

type header struct{ p *pages.Page }

func (h header) PageType() PageType {
	return PageType(int32(binary.BigEndian.Uint32(h.p.Data[0:4])))
}
func (h header) SetPageType(t PageType) {
	binary.BigEndian.PutUint32(h.p.Data[0:4], uint32(t))
}

func (h header) Size() int     { return int(int32(binary.BigEndian.Uint32(h.p.Data[4:8]))) }
func (h header) SetSize(n int) { binary.BigEndian.PutUint32(h.p.Data[4:8], uint32(int32(n))) }

func (h header) MaxSize() int     { return int(int32(binary.BigEndian.Uint32(h.p.Data[8:12]))) }
func (h header) SetMaxSize(n int) { binary.BigEndian.PutUint32(h.p.Data[8:12], uint32(int32(n))) }

func (h header) ParentPageID() uint32 { return binary.BigEndian.Uint32(h.p.Data[12:16]) }
func (h header) SetParentPageID(id uint32) {
	binary.BigEndian.PutUint32(h.p.Data[12:16], id)
}

func (h header) PageID() uint32      { return binary.BigEndian.Uint32(h.p.Data[16:20]) }
func (h header) SetPageID(id uint32) { binary.BigEndian.PutUint32(h.p.Data[16:20], id) }

func (h header) NextPageID() uint32 { return binary.BigEndian.Uint32(h.p.Data[20:24]) }
func (h header) SetNextPageID(id uint32) {
	binary.BigEndian.PutUint32(h.p.Data[20:24], id)
}

func (h header) IsLeaf() bool { return h.PageType() == LeafPageType }

// LeafPage is a view over a buffer page holding sorted (key, rid) entries.
type LeafPage struct{ header }

func NewLeafPage(p *pages.Page, maxSize int) LeafPage {
	l := LeafPage{header{p}}
	l.SetPageType(LeafPageType)
	l.SetSize(0)
	l.SetMaxSize(maxSize)
	l.SetPageID(p.GetPageID())
	l.SetParentPageID(common.InvalidPageID)
	l.SetNextPageID(common.InvalidPageID)
	return l
}

// AsLeafPage wraps an already-initialized page without resetting it.
func AsLeafPage(p *pages.Page) LeafPage { return LeafPage{header{p}} }

func leafEntryOffset(i int) int { return headerSize + i*leafEntrySize }

func (l LeafPage) KeyAt(i int) common.Key {
	off := leafEntryOffset(i)
	return common.Key(int64(binary.BigEndian.Uint64(l.p.Data[off : off+8])))
}

func (l LeafPage) RIDAt(i int) common.RID {
	off := leafEntryOffset(i) + 8
	return common.RID{
		PageID:  binary.BigEndian.Uint32(l.p.Data[off : off+4]),
		SlotNum: binary.BigEndian.Uint32(l.p.Data[off+4 : off+8]),
	}
}

func (l LeafPage) setEntryAt(i int, key common.Key, rid common.RID) {
	off := leafEntryOffset(i)
	binary.BigEndian.PutUint64(l.p.Data[off:off+8], uint64(key))
	binary.BigEndian.PutUint32(l.p.Data[off+8:off+12], rid.PageID)
	binary.BigEndian.PutUint32(l.p.Data[off+12:off+16], rid.SlotNum)
}

// find returns the slot index of key (found=true) or the index key would
// need to be inserted at to keep entries sorted (found=false).
func (l LeafPage) find(key common.Key, cmp common.KeyComparator) (int, bool) {
	lo, hi := 0, l.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp.Compare(l.KeyAt(mid), key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// Insert keeps entries sorted by key. Returns false if key is already
// present: this tree does not support duplicate keys.
func (l LeafPage) Insert(key common.Key, rid common.RID, cmp common.KeyComparator) bool {
	i, found := l.find(key, cmp)
	if found {
		return false
	}
	n := l.Size()
	for j := n; j > i; j-- {
		l.setEntryAt(j, l.KeyAt(j-1), l.RIDAt(j-1))
	}
	l.setEntryAt(i, key, rid)
	l.SetSize(n + 1)
	return true
}

func (l LeafPage) Lookup(key common.Key, cmp common.KeyComparator) (common.RID, bool) {
	i, found := l.find(key, cmp)
	if !found {
		return common.RID{}, false
	}
	return l.RIDAt(i), true
}

func (l LeafPage) RemoveAt(i int) {
	n := l.Size()
	for j := i; j < n-1; j++ {
		l.setEntryAt(j, l.KeyAt(j+1), l.RIDAt(j+1))
	}
	l.SetSize(n - 1)
}

func (l LeafPage) Delete(key common.Key, cmp common.KeyComparator) bool {
	i, found := l.find(key, cmp)
	if !found {
		return false
	}
	l.RemoveAt(i)
	return true
}

// InternalPage is a view over a buffer page holding child pointers
// separated by keys: entry 0's key is unused (the "negative infinity" key
// conceptually below the whole subtree), entries 1..size-1 carry a
// separator: every key in the subtree their child points to is >= it, and
// every key to its left is smaller. A separator is that subtree's smallest
// key when it is set; deletes do not update it.
type InternalPage struct{ header }

func NewInternalPage(p *pages.Page, maxSize int) InternalPage {
	n := InternalPage{header{p}}
	n.SetPageType(InternalPageType)
	n.SetSize(0)
	n.SetMaxSize(maxSize)
	n.SetPageID(p.GetPageID())
	n.SetParentPageID(common.InvalidPageID)
	return n
}

func AsInternalPage(p *pages.Page) InternalPage { return InternalPage{header{p}} }

func internalEntryOffset(i int) int { return headerSize + i*internalEntrySize }

func (n InternalPage) KeyAt(i int) common.Key {
	off := internalEntryOffset(i)
	return common.Key(int64(binary.BigEndian.Uint64(n.p.Data[off : off+8])))
}

func (n InternalPage) setKeyAt(i int, key common.Key) {
	off := internalEntryOffset(i)
	binary.BigEndian.PutUint64(n.p.Data[off:off+8], uint64(key))
}

func (n InternalPage) ChildAt(i int) uint32 {
	off := internalEntryOffset(i) + 8
	return binary.BigEndian.Uint32(n.p.Data[off : off+4])
}

func (n InternalPage) setChildAt(i int, pid uint32) {
	off := internalEntryOffset(i) + 8
	binary.BigEndian.PutUint32(n.p.Data[off:off+4], pid)
}

func (n InternalPage) setEntryAt(i int, key common.Key, child uint32) {
	n.setKeyAt(i, key)
	n.setChildAt(i, child)
}

// ChildIndex returns the index of the child pointer to follow for key: the
// largest i such that KeyAt(i) <= key (index 0 always qualifies).
func (n InternalPage) ChildIndex(key common.Key, cmp common.KeyComparator) int {
	lo, hi := 1, n.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp.Compare(n.KeyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

func (n InternalPage) IndexOfChild(childPageID uint32) int {
	for i := 0; i < n.Size(); i++ {
		if n.ChildAt(i) == childPageID {
			return i
		}
	}
	return -1
}

// InsertAfter inserts (key, newChildPageID) immediately after
// oldChildPageID's entry, shifting later entries right.
func (n InternalPage) InsertAfter(oldChildPageID uint32, key common.Key, newChildPageID uint32) {
	idx := n.IndexOfChild(oldChildPageID)
	insertAt := idx + 1
	size := n.Size()
	for j := size; j > insertAt; j-- {
		n.setEntryAt(j, n.KeyAt(j-1), n.ChildAt(j-1))
	}
	n.setEntryAt(insertAt, key, newChildPageID)
	n.SetSize(size + 1)
}

func (n InternalPage) RemoveAt(i int) {
	size := n.Size()
	for j := i; j < size-1; j++ {
		n.setEntryAt(j, n.KeyAt(j+1), n.ChildAt(j+1))
	}
	n.SetSize(size - 1)
}
