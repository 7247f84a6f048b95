package btree

import (
	"stormbase/common"
	"stormbase/disk/pages"
)

// Iterator is a forward scan over the tree's leaves. It holds a read
// latch and a pin on exactly one leaf page at a time, released as it
// advances past the last entry of that leaf, grounded on the teacher's
// own TreeIterator (a current pointer plus a released-on-advance node).
type Iterator struct {
	tree   *BPlusTree
	page   *pages.Page
	leaf   LeafPage
	idx    int
	closed bool
}

// Begin starts iteration at the first key in the tree.
func (t *BPlusTree) Begin() *Iterator {
	if t.IsEmpty() {
		return &Iterator{closed: true}
	}
	page, err := t.leftmostLeaf()
	if err != nil {
		return &Iterator{closed: true}
	}
	it := &Iterator{tree: t, page: page, leaf: AsLeafPage(page), idx: 0}
	if it.leaf.Size() == 0 {
		it.Next()
	}
	return it
}

// BeginAt starts iteration at the first key >= key.
func (t *BPlusTree) BeginAt(key common.Key) *Iterator {
	if t.IsEmpty() {
		return &Iterator{closed: true}
	}
	page, err := t.findLeafForRead(key)
	if err != nil {
		return &Iterator{closed: true}
	}
	leaf := AsLeafPage(page)
	idx, _ := leaf.find(key, t.cmp)
	it := &Iterator{tree: t, page: page, leaf: leaf, idx: idx}
	if idx >= leaf.Size() {
		it.idx = leaf.Size() - 1
		it.Next()
	}
	return it
}

func (it *Iterator) Valid() bool { return it != nil && !it.closed }

func (it *Iterator) Key() common.Key   { return it.leaf.KeyAt(it.idx) }
func (it *Iterator) Value() common.RID { return it.leaf.RIDAt(it.idx) }

// Next advances to the next entry, crossing into the following leaf via
// its sibling pointer if the current one is exhausted. Returns false once
// iteration is closed.
func (it *Iterator) Next() bool {
	if it.closed {
		return false
	}
	it.idx++
	if it.idx < it.leaf.Size() {
		return true
	}

	next := it.leaf.NextPageID()
	it.page.RUnlatch()
	it.tree.bpm.UnpinPage(it.leaf.PageID(), false)

	if next == common.InvalidPageID {
		it.closed = true
		return false
	}
	page, err := it.tree.bpm.FetchPage(next)
	if err != nil {
		it.closed = true
		return false
	}
	page.RLatch()
	it.page = page
	it.leaf = AsLeafPage(page)
	it.idx = 0
	if it.leaf.Size() == 0 {
		return it.Next()
	}
	return true
}

// Close releases the iterator's held latch and pin. Safe to call more than
// once, and safe to skip if the caller has already driven Next to exhaustion.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.page.RUnlatch()
	it.tree.bpm.UnpinPage(it.leaf.PageID(), false)
	it.closed = true
}
