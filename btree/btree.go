package btree

import (
	"sync"

	"stormbase/buffer"
	"stormbase/common"
	"stormbase/disk"
	"stormbase/disk/pages"
)

// opMode tells findLeafForWrite what kind of structural change the caller
// is about to make, so it knows which nodes are safe to latch-release early.
type opMode int

const (
	opInsert opMode = iota
	opDelete
)

// BPlusTree is a disk-backed ordered index over fixed-size keys. All
// descents crab write (or read) latches down the tree via the buffer pool,
// following the teacher's FindAndGetStack pattern: a stack of pinned,
// latched pages that unwinds as the operation completes or as soon as an
// ancestor is provably safe from a split or merge.
//
// rootLock plays the role of the teacher's rootEntryLock: it protects the
// rootPageID field itself, so a reader arriving while the tree is
// transitioning from empty to non-empty, or while the root is being
// replaced by a split or a merge-shrink, never reads a half-updated value.
type BPlusTree struct {
	name string
	bpm  *buffer.BufferPoolManager
	cmp  common.KeyComparator
	hdr  *disk.HeaderPage

	leafMaxSize     int
	internalMaxSize int

	rootLock   sync.RWMutex
	rootPageID uint32
}

// NewBPlusTree constructs a tree with no backing header page: the caller
// is responsible for remembering its root page id across restarts.
func NewBPlusTree(name string, bpm *buffer.BufferPoolManager, cmp common.KeyComparator) *BPlusTree {
	return &BPlusTree{
		name:            name,
		bpm:             bpm,
		cmp:             cmp,
		leafMaxSize:     LeafMaxSize(),
		internalMaxSize: InternalMaxSize(),
		rootPageID:      common.InvalidPageID,
	}
}

// NewBPlusTreeWithHeader constructs a tree that persists its root page id
// under name in the database's header page, and recovers it if name
// already has a record there (reopening an existing index).
func NewBPlusTreeWithHeader(name string, bpm *buffer.BufferPoolManager, cmp common.KeyComparator, hdr *disk.HeaderPage) *BPlusTree {
	t := NewBPlusTree(name, bpm, cmp)
	t.hdr = hdr
	if hdr != nil {
		if root, ok := hdr.GetRootPageID(name); ok {
			t.rootPageID = root
		}
	}
	return t
}

func (t *BPlusTree) persistRoot() {
	if t.hdr != nil {
		_ = t.hdr.SetRootPageID(t.name, t.rootPageID)
	}
}

func (t *BPlusTree) IsEmpty() bool {
	t.rootLock.RLock()
	defer t.rootLock.RUnlock()
	return t.rootPageID == common.InvalidPageID
}

func (t *BPlusTree) isSafe(page *pages.Page, mode opMode) bool {
	h := header{page}
	switch mode {
	case opInsert:
		return h.Size()+1 < h.MaxSize()
	case opDelete:
		minSize := h.MaxSize() / 2
		return h.Size()-1 >= minSize
	default:
		return false
	}
}

func (t *BPlusTree) releaseStack(stack []*pages.Page, dirty bool) {
	for _, p := range stack {
		p.WUnlatch()
		t.bpm.UnpinPage(header{p}.PageID(), dirty)
	}
}

// findLeafForWrite descends from root acquiring write latches, releasing
// ancestors as soon as the most recently latched node is safe: it cannot
// possibly need to split or merge as a result of this operation, so
// nothing above it can either.
func (t *BPlusTree) findLeafForWrite(root uint32, key common.Key, mode opMode) ([]*pages.Page, error) {
	page, err := t.bpm.FetchPage(root)
	if err != nil {
		return nil, err
	}
	page.WLatch()
	stack := []*pages.Page{page}

	for {
		h := header{stack[len(stack)-1]}
		if h.IsLeaf() {
			return stack, nil
		}
		internal := InternalPage{h}
		childID := internal.ChildAt(internal.ChildIndex(key, t.cmp))
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			t.releaseStack(stack, false)
			return nil, err
		}
		child.WLatch()
		stack = append(stack, child)

		if t.isSafe(child, mode) {
			t.releaseStack(stack[:len(stack)-1], false)
			stack = stack[len(stack)-1:]
		}
	}
}

func (t *BPlusTree) findLeafForRead(key common.Key) (*pages.Page, error) {
	t.rootLock.RLock()
	root := t.rootPageID
	page, err := t.bpm.FetchPage(root)
	if err != nil {
		t.rootLock.RUnlock()
		return nil, err
	}
	page.RLatch()
	t.rootLock.RUnlock()

	for {
		h := header{page}
		if h.IsLeaf() {
			return page, nil
		}
		internal := InternalPage{h}
		childID := internal.ChildAt(internal.ChildIndex(key, t.cmp))
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			page.RUnlatch()
			t.bpm.UnpinPage(h.PageID(), false)
			return nil, err
		}
		child.RLatch()
		page.RUnlatch()
		t.bpm.UnpinPage(h.PageID(), false)
		page = child
	}
}

func (t *BPlusTree) leftmostLeaf() (*pages.Page, error) {
	t.rootLock.RLock()
	root := t.rootPageID
	page, err := t.bpm.FetchPage(root)
	if err != nil {
		t.rootLock.RUnlock()
		return nil, err
	}
	page.RLatch()
	t.rootLock.RUnlock()

	for {
		h := header{page}
		if h.IsLeaf() {
			return page, nil
		}
		internal := InternalPage{h}
		childID := internal.ChildAt(0)
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			page.RUnlatch()
			t.bpm.UnpinPage(h.PageID(), false)
			return nil, err
		}
		child.RLatch()
		page.RUnlatch()
		t.bpm.UnpinPage(h.PageID(), false)
		page = child
	}
}

// GetValue is a point lookup. It never blocks a concurrent insert or
// delete elsewhere in the tree longer than it takes to cross one level,
// since it only ever holds read latches on the current and immediately
// prior page.
func (t *BPlusTree) GetValue(key common.Key) (common.RID, bool) {
	if t.IsEmpty() {
		return common.RID{}, false
	}
	leafPage, err := t.findLeafForRead(key)
	if err != nil {
		return common.RID{}, false
	}
	leaf := AsLeafPage(leafPage)
	rid, found := leaf.Lookup(key, t.cmp)
	leafPage.RUnlatch()
	t.bpm.UnpinPage(leaf.PageID(), false)
	return rid, found
}

func (t *BPlusTree) setParent(childPageID, parentPageID uint32) {
	p, err := t.bpm.FetchPage(childPageID)
	if err != nil {
		return
	}
	header{p}.SetParentPageID(parentPageID)
	t.bpm.UnpinPage(childPageID, true)
}

func (t *BPlusTree) reparentChildren(n InternalPage) {
	for i := 0; i < n.Size(); i++ {
		t.setParent(n.ChildAt(i), n.PageID())
	}
}

// Insert adds key -> rid. Returns false if key already exists.
func (t *BPlusTree) Insert(key common.Key, rid common.RID) bool {
	t.rootLock.Lock()
	if t.rootPageID == common.InvalidPageID {
		page, err := t.bpm.NewPage()
		if err != nil {
			t.rootLock.Unlock()
			return false
		}
		leaf := NewLeafPage(page, t.leafMaxSize)
		leaf.Insert(key, rid, t.cmp)
		t.rootPageID = page.GetPageID()
		t.persistRoot()
		t.bpm.UnpinPage(page.GetPageID(), true)
		t.rootLock.Unlock()
		return true
	}
	root := t.rootPageID
	t.rootLock.Unlock()

	stack, err := t.findLeafForWrite(root, key, opInsert)
	if err != nil {
		return false
	}
	leafPage := stack[len(stack)-1]
	leaf := AsLeafPage(leafPage)

	if !leaf.Insert(key, rid, t.cmp) {
		t.releaseStack(stack, false)
		return false
	}

	if leaf.Size() < leaf.MaxSize() {
		t.releaseStack(stack, true)
		return true
	}

	t.splitAndPropagate(stack)
	return true
}

func moveHalfLeaf(src, dst LeafPage) common.Key {
	n := src.Size()
	mid := n / 2
	for i := mid; i < n; i++ {
		dst.setEntryAt(i-mid, src.KeyAt(i), src.RIDAt(i))
	}
	dst.SetSize(n - mid)
	src.SetSize(mid)
	return dst.KeyAt(0)
}

func moveHalfInternal(src, dst InternalPage) common.Key {
	n := src.Size()
	mid := n / 2
	for i := mid; i < n; i++ {
		dst.setEntryAt(i-mid, src.KeyAt(i), src.ChildAt(i))
	}
	dst.SetSize(n - mid)
	src.SetSize(mid)
	sep := dst.KeyAt(0)
	dst.setKeyAt(0, 0)
	return sep
}

// splitAndPropagate splits the overflowing node at the top of stack and
// inserts the new sibling into its parent, recursing up the stack if that
// insert overflows the parent in turn. If the node being split is the
// root, a brand new root is created above it.
func (t *BPlusTree) splitAndPropagate(stack []*pages.Page) {
	node := stack[len(stack)-1]
	stack = stack[:len(stack)-1]

	h := header{node}
	oldPageID := h.PageID()

	var sepKey common.Key
	var newPageID uint32

	if h.IsLeaf() {
		leaf := AsLeafPage(node)
		newPage, err := t.bpm.NewPage()
		if err != nil {
			node.WUnlatch()
			t.bpm.UnpinPage(oldPageID, true)
			t.releaseStack(stack, true)
			return
		}
		newLeaf := NewLeafPage(newPage, t.leafMaxSize)
		sepKey = moveHalfLeaf(leaf, newLeaf)
		newLeaf.SetNextPageID(leaf.NextPageID())
		leaf.SetNextPageID(newPage.GetPageID())
		newLeaf.SetParentPageID(leaf.ParentPageID())
		newPageID = newPage.GetPageID()
		t.bpm.UnpinPage(newPageID, true)
	} else {
		internal := InternalPage{h}
		newPage, err := t.bpm.NewPage()
		if err != nil {
			node.WUnlatch()
			t.bpm.UnpinPage(oldPageID, true)
			t.releaseStack(stack, true)
			return
		}
		newInternal := NewInternalPage(newPage, t.internalMaxSize)
		sepKey = moveHalfInternal(internal, newInternal)
		newInternal.SetParentPageID(internal.ParentPageID())
		newPageID = newPage.GetPageID()
		t.reparentChildren(newInternal)
		t.bpm.UnpinPage(newPageID, true)
	}

	node.WUnlatch()
	t.bpm.UnpinPage(oldPageID, true)

	if len(stack) == 0 {
		t.rootLock.Lock()
		newRootPage, err := t.bpm.NewPage()
		if err != nil {
			t.rootLock.Unlock()
			return
		}
		newRoot := NewInternalPage(newRootPage, t.internalMaxSize)
		newRoot.setEntryAt(0, 0, oldPageID)
		newRoot.setEntryAt(1, sepKey, newPageID)
		newRoot.SetSize(2)
		t.setParent(oldPageID, newRootPage.GetPageID())
		t.setParent(newPageID, newRootPage.GetPageID())
		t.rootPageID = newRootPage.GetPageID()
		t.persistRoot()
		t.bpm.UnpinPage(newRootPage.GetPageID(), true)
		t.rootLock.Unlock()
		return
	}

	parentPage := stack[len(stack)-1]
	parent := InternalPage{header{parentPage}}
	parent.InsertAfter(oldPageID, sepKey, newPageID)
	t.setParent(newPageID, parent.PageID())

	if parent.Size() < parent.MaxSize() {
		t.releaseStack(stack, true)
		return
	}
	t.splitAndPropagate(stack)
}

func mergeLeaf(nodeLeaf, sibLeaf LeafPage, useLeft bool) uint32 {
	var left, right LeafPage
	if useLeft {
		left, right = sibLeaf, nodeLeaf
	} else {
		left, right = nodeLeaf, sibLeaf
	}
	n, m := left.Size(), right.Size()
	for i := 0; i < m; i++ {
		left.setEntryAt(n+i, right.KeyAt(i), right.RIDAt(i))
	}
	left.SetSize(n + m)
	left.SetNextPageID(right.NextPageID())
	return right.PageID()
}

func (t *BPlusTree) mergeInternal(nodeInt, sibInt InternalPage, useLeft bool, sepKey common.Key) uint32 {
	var left, right InternalPage
	if useLeft {
		left, right = sibInt, nodeInt
	} else {
		left, right = nodeInt, sibInt
	}
	right.setKeyAt(0, sepKey)
	n, m := left.Size(), right.Size()
	for i := 0; i < m; i++ {
		left.setEntryAt(n+i, right.KeyAt(i), right.ChildAt(i))
	}
	left.SetSize(n + m)
	t.reparentChildren(left)
	return right.PageID()
}

func (t *BPlusTree) redistributeLeaf(nodeLeaf, sibLeaf LeafPage, parent InternalPage, idx, siblingIdx int, useLeft bool) {
	if useLeft {
		n := sibLeaf.Size()
		borrowedKey, borrowedRID := sibLeaf.KeyAt(n-1), sibLeaf.RIDAt(n-1)
		sibLeaf.SetSize(n - 1)

		m := nodeLeaf.Size()
		for j := m; j > 0; j-- {
			nodeLeaf.setEntryAt(j, nodeLeaf.KeyAt(j-1), nodeLeaf.RIDAt(j-1))
		}
		nodeLeaf.setEntryAt(0, borrowedKey, borrowedRID)
		nodeLeaf.SetSize(m + 1)
		parent.setKeyAt(idx, borrowedKey)
		return
	}

	borrowedKey, borrowedRID := sibLeaf.KeyAt(0), sibLeaf.RIDAt(0)
	sibN := sibLeaf.Size()
	for j := 0; j < sibN-1; j++ {
		sibLeaf.setEntryAt(j, sibLeaf.KeyAt(j+1), sibLeaf.RIDAt(j+1))
	}
	sibLeaf.SetSize(sibN - 1)

	m := nodeLeaf.Size()
	nodeLeaf.setEntryAt(m, borrowedKey, borrowedRID)
	nodeLeaf.SetSize(m + 1)
	parent.setKeyAt(siblingIdx, sibLeaf.KeyAt(0))
}

func (t *BPlusTree) redistributeInternal(nodeInt, sibInt InternalPage, parent InternalPage, idx, siblingIdx int, useLeft bool) {
	sepIdx := siblingIdx
	if useLeft {
		sepIdx = idx
	}

	if useLeft {
		n := sibInt.Size()
		movedChild := sibInt.ChildAt(n - 1)
		newSep := sibInt.KeyAt(n - 1)
		sibInt.SetSize(n - 1)

		m := nodeInt.Size()
		for j := m; j > 0; j-- {
			nodeInt.setEntryAt(j, nodeInt.KeyAt(j-1), nodeInt.ChildAt(j-1))
		}
		nodeInt.setKeyAt(1, parent.KeyAt(sepIdx))
		nodeInt.setEntryAt(0, 0, movedChild)
		nodeInt.SetSize(m + 1)
		t.setParent(movedChild, nodeInt.PageID())
		parent.setKeyAt(sepIdx, newSep)
		return
	}

	movedChild := sibInt.ChildAt(0)
	newSep := sibInt.KeyAt(1)
	n := sibInt.Size()
	for j := 0; j < n-1; j++ {
		sibInt.setEntryAt(j, sibInt.KeyAt(j+1), sibInt.ChildAt(j+1))
	}
	sibInt.SetSize(n - 1)

	m := nodeInt.Size()
	nodeInt.setEntryAt(m, parent.KeyAt(sepIdx), movedChild)
	nodeInt.SetSize(m + 1)
	t.setParent(movedChild, nodeInt.PageID())
	parent.setKeyAt(sepIdx, newSep)
}

// Delete removes key. Returns false if key was not present.
func (t *BPlusTree) Delete(key common.Key) bool {
	t.rootLock.Lock()
	root := t.rootPageID
	if root == common.InvalidPageID {
		t.rootLock.Unlock()
		return false
	}
	t.rootLock.Unlock()

	stack, err := t.findLeafForWrite(root, key, opDelete)
	if err != nil {
		return false
	}
	leafPage := stack[len(stack)-1]
	leaf := AsLeafPage(leafPage)

	if !leaf.Delete(key, t.cmp) {
		t.releaseStack(stack, false)
		return false
	}

	minSize := leaf.MaxSize() / 2
	if leaf.Size() >= minSize || len(stack) == 1 {
		t.releaseStack(stack, true)
		return true
	}

	t.handleUnderflow(stack)
	return true
}

// handleUnderflow is called with stack's top node already below its
// minimum occupancy (or, for the recursive internal case, about to be
// removed from its parent). It borrows from a sibling if one has spare
// entries, otherwise merges with it and recurses on the parent.
func (t *BPlusTree) handleUnderflow(stack []*pages.Page) {
	node := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	h := header{node}
	nodeID := h.PageID()

	if len(stack) == 0 {
		node.WUnlatch()
		t.bpm.UnpinPage(nodeID, true)
		return
	}

	parentPage := stack[len(stack)-1]
	parent := InternalPage{header{parentPage}}
	idx := parent.IndexOfChild(nodeID)

	var siblingIdx int
	useLeft := idx > 0
	if useLeft {
		siblingIdx = idx - 1
	} else {
		siblingIdx = idx + 1
	}
	siblingID := parent.ChildAt(siblingIdx)
	sibling, err := t.bpm.FetchPage(siblingID)
	if err != nil {
		node.WUnlatch()
		t.bpm.UnpinPage(nodeID, true)
		t.releaseStack(stack, true)
		return
	}
	sibling.WLatch()

	if h.IsLeaf() {
		nodeLeaf := AsLeafPage(node)
		sibLeaf := AsLeafPage(sibling)
		minSize := nodeLeaf.MaxSize() / 2

		if sibLeaf.Size() > minSize {
			t.redistributeLeaf(nodeLeaf, sibLeaf, parent, idx, siblingIdx, useLeft)
			sibling.WUnlatch()
			t.bpm.UnpinPage(siblingID, true)
			node.WUnlatch()
			t.bpm.UnpinPage(nodeID, true)
			t.releaseStack(stack, true)
			return
		}

		removedPageID := mergeLeaf(nodeLeaf, sibLeaf, useLeft)
		sibling.WUnlatch()
		t.bpm.UnpinPage(siblingID, true)
		node.WUnlatch()
		t.bpm.UnpinPage(nodeID, true)
		t.bpm.DeletePage(removedPageID)

		t.finishParentRemoval(parent, removedPageID, stack)
		return
	}

	nodeInt := InternalPage{h}
	sibInt := InternalPage{header{sibling}}
	minSize := nodeInt.MaxSize() / 2

	if sibInt.Size() > minSize {
		t.redistributeInternal(nodeInt, sibInt, parent, idx, siblingIdx, useLeft)
		sibling.WUnlatch()
		t.bpm.UnpinPage(siblingID, true)
		node.WUnlatch()
		t.bpm.UnpinPage(nodeID, true)
		t.releaseStack(stack, true)
		return
	}

	rightIdx := idx
	if siblingIdx > idx {
		rightIdx = siblingIdx
	}
	sepKey := parent.KeyAt(rightIdx)

	removedPageID := t.mergeInternal(nodeInt, sibInt, useLeft, sepKey)
	sibling.WUnlatch()
	t.bpm.UnpinPage(siblingID, true)
	node.WUnlatch()
	t.bpm.UnpinPage(nodeID, true)
	t.bpm.DeletePage(removedPageID)

	t.finishParentRemoval(parent, removedPageID, stack)
}

// finishParentRemoval drops the merged-away child's entry from parent
// (still write-latched, at the top of stack) and either stops, shrinks
// the root, or recurses if the parent itself is now underflowing.
func (t *BPlusTree) finishParentRemoval(parent InternalPage, removedPageID uint32, stack []*pages.Page) {
	removedIdx := parent.IndexOfChild(removedPageID)
	if removedIdx >= 0 {
		parent.RemoveAt(removedIdx)
	}

	if len(stack) == 1 && parent.Size() == 1 {
		rootPage := stack[0]
		rootID := header{rootPage}.PageID()
		onlyChild := parent.ChildAt(0)
		rootPage.WUnlatch()
		t.bpm.UnpinPage(rootID, true)

		t.rootLock.Lock()
		t.rootPageID = onlyChild
		t.persistRoot()
		t.rootLock.Unlock()

		t.setParent(onlyChild, common.InvalidPageID)
		t.bpm.DeletePage(rootID)
		return
	}

	minSize := parent.MaxSize() / 2
	if parent.Size() >= minSize || len(stack) == 1 {
		t.releaseStack(stack, true)
		return
	}

	t.handleUnderflow(stack)
}

// Height walks down the leftmost spine and counts levels, purely for
// diagnostics and tests.
func (t *BPlusTree) Height() int {
	if t.IsEmpty() {
		return 0
	}
	t.rootLock.RLock()
	pageID := t.rootPageID
	t.rootLock.RUnlock()

	height := 0
	for {
		page, err := t.bpm.FetchPage(pageID)
		if err != nil {
			return height
		}
		h := header{page}
		height++
		if h.IsLeaf() {
			t.bpm.UnpinPage(pageID, false)
			return height
		}
		next := InternalPage{h}.ChildAt(0)
		t.bpm.UnpinPage(pageID, false)
		pageID = next
	}
}
