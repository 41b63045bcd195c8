package hlbtree

import "fmt"

// btree.go implements the tree-level operations: lookup,
// insert, update-in-place, remove, and the structural maintenance
// (split/merge/find_parent) that keeps a tree's pages within its node
// invariants.
//
// The shape is grounded in the reference implementation's BLTree (formerly bltree.go):
// a small struct wrapping a buffer manager, exported Find/Insert/Delete
// entry points that each do a single top-down descent with the lock
// mode appropriate to the operation, and a fence-key-driven fixup when a
// page's boundary changes. What changes is the coupling discipline: the
// reference implementation couples locks hand-over-hand down a chain of right-linked
// pages; this design has no right links, so every structural change finds its
// parent by walking down from the tree's meta node instead of carrying a
// parent pointer or a right-sibling chain.
const maxTreeDepth = 64

// maxKeyPrefixScratch bounds the scratch buffer used to reconstruct a full
// key from a node's prefix + stored suffix.
const maxKeyPrefixScratch = 4096

// Tree is one registered B+tree: a buffer manager
// shared with every other registered tree, and a permanently pinned meta
// frame whose upper Swip is the tree's actual root.
type Tree struct {
	name    string
	bm      *BufferManager
	meta    *Frame
	metaPID PageID
	opts    TreeOptions
}

// newTree wraps a brand-new, zeroed meta frame as a fresh empty tree (used
// by Engine.register). The meta frame is reinitialized as an empty inner
// node; its upper Swip (the root reference) starts unswizzled to PageID 0
// and must be pointed at a freshly allocated empty leaf by the caller.
func newTree(name string, bm *BufferManager, meta *Frame, metaPID PageID, opts TreeOptions) *Tree {
	meta.node().init(false)
	return &Tree{name: name, bm: bm, meta: meta, metaPID: metaPID, opts: opts}
}

// attachTree wraps an already-populated meta frame (loaded from disk by
// Engine.restore) without touching its contents, unlike newTree.
func attachTree(name string, bm *BufferManager, meta *Frame, metaPID PageID, opts TreeOptions) *Tree {
	return &Tree{name: name, bm: bm, meta: meta, metaPID: metaPID, opts: opts}
}

// DebugHeight returns the current root-to-leaf depth. It is a first-class, if narrow,
// diagnostic operation, not part of the core read/write path.
func (t *Tree) DebugHeight() (int, error) { return t.debugHeight() }

// walkPages visits every page PID reachable from the tree's root in
// pre-order (meta's own page is not included; the caller already knows
// it), used by Engine.drop.
func (t *Tree) walkPages(visit func(pid PageID)) error {
	return t.walkSwip(t.meta.node().upperSwipRef(), visit)
}

func (t *Tree) walkSwip(swip swipRef, visit func(pid PageID)) error {
	w := swip.load()
	if wordIsSwizzled(w) {
		idx := wordFrameIdx(w)
		f := &t.bm.frames[idx]
		visit(f.getPID())
		n := f.node()
		if !n.isLeaf() {
			for i := 0; i < n.count(); i++ {
				if err := t.walkSwip(n.childSwipRef(i), visit); err != nil {
					return err
				}
			}
			if err := t.walkSwip(n.upperSwipRef(), visit); err != nil {
				return err
			}
		}
		return nil
	}
	pid := wordPID(w)
	if pid == invalidPID {
		return nil
	}
	visit(pid)
	buf := make([]byte, t.bm.pageSize)
	if err := t.bm.store.ReadPage(pid, buf); err != nil {
		return ioErrorf("read", pid, err)
	}
	n := newNodeView(buf)
	if !n.isLeaf() {
		for i := 0; i < n.count(); i++ {
			if err := t.walkSwip(n.childSwipRef(i), visit); err != nil {
				return err
			}
		}
		if err := t.walkSwip(n.upperSwipRef(), visit); err != nil {
			return err
		}
	}
	return nil
}

// withRestart retries fn until it returns a non-restart error, the way the
// reference implementation's PinLatch retries its victim scan: conflictRestart is purely an
// internal signal, caught at exactly this boundary.
func withRestart(fn func() error) error {
	for {
		err := fn()
		if !isRestart(err) {
			return err
		}
	}
}

// --- descent helpers ---

// rootGuard returns a guard on the tree's current root, resolved through
// the meta frame's upper Swip.
func (t *Tree) rootGuard() (*PageGuard, error) {
	metaGuard, err := newOptimisticGuard(t.bm, t.meta)
	if err != nil {
		return nil, err
	}
	return t.bm.resolveChild(metaGuard, t.meta.node().upperSwipRef())
}

// descendToLeaf walks from the root to the leaf that would contain key,
// returning an Optimistic guard on it.
func (t *Tree) descendToLeaf(key []byte) (*PageGuard, error) {
	cur, err := t.rootGuard()
	if err != nil {
		return nil, err
	}
	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			return nil, ErrCorruption
		}
		n := cur.Node()
		if n.isLeaf() {
			return cur, nil
		}
		childSwip, err := t.childSwipFor(n, key)
		if err != nil {
			return nil, err
		}
		next, err := t.bm.resolveChild(cur, childSwip)
		if err != nil {
			return nil, err
		}
		cur = next
	}
}

// childSwipFor picks the child reference that leads toward key: the first
// slot whose separator is >= key, or the rightmost (upper) child if key is
// past every separator.
func (t *Tree) childSwipFor(n node, key []byte) (swipRef, error) {
	if err := compareWithinFences(n, key); err != nil {
		return swipRef{}, err
	}
	suffix := stripPrefix(n, key)
	idx, _ := n.lowerBound(suffix)
	if idx < n.count() {
		return n.childSwipRef(idx), nil
	}
	return n.upperSwipRef(), nil
}

// compareWithinFences restarts the caller if key has drifted outside n's
// fence range since n was last validated (a concurrent split/merge moved
// the boundary).
func compareWithinFences(n node, key []byte) error {
	if n.compareKeyWithBoundaries(key) != 0 {
		return conflictRestart
	}
	return nil
}

func stripPrefix(n node, key []byte) []byte {
	pl := n.prefixLen()
	if len(key) < pl {
		return nil
	}
	return key[pl:]
}

// --- Lookup ---

// Lookup returns a copy of the payload stored for key, or ErrNotFound
//.
func (t *Tree) Lookup(key []byte) ([]byte, error) {
	var out []byte
	err := withRestart(func() error {
		leaf, err := t.descendToLeaf(key)
		if err != nil {
			return err
		}
		n := leaf.Node()
		idx, found := n.lowerBound(stripPrefix(n, key))
		if err := leaf.Validate(); err != nil {
			return err
		}
		if !found {
			leaf.Release()
			return ErrNotFound
		}
		// Upgrade to a shared latch before copying the payload out: the
		// slot's offset/length fields and the bytes they point at must not
		// be read while an exclusive writer could be mutating them
		// underneath us.
		if err := leaf.UpgradeToShared(); err != nil {
			return err
		}
		out = append([]byte(nil), n.payload(idx)...)
		leaf.Release()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Insert ---

// Insert adds key/value, returning ErrDuplicate if key is already present
//.
func (t *Tree) Insert(key, value []byte) error {
	if err := t.checkEntrySize(key, value); err != nil {
		return err
	}
	return withRestart(func() error { return t.tryInsert(key, value) })
}

func (t *Tree) tryInsert(key, value []byte) error {
	leaf, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}
	n := leaf.Node()
	idx, found := n.lowerBound(stripPrefix(n, key))
	if found {
		leaf.Release()
		return ErrDuplicate
	}
	suffix := stripPrefix(n, key)
	if n.canInsert(len(suffix), len(value)) {
		if err := leaf.UpgradeToExclusive(); err != nil {
			return err
		}
		n = leaf.Node()
		idx, found = n.lowerBound(stripPrefix(n, key))
		if found {
			leaf.Release()
			return ErrDuplicate
		}
		n.insert(idx, suffix, value)
		leaf.Frame().contention.recordModification(idx)
		leaf.Release()
		return nil
	}

	if err := leaf.UpgradeToExclusive(); err != nil {
		return err
	}
	if err := t.splitNode(leaf); err != nil {
		leaf.Release()
		return err
	}
	leaf.Release()
	return conflictRestart // retry the insert against the now-split tree
}

func (t *Tree) checkEntrySize(key, value []byte) error {
	maxEntry := int(t.bm.pageSize) - headerSize - slotSize
	if len(key)+len(value) > maxEntry {
		return ErrOutOfSpace
	}
	return nil
}

// --- Update (same-size in place) ---

// Update locates key, then applies fn to the existing payload bytes in
// place under the leaf's exclusive latch — fn must not change the
// payload's length, matching update_same_size_in_place's contract: this
// is a mutation, not a replace-and-possibly-relocate. desc names the
// sub-ranges of the payload fn is expected to touch; the tree itself
// never reads desc, it exists purely so callers building a WAL/diff
// layer on top of this package have something to record without
// re-diffing the whole payload themselves.
func (t *Tree) Update(key []byte, fn func([]byte) error, desc []ByteRange) error {
	if fn == nil {
		return fmt.Errorf("hlbtree: Update requires a non-nil fn")
	}
	return withRestart(func() error {
		leaf, err := t.descendToLeaf(key)
		if err != nil {
			return err
		}
		n := leaf.Node()
		idx, found := n.lowerBound(stripPrefix(n, key))
		if err := leaf.Validate(); err != nil {
			return err
		}
		if !found {
			leaf.Release()
			return ErrNotFound
		}
		if err := leaf.UpgradeToExclusive(); err != nil {
			return err
		}
		n = leaf.Node()
		idx, found = n.lowerBound(stripPrefix(n, key))
		if !found {
			leaf.Release()
			return ErrNotFound
		}
		pl := n.slotPayLen(idx)
		if err := fn(n.payload(idx)); err != nil {
			leaf.Release()
			return err
		}
		if n.slotPayLen(idx) != pl {
			leaf.Release()
			return fmt.Errorf("hlbtree: Update fn must not change payload length")
		}
		leaf.Frame().contention.recordModification(idx)
		leaf.Release()
		return nil
	})
}

// --- Remove ---

// Remove deletes key, returning ErrNotFound if absent. An emptied leaf triggers a best-effort merge with a sibling;
// per decision D1 (SPEC_FULL.md), a merge that cannot be completed leaves
// the underfull leaf in place rather than failing the removal that already
// succeeded; a failure other than a restart is logged.
func (t *Tree) Remove(key []byte) error {
	return withRestart(func() error {
		leaf, err := t.descendToLeaf(key)
		if err != nil {
			return err
		}
		n := leaf.Node()
		idx, found := n.lowerBound(stripPrefix(n, key))
		if !found {
			leaf.Release()
			return ErrNotFound
		}
		if err := leaf.UpgradeToExclusive(); err != nil {
			return err
		}
		n = leaf.Node()
		idx, found = n.lowerBound(stripPrefix(n, key))
		if !found {
			leaf.Release()
			return ErrNotFound
		}
		n.removeSlot(idx)
		leaf.Frame().contention.recordModification(idx)

		if n.count() == 0 {
			n.compact()
		}
		empty := n.count() == 0
		leaf.Release()

		if empty && !t.opts.UseBulkInsert && !t.bm.opts.BulkInsertMode {
			if err := t.tryMerge(key); err != nil && !isRestart(err) {
				defaultLogger.Warn().Err(err).Str("tree", t.name).Msg("hlbtree: deferred merge after empty leaf did not complete, leaving underfull page in place")
			}
		}
		return nil
	})
}

// tryMerge attempts to fold the now-empty leaf at key's position into a
// sibling. It is intentionally best-effort: any
// restart or structural mismatch simply aborts the merge, per decision D1.
func (t *Tree) tryMerge(key []byte) error {
	leaf, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}
	defer leaf.Release()
	if leaf.Node().count() != 0 {
		return nil // someone already repopulated it
	}
	if err := leaf.UpgradeToExclusive(); err != nil {
		return err
	}

	parentFrame, _, err := t.findParent(leaf.Frame())
	if err != nil {
		return err
	}
	parentGuard := newExclusiveGuard(t.bm, parentFrame)
	defer parentGuard.Release()

	pn := parentGuard.Node()
	idx, ok := locateChildIndex(pn, leaf.Frame(), t.bm.frameCount)
	if !ok {
		return conflictRestart
	}

	// Prefer the left sibling so the surviving page keeps the lower PID,
	// matching the reference implementation's deletePage which always absorbs into the
	// page being kept rather than the one being freed.
	var siblingSwip swipRef
	mergeIntoLeft := idx > 0
	if mergeIntoLeft {
		siblingSwip = pn.childSwipRef(idx - 1)
	} else if idx+1 < pn.count() {
		siblingSwip = pn.childSwipRef(idx + 1)
	} else if pn.count() > 0 {
		siblingSwip = pn.upperSwipRef()
	} else {
		return nil // only child under this parent; nothing to merge with
	}

	sibGuard, err := t.bm.resolveChild(parentGuard, siblingSwip)
	if err != nil {
		return err
	}
	defer sibGuard.Release()
	if err := sibGuard.UpgradeToExclusive(); err != nil {
		return err
	}

	left, right := leaf, sibGuard
	leftIdxInParent := idx
	if mergeIntoLeft {
		left, right = sibGuard, leaf
		leftIdxInParent = idx - 1
	}
	if left.Node().spaceUsed()+right.Node().spaceUsed()-headerSize > int(t.bm.pageSize) {
		return nil // wouldn't fit merged; leave both as-is
	}

	t.mergeInto(left.Node(), right.Node())
	left.MarkDirty()

	// Drop the parent's separator/reference for the absorbed right page
	// and free it.
	t.removeParentSlotFor(pn, left.Frame(), leftIdxInParent)
	t.bm.freePage(right.Frame().getPID())
	return nil
}

// mergeInto absorbs right's entries into left, which must already have
// enough room (checked by the caller) and keeps left's lower fence while
// adopting right's upper fence.
func (t *Tree) mergeInto(left, right node) {
	scratch := make([]byte, maxKeyPrefixScratch)
	upper := append([]byte(nil), right.upperFence()...)
	lower := append([]byte(nil), left.lowerFence()...)

	cnt := left.count()
	rightCnt := right.count()
	entries := make([]struct{ suf, pay []byte }, 0, cnt+rightCnt)
	for i := 0; i < cnt; i++ {
		full := left.fullKey(i, scratch)
		entries = append(entries, struct{ suf, pay []byte }{append([]byte(nil), full...), append([]byte(nil), left.payload(i)...)})
	}
	for i := 0; i < rightCnt; i++ {
		full := right.fullKey(i, scratch)
		entries = append(entries, struct{ suf, pay []byte }{append([]byte(nil), full...), append([]byte(nil), right.payload(i)...)})
	}

	left.init(left.isLeaf())
	left.setLowerFence(lower)
	left.setUpperFence(upper)
	left.recomputePrefix()
	pl := left.prefixLen()
	for _, e := range entries {
		suf := e.suf
		if len(suf) >= pl {
			suf = suf[pl:]
		}
		left.insert(left.count(), suf, e.pay)
	}
}

// removeParentSlotFor drops the now-stale separator that used to bound
// left on its own (left has just absorbed right's range), retargeting
// whichever reference used to reach right so it now reaches left instead.
// The tree's height never shrinks: once the root inner node is down to zero
// slots with only its upper set, it stays in place and lookups keep passing
// through it to its single child.
func (t *Tree) removeParentSlotFor(pn node, leftFrame *Frame, leftIdxInParent int) {
	var rightSwip swipRef
	if leftIdxInParent+1 < pn.count() {
		rightSwip = pn.childSwipRef(leftIdxInParent + 1)
	} else {
		rightSwip = pn.upperSwipRef()
	}
	rightSwip.swizzleTo(leftFrame.idx)
	pn.removeSlot(leftIdxInParent)
}

// locateChildIndex finds the slot (or -1 for "upper") in pn whose swip
// currently resolves to child's frame index.
func locateChildIndex(pn node, child *Frame, frameCount uint32) (int, bool) {
	for i := 0; i < pn.count(); i++ {
		if idx, ok := pn.childSwipRef(i).frameIdx(frameCount); ok && idx == child.idx {
			return i, true
		}
	}
	if idx, ok := pn.upperSwipRef().frameIdx(frameCount); ok && idx == child.idx {
		return pn.count(), true
	}
	return 0, false
}

// --- split / find_parent ---

// findParent walks top-down from the tree's meta node to the frame whose
// Swip currently points at target, using target's own fence keys to pick
// the descent path at each level. The caller must already hold some guard on
// target so its fences cannot change concurrently out from under this
// walk.
func (t *Tree) findParent(target *Frame) (*Frame, swipRef, error) {
	lowerFence := append([]byte(nil), target.node().lowerFence()...)

	cur := t.meta
	curSwip := cur.node().upperSwipRef()
	for depth := 0; depth < maxTreeDepth; depth++ {
		if idx, ok := curSwip.frameIdx(t.bm.frameCount); ok && idx == target.idx {
			return cur, curSwip, nil
		}
		guard, err := newOptimisticGuard(t.bm, cur)
		if err != nil {
			return nil, swipRef{}, err
		}
		n := guard.Node()
		if n.isLeaf() {
			return nil, swipRef{}, conflictRestart
		}
		suffix := stripPrefix(n, lowerFence)
		idx, equal := n.lowerBound(suffix)
		if equal {
			idx++ // target's lower fence is exclusive: it is the separator of target's left neighbour
		}
		var childSwip swipRef
		if idx < n.count() {
			childSwip = n.childSwipRef(idx)
		} else {
			childSwip = n.upperSwipRef()
		}
		if err := guard.Validate(); err != nil {
			return nil, swipRef{}, err
		}
		if ci, ok := childSwip.frameIdx(t.bm.frameCount); ok && ci == target.idx {
			return cur, childSwip, nil // matched before resolving: target may be latched by the caller
		}
		childGuard, err := t.bm.resolveChild(guard, childSwip)
		if err != nil {
			return nil, swipRef{}, err
		}
		cur = childGuard.Frame()
		curSwip = childSwip
	}
	return nil, swipRef{}, ErrCorruption
}

// splitPosFor picks splitPos, the first slot that moves to the new right
// page (the key at splitPos-1 becomes the separator). The default is the
// median by slot count; when Options.ContentionSplitEnable is set,
// BulkInsertMode is off, and f's sampled restart rate is over
// ContentionSplitThresholdPct, the split instead lands just past f's
// last-modified slot, so the hot slot becomes the last entry of the left
// half and the slots after it move to the right page. A last-modified slot
// outside [0, cnt-1) is ignored and the median is used; the result is
// always clamped into [1, cnt-1]. Sampling is a fast power-of-two mask on the
// frame's access count rather than a real random draw, matching
// ContentionSplitSampleRate's doc comment, so the probe stays deterministic
// and testable.
func (t *Tree) splitPosFor(f *Frame, cnt int) int {
	splitPos := cnt / 2
	opts := t.bm.opts
	if opts.ContentionSplitEnable && !opts.BulkInsertMode {
		sampled := f.contention.accessCount.Load()&(opts.ContentionSplitSampleRate-1) == 0
		if sampled && f.contention.restartRatePct() > opts.ContentionSplitThresholdPct {
			if slot := int(f.contention.lastModifiedSlot.Load()); slot >= 0 && slot < cnt-1 {
				splitPos = slot + 1
			}
		}
	}
	if splitPos < 1 {
		splitPos = 1
	}
	if splitPos > cnt-1 {
		splitPos = cnt - 1
	}
	return splitPos
}

// splitNode splits the exclusively-held page g in half, inserting the new
// separator into g's parent (recursively making room there first if
// needed) and retargeting the swip that used to reach the whole of g so it
// now reaches the newly allocated right half. When g is the tree's root, a
// new empty inner root is first placed between the meta node and g. A page
// with fewer than two entries cannot be split and yields ErrOutOfSpace.
func (t *Tree) splitNode(g *PageGuard) error {
	n := g.Node()
	cnt := n.count()
	if cnt < 2 {
		return ErrOutOfSpace // nothing useful to split: the entry cannot be made to fit
	}
	splitPos := t.splitPosFor(g.Frame(), cnt)

	parentFrame, parentSwip, err := t.findParent(g.Frame())
	if err != nil {
		return err
	}
	parentGuard := newExclusiveGuard(t.bm, parentFrame)
	if idx, ok := parentSwip.frameIdx(t.bm.frameCount); !ok || idx != g.Frame().idx {
		parentGuard.Release()
		return conflictRestart
	}
	if parentFrame == t.meta {
		// g is the tree's root: put a new, empty inner root between the meta
		// node and g, then split g under it.
		rootGuard, _, err := t.bm.allocatePage()
		if err != nil {
			parentGuard.Release()
			return err
		}
		rootGuard.Node().init(false)
		rootGuard.Node().upperSwipRef().swizzleTo(g.Frame().idx)
		parentSwip.swizzleTo(rootGuard.Frame().idx)
		rootGuard.Release()
		parentGuard.Release()
		return t.splitNode(g)
	}

	scratch := make([]byte, maxKeyPrefixScratch)
	leftMaxKey := append([]byte(nil), n.fullKey(splitPos-1, scratch)...)
	sepSuffix := stripPrefix(parentGuard.Node(), leftMaxKey)

	if !parentGuard.Node().canInsert(len(sepSuffix), 8) {
		if err := t.splitNode(parentGuard); err != nil {
			parentGuard.Release()
			return err
		}
		parentGuard.Release()
		return t.splitNode(g) // ancestor now has room; re-findParent and retry
	}

	origUpper := append([]byte(nil), n.upperFence()...)
	origLower := append([]byte(nil), n.lowerFence()...)
	isLeaf := n.isLeaf()

	rightGuard, _, err := t.bm.allocatePage()
	if err != nil {
		parentGuard.Release()
		return err
	}
	rn := rightGuard.Node()
	rn.init(isLeaf)
	rn.setLowerFence(leftMaxKey)
	rn.setUpperFence(origUpper)
	rn.recomputePrefix()
	rn.copyEntriesReprefix(n, splitPos, cnt, scratch)
	if !isLeaf {
		rn.setUpperSwipWord(n.upperSwipWord()) // the right half inherits g's rightmost child
	}
	rightGuard.MarkDirty()

	tmpBuf := make([]byte, t.bm.pageSize)
	tmp := newNodeView(tmpBuf)
	tmp.init(isLeaf)
	tmp.setLowerFence(origLower)
	tmp.setUpperFence(leftMaxKey)
	tmp.recomputePrefix()
	leftEnd := splitPos
	if !isLeaf {
		// the promoted separator's child becomes the left half's upper child
		leftEnd = splitPos - 1
		tmp.setUpperSwipWord(n.childSwipRef(splitPos - 1).load())
	}
	tmp.copyEntriesReprefix(n, 0, leftEnd, scratch)
	copy(g.Frame().data, tmpBuf)
	g.MarkDirty()

	pn := parentGuard.Node()
	idx, found := pn.lowerBound(sepSuffix)
	if found {
		parentGuard.Release()
		rightGuard.Release()
		return ErrCorruption // a separator key collision means two pages claim the same max key
	}
	pn.insert(idx, sepSuffix, swipBytes(swipFromFrame(g.Frame().idx)))
	// parentSwip's slot moved in the slot array but not in the heap (see
	// swip.go / node.go doc comments); it still addresses the same word,
	// which now must describe the right half.
	parentSwip.swizzleTo(rightGuard.Frame().idx)
	parentGuard.Release()
	rightGuard.Release()
	return nil
}

// debugHeight walks the leftmost spine from the root and returns its
// length, for tests that assert a split actually grew the tree.
func (t *Tree) debugHeight() (int, error) {
	height := 0
	err := withRestart(func() error {
		height = 0
		cur, err := t.rootGuard()
		if err != nil {
			return err
		}
		for {
			n := cur.Node()
			height++
			if n.isLeaf() {
				if err := cur.Validate(); err != nil {
					return err
				}
				return nil
			}
			var childSwip swipRef
			if n.count() > 0 {
				childSwip = n.childSwipRef(0)
			} else {
				childSwip = n.upperSwipRef()
			}
			next, err := t.bm.resolveChild(cur, childSwip)
			if err != nil {
				return err
			}
			cur = next
		}
	})
	return height, err
}
