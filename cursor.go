package hlbtree

// cursor.go implements the iterator: a Reset/Positioned/End
// state machine over a tree's leaves, with forward and backward scans and
// restart-safe seeks.
//
// The reference implementation's BLTreeItr (formerly in bltree.go) is a fully-materialized
// snapshot: FindKey walks the whole result set into two parallel slices up
// front and Next just walks an index across them. That throws away the
// entire point of optimistic concurrency (a scan would then see a single
// instant's view, and nothing else could run concurrently with the scan
// that built it). This design keeps the reference implementation's simple pull-based
// Next() shape (the entry is then read through Key/Value) but makes every step a genuine
// restartable probe into the live tree: a Cursor holds at most one leaf's
// Optimistic guard at a time, the way a lookup does.
type cursorState uint8

const (
	cursorReset cursorState = iota
	cursorPositioned
	cursorEnd
)

// Cursor walks one tree's keys in order. It is not safe for concurrent use
// from multiple goroutines; each goroutine wanting to scan
// should open its own Cursor.
type Cursor struct {
	tree  *Tree
	state cursorState
	leaf  *PageGuard
	slot  int
	// key/value are copies of the currently-positioned entry, refreshed on
	// every successful Seek/Next/Prev and invalidated by Reset.
	key, value []byte
}

// NewCursor opens a cursor over t, initially Reset.
func NewCursor(t *Tree) *Cursor {
	return &Cursor{tree: t, state: cursorReset}
}

// Reset releases any held leaf guard and returns the cursor to its initial
// state.
func (c *Cursor) Reset() {
	if c.leaf != nil {
		c.leaf.Release()
		c.leaf = nil
	}
	c.state = cursorReset
	c.key, c.value = nil, nil
}

// Positioned reports whether the cursor currently sits on a live entry.
func (c *Cursor) Positioned() bool { return c.state == cursorPositioned }

// End reports whether the cursor has run off either end of the tree.
func (c *Cursor) End() bool { return c.state == cursorEnd }

// Key returns the current entry's key. Valid only while Positioned.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current entry's payload. Valid only while Positioned.
func (c *Cursor) Value() []byte { return c.value }

// Seek positions the cursor at the first key >= target. If no such key exists the cursor becomes End.
func (c *Cursor) Seek(target []byte) error {
	return withRestart(func() error { return c.trySeek(target) })
}

// SeekExact positions the cursor at target only if it is present exactly,
// otherwise leaves it Reset and returns ErrNotFound.
func (c *Cursor) SeekExact(target []byte) error {
	err := withRestart(func() error { return c.trySeek(target) })
	if err == nil && !bytesEqualCurrentKey(c, target) {
		c.Reset()
		return ErrNotFound
	}
	return err
}

func bytesEqualCurrentKey(c *Cursor, target []byte) bool {
	if c.state != cursorPositioned {
		return false
	}
	return keysEqual(c.key, target)
}

func keysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SeekForPrev positions the cursor at the last key <= target. Unlike Seek, this is its own descent rather than a
// forward seek plus a Prev() step, since a forward seek that runs off the
// end of the tree has nowhere to step back *from*.
func (c *Cursor) SeekForPrev(target []byte) error {
	return withRestart(func() error { return c.trySeekForPrev(target) })
}

func (c *Cursor) trySeek(target []byte) error {
	c.Reset()
	leaf, err := c.tree.descendToLeaf(target)
	if err != nil {
		return err
	}
	n := leaf.Node()
	idx, _ := n.lowerBound(stripPrefix(n, target))
	if err := leaf.Validate(); err != nil {
		leaf.Release()
		return err
	}
	if idx >= n.count() {
		return c.advanceToNextLeaf(leaf)
	}
	return c.settle(leaf, idx)
}

func (c *Cursor) trySeekForPrev(target []byte) error {
	c.Reset()
	leaf, err := c.tree.descendToLeaf(target)
	if err != nil {
		return err
	}
	n := leaf.Node()
	idx, found := n.lowerBound(stripPrefix(n, target))
	if err := leaf.Validate(); err != nil {
		leaf.Release()
		return err
	}
	if found {
		return c.settle(leaf, idx)
	}
	if idx > 0 {
		return c.settle(leaf, idx-1)
	}
	// target is less than every key in this leaf; its predecessor, if any,
	// lives in the previous leaf.
	prev, err := c.tree.prevLeafBefore(leaf.Frame())
	leaf.Release()
	if err != nil {
		if err == errNoMoreLeaves {
			c.state = cursorEnd
			return nil
		}
		return err
	}
	cnt := prev.Node().count()
	if cnt == 0 {
		prev.Release()
		c.state = cursorEnd
		return nil
	}
	return c.settle(prev, cnt-1)
}

// advanceToNextLeaf is reached when a forward seek's lower_bound lands past
// the end of the leaf it landed on (the key belongs to a later leaf
// entirely, or past every key in the tree). leaf is still held and not yet
// released.
func (c *Cursor) advanceToNextLeaf(leaf *PageGuard) error {
	nextGuard, err := c.tree.nextLeafAfter(leaf.Frame())
	leaf.Release()
	if err != nil {
		if err == errNoMoreLeaves {
			c.state = cursorEnd
			return nil
		}
		return err
	}
	if nextGuard.Node().count() == 0 {
		nextGuard.Release()
		c.state = cursorEnd
		return nil
	}
	return c.settle(nextGuard, 0)
}

// settle copies out the key/value at slot and parks leaf as the cursor's
// held guard. The copy happens under a Shared latch, matching Lookup: leaf
// and value bytes must not be read while an exclusive writer could be
// mutating them concurrently. The guard is downgraded back to Optimistic
// immediately afterward so the cursor doesn't hold a real lock between
// steps.
func (c *Cursor) settle(leaf *PageGuard, slot int) error {
	if err := leaf.UpgradeToShared(); err != nil {
		leaf.Release()
		return err
	}
	n := leaf.Node()
	scratch := make([]byte, maxKeyPrefixScratch)
	c.key = append([]byte(nil), n.fullKey(slot, scratch)...)
	c.value = append([]byte(nil), n.payload(slot)...)
	leaf.downgradeToOptimistic()
	c.leaf = leaf
	c.slot = slot
	c.state = cursorPositioned
	return nil
}

// Next advances to the next key in ascending order.
func (c *Cursor) Next() error {
	if c.state != cursorPositioned {
		return ErrNotFound
	}
	return withRestart(func() error { return c.tryNext() })
}

func (c *Cursor) tryNext() error {
	if c.leaf == nil || c.leaf.Validate() != nil {
		// The pinned leaf changed shape since we last looked (or an earlier
		// attempt already released it); re-seek from the last known key
		// rather than trusting the cached slot index.
		key := append([]byte(nil), c.key...)
		c.Reset()
		return c.reseekAfter(key)
	}
	n := c.leaf.Node()
	if c.slot+1 < n.count() {
		return c.settle(c.leaf, c.slot+1)
	}
	frame := c.leaf.Frame()
	c.leaf.Release()
	c.leaf = nil
	next, err := c.tree.nextLeafAfter(frame)
	if err != nil {
		if err == errNoMoreLeaves {
			c.state = cursorEnd
			return nil
		}
		return err
	}
	if next.Node().count() == 0 {
		next.Release()
		c.state = cursorEnd
		return nil
	}
	return c.settle(next, 0)
}

func (c *Cursor) reseekAfter(key []byte) error {
	if err := c.trySeek(key); err != nil {
		return err
	}
	if c.state == cursorPositioned && keysEqual(c.key, key) {
		return c.tryNext()
	}
	return nil
}

// Prev moves to the previous key in ascending order.
func (c *Cursor) Prev() error {
	if c.state != cursorPositioned {
		return ErrNotFound
	}
	return withRestart(func() error { return c.tryPrev() })
}

func (c *Cursor) tryPrev() error {
	if c.leaf != nil {
		if err := c.leaf.Validate(); err == nil {
			if c.slot > 0 {
				return c.settle(c.leaf, c.slot-1)
			}
		}
	}
	if c.leaf != nil {
		frame := c.leaf.Frame()
		c.leaf.Release()
		c.leaf = nil
		prev, err := c.tree.prevLeafBefore(frame)
		if err != nil {
			if err == errNoMoreLeaves {
				c.state = cursorEnd
				return nil
			}
			return err
		}
		cnt := prev.Node().count()
		if cnt == 0 {
			prev.Release()
			c.state = cursorEnd
			return nil
		}
		return c.settle(prev, cnt-1)
	}
	c.state = cursorEnd
	return nil
}

// --- leaf-to-leaf traversal ---

var errNoMoreLeaves = newSentinel("hlbtree: no more leaves")

func newSentinel(msg string) error { return &sentinelErr{msg} }

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

// nextLeafAfter finds the leaf immediately to the right of leaf in key
// order by climbing through ancestors (via repeated findParent calls, each
// itself a top-down walk) until one is found whose child position isn't
// already the last, then descending that next sibling's left spine back
// down to leaf level.
func (t *Tree) nextLeafAfter(leaf *Frame) (*PageGuard, error) {
	child := leaf
	for depth := 0; depth < maxTreeDepth; depth++ {
		parentFrame, _, err := t.findParent(child)
		if err != nil {
			return nil, err
		}
		if parentFrame == t.meta {
			return nil, errNoMoreLeaves
		}
		pg, err := newOptimisticGuard(t.bm, parentFrame)
		if err != nil {
			return nil, err
		}
		pn := pg.Node()
		idx, ok := locateChildIndex(pn, child, t.bm.frameCount)
		if !ok {
			pg.Release()
			return nil, conflictRestart
		}
		if idx < pn.count() {
			var nextSwip swipRef
			if idx+1 < pn.count() {
				nextSwip = pn.childSwipRef(idx + 1)
			} else {
				nextSwip = pn.upperSwipRef()
			}
			if err := pg.Validate(); err != nil {
				return nil, err
			}
			nextChild, err := t.bm.resolveChild(pg, nextSwip)
			if err != nil {
				return nil, err
			}
			return t.leftSpineDescend(nextChild)
		}
		// child was reached via upper: no sibling to its right at this level.
		child = parentFrame
	}
	return nil, ErrCorruption
}

// prevLeafBefore is the mirror of nextLeafAfter.
func (t *Tree) prevLeafBefore(leaf *Frame) (*PageGuard, error) {
	child := leaf
	for depth := 0; depth < maxTreeDepth; depth++ {
		parentFrame, _, err := t.findParent(child)
		if err != nil {
			return nil, err
		}
		if parentFrame == t.meta {
			return nil, errNoMoreLeaves
		}
		pg, err := newOptimisticGuard(t.bm, parentFrame)
		if err != nil {
			return nil, err
		}
		pn := pg.Node()
		idx, ok := locateChildIndex(pn, child, t.bm.frameCount)
		if !ok {
			pg.Release()
			return nil, conflictRestart
		}
		if idx > 0 {
			prevSwip := pn.childSwipRef(idx - 1)
			if err := pg.Validate(); err != nil {
				return nil, err
			}
			prevChild, err := t.bm.resolveChild(pg, prevSwip)
			if err != nil {
				return nil, err
			}
			return t.rightSpineDescend(prevChild)
		}
		child = parentFrame
	}
	return nil, ErrCorruption
}

// leftSpineDescend resolves down the leftmost child at every level starting
// from g until a leaf is reached.
func (t *Tree) leftSpineDescend(g *PageGuard) (*PageGuard, error) {
	cur := g
	for depth := 0; depth < maxTreeDepth; depth++ {
		n := cur.Node()
		if n.isLeaf() {
			return cur, nil
		}
		var swip swipRef
		if n.count() > 0 {
			swip = n.childSwipRef(0)
		} else {
			swip = n.upperSwipRef()
		}
		next, err := t.bm.resolveChild(cur, swip)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return nil, ErrCorruption
}

// rightSpineDescend resolves down the rightmost (upper) child at every
// level starting from g until a leaf is reached.
func (t *Tree) rightSpineDescend(g *PageGuard) (*PageGuard, error) {
	cur := g
	for depth := 0; depth < maxTreeDepth; depth++ {
		n := cur.Node()
		if n.isLeaf() {
			return cur, nil
		}
		next, err := t.bm.resolveChild(cur, n.upperSwipRef())
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return nil, ErrCorruption
}

// ScanAsc calls fn for every key >= start in ascending order until fn
// returns false or the tree is exhausted, using
// its own private Cursor.
func (t *Tree) ScanAsc(start []byte, fn func(key, value []byte) bool) error {
	c := NewCursor(t)
	defer c.Reset()
	if err := c.Seek(start); err != nil {
		return err
	}
	for c.Positioned() {
		if !fn(c.Key(), c.Value()) {
			return nil
		}
		if err := c.Next(); err != nil {
			return err
		}
	}
	return nil
}

// ScanDesc calls fn for every key <= start in descending order until fn
// returns false or the tree is exhausted.
func (t *Tree) ScanDesc(start []byte, fn func(key, value []byte) bool) error {
	c := NewCursor(t)
	defer c.Reset()
	if err := c.SeekForPrev(start); err != nil {
		return err
	}
	for c.Positioned() {
		if !fn(c.Key(), c.Value()) {
			return nil
		}
		if err := c.Prev(); err != nil {
			return err
		}
	}
	return nil
}
