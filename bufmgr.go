package hlbtree

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// BufferManager is the page cache: it maps PageIDs to
// in-memory Frames, evicts cold frames through a cooling pipeline to the
// backing file, and runs a background page-provider pool.
//
// The reference implementation's BufMgr (formerly in this file) delegated the actual frame
// array and eviction policy to an external "parent" buffer pool reached
// through interfaces.ParentBufMgr, and kept its own hashTable/latchs/
// pagePool arrays purely as a second-level cache over that delegate. This
// module's BufferManager is the single, self-contained buffer pool (no
// second level to delegate to), so it keeps the reference implementation's shape — one
// fixed-size frame array, a hash index from page identity to frame slot,
// a free list, a page-provider pool doing cooling/write-back — but owns
// every part of it directly instead of forwarding to a parent.
type BufferManager struct {
	opts       Options
	pageSize   uint32
	frameCount uint32

	backing []byte  // one contiguous allocation backing every frame's page image
	frames  []Frame // fixed-size frame array

	frameTable sync.Map // PageID -> uint32 frame index, for resident-but-possibly-cool lookups

	freeList chan uint32 // free frame indices, ready for allocation/load
	coolList chan uint32 // frame indices in the Cool state awaiting write-back+eviction

	clockHand atomic.Uint32

	store pageStore

	nextPID  atomic.Uint64
	freePIDs chan PageID // pages freed by merges, reused before minting new PIDs

	// findParent lets the eviction pipeline locate a cooling candidate's
	// parent without frames carrying parent pointers. It is supplied by the Engine
	// once trees are registered (registry.go) and walks from a tree's
	// meta node down to the candidate the same way btree.go's findParent
	// does for a live traversal.
	findParent func(child *Frame) (parentFrame *Frame, swip swipRef, err error)

	closeCh chan struct{}
	group   *errgroup.Group

	stats bmStats
}

type bmStats struct {
	reads, writes, evictions, coolings, reclaims atomic.Uint64
}

// newBufferManager builds a BufferManager over store with opts.frameCount()
// frames, all initially Free.
func newBufferManager(opts Options, store pageStore) (*BufferManager, error) {
	frameCount := opts.frameCount()
	if frameCount > 1<<31 {
		return nil, fmt.Errorf("hlbtree: frame count %d too large", frameCount)
	}
	bm := &BufferManager{
		opts:       opts,
		pageSize:   opts.PageSize,
		frameCount: uint32(frameCount),
		backing:    make([]byte, frameCount*uint64(opts.PageSize)),
		frames:     make([]Frame, frameCount),
		freeList:   make(chan uint32, frameCount),
		coolList:   make(chan uint32, frameCount),
		store:      store,
		freePIDs:   make(chan PageID, 1024),
		closeCh:    make(chan struct{}),
	}
	bm.nextPID.Store(1) // PageID 0 is reserved as invalidPID
	for i := uint64(0); i < frameCount; i++ {
		f := &bm.frames[i]
		f.idx = uint32(i)
		f.data = bm.backing[i*uint64(opts.PageSize) : (i+1)*uint64(opts.PageSize)]
		f.setState(stateFree)
		bm.freeList <- uint32(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	bm.group = g
	for i := 0; i < opts.PPThreads; i++ {
		g.Go(func() error {
			bm.providerLoop(gctx)
			return nil
		})
	}
	go func() {
		<-bm.closeCh
		cancel()
	}()
	return bm, nil
}

// Close stops the page-provider pool and flushes every dirty frame
//.
func (bm *BufferManager) Close() error {
	close(bm.closeCh)
	_ = bm.group.Wait()
	if err := bm.flushAll(); err != nil {
		bm.store.Close()
		return err
	}
	return bm.store.Close()
}

func (bm *BufferManager) flushAll() error {
	n := 0
	for i := range bm.frames {
		f := &bm.frames[i]
		if f.getState() == stateFree {
			continue
		}
		if f.isDirty() {
			if err := bm.store.WritePage(f.getPID(), f.data); err != nil {
				return ioErrorf("flush", f.getPID(), err)
			}
			f.clearDirty()
			n++
		}
	}
	defaultLogger.Debug().Int("count", n).Msg("hlbtree: dirty pages flushed")
	return bm.store.Sync()
}

// --- allocation ---

// allocatePage picks a free frame, assigns a fresh PID, and returns an
// exclusive guard over a zero-initialized page. Reused PIDs from freePIDs are preferred over minting
// new ones, the same free-page-chain-first policy as the reference implementation's
// NewPage ("use empty chain first, else allocate empty page").
func (bm *BufferManager) allocatePage() (*PageGuard, PageID, error) {
	idx, err := bm.getFreeFrame()
	if err != nil {
		return nil, 0, err
	}
	var pid PageID
	select {
	case pid = <-bm.freePIDs:
	default:
		pid = PageID(bm.nextPID.Add(1) - 1)
	}
	f := &bm.frames[idx]
	f.setPID(pid)
	f.setState(stateHot)
	f.clearDirty()
	f.node().init(true)
	bm.frameTable.Store(pid, idx)
	g := newExclusiveGuard(bm, f)
	return g, pid, nil
}

// freePage returns pid to the free-page list for reuse.
// The frame, if resident, is released back to the frame free list too.
func (bm *BufferManager) freePage(pid PageID) {
	if v, ok := bm.frameTable.LoadAndDelete(pid); ok {
		idx := v.(uint32)
		f := &bm.frames[idx]
		f.clearDirty()
		f.setState(stateFree)
		bm.freeList <- idx
	}
	select {
	case bm.freePIDs <- pid:
	default: // free-page list full: fall through, PID is simply never reused
	}
}

func (bm *BufferManager) getFreeFrame() (uint32, error) {
	select {
	case idx := <-bm.freeList:
		return idx, nil
	default:
	}
	// No free frame ready: force a synchronous cooling+eviction round so a
	// caller isn't left blocking forever on the background providers (this
	// matters most with PPThreads left at its default of 1 under a tight
	// RAM budget in tests).
	for i := 0; i < int(bm.frameCount)*2; i++ {
		bm.coolingRound()
		bm.evictionRound()
		select {
		case idx := <-bm.freeList:
			return idx, nil
		default:
		}
	}
	return 0, fmt.Errorf("hlbtree: no free frame available (ram_budget_bytes too small for working set)")
}

// pinnedFrame allocates a page and returns its frame with no guard held.
// It does not mark the frame in any way: a tree's meta frame stays resident
// only because no Swip points at it, so findParent never finds a parent for
// it and the cooling pipeline leaves it alone. Engine.Register also uses it
// for a new tree's first leaf, which can be cooled like any other child.
func (bm *BufferManager) pinnedFrame() (*Frame, PageID, error) {
	g, pid, err := bm.allocatePage()
	if err != nil {
		return nil, 0, err
	}
	f := g.Frame()
	g.Release()
	return f, pid, nil
}

// --- resolution ---

// resolveChild follows swip from parentGuard, returning an Optimistic
// guard on the child. This is the hand-over-hand coupling discipline:
// when the child is already swizzled, its latch is read optimistically
// and only then is the parent revalidated, so the common case never blocks
// on any latch at all.
func (bm *BufferManager) resolveChild(parentGuard *PageGuard, swip swipRef) (*PageGuard, error) {
	w := swip.load()
	if wordIsSwizzled(w) {
		idx := wordFrameIdx(w)
		if idx >= bm.frameCount {
			return nil, conflictRestart
		}
		f := &bm.frames[idx]
		childGuard, err := newOptimisticGuard(bm, f)
		if err != nil {
			return nil, err
		}
		if err := parentGuard.Validate(); err != nil {
			return nil, err
		}
		return childGuard, nil
	}

	pid := wordPID(w)
	if v, ok := bm.frameTable.Load(pid); ok {
		idx := v.(uint32)
		if err := bm.reswizzle(parentGuard, swip, w, idx); err != nil {
			return nil, err
		}
		bm.stats.reclaims.Add(1)
		return newOptimisticGuard(bm, &bm.frames[idx])
	}

	idx, err := bm.loadFromDisk(pid)
	if err != nil {
		return nil, err
	}
	if err := bm.reswizzle(parentGuard, swip, w, idx); err != nil {
		bm.recycleFrame(idx)
		return nil, err
	}
	return newOptimisticGuard(bm, &bm.frames[idx])
}

// loadFromDisk reads pid into a freshly obtained frame and installs it
// resident (state=Loaded) but not yet swizzled into any parent.
func (bm *BufferManager) loadFromDisk(pid PageID) (uint32, error) {
	idx, err := bm.getFreeFrame()
	if err != nil {
		return 0, err
	}
	f := &bm.frames[idx]
	f.setState(stateLoaded)
	if err := bm.store.ReadPage(pid, f.data); err != nil {
		bm.recycleFrame(idx)
		return 0, ioErrorf("read", pid, err)
	}
	bm.stats.reads.Add(1)
	f.setPID(pid)
	f.clearDirty()
	bm.frameTable.Store(pid, idx)
	return idx, nil
}

// recycleFrame abandons a partially-installed frame (e.g. the parent's
// version changed between load and install), returning it to the free
// list.
func (bm *BufferManager) recycleFrame(idx uint32) {
	f := &bm.frames[idx]
	if v, ok := bm.frameTable.Load(f.getPID()); ok && v.(uint32) == idx {
		bm.frameTable.Delete(f.getPID())
	}
	f.clearDirty()
	f.setState(stateFree)
	bm.freeList <- idx
}

// reswizzle installs idx into swip under the exclusive latch of the frame
// hosting swip, then restores parentGuard to its original acquisition
// mode at the new version.
func (bm *BufferManager) reswizzle(parentGuard *PageGuard, swip swipRef, oldWord uint64, idx uint32) error {
	origMode := parentGuard.mode
	if err := parentGuard.UpgradeToExclusive(); err != nil {
		return err
	}
	if swip.load() != oldWord {
		// Someone else already resolved (or structurally changed) this
		// slot while we were loading the page from disk.
		if origMode != GuardExclusive {
			parentGuard.Release()
		}
		return conflictRestart
	}
	swip.swizzleTo(idx)
	bm.frames[idx].setState(stateHot)

	switch origMode {
	case GuardExclusive:
		return nil
	case GuardShared:
		parentGuard.Release()
		*parentGuard = *newSharedGuard(bm, parentGuard.frame)
	default:
		parentGuard.Release()
		g, err := newOptimisticGuard(bm, parentGuard.frame)
		if err != nil {
			return err
		}
		*parentGuard = *g
	}
	return nil
}

// --- cooling pipeline ---

func (bm *BufferManager) providerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		bm.coolingRound()
		bm.evictionRound()
	}
}

// coolingRound samples one frame by clock-style scanning and, if it is Hot,
// attempts to move it to Cool.
func (bm *BufferManager) coolingRound() {
	if bm.frameCount == 0 {
		return
	}
	hand := bm.clockHand.Add(1) % bm.frameCount
	f := &bm.frames[hand]
	if f.getState() != stateHot {
		return
	}
	bm.tryCool(f)
}

// tryCool unswizzles f out of its parent and marks it Cool. Failing to
// find a parent, or losing a race to someone else who already changed the
// swip, simply leaves f Hot for the next clock pass to retry.
func (bm *BufferManager) tryCool(f *Frame) {
	if bm.findParent == nil {
		return // no tree registered yet to find a parent through
	}
	parentFrame, swip, err := bm.findParent(f)
	if err != nil || parentFrame == nil {
		return // meta frames (no parent) and a find_parent miss are left alone
	}
	parentGuard := newExclusiveGuard(bm, parentFrame)
	defer parentGuard.Release()

	if idx, ok := swip.frameIdx(bm.frameCount); !ok || idx != f.idx {
		return // raced with someone else already
	}
	childGuard, err := newOptimisticGuard(bm, f)
	if err != nil {
		return
	}
	if err := childGuard.UpgradeToExclusive(); err != nil {
		return
	}
	defer childGuard.Release()

	swip.unswizzleTo(f.getPID())
	f.setState(stateCool)
	bm.stats.coolings.Add(1)
	select {
	case bm.coolList <- f.idx:
	default:
	}
}

// evictionRound drains one Cool frame: writes it back if dirty, then frees
// it.
func (bm *BufferManager) evictionRound() {
	select {
	case idx := <-bm.coolList:
		f := &bm.frames[idx]
		if f.getState() != stateCool {
			return // reclaimed back to Hot before we got to it
		}
		if f.isDirty() {
			if err := bm.store.WritePage(f.getPID(), f.data); err != nil {
				defaultLogger.Warn().Err(err).Uint64("pid", uint64(f.getPID())).Msg("hlbtree: eviction write-back failed, leaving frame cool")
				select {
				case bm.coolList <- idx:
				default:
				}
				return
			}
			bm.stats.writes.Add(1)
			f.clearDirty()
		}
		bm.frameTable.Delete(f.getPID())
		f.setState(stateFree)
		bm.stats.evictions.Add(1)
		bm.freeList <- idx
	default:
	}
}
