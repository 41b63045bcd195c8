package hlbtree

import "sync/atomic"

// contentionTracker records the (last_modified_slot, restart_count,
// access_count) triple attached to every frame, used to drive
// the optional contention-split probe.
type contentionTracker struct {
	lastModifiedSlot atomic.Int32
	restartCount     atomic.Uint32
	accessCount      atomic.Uint32
}

func (c *contentionTracker) recordAccess() {
	c.accessCount.Add(1)
}

func (c *contentionTracker) recordRestart() {
	c.restartCount.Add(1)
}

func (c *contentionTracker) recordModification(slot int) {
	c.lastModifiedSlot.Store(int32(slot))
}

// restartRatePct is an integer-percent estimate of how often accesses to
// this frame hit a conflict restart, sampled (not reset) the way the
// reference implementation's reads/writes counters in bltree.go are free-running.
func (c *contentionTracker) restartRatePct() uint32 {
	acc := c.accessCount.Load()
	if acc == 0 {
		return 0
	}
	return (c.restartCount.Load() * 100) / acc
}

// Frame is a cache slot: a page image plus its header fields
// (latch, state, pid, dirty, contention tracker). Frames are preallocated
// in one contiguous array by the BufferManager (see bufmgr.go) and reused
// via the free list; data is a sub-slice of that array's single backing
// buffer, so no frame ever causes its own heap allocation.
type Frame struct {
	latch      HybridLatch
	state      atomic.Uint32 // frameState
	pid        atomic.Uint64 // PageID; valid while state != Free
	dirty      atomic.Bool
	contention contentionTracker

	idx  uint32 // this frame's own index in BufferManager.frames
	data []byte // page image, len == Options.PageSize
}

func (f *Frame) getState() frameState   { return frameState(f.state.Load()) }
func (f *Frame) setState(s frameState)  { f.state.Store(uint32(s)) }
func (f *Frame) getPID() PageID         { return PageID(f.pid.Load()) }
func (f *Frame) setPID(p PageID)        { f.pid.Store(uint64(p)) }
func (f *Frame) isDirty() bool          { return f.dirty.Load() }
func (f *Frame) markDirty()             { f.dirty.Store(true) }
func (f *Frame) clearDirty()            { f.dirty.Store(false) }
func (f *Frame) node() node             { return newNodeView(f.data) }
