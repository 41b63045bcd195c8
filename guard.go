package hlbtree

// GuardMode is one of the three acquisition modes a PageGuard can hold.
type GuardMode uint8

const (
	GuardOptimistic GuardMode = iota
	GuardShared
	GuardExclusive
)

// PageGuard is a scoped, RAII-style acquisition of a Frame. Go has no
// destructors, so "scoped" here means: every
// function that acquires one is responsible for calling Release (typically
// via defer) before returning, and every error path that can observe
// conflictRestart must still release whatever guards it already holds
// before propagating — ordinary defer/scope-exit gives this for free,
// standing in for the source's long-jump unwinder.
type PageGuard struct {
	bm      *BufferManager
	frame   *Frame
	mode    GuardMode
	version uint64 // snapshot for Optimistic/Shared validation
	done    bool
}

// newOptimisticGuard begins an optimistic read of f.
func newOptimisticGuard(bm *BufferManager, f *Frame) (*PageGuard, error) {
	v, err := f.latch.optimisticReadBegin()
	if err != nil {
		f.contention.recordRestart()
		return nil, conflictRestart
	}
	f.contention.recordAccess()
	return &PageGuard{bm: bm, frame: f, mode: GuardOptimistic, version: v}, nil
}

// newSharedGuard blocks for a shared acquisition of f.
func newSharedGuard(bm *BufferManager, f *Frame) *PageGuard {
	v := f.latch.acquireShared()
	f.contention.recordAccess()
	return &PageGuard{bm: bm, frame: f, mode: GuardShared, version: v}
}

// newExclusiveGuard blocks for an exclusive acquisition of f. Mark-dirty is
// implicit on release, not acquisition.
func newExclusiveGuard(bm *BufferManager, f *Frame) *PageGuard {
	f.latch.acquireExclusive()
	f.contention.recordAccess()
	return &PageGuard{bm: bm, frame: f, mode: GuardExclusive, version: f.latch.currentVersion()}
}

// Node exposes the slotted-page view of the guarded frame.
func (g *PageGuard) Node() node { return g.frame.node() }

// Frame returns the underlying frame (used by find_parent / cursor to
// compare identities across guards).
func (g *PageGuard) Frame() *Frame { return g.frame }

// Mode reports the guard's current acquisition mode.
func (g *PageGuard) Mode() GuardMode { return g.mode }

// Validate re-checks an Optimistic guard's version. Shared/Exclusive
// guards are always valid by construction (they block concurrent
// writers), so Validate is a no-op for them.
func (g *PageGuard) Validate() error {
	if g.mode != GuardOptimistic {
		return nil
	}
	if err := g.frame.latch.optimisticReadValidate(g.version); err != nil {
		g.frame.contention.recordRestart()
		return conflictRestart
	}
	return nil
}

// UpgradeToShared upgrades an Optimistic guard in place.
func (g *PageGuard) UpgradeToShared() error {
	if g.mode == GuardShared {
		return nil
	}
	if g.mode != GuardOptimistic {
		panic("hlbtree: UpgradeToShared from non-optimistic guard")
	}
	v := g.frame.latch.acquireShared()
	if v != g.version {
		g.frame.latch.releaseShared()
		g.frame.contention.recordRestart()
		return conflictRestart
	}
	g.mode = GuardShared
	g.version = v
	return nil
}

// UpgradeToExclusive upgrades an Optimistic or Shared guard in place
//.
func (g *PageGuard) UpgradeToExclusive() error {
	switch g.mode {
	case GuardExclusive:
		return nil
	case GuardOptimistic:
		if err := g.frame.latch.tryExclusiveFromOptimistic(g.version); err != nil {
			g.frame.contention.recordRestart()
			return conflictRestart
		}
	case GuardShared:
		if err := g.frame.latch.upgradeSharedToExclusive(g.version); err != nil {
			g.frame.contention.recordRestart()
			return conflictRestart
		}
	}
	g.mode = GuardExclusive
	g.version = g.frame.latch.currentVersion()
	return nil
}

// downgradeToOptimistic releases a Shared hold and re-arms the guard as an
// Optimistic read at the latch's current version, so a caller that needs a
// Shared latch only for the instant it copies bytes out (a lookup, a
// cursor step) can still hold on to the guard afterward without tying up a
// real lock between steps.
func (g *PageGuard) downgradeToOptimistic() {
	if g.mode != GuardShared {
		panic("hlbtree: downgradeToOptimistic requires a shared guard")
	}
	g.frame.latch.releaseShared()
	g.mode = GuardOptimistic
	g.version = g.frame.latch.currentVersion()
}

// MarkDirty explicitly marks the guarded frame dirty. Exclusive guards
// mark dirty implicitly on Release; this exists for the structural
// modification paths (split/merge) that touch multiple frames and want to
// mark them before any one of them releases.
func (g *PageGuard) MarkDirty() {
	if g.mode != GuardExclusive {
		panic("hlbtree: MarkDirty requires an exclusive guard")
	}
	g.frame.markDirty()
}

// Release drops the guard. Optimistic guards release nothing (they never
// blocked anyone); Shared/Exclusive release the underlying latch.
func (g *PageGuard) Release() {
	if g.done {
		return
	}
	g.done = true
	switch g.mode {
	case GuardShared:
		g.frame.latch.releaseShared()
	case GuardExclusive:
		g.frame.markDirty()
		g.frame.latch.releaseExclusive()
	}
}
