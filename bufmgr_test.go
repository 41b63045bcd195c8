package hlbtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBufferManager(t *testing.T, frames int) *BufferManager {
	t.Helper()
	opts := DefaultOptions()
	opts.PageSize = 4096
	opts.RAMBudgetBytes = uint64(frames) * uint64(opts.PageSize)
	opts, err := opts.normalize()
	require.NoError(t, err)
	bm, err := newBufferManager(opts, newMemPageStore(opts.PageSize))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm.Close() })
	return bm
}

func TestBufferManager_AllocatePageGivesDistinctPIDs(t *testing.T) {
	bm := newTestBufferManager(t, 16)
	seen := map[PageID]bool{}
	for i := 0; i < 8; i++ {
		g, pid, err := bm.allocatePage()
		require.NoError(t, err)
		assert.False(t, seen[pid])
		seen[pid] = true
		g.Release()
	}
}

func TestBufferManager_FreePageRecyclesPID(t *testing.T) {
	bm := newTestBufferManager(t, 16)
	g, pid, err := bm.allocatePage()
	require.NoError(t, err)
	g.Release()
	bm.freePage(pid)

	_, pid2, err := bm.allocatePage()
	require.NoError(t, err)
	assert.Equal(t, pid, pid2)
}

func TestBufferManager_WriteThenReadBackThroughFlush(t *testing.T) {
	bm := newTestBufferManager(t, 16)
	g, pid, err := bm.allocatePage()
	require.NoError(t, err)
	n := g.Node()
	idx, _ := n.lowerBound([]byte("k"))
	n.insert(idx, []byte("k"), []byte("v"))
	g.Release() // exclusive release marks dirty

	require.NoError(t, bm.flushAll())

	buf := make([]byte, bm.pageSize)
	require.NoError(t, bm.store.ReadPage(pid, buf))
	reread := newNodeView(buf)
	assert.Equal(t, 1, reread.count())
}

func TestBufferManager_GetFreeFrameErrorsWhenExhaustedAndNothingToEvict(t *testing.T) {
	bm := newTestBufferManager(t, 8)
	var guards []*PageGuard
	for i := 0; i < 8; i++ {
		g, _, err := bm.allocatePage()
		require.NoError(t, err)
		guards = append(guards, g)
	}
	for _, g := range guards {
		g.Release()
	}
	// All 8 frames are Hot with no findParent hook wired (no tree
	// registered), so the cooling pipeline can't reclaim any of them.
	_, _, err := bm.allocatePage()
	assert.Error(t, err)
}
