package hlbtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLeaf(pageSize int) node {
	buf := make([]byte, pageSize)
	n := newNodeView(buf)
	n.init(true)
	return n
}

func TestNode_InsertLookupRoundTrip(t *testing.T) {
	n := newTestLeaf(4096)
	keys := []string{"aaa", "aab", "aac", "abb", "zzz"}
	for i, k := range keys {
		idx, found := n.lowerBound([]byte(k))
		require.False(t, found)
		n.insert(idx, []byte(k), []byte{byte(i)})
	}
	require.Equal(t, len(keys), n.count())

	for i, k := range keys {
		idx, found := n.lowerBound([]byte(k))
		require.True(t, found)
		assert.Equal(t, []byte{byte(i)}, n.payload(idx))
	}

	idx, found := n.lowerBound([]byte("aba"))
	assert.False(t, found)
	assert.Equal(t, 3, idx) // between "aac" and "abb"
}

func TestNode_PrefixTruncation(t *testing.T) {
	// recomputePrefix is meant to run once, right after a node's fences are
	// set (as split does for a freshly carved half), before any suffix is
	// stored — every insert afterward is expected to already have the
	// node's prefix stripped by its caller (btree.go's stripPrefix).
	n := newTestLeaf(4096)
	n.setLowerFence([]byte("prefix-001"))
	n.setUpperFence([]byte("prefix-999"))
	n.recomputePrefix()
	require.Equal(t, len("prefix-"), n.prefixLen())

	for _, k := range []string{"prefix-001", "prefix-002", "prefix-003"} {
		suffix := stripPrefix(n, []byte(k))
		idx, _ := n.lowerBound(suffix)
		n.insert(idx, suffix, nil)
	}

	scratch := make([]byte, 64)
	got := n.fullKey(1, scratch)
	assert.Equal(t, "prefix-002", string(got))
}

func TestNode_RemoveSlot(t *testing.T) {
	n := newTestLeaf(4096)
	for _, k := range []string{"a", "b", "c"} {
		idx, _ := n.lowerBound([]byte(k))
		n.insert(idx, []byte(k), []byte(k))
	}
	idx, found := n.lowerBound([]byte("b"))
	require.True(t, found)
	n.removeSlot(idx)
	require.Equal(t, 2, n.count())

	_, found = n.lowerBound([]byte("b"))
	assert.False(t, found)
}

func TestNode_CompareKeyWithBoundaries(t *testing.T) {
	n := newTestLeaf(4096)
	n.setLowerFence([]byte("b"))
	n.setUpperFence([]byte("y"))

	assert.Equal(t, 0, n.compareKeyWithBoundaries([]byte("m")))
	assert.Equal(t, 0, n.compareKeyWithBoundaries([]byte("y"))) // upper is inclusive
	assert.NotEqual(t, 0, n.compareKeyWithBoundaries([]byte("b")))  // lower is exclusive
	assert.NotEqual(t, 0, n.compareKeyWithBoundaries([]byte("z")))
}

func TestNode_CanInsertRejectsOversizedEntry(t *testing.T) {
	n := newTestLeaf(512)
	big := make([]byte, 1024)
	assert.False(t, n.canInsert(len(big), 0))
}
