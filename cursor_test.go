package hlbtree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCursorTestTree(t *testing.T, n int) (*Engine, *Tree) {
	t.Helper()
	opts := DefaultOptions()
	opts.PageSize = 4096
	opts.RAMBudgetBytes = 1024 * 1024
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	tr, err := e.Register("t", TreeOptions{})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		require.NoError(t, tr.Insert(key, key))
	}
	return e, tr
}

func TestCursor_SeekAndNext(t *testing.T) {
	_, tr := newCursorTestTree(t, 150)
	c := NewCursor(tr)
	require.NoError(t, c.Seek([]byte("k-0100")))
	require.True(t, c.Positioned())
	assert.Equal(t, "k-0100", string(c.Key()))

	for i := 101; i < 150; i++ {
		require.NoError(t, c.Next())
		require.True(t, c.Positioned())
		assert.Equal(t, fmt.Sprintf("k-%04d", i), string(c.Key()))
	}
	require.NoError(t, c.Next())
	assert.True(t, c.End())
}

func TestCursor_SeekExactMissing(t *testing.T) {
	_, tr := newCursorTestTree(t, 10)
	c := NewCursor(tr)
	err := c.SeekExact([]byte("does-not-exist"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, c.Positioned())
}

func TestCursor_PrevWalksBackward(t *testing.T) {
	_, tr := newCursorTestTree(t, 150)
	c := NewCursor(tr)
	require.NoError(t, c.Seek([]byte("k-0100")))
	for i := 99; i >= 90; i-- {
		require.NoError(t, c.Prev())
		require.True(t, c.Positioned())
		assert.Equal(t, fmt.Sprintf("k-%04d", i), string(c.Key()))
	}
}

func TestCursor_ScanDescFromEnd(t *testing.T) {
	_, tr := newCursorTestTree(t, 40)
	var got []string
	err := tr.ScanDesc([]byte("k-9999"), func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 40)
	assert.Equal(t, "k-0039", got[0])
	assert.Equal(t, "k-0000", got[39])
}
