package hlbtree

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engine_test.go exercises the package's public surface end to end, the
// way the reference implementation's bltree_test.go drives BLTree through BufMgr rather
// than poking at pages directly.

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.PageSize = 4096
	opts.RAMBudgetBytes = 256 * 1024
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// scenario 1: empty -> one -> probe.
func TestEngine_EmptyOneProbe(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.Register("t", TreeOptions{})
	require.NoError(t, err)

	_, err = tr.Lookup([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tr.Insert([]byte("a"), []byte{0x01}))

	v, err := tr.Lookup([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, v)

	_, err = tr.Lookup([]byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTree_UpdateInPlace(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.Register("t", TreeOptions{})
	require.NoError(t, err)

	require.NoError(t, tr.Insert([]byte("a"), []byte{0x01, 0x02, 0x03, 0x04}))

	err = tr.Update([]byte("a"), func(payload []byte) error {
		payload[1] = 0xff
		return nil
	}, []ByteRange{{Offset: 1, Length: 1}})
	require.NoError(t, err)

	v, err := tr.Lookup([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xff, 0x03, 0x04}, v)

	err = tr.Update([]byte("missing"), func([]byte) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	err = tr.Update([]byte("a"), func(payload []byte) error {
		return fmt.Errorf("boom")
	}, nil)
	assert.ErrorContains(t, err, "boom")
	v, err = tr.Lookup([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xff, 0x03, 0x04}, v, "failed fn must not leave a partial mutation visible on retry")

	err = tr.Update([]byte("a"), nil, nil)
	assert.Error(t, err)
}

// scenario 2: ordered scan of k00..k99.
func TestEngine_OrderedScan(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.Register("t", TreeOptions{})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		require.NoError(t, tr.Insert(key, key))
	}

	var got []string
	err = tr.ScanAsc(nil, func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 100)
	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprintf("k%02d", i), got[i])
	}
}

func TestTree_SplitPosForContention(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.Register("t", TreeOptions{})
	require.NoError(t, err)

	g, err := tr.rootGuard()
	require.NoError(t, err)
	f := g.Frame()
	g.Release()

	// No samples yet: falls back to the plain midpoint.
	assert.Equal(t, 10, tr.splitPosFor(f, 20))

	// Sample every access so the test doesn't depend on hitting the
	// power-of-two mask at a particular access count.
	tr.bm.opts.ContentionSplitSampleRate = 1

	// Heavy restart rate against a known hot slot biases the split just
	// past that slot instead of the midpoint.
	for i := 0; i < 100; i++ {
		f.contention.recordAccess()
	}
	for i := 0; i < 50; i++ {
		f.contention.recordRestart()
	}
	f.contention.recordModification(3)
	assert.Equal(t, 4, tr.splitPosFor(f, 20))

	// Disabling the probe restores the plain midpoint even with the same
	// contention history.
	tr.bm.opts.ContentionSplitEnable = false
	assert.Equal(t, 10, tr.splitPosFor(f, 20))
}

// scenario 3: force a split at 200 keys over 4 KiB pages, and check
// debug_height grows past 1.
func TestEngine_ForceSplit(t *testing.T) {
	opts := DefaultOptions()
	opts.PageSize = 4096
	opts.RAMBudgetBytes = 1024 * 1024
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	tr, err := e.Register("t", TreeOptions{})
	require.NoError(t, err)

	h0, err := tr.DebugHeight()
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := make([]byte, 64)
		require.NoError(t, tr.Insert(key, val))
	}

	h1, err := tr.DebugHeight()
	require.NoError(t, err)
	assert.Greater(t, h1, h0)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		v, err := tr.Lookup(key)
		require.NoError(t, err)
		assert.Len(t, v, 64)
	}
}

// scenario 4: underfull merge after removing odd keys.
func TestEngine_RemoveOddKeysTriggersMerge(t *testing.T) {
	opts := DefaultOptions()
	opts.PageSize = 4096
	opts.RAMBudgetBytes = 1024 * 1024
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	tr, err := e.Register("t", TreeOptions{})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, tr.Insert(key, key))
	}
	for i := 1; i < 200; i += 2 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, tr.Remove(key))
	}

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		v, err := tr.Lookup(key)
		if i%2 == 0 {
			require.NoError(t, err)
			assert.Equal(t, key, v)
		} else {
			assert.ErrorIs(t, err, ErrNotFound)
		}
	}
}

// scenario 5: persist/restore round-trip across multiple trees.
func TestEngine_PersistRestore(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/backing"

	opts := DefaultOptions()
	opts.PageSize = 4096
	opts.RAMBudgetBytes = 512 * 1024
	opts.SSDPath = path

	e1, err := Open(opts)
	require.NoError(t, err)

	names := []string{"t1", "t2", "t3"}
	for _, name := range names {
		tr, err := e1.Register(name, TreeOptions{})
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			key := []byte(fmt.Sprintf("%s-%03d", name, i))
			require.NoError(t, tr.Insert(key, key))
		}
	}
	require.NoError(t, e1.Persist())
	require.NoError(t, e1.Close())

	e2, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	for _, name := range names {
		tr, err := e2.Retrieve(name)
		require.NoError(t, err)
		var got []string
		require.NoError(t, tr.ScanAsc(nil, func(key, value []byte) bool {
			got = append(got, string(key))
			return true
		}))
		require.Len(t, got, 50)
		for i, k := range got {
			assert.Equal(t, fmt.Sprintf("%s-%03d", name, i), k)
		}
	}
}

// scenario 6: concurrent reader/writer.
func TestEngine_ConcurrentReadersAndWriter(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.Register("t", TreeOptions{})
	require.NoError(t, err)

	const n = 300
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("c-%04d", i))
			_ = tr.Insert(key, key)
		}
	}()

	stop := make(chan struct{})
	var readerWG sync.WaitGroup
	for r := 0; r < 4; r++ {
		readerWG.Add(1)
		go func() {
			defer readerWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, _ = tr.Lookup([]byte("c-0000"))
				_ = tr.ScanAsc(nil, func(k, v []byte) bool { return true })
			}
		}()
	}

	wg.Wait()
	close(stop)
	readerWG.Wait()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("c-%04d", i))
		v, err := tr.Lookup(key)
		require.NoError(t, err)
		assert.Equal(t, key, v)
	}
}

func TestEngine_RegisterDuplicateAndDrop(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Register("t", TreeOptions{})
	require.NoError(t, err)

	_, err = e.Register("t", TreeOptions{})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, e.Drop("t"))

	_, err = e.Retrieve("t")
	assert.ErrorIs(t, err, ErrNotFound)

	err = e.Drop("t")
	assert.ErrorIs(t, err, ErrNotFound)
}
