package hlbtree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridLatch_OptimisticReadSurvivesNoWriter(t *testing.T) {
	var l HybridLatch
	v, err := l.optimisticReadBegin()
	require.NoError(t, err)
	assert.NoError(t, l.optimisticReadValidate(v))
}

func TestHybridLatch_OptimisticReadInvalidatedByExclusiveWrite(t *testing.T) {
	var l HybridLatch
	v, err := l.optimisticReadBegin()
	require.NoError(t, err)

	l.acquireExclusive()
	l.releaseExclusive()

	assert.Error(t, l.optimisticReadValidate(v))
}

func TestHybridLatch_SharedReadersDoNotBlockEachOther(t *testing.T) {
	var l HybridLatch
	l.acquireShared()
	done := make(chan struct{})
	go func() {
		l.acquireShared()
		l.releaseShared()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second shared acquisition blocked behind the first")
	}
	l.releaseShared()
}

func TestHybridLatch_TryExclusiveFromOptimisticFailsAfterInterveningWrite(t *testing.T) {
	var l HybridLatch
	v, err := l.optimisticReadBegin()
	require.NoError(t, err)

	l.acquireExclusive()
	l.releaseExclusive()

	assert.Error(t, l.tryExclusiveFromOptimistic(v))
}

func TestHybridLatch_TryExclusiveFromOptimisticSucceedsWhenUnchanged(t *testing.T) {
	var l HybridLatch
	v, err := l.optimisticReadBegin()
	require.NoError(t, err)

	require.NoError(t, l.tryExclusiveFromOptimistic(v))
	l.releaseExclusive()
}
