package hlbtree

import "fmt"

// Options is the process-scope configuration surface.
//
// The reference implementation's NewBufMgr(name, bits, nodeMax, pbm, lastPageZeroId) takes
// page size and pool size as raw positional arguments; here they are
// collected into an options struct so every named knob
// has a single, validated home.
type Options struct {
	// PageSize is the fixed page image size in bytes. Must be a power of
	// two no larger than 64 KiB. Defaults to 4096.
	PageSize uint32

	// RAMBudgetBytes bounds the number of frames: frames = budget / PageSize.
	RAMBudgetBytes uint64

	// SSDPath is the backing file path. Empty means an in-memory backing
	// store is used (see memPageStore), which is only appropriate for tests.
	SSDPath string

	// PPThreads is the page-provider goroutine count. Default 1.
	PPThreads int

	// ContentionSplitEnable turns on the contention-aware split probe.
	ContentionSplitEnable bool

	// ContentionSplitSampleRate is a power of two, 2^n: a split consults the
	// contention tracker only when the frame's access count is a multiple of
	// it (about 1 in 2^n accesses).
	ContentionSplitSampleRate uint32

	// ContentionSplitThresholdPct (0-100) is the restart-rate over which a
	// contention split is requested.
	ContentionSplitThresholdPct uint32

	// BulkInsertMode disables merge and contention-split work while true.
	BulkInsertMode bool
}

const (
	minPageSize = 512
	maxPageSize = 64 * 1024

	// defaultHintCount is the size of a node's monotone key-head sample
	// array.
	defaultHintCount = 16
)

// DefaultOptions returns the configuration used when the caller supplies
// none, mirroring the reference implementation's BtMinBits/BtMaxBits clamping in NewBufMgr.
func DefaultOptions() Options {
	return Options{
		PageSize:                    4096,
		RAMBudgetBytes:              64 * 1024 * 1024,
		PPThreads:                   1,
		ContentionSplitEnable:       true,
		ContentionSplitSampleRate:   64,
		ContentionSplitThresholdPct: 10,
	}
}

// normalize fills in defaults and validates the configuration, the way the
// reference implementation's NewBufMgr clamps bits into [BtMinBits, BtMaxBits] and panics on
// an undersized pool. Here an error is returned instead of a panic: none of
// these are programmer invariants internal to the core, they are caller
// input validated at the boundary.
func (o Options) normalize() (Options, error) {
	if o.PageSize == 0 {
		o.PageSize = 4096
	}
	if o.PageSize < minPageSize || o.PageSize > maxPageSize || o.PageSize&(o.PageSize-1) != 0 {
		return o, fmt.Errorf("hlbtree: page_size %d must be a power of two in [%d, %d]", o.PageSize, minPageSize, maxPageSize)
	}
	if o.RAMBudgetBytes == 0 {
		o.RAMBudgetBytes = 64 * 1024 * 1024
	}
	frames := o.RAMBudgetBytes / uint64(o.PageSize)
	if frames < 8 {
		return o, fmt.Errorf("hlbtree: ram_budget_bytes %d too small for page_size %d (need >= 8 frames)", o.RAMBudgetBytes, o.PageSize)
	}
	if o.PPThreads <= 0 {
		o.PPThreads = 1
	}
	if o.ContentionSplitSampleRate == 0 {
		o.ContentionSplitSampleRate = 64
	}
	if o.ContentionSplitThresholdPct > 100 {
		o.ContentionSplitThresholdPct = 100
	}
	return o, nil
}

func (o Options) frameCount() uint64 {
	return o.RAMBudgetBytes / uint64(o.PageSize)
}

// TreeOptions are the per-tree options accepted by Engine.Register and
// persisted alongside the tree's registry entry. EnableWAL is informational
// only; WAL replay itself is out of scope. UseBulkInsert stops Remove from
// attempting a merge when it empties a leaf.
type TreeOptions struct {
	EnableWAL     bool
	UseBulkInsert bool
}
