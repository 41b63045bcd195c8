package hlbtree

import (
	"sync/atomic"
	"unsafe"
)

// Swip is a dual-mode reference: either an
// in-memory frame index (swizzled) or a logical PageID (unswizzled).
//
// The reference implementation's blink-tree origin casts a 64-bit word between a pointer
// and a page number in place. A frame *pointer* is not safe to smuggle through a plain
// word in Go, so the swizzled form here holds a stable index into the
// BufferManager's fixed frame array instead — and because every real Swip
// in this design lives *inside* a node's page bytes (a slot's payload for
// inner-node children, or the header's upper field — a tree's root Swip
// lives in its meta node's upper slot), Swip is not a
// separately allocated object: it is a typed view (swipRef) over 8 bytes
// of some frame's page image, read and written through an unsafe-pointer
// atomic so concurrent optimistic readers never observe a torn word
//.
//
// Encoding: bit 0 is the tag. 1 = swizzled, upper 63 bits hold the frame
// index. 0 = unswizzled, upper 63 bits hold the PageID.
const swizzledTag uint64 = 1

func swipFromPID(pid PageID) uint64    { return uint64(pid) << 1 }
func swipFromFrame(idx uint32) uint64  { return (uint64(idx) << 1) | swizzledTag }
func wordIsSwizzled(w uint64) bool     { return w&swizzledTag != 0 }
func wordFrameIdx(w uint64) uint32     { return uint32(w >> 1) }
func wordPID(w uint64) PageID          { return PageID(w >> 1) }

// swipRef is a handle to 8 bytes somewhere inside a frame's page image
// that hold one Swip word. All mutation requires the exclusive latch of
// the frame that owns buf; swipRef itself does
// not check this, matching the way the reference implementation's raw byte-slice Page
// accessors (KeyOffset/SetKeyOffset in page.go) don't check latch state
// either — that discipline is enforced by the callers in node.go/btree.go
// that always reach a swipRef through a guard already in the right mode.
type swipRef struct {
	buf []byte
	off int
}

func (s swipRef) ptr() *uint64 {
	return (*uint64)(unsafe.Pointer(&s.buf[s.off]))
}

func (s swipRef) load() uint64        { return atomic.LoadUint64(s.ptr()) }
func (s swipRef) store(w uint64)      { atomic.StoreUint64(s.ptr(), w) }
func (s swipRef) cas(old, new_ uint64) bool {
	return atomic.CompareAndSwapUint64(s.ptr(), old, new_)
}

func (s swipRef) isSwizzled() bool { return wordIsSwizzled(s.load()) }

// frameIdx returns the frame index and true if the ref is currently
// swizzled to an index within [0, frameCount). A stale or torn read that
// decodes to an out-of-range index is reported invalid rather than
// panicking, so a caller racing a concurrent structural change restarts
// instead of crashing.
func (s swipRef) frameIdx(frameCount uint32) (uint32, bool) {
	w := s.load()
	if !wordIsSwizzled(w) {
		return 0, false
	}
	idx := wordFrameIdx(w)
	if idx >= frameCount {
		return 0, false
	}
	return idx, true
}

func (s swipRef) pid() PageID { return wordPID(s.load()) }

func (s swipRef) swizzleTo(idx uint32)   { s.store(swipFromFrame(idx)) }
func (s swipRef) unswizzleTo(pid PageID) { s.store(swipFromPID(pid)) }
