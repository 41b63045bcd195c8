package hlbtree

import (
	"bytes"
	"encoding/binary"
)

// node.go implements the slotted B+tree page.
//
// Layout mirrors the reference implementation's Page/PageHeader/Slot design in page.go
// (fixed header, slot array growing from the low end via
// SetKeyOffset/KeyOffset helpers over a raw []byte, binary.LittleEndian
// throughout) generalized with fields the reference implementation's blink-tree page does
// not need: prefix truncation, fence keys, and a hint array.
//
// Header layout (all little-endian), sized headerSize bytes at the front
// of the frame's page image:
//
//	off 0  : isLeaf      uint8
//	off 1  : _pad        uint8
//	off 2  : count       uint16
//	off 4  : prefixLen   uint16
//	off 6  : heapLow     uint16  (next free offset, heap grows downward from PageSize)
//	off 8  : lowerFenceOff uint16
//	off 10 : lowerFenceLen uint16
//	off 12 : upperFenceOff uint16
//	off 14 : upperFenceLen uint16
//	off 16 : upperSwip    uint64 (rightmost child, inner nodes only)
//	off 24 : hint[hintCount]uint32
//
// Slot array starts at headerSize, one entry per live key, each:
//
//	off+0: dataOff  uint16 (offset into the heap where suffix+payload begin)
//	off+2: keyLen   uint16 (suffix length, i.e. full key length - prefixLen)
//	off+4: payLen   uint16
//	off+6: keyHead  uint32 (first 4 bytes of the suffix, zero-padded)
const (
	hdrIsLeaf        = 0
	hdrCount         = 2
	hdrPrefixLen     = 4
	hdrHeapLow       = 6
	hdrLowerFenceOff = 8
	hdrLowerFenceLen = 10
	hdrUpperFenceOff = 12
	hdrUpperFenceLen = 14
	hdrUpperSwip     = 16
	hdrHintArray     = 24

	hintCount  = defaultHintCount
	headerSize = hdrHintArray + hintCount*4

	slotSize       = 10
	slotDataOff    = 0
	slotKeyLen     = 2
	slotPayLen     = 4
	slotKeyHead    = 6
)

// node is a thin, stateless view over a frame's page bytes. It never
// allocates on construction; every method reads/writes through buf.
type node struct {
	buf []byte
}

func newNodeView(buf []byte) node { return node{buf: buf} }

func (n node) pageSize() int { return len(n.buf) }

func (n node) isLeaf() bool       { return n.buf[hdrIsLeaf] != 0 }
func (n node) setLeaf(leaf bool) {
	if leaf {
		n.buf[hdrIsLeaf] = 1
	} else {
		n.buf[hdrIsLeaf] = 0
	}
}

func (n node) count() int   { return int(binary.LittleEndian.Uint16(n.buf[hdrCount:])) }
func (n node) setCount(c int) { binary.LittleEndian.PutUint16(n.buf[hdrCount:], uint16(c)) }

func (n node) prefixLen() int { return int(binary.LittleEndian.Uint16(n.buf[hdrPrefixLen:])) }
func (n node) setPrefixLen(v int) {
	binary.LittleEndian.PutUint16(n.buf[hdrPrefixLen:], uint16(v))
}

func (n node) heapLow() int   { return int(binary.LittleEndian.Uint16(n.buf[hdrHeapLow:])) }
func (n node) setHeapLow(v int) { binary.LittleEndian.PutUint16(n.buf[hdrHeapLow:], uint16(v)) }

func (n node) upperSwipWord() uint64 { return binary.LittleEndian.Uint64(n.buf[hdrUpperSwip:]) }
func (n node) setUpperSwipWord(w uint64) {
	binary.LittleEndian.PutUint64(n.buf[hdrUpperSwip:], w)
}

// upperSwipRef is the rightmost-child reference of an inner node
//.
func (n node) upperSwipRef() swipRef { return swipRef{buf: n.buf, off: hdrUpperSwip} }

// childSwipRef is slot i's child reference on an inner node. Inner-node
// slots store an 8-byte Swip word as their "payload" in exactly the same
// heap region a leaf would store a value (see insert/node doc comment),
// so the same slotDataOffset/slotKeyLen machinery locates it.
func (n node) childSwipRef(i int) swipRef {
	off := n.slotDataOffset(i) + n.slotKeyLen(i)
	return swipRef{buf: n.buf, off: off}
}

// swipBytes encodes a raw Swip word as an 8-byte payload, for inserting a
// child reference into an inner node via the normal insert() path.
func swipBytes(w uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, w)
	return b
}

func (n node) hint(i int) uint32 {
	return binary.LittleEndian.Uint32(n.buf[hdrHintArray+i*4:])
}
func (n node) setHint(i int, v uint32) {
	binary.LittleEndian.PutUint32(n.buf[hdrHintArray+i*4:], v)
}

// init formats a fresh, empty page image.
func (n node) init(leaf bool) {
	for i := range n.buf {
		n.buf[i] = 0
	}
	n.setLeaf(leaf)
	n.setCount(0)
	n.setPrefixLen(0)
	n.setHeapLow(len(n.buf))
	n.setLowerFence(nil)
	n.setUpperFence(nil)
}

// --- fences ---

func (n node) lowerFence() []byte {
	return n.fenceAt(hdrLowerFenceOff, hdrLowerFenceLen)
}
func (n node) upperFence() []byte {
	return n.fenceAt(hdrUpperFenceOff, hdrUpperFenceLen)
}

func (n node) fenceAt(offField, lenField int) []byte {
	l := int(binary.LittleEndian.Uint16(n.buf[lenField:]))
	if l == 0 {
		return nil
	}
	off := int(binary.LittleEndian.Uint16(n.buf[offField:]))
	return n.buf[off : off+l]
}

func (n node) setLowerFence(key []byte) { n.setFence(hdrLowerFenceOff, hdrLowerFenceLen, key) }
func (n node) setUpperFence(key []byte) { n.setFence(hdrUpperFenceOff, hdrUpperFenceLen, key) }

func (n node) setFence(offField, lenField int, key []byte) {
	if len(key) == 0 {
		binary.LittleEndian.PutUint16(n.buf[lenField:], 0)
		return
	}
	off := n.allocHeap(len(key))
	copy(n.buf[off:], key)
	binary.LittleEndian.PutUint16(n.buf[offField:], uint16(off))
	binary.LittleEndian.PutUint16(n.buf[lenField:], uint16(len(key)))
}

// recomputePrefix recomputes prefixLength as the LCP of the two fences.
// Called after both fences are (re)written, e.g. after a
// split or merge.
func (n node) recomputePrefix() {
	lo, hi := n.lowerFence(), n.upperFence()
	max := len(lo)
	if len(hi) < max {
		max = len(hi)
	}
	i := 0
	for i < max && lo[i] == hi[i] {
		i++
	}
	// a missing fence means -inf (lower) or +inf (upper), which shares no
	// prefix with the other fence, so prefixLen is 0 whenever either fence
	// is missing.
	if len(hi) == 0 {
		i = 0
	}
	if len(lo) == 0 {
		i = 0
	}
	n.setPrefixLen(i)
}

// --- slot array ---

func (n node) slotOff(i int) int { return headerSize + i*slotSize }

func (n node) slotDataOffset(i int) int {
	return int(binary.LittleEndian.Uint16(n.buf[n.slotOff(i)+slotDataOff:]))
}
func (n node) setSlotDataOffset(i, v int) {
	binary.LittleEndian.PutUint16(n.buf[n.slotOff(i)+slotDataOff:], uint16(v))
}
func (n node) slotKeyLen(i int) int {
	return int(binary.LittleEndian.Uint16(n.buf[n.slotOff(i)+slotKeyLen:]))
}
func (n node) setSlotKeyLen(i, v int) {
	binary.LittleEndian.PutUint16(n.buf[n.slotOff(i)+slotKeyLen:], uint16(v))
}
func (n node) slotPayLen(i int) int {
	return int(binary.LittleEndian.Uint16(n.buf[n.slotOff(i)+slotPayLen:]))
}
func (n node) setSlotPayLen(i, v int) {
	binary.LittleEndian.PutUint16(n.buf[n.slotOff(i)+slotPayLen:], uint16(v))
}
func (n node) slotKeyHead(i int) uint32 {
	return binary.LittleEndian.Uint32(n.buf[n.slotOff(i)+slotKeyHead:])
}
func (n node) setSlotKeyHead(i int, v uint32) {
	binary.LittleEndian.PutUint32(n.buf[n.slotOff(i)+slotKeyHead:], v)
}

func keyHeadOf(suffix []byte) uint32 {
	var b [4]byte
	copy(b[:], suffix)
	return binary.BigEndian.Uint32(b[:]) // big-endian so head compares like bytes.Compare
}

// keySuffix returns the stored (prefix-truncated) suffix bytes for slot i.
func (n node) keySuffix(i int) []byte {
	off := n.slotDataOffset(i)
	kl := n.slotKeyLen(i)
	return n.buf[off : off+kl]
}

// payload returns the payload bytes for slot i.
func (n node) payload(i int) []byte {
	off := n.slotDataOffset(i)
	kl := n.slotKeyLen(i)
	pl := n.slotPayLen(i)
	return n.buf[off+kl : off+kl+pl]
}

// fullKeyLen returns prefixLen + the stored suffix length for slot i
//.
func (n node) fullKeyLen(i int) int {
	return n.prefixLen() + n.slotKeyLen(i)
}

// copyPrefix copies this node's shared prefix into dst, returning the
// number of bytes written.
func (n node) copyPrefix(dst []byte) int {
	pl := n.prefixLen()
	lo := n.lowerFence()
	if len(lo) < pl {
		pl = len(lo)
	}
	return copy(dst, lo[:pl])
}

// copyKeyWithoutPrefix copies slot i's stored suffix into dst.
func (n node) copyKeyWithoutPrefix(i int, dst []byte) int {
	return copy(dst, n.keySuffix(i))
}

// fullKey reconstructs the complete key for slot i into a caller-owned
// buffer; used by the cursor, which owns a scratch buffer.
func (n node) fullKey(i int, scratch []byte) []byte {
	pl := n.copyPrefix(scratch)
	sl := n.copyKeyWithoutPrefix(i, scratch[pl:])
	return scratch[:pl+sl]
}

// --- search ---

// lowerBound returns the smallest slot index whose key >= key, and whether
// that slot's key equals key exactly. key is already prefix-truncated: the
// caller strips the node's prefix first (btree.go's stripPrefix), so it is
// compared directly against the stored suffixes.
//
// The hint array narrows the initial search range the way the reference implementation's
// FindSlot does a plain binary search over 1-based slots; here the hints
// are a sparse sample of key heads (one per roughly count/hintCount
// slots), refreshed on every mutation (insert/refreshHints), so a lookup
// first bisects over hintCount samples before falling back to a normal
// binary search within the narrowed window.
func (n node) lowerBound(key []byte) (idx int, equal bool) {
	cnt := n.count()
	if cnt == 0 {
		return 0, false
	}
	suffix := key
	head := keyHeadOf(suffix)

	lo, hi := 0, cnt
	if cnt > hintCount*2 {
		lo, hi = n.narrowByHints(head, cnt)
	}

	for lo < hi {
		mid := (lo + hi) / 2
		c := compareHeadThenSuffix(n.slotKeyHead(mid), head, n.keySuffix(mid), suffix)
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < cnt && bytes.Equal(n.keySuffix(lo), suffix) {
		return lo, true
	}
	return lo, false
}

func compareHeadThenSuffix(aHead, bHead uint32, aSuf, bSuf []byte) int {
	if aHead != bHead {
		if aHead < bHead {
			return -1
		}
		return 1
	}
	return bytes.Compare(aSuf, bSuf)
}

// narrowByHints uses the sampled hint array to pick a coarse [lo, hi)
// window before the precise binary search.
func (n node) narrowByHints(head uint32, cnt int) (int, int) {
	step := cnt / hintCount
	if step == 0 {
		return 0, cnt
	}
	lo, hi := 0, hintCount-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if n.hint(mid) < head {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	lowIdx := lo * step
	hiIdx := cnt
	for j := lo + 1; j < hintCount; j++ {
		if n.hint(j) > head {
			hiIdx = j * step
			break
		}
	}
	return lowIdx, hiIdx
}

// refreshHints resamples the key-head hint array after a mutation (J6).
func (n node) refreshHints() {
	cnt := n.count()
	if cnt == 0 {
		for i := 0; i < hintCount; i++ {
			n.setHint(i, 0)
		}
		return
	}
	step := cnt / hintCount
	if step == 0 {
		step = 1
	}
	for i := 0; i < hintCount; i++ {
		idx := i * step
		if idx >= cnt {
			idx = cnt - 1
		}
		n.setHint(i, n.slotKeyHead(idx))
	}
}

// linearSearchWithBias probes a small range around fromSlot. Unlike
// lowerBound it takes a full key and strips the node's prefix itself.
// Nothing in the package calls it.
func (n node) linearSearchWithBias(key []byte, fromSlot int, higher bool) int {
	cnt := n.count()
	pl := n.prefixLen()
	var suffix []byte
	if len(key) >= pl {
		suffix = key[pl:]
	}
	i := fromSlot
	if higher {
		for i < cnt && bytes.Compare(n.keySuffix(i), suffix) < 0 {
			i++
		}
	} else {
		for i > 0 && bytes.Compare(n.keySuffix(i-1), suffix) >= 0 {
			i--
		}
	}
	return i
}

// compareKeyWithBoundaries reports whether key is below (-1), within (0),
// or above (+1) this node's fence range.
func (n node) compareKeyWithBoundaries(key []byte) int {
	if lo := n.lowerFence(); lo != nil && bytes.Compare(key, lo) <= 0 {
		return -1
	}
	if hi := n.upperFence(); hi != nil && bytes.Compare(key, hi) > 0 {
		return 1
	}
	return 0
}

// --- space accounting & mutation ---

// freeBytes is the space still available between the end of the slot
// array and the start of the heap.
func (n node) freeBytes() int {
	return n.heapLow() - n.slotOff(n.count())
}

// spaceUsed is the quantity that must stay within PageSize.
func (n node) spaceUsed() int {
	return n.pageSize() - n.freeBytes()
}

// canInsert reports whether a new entry of the given suffix/payload
// lengths fits. suffixLen is the length of the prefix-truncated key the
// slot will store (callers strip the node's prefix first), not the full
// key length.
func (n node) canInsert(suffixLen, payLen int) bool {
	need := slotSize + suffixLen + payLen
	return n.freeBytes() >= need
}

// allocHeap carves sz bytes off the top of the heap and returns their
// offset. Caller must have already checked canInsert/space accounting.
func (n node) allocHeap(sz int) int {
	low := n.heapLow() - sz
	n.setHeapLow(low)
	return low
}

// insert places (suffix, payload) at position idx, shifting subsequent
// slots right, and refreshes hints.
func (n node) insert(idx int, suffix, payload []byte) {
	cnt := n.count()
	// shift slot descriptors [idx, cnt) up by one slot width
	src := n.buf[n.slotOff(idx):n.slotOff(cnt)]
	dstStart := n.slotOff(idx + 1)
	copy(n.buf[dstStart:dstStart+len(src)], src)

	off := n.allocHeap(len(suffix) + len(payload))
	copy(n.buf[off:], suffix)
	copy(n.buf[off+len(suffix):], payload)

	n.setSlotDataOffset(idx, off)
	n.setSlotKeyLen(idx, len(suffix))
	n.setSlotPayLen(idx, len(payload))
	n.setSlotKeyHead(idx, keyHeadOf(suffix))

	n.setCount(cnt + 1)
	n.refreshHints()
}

// removeSlot physically removes slot idx, shifting later slots down. It
// does not reclaim heap space: that happens in compact.
func (n node) removeSlot(idx int) {
	cnt := n.count()
	dst := n.buf[n.slotOff(idx):n.slotOff(cnt - 1)]
	src := n.buf[n.slotOff(idx+1) : n.slotOff(cnt)]
	copy(dst, src)
	n.setCount(cnt - 1)
	n.refreshHints()
}

// compact rebuilds the payload heap contiguously, reclaiming space left by
// prior removeSlot calls.
func (n node) compact() {
	cnt := n.count()
	type entry struct {
		suffix, payload []byte
	}
	saved := make([]entry, cnt)
	for i := 0; i < cnt; i++ {
		suf := append([]byte(nil), n.keySuffix(i)...)
		pay := append([]byte(nil), n.payload(i)...)
		saved[i] = entry{suf, pay}
	}
	lo := append([]byte(nil), n.lowerFence()...)
	hi := append([]byte(nil), n.upperFence()...)

	n.setHeapLow(n.pageSize())
	n.setLowerFence(nil)
	n.setUpperFence(nil)
	n.setLowerFence(lo)
	n.setUpperFence(hi)

	for i := 0; i < cnt; i++ {
		off := n.allocHeap(len(saved[i].suffix) + len(saved[i].payload))
		copy(n.buf[off:], saved[i].suffix)
		copy(n.buf[off+len(saved[i].suffix):], saved[i].payload)
		n.setSlotDataOffset(i, off)
	}
}

// copyEntries copies slots [from, to) of src into this (empty-tail) node,
// appending after whatever is already present. Used by split/merge.
func (n node) copyEntries(src node, from, to int) {
	for i := from; i < to; i++ {
		suf := src.keySuffix(i)
		pay := src.payload(i)
		// suffix is relative to src's prefix; if prefixes differ the
		// caller (split/merge) is responsible for re-deriving full keys
		// first. copyEntriesReprefix below handles that case.
		n.insert(n.count(), suf, pay)
	}
}

// copyEntriesReprefix is like copyEntries but re-truncates each key against
// this node's own (possibly different) prefix — needed after a merge where
// the absorbed sibling had a different lower fence.
func (n node) copyEntriesReprefix(src node, from, to int, scratch []byte) {
	myPrefix := n.prefixLen()
	for i := from; i < to; i++ {
		full := src.fullKey(i, scratch)
		var suf []byte
		if len(full) >= myPrefix {
			suf = full[myPrefix:]
		}
		n.insert(n.count(), suf, src.payload(i))
	}
}
