// ABOUTME: Heap and allocator for managed objects
// ABOUTME: Size-class free lists, byte accounting, and payload access

package gc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfMemory is returned when an allocation cannot be satisfied even
// after a collection. It is recoverable at the call site, never fatal to
// the process.
var ErrOutOfMemory = errors.New("gc: out of memory")

// ErrBadPointer is returned for operations on an address that does not
// name a live object.
var ErrBadPointer = errors.New("gc: pointer does not reference a live object")

// minClass is the smallest free-list size class in bytes.
const minClass = 16

// block is one allocation: header plus payload buffer. A block keeps its
// address for its whole lifetime, including reuse through the free list;
// that is sound because only unreachable blocks are ever freed.
type block struct {
	addr Ptr
	hdr  ObjectHeader
	data []byte
}

// Heap owns all managed memory. Allocation carves from a size-class free
// list when possible and extends the heap otherwise, up to MaxBytes.
type Heap struct {
	mu       sync.Mutex
	objects  map[Ptr]*block
	free     map[uint64][]*block // size class -> reusable blocks
	nextAddr Ptr
	allocSeq uint64

	maxBytes uint64 // 0 means unlimited
	current  uint64
	peak     uint64
	cumAlloc uint64
	cumFreed uint64

	// collecting is set for the span of a mark-and-sweep cycle. Objects
	// allocated while it is set are born marked, so an allocation racing
	// the cycle (an external caller with no scheduler context) cannot be
	// reclaimed by a sweep that marked before the object existed.
	collecting bool

	byType map[uint32]*TypeAllocInfo

	detailed bool
	active   map[Ptr]AllocationRecord
}

// NewHeap creates a heap bounded to maxBytes of live data (0 = unbounded).
// When detailed is set, every live allocation keeps a per-object record
// retrievable through ActiveAllocations.
func NewHeap(maxBytes uint64, detailed bool) *Heap {
	h := &Heap{
		objects:  make(map[Ptr]*block),
		free:     make(map[uint64][]*block),
		nextAddr: 0x1000,
		maxBytes: maxBytes,
		byType:   make(map[uint32]*TypeAllocInfo),
		detailed: detailed,
	}
	if detailed {
		h.active = make(map[Ptr]AllocationRecord)
	}
	return h
}

// sizeClass rounds a payload size up to its free-list class: the next
// power of two, at least minClass.
func sizeClass(n uint64) uint64 {
	c := uint64(minClass)
	for c < n {
		c <<= 1
	}
	return c
}

// Allocate reserves size payload bytes for an object of the given type.
// It reuses a free block of a sufficient class when one exists, otherwise
// extends the heap. Fails with ErrOutOfMemory when the live-byte cap would
// be exceeded; the caller (the runtime) is expected to collect and retry
// before surfacing that.
func (h *Heap) Allocate(size uint64, typeID uint32) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	class := sizeClass(size)
	total := HeaderSize + size

	// The cap bounds live bytes, so it applies to free-list reuse too.
	if h.maxBytes != 0 && h.current+total > h.maxBytes {
		return 0, ErrOutOfMemory
	}

	var b *block
	if list := h.free[class]; len(list) > 0 {
		b = list[len(list)-1]
		h.free[class] = list[:len(list)-1]
		b.data = b.data[:size]
	} else {
		b = &block{
			addr: h.nextAddr,
			data: make([]byte, size, class),
		}
		h.nextAddr += Ptr(HeaderSize + class)
	}
	for i := range b.data {
		b.data[i] = 0
	}

	h.allocSeq++
	b.hdr = ObjectHeader{
		Marked:   h.collecting,
		Size:     total,
		TypeID:   typeID,
		AllocSeq: h.allocSeq,
	}
	h.objects[b.addr] = b

	h.current += total
	if h.current > h.peak {
		h.peak = h.current
	}
	h.cumAlloc += total

	info := h.byType[typeID]
	if info == nil {
		info = &TypeAllocInfo{}
		h.byType[typeID] = info
	}
	info.Count++
	info.TotalSize += total
	if info.Count > info.PeakCount {
		info.PeakCount = info.Count
	}
	if info.TotalSize > info.PeakSize {
		info.PeakSize = info.TotalSize
	}

	if h.detailed {
		h.active[b.addr] = AllocationRecord{Size: total, TypeID: typeID, AllocSeq: b.hdr.AllocSeq}
	}

	return b.addr, nil
}

// Free releases an object manually. Valid only for runtime-internal
// structures the caller can prove are unreferenced; collected objects are
// reclaimed by the sweep phase instead.
func (h *Heap) Free(p Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.objects[p]
	if !ok {
		return fmt.Errorf("free %#x: %w", uint64(p), ErrBadPointer)
	}
	h.release(b)
	return nil
}

// release reclaims a block: header zeroed, stats decremented, block pushed
// onto its free list. Caller holds h.mu.
func (h *Heap) release(b *block) {
	total := b.hdr.Size
	typeID := b.hdr.TypeID

	delete(h.objects, b.addr)
	h.current -= total
	h.cumFreed += total
	if info := h.byType[typeID]; info != nil {
		info.Count--
		info.TotalSize -= total
	}
	if h.detailed {
		delete(h.active, b.addr)
	}

	b.hdr = ObjectHeader{}
	class := uint64(cap(b.data))
	h.free[class] = append(h.free[class], b)
}

// Header returns a copy of the object's header.
func (h *Heap) Header(p Ptr) (ObjectHeader, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.objects[p]
	if !ok {
		return ObjectHeader{}, fmt.Errorf("header %#x: %w", uint64(p), ErrBadPointer)
	}
	return b.hdr, nil
}

// Contains reports whether p names a live object.
func (h *Heap) Contains(p Ptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.objects[p]
	return ok
}

// WriteData copies raw bytes into an object's payload at the given offset.
func (h *Heap) WriteData(p Ptr, off int, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.objects[p]
	if !ok {
		return fmt.Errorf("write %#x: %w", uint64(p), ErrBadPointer)
	}
	if off < 0 || off+len(data) > len(b.data) {
		return fmt.Errorf("write %#x: offset %d length %d out of bounds", uint64(p), off, len(data))
	}
	copy(b.data[off:], data)
	return nil
}

// ReadData copies n raw bytes out of an object's payload at the given offset.
func (h *Heap) ReadData(p Ptr, off, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.objects[p]
	if !ok {
		return nil, fmt.Errorf("read %#x: %w", uint64(p), ErrBadPointer)
	}
	if off < 0 || off+n > len(b.data) {
		return nil, fmt.Errorf("read %#x: offset %d length %d out of bounds", uint64(p), off, n)
	}
	out := make([]byte, n)
	copy(out, b.data[off:])
	return out, nil
}

// WritePtrField stores a pointer value into a payload field. The offset
// should appear in the object's type descriptor for the collector to trace
// through it.
func (h *Heap) WritePtrField(p Ptr, off int, v Ptr) error {
	var buf [PtrSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return h.WriteData(p, off, buf[:])
}

// ReadPtrField loads a pointer value from a payload field.
func (h *Heap) ReadPtrField(p Ptr, off int) (Ptr, error) {
	buf, err := h.ReadData(p, off, PtrSize)
	if err != nil {
		return 0, err
	}
	return Ptr(binary.LittleEndian.Uint64(buf)), nil
}

// Stats returns a snapshot of heap usage. It has no side effects.
func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	byType := make(map[uint32]TypeAllocInfo, len(h.byType))
	for id, info := range h.byType {
		byType[id] = *info
	}
	return HeapStats{
		CurrentBytes:    h.current,
		PeakBytes:       h.peak,
		CumulativeAlloc: h.cumAlloc,
		CumulativeFreed: h.cumFreed,
		ObjectCount:     len(h.objects),
		ByType:          byType,
	}
}

// ActiveAllocations returns per-object records when detailed tracking is
// enabled, nil otherwise.
func (h *Heap) ActiveAllocations() map[Ptr]AllocationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.detailed {
		return nil
	}
	out := make(map[Ptr]AllocationRecord, len(h.active))
	for p, rec := range h.active {
		out[p] = rec
	}
	return out
}

// ForEachObject visits every live object's address and header. The set is
// captured under the heap lock, then fn runs unlocked so it may call back
// into the heap.
func (h *Heap) ForEachObject(fn func(Ptr, ObjectHeader)) {
	h.mu.Lock()
	type entry struct {
		addr Ptr
		hdr  ObjectHeader
	}
	entries := make([]entry, 0, len(h.objects))
	for _, b := range h.objects {
		entries = append(entries, entry{b.addr, b.hdr})
	}
	h.mu.Unlock()
	for _, e := range entries {
		fn(e.addr, e.hdr)
	}
}
