// ABOUTME: Core data types for the managed heap
// ABOUTME: Defines Ptr, ObjectHeader, type descriptors, and stats structures

package gc

import "sync"

// Ptr is the address of a managed object's payload. Addresses are stable
// for the lifetime of the object: the collector never relocates memory, so
// a Ptr held across a collection (by a channel, or by foreign code that
// registered it as a root) stays valid as long as the object is reachable.
// The zero Ptr is the nil reference.
type Ptr uint64

// HeaderSize is the accounted size of an ObjectHeader in bytes. Every
// object's Size includes it, mirroring a header physically preceding the
// payload.
const HeaderSize = 32

// PtrSize is the width of a pointer field stored in an object payload.
const PtrSize = 8

// ObjectHeader carries per-object collection metadata. It is owned by the
// Heap and precedes every live payload.
type ObjectHeader struct {
	Marked     bool   // mark bit, set during the mark phase
	Size       uint64 // total size in bytes, header plus payload
	TypeID     uint32 // type identifier for descriptor lookup
	Generation uint8  // reserved for generational collection, always 0
	RefCount   uint32 // debug reference count, not used for reclamation
	AllocSeq   uint64 // allocation sequence number, for debugging
}

// TypeDesc describes the layout of a managed type. PtrOffsets lists the
// payload byte offsets holding Ptr-valued fields; the mark phase reads an
// 8-byte little-endian word at each offset. A type with no descriptor is
// treated as pointer-free.
type TypeDesc struct {
	Name       string
	PtrOffsets []int
}

// TypeRegistry maps type IDs to layout descriptors.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[uint32]TypeDesc
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[uint32]TypeDesc)}
}

// Register records the descriptor for a type ID, replacing any previous one.
func (r *TypeRegistry) Register(id uint32, desc TypeDesc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[id] = desc
}

// Lookup returns the descriptor for a type ID, if registered.
func (r *TypeRegistry) Lookup(id uint32) (TypeDesc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[id]
	return d, ok
}

// TypeAllocInfo tracks live allocations of a single type.
type TypeAllocInfo struct {
	Count     int    // live objects
	TotalSize uint64 // live bytes
	PeakCount int
	PeakSize  uint64
}

// HeapStats is a point-in-time summary of heap usage.
type HeapStats struct {
	CurrentBytes    uint64 // bytes held by live objects
	PeakBytes       uint64
	CumulativeAlloc uint64 // bytes ever allocated
	CumulativeFreed uint64 // bytes ever reclaimed
	ObjectCount     int
	ByType          map[uint32]TypeAllocInfo
}

// AllocationRecord is the per-object record kept when detailed tracking is
// enabled.
type AllocationRecord struct {
	Size     uint64
	TypeID   uint32
	AllocSeq uint64
}
