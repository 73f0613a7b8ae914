// ABOUTME: Mark-and-sweep garbage collector over the managed heap
// ABOUTME: Work-list marking from pinned and stack roots, then sweep

package gc

import (
	"sync"
	"time"
)

// Config fixes collector behavior for the process lifetime.
type Config struct {
	// HeapThresholdBytes triggers an automatic collection when live bytes
	// reach it.
	HeapThresholdBytes uint64
	// AllocCountThreshold triggers an automatic collection when the live
	// object count reaches it.
	AllocCountThreshold int
	// AutoGC enables threshold-driven collection during allocation.
	AutoGC bool
	// DetailedTracking keeps a per-object allocation record on the heap.
	DetailedTracking bool
}

// DefaultConfig mirrors the runtime's stock tuning: collect at 64 MiB or
// ten thousand live objects, automatically, without detailed tracking.
func DefaultConfig() Config {
	return Config{
		HeapThresholdBytes:  64 << 20,
		AllocCountThreshold: 10000,
		AutoGC:              true,
	}
}

// World is the collector's view of the mutators. StopTheWorld blocks until
// every running goroutine has acknowledged a safepoint; ForEachStackRoot
// enumerates the addresses reachable from paused goroutine stacks and must
// only be called while the world is stopped.
type World interface {
	StopTheWorld()
	StartTheWorld()
	ForEachStackRoot(fn func(Ptr))
}

// NoopWorld is a World with no goroutines, for collector use before the
// scheduler exists or in tests.
type NoopWorld struct{}

func (NoopWorld) StopTheWorld()              {}
func (NoopWorld) StartTheWorld()             {}
func (NoopWorld) ForEachStackRoot(func(Ptr)) {}

// Stats accumulates collection activity.
type Stats struct {
	Collections      int
	TotalPause       time.Duration
	ObjectsCollected int
	BytesCollected   uint64
}

// Collector implements mark-and-sweep reclamation for a Heap. Pinned roots
// are addresses registered as always reachable, for values held outside any
// goroutine stack: globals, or objects escaped to foreign code.
type Collector struct {
	heap  *Heap
	types *TypeRegistry
	cfg   Config

	mu    sync.Mutex
	roots map[Ptr]int // pin counts, so nested register/unregister balance
	stats Stats
}

// NewCollector creates a collector for the given heap and type registry.
func NewCollector(heap *Heap, types *TypeRegistry, cfg Config) *Collector {
	return &Collector{
		heap:  heap,
		types: types,
		cfg:   cfg,
		roots: make(map[Ptr]int),
	}
}

// AddRoot pins an address as always-reachable. Pins are counted: an address
// registered twice stays rooted until unregistered twice.
func (c *Collector) AddRoot(p Ptr) {
	if p == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots[p]++
}

// RemoveRoot drops one pin from an address.
func (c *Collector) RemoveRoot(p Ptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roots[p] <= 1 {
		delete(c.roots, p)
	} else {
		c.roots[p]--
	}
}

// AutoGC reports whether threshold-driven collection is enabled.
func (c *Collector) AutoGC() bool { return c.cfg.AutoGC }

// Roots returns the currently pinned addresses.
func (c *Collector) Roots() []Ptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Ptr, 0, len(c.roots))
	for p := range c.roots {
		out = append(out, p)
	}
	return out
}

// ShouldCollect reports whether heap usage has crossed a configured
// threshold.
func (c *Collector) ShouldCollect() bool {
	s := c.heap.Stats()
	if c.cfg.HeapThresholdBytes > 0 && s.CurrentBytes >= c.cfg.HeapThresholdBytes {
		return true
	}
	if c.cfg.AllocCountThreshold > 0 && s.ObjectCount >= c.cfg.AllocCountThreshold {
		return true
	}
	return false
}

// Stats returns accumulated collection statistics.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Collect runs one full cycle: stop the world, mark everything reachable
// from the root set, sweep the rest, resume. No object reachable from the
// root set at safepoint entry is reclaimed in the cycle.
func (c *Collector) Collect(world World) {
	start := time.Now()
	world.StopTheWorld()

	h := c.heap
	h.mu.Lock()
	h.collecting = true
	h.mu.Unlock()

	before := c.heap.Stats()
	c.mark(world)
	c.sweep()
	after := c.heap.Stats()

	world.StartTheWorld()

	c.mu.Lock()
	c.stats.Collections++
	c.stats.TotalPause += time.Since(start)
	// Allocations racing the cycle can leave the heap larger than before.
	if after.ObjectCount < before.ObjectCount {
		c.stats.ObjectsCollected += before.ObjectCount - after.ObjectCount
	}
	if after.CurrentBytes < before.CurrentBytes {
		c.stats.BytesCollected += before.CurrentBytes - after.CurrentBytes
	}
	c.mu.Unlock()
}

// mark walks the object graph from the root set using an explicit work
// list. The mark bit doubles as the visited check, so cyclic graphs
// terminate and deep graphs cannot overflow the stack.
func (c *Collector) mark(world World) {
	var work []Ptr

	c.mu.Lock()
	for p := range c.roots {
		work = append(work, p)
	}
	c.mu.Unlock()

	world.ForEachStackRoot(func(p Ptr) {
		work = append(work, p)
	})

	h := c.heap
	for len(work) > 0 {
		p := work[len(work)-1]
		work = work[:len(work)-1]
		if p == 0 {
			continue
		}

		h.mu.Lock()
		b, ok := h.objects[p]
		if !ok || b.hdr.Marked {
			h.mu.Unlock()
			continue
		}
		b.hdr.Marked = true
		typeID := b.hdr.TypeID
		h.mu.Unlock()

		desc, ok := c.types.Lookup(typeID)
		if !ok {
			continue
		}
		for _, off := range desc.PtrOffsets {
			child, err := h.ReadPtrField(p, off)
			if err != nil {
				continue
			}
			if child != 0 {
				work = append(work, child)
			}
		}
	}
}

// sweep reclaims every unmarked object and clears the mark bit on
// survivors for the next cycle.
func (c *Collector) sweep() {
	h := c.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.objects {
		if b.hdr.Marked {
			b.hdr.Marked = false
		} else {
			h.release(b)
		}
	}
	h.collecting = false
}
