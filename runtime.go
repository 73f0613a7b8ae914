// ABOUTME: Runtime facade owning the heap, collector, and scheduler
// ABOUTME: The single entry point used by generated code and the FFI layer

package flux

import (
	"fmt"
	"io"

	"github.com/menraromial/flux/channel"
	"github.com/menraromial/flux/gc"
	"github.com/menraromial/flux/heapdump"
	"github.com/menraromial/flux/sched"
)

// Error kinds, re-exported so callers of the facade need not import the
// component packages.
var (
	ErrOutOfMemory       = gc.ErrOutOfMemory
	ErrSchedulerClosed   = sched.ErrSchedulerClosed
	ErrGoroutinePanicked = sched.ErrGoroutinePanicked
	ErrChannelClosed     = channel.ErrClosed
	ErrWouldBlock        = channel.ErrWouldBlock
	ErrTimeout           = channel.ErrTimeout
)

// Config fixes runtime behavior for the process lifetime.
type Config struct {
	// Workers is the scheduler pool size; zero means host parallelism.
	Workers int
	// HeapThresholdBytes triggers automatic collection; zero means the
	// stock 64 MiB.
	HeapThresholdBytes uint64
	// AllocCountThreshold triggers automatic collection on live object
	// count; zero means the stock 10000.
	AllocCountThreshold int
	// MaxHeapBytes caps live heap bytes; zero means unbounded.
	MaxHeapBytes uint64
	// AutoGC enables threshold-driven collection during allocation.
	AutoGC bool
	// DetailedTracking keeps a per-object allocation record.
	DetailedTracking bool
}

// DefaultConfig returns the stock tuning: host-parallel workers, 64 MiB
// collection threshold, auto-GC on, detailed tracking off.
func DefaultConfig() Config {
	g := gc.DefaultConfig()
	return Config{
		HeapThresholdBytes:  g.HeapThresholdBytes,
		AllocCountThreshold: g.AllocCountThreshold,
		AutoGC:              true,
	}
}

// Runtime is the owned runtime object. All state is behind it; there are
// no process-wide singletons, and every goroutine reaches the runtime
// through the Context passed to its entry function.
type Runtime struct {
	heap  *gc.Heap
	types *gc.TypeRegistry
	coll  *gc.Collector
	sched *sched.Scheduler
}

// New starts a runtime with the given configuration, which is immutable
// afterwards.
func New(cfg Config) *Runtime {
	gcCfg := gc.DefaultConfig()
	if cfg.HeapThresholdBytes > 0 {
		gcCfg.HeapThresholdBytes = cfg.HeapThresholdBytes
	}
	if cfg.AllocCountThreshold > 0 {
		gcCfg.AllocCountThreshold = cfg.AllocCountThreshold
	}
	gcCfg.AutoGC = cfg.AutoGC
	gcCfg.DetailedTracking = cfg.DetailedTracking

	heap := gc.NewHeap(cfg.MaxHeapBytes, cfg.DetailedTracking)
	types := gc.NewTypeRegistry()
	return &Runtime{
		heap:  heap,
		types: types,
		coll:  gc.NewCollector(heap, types, gcCfg),
		sched: sched.New(cfg.Workers),
	}
}

// world adapts the scheduler to the collector's World interface, bound to
// the goroutine that initiated the cycle so the safepoint barrier does not
// wait for it.
type world struct {
	s  *sched.Scheduler
	tc *sched.Context
}

func (w world) StopTheWorld() {
	if w.tc != nil {
		w.s.StopTheWorldFrom(w.tc)
	} else {
		w.s.StopTheWorld()
	}
}

func (w world) StartTheWorld() { w.s.StartTheWorld() }

func (w world) ForEachStackRoot(fn func(gc.Ptr)) { w.s.ForEachStackRoot(fn) }

// RegisterType records the pointer-field layout of a managed type so the
// mark phase can trace through its objects.
func (r *Runtime) RegisterType(id uint32, desc gc.TypeDesc) {
	r.types.Register(id, desc)
}

// Allocate reserves a managed object of size payload bytes. tc identifies
// the calling goroutine and may be nil for external callers (the FFI
// layer, or code running before the scheduler). Allocation is a safepoint:
// it may trigger a collection when auto-GC thresholds are crossed, and it
// retries once after a forced collection before failing with
// ErrOutOfMemory.
func (r *Runtime) Allocate(tc *sched.Context, size uint64, typeID uint32) (gc.Ptr, error) {
	if tc != nil {
		tc.Checkpoint()
	}
	if r.coll.AutoGC() && r.coll.ShouldCollect() {
		r.coll.Collect(world{s: r.sched, tc: tc})
	}
	p, err := r.heap.Allocate(size, typeID)
	if err == nil {
		return p, nil
	}
	r.coll.Collect(world{s: r.sched, tc: tc})
	p, err = r.heap.Allocate(size, typeID)
	if err != nil {
		return 0, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	return p, nil
}

// Free releases a runtime-internal object manually. Not for ordinary
// collected objects.
func (r *Runtime) Free(p gc.Ptr) error { return r.heap.Free(p) }

// Heap exposes the managed heap for payload access.
func (r *Runtime) Heap() *gc.Heap { return r.heap }

// Scheduler exposes the scheduler, primarily for channel construction.
func (r *Runtime) Scheduler() *sched.Scheduler { return r.sched }

// RegisterRoot pins an address as always-reachable. The FFI layer calls
// this around any foreign call that receives a managed pointer, so the
// collector never reclaims memory visible outside the managed heap.
func (r *Runtime) RegisterRoot(p gc.Ptr) { r.coll.AddRoot(p) }

// UnregisterRoot drops one pin from an address.
func (r *Runtime) UnregisterRoot(p gc.Ptr) { r.coll.RemoveRoot(p) }

// Spawn enqueues a new goroutine.
func (r *Runtime) Spawn(entry sched.EntryFunc) (sched.Handle, error) {
	return r.sched.Spawn(entry)
}

// Join blocks the calling OS thread until the goroutine finishes. From
// inside a goroutine, use Context.Join instead.
func (r *Runtime) Join(h sched.Handle) (any, error) {
	return r.sched.Join(h)
}

// Collect runs a full mark-and-sweep cycle now, from outside any
// goroutine.
func (r *Runtime) Collect() {
	r.coll.Collect(world{s: r.sched})
}

// CollectFrom runs a full cycle initiated by a running goroutine.
func (r *Runtime) CollectFrom(tc *sched.Context) {
	r.coll.Collect(world{s: r.sched, tc: tc})
}

// HeapStats returns heap usage counters.
func (r *Runtime) HeapStats() gc.HeapStats { return r.heap.Stats() }

// GCStats returns collection counters.
func (r *Runtime) GCStats() gc.Stats { return r.coll.Stats() }

// SchedStats returns scheduler counters.
func (r *Runtime) SchedStats() sched.Stats { return r.sched.Stats() }

// Snapshot captures the object graph and root set under a stopped world.
func (r *Runtime) Snapshot() heapdump.Snapshot {
	r.sched.StopTheWorld()
	roots := r.coll.Roots()
	r.sched.ForEachStackRoot(func(p gc.Ptr) { roots = append(roots, p) })
	snap := heapdump.Capture(r.heap, r.types, roots)
	r.sched.StartTheWorld()
	return snap
}

// WriteHeapDump writes a JSON heap snapshot for offline inspection.
func (r *Runtime) WriteHeapDump(w io.Writer) error {
	return heapdump.Write(w, r.Snapshot())
}

// Shutdown stops the scheduler: no further spawns, blocked goroutines are
// aborted with ErrSchedulerClosed, remaining goroutines drain to
// completion, workers are joined.
func (r *Runtime) Shutdown() {
	r.sched.Shutdown()
}

// NewChannel creates a typed channel whose blocking operations integrate
// with the runtime's scheduler.
func NewChannel[T any](r *Runtime, capacity int) *channel.Channel[T] {
	return channel.New[T](r.sched, capacity)
}
