// ABOUTME: Goroutine identity, lifecycle states, and the execution context
// ABOUTME: Park/resume handshake between a task and the worker pool

package sched

import (
	"fmt"
	"time"

	"github.com/menraromial/flux/gc"
)

// State is a goroutine's lifecycle state.
type State int32

const (
	// StateReady means queued and waiting for a worker.
	StateReady State = iota
	// StateRunning means assigned to a worker and executing.
	StateRunning
	// StateBlocked means parked on a channel operation or a join.
	StateBlocked
	// StateFinished is terminal: the entry function returned or panicked.
	StateFinished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateFinished:
		return "Finished"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// EntryFunc is a goroutine body. The Context is the goroutine's only link
// to the runtime: yielding, checkpoints, root registration, and channel
// operations all go through it.
type EntryFunc func(*Context) any

// parkReason tells the worker that receives a park event what to do with
// the goroutine.
type parkReason int32

const (
	parkYield    parkReason = iota // requeue on the worker's local queue
	parkBlocked                    // a waker will requeue it
	parkFinished                   // already finalized
)

// parkEvent is the message a goroutine sends its worker when it suspends.
type parkEvent struct {
	reason parkReason
}

// Goroutine is one lightweight task. Its code runs on a dedicated Go
// goroutine, but it executes only while a worker has granted it the CPU:
// the worker sends on resume to grant and receives a parkEvent when the
// task yields, blocks, or finishes. That handshake is what makes the
// scheduling cooperative.
type Goroutine struct {
	id    uint64
	entry EntryFunc

	// state, joiners, roots, and abort are guarded by the scheduler lock.
	state   State
	joiners []*Goroutine
	roots   map[gc.Ptr]int
	abort   func() // cancels the pending channel wait at shutdown

	started bool
	resume  chan struct{}
	parked  chan parkEvent

	result any
	fault  error
	done   chan struct{}
}

func newGoroutine(id uint64, entry EntryFunc) *Goroutine {
	return &Goroutine{
		id:     id,
		entry:  entry,
		state:  StateReady,
		roots:  make(map[gc.Ptr]int),
		resume: make(chan struct{}, 1),
		parked: make(chan parkEvent, 1),
		done:   make(chan struct{}),
	}
}

// run is the body of the underlying Go goroutine. It waits for the first
// grant, executes the entry function, and reports completion. A panic in
// the entry is isolated here: it becomes a stored fault, never an escaped
// panic.
func (g *Goroutine) run(s *Scheduler) {
	<-g.resume
	ctx := &Context{s: s, g: g, sliceStart: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			g.fault = fmt.Errorf("%w: %v", ErrGoroutinePanicked, r)
		}
		s.finalize(g)
		g.parked <- parkEvent{reason: parkFinished}
	}()
	g.result = g.entry(ctx)
}

// Handle identifies a spawned goroutine to joiners.
type Handle struct {
	g *Goroutine
}

// ID returns the goroutine's identifier.
func (h Handle) ID() uint64 { return h.g.id }

// Context is passed to every goroutine entry. It carries the scheduler
// handle explicitly; there is no ambient runtime state.
type Context struct {
	s          *Scheduler
	g          *Goroutine
	sliceStart time.Time
}

// timeSlice is how long a goroutine may run between checkpoints before
// Checkpoint forces a yield.
const timeSlice = time.Millisecond

// Scheduler returns the scheduler this goroutine runs on.
func (c *Context) Scheduler() *Scheduler { return c.s }

// Goroutine returns the goroutine this context belongs to, for wakers that
// need to hand it to Scheduler.Ready.
func (c *Context) Goroutine() *Goroutine { return c.g }

// ID returns the running goroutine's identifier.
func (c *Context) ID() uint64 { return c.g.id }

// Yield suspends the goroutine and requeues it at the back of the ready
// queue.
func (c *Context) Yield() {
	s := c.s
	s.mu.Lock()
	c.g.state = StateReady
	s.mu.Unlock()
	c.g.parked <- parkEvent{reason: parkYield}
	<-c.g.resume
	c.sliceStart = time.Now()
}

// Checkpoint is the cooperative safepoint. Generated code calls it at
// allocation sites and loop back-edges. It acknowledges a pending
// stop-the-world request and yields when the time slice has expired.
func (c *Context) Checkpoint() {
	s := c.s
	s.mu.Lock()
	if s.gcwaiting {
		s.safepointParked++
		s.gcCond.Broadcast()
		for s.gcwaiting {
			s.worldCond.Wait()
		}
		s.safepointParked--
	}
	s.mu.Unlock()
	if time.Since(c.sliceStart) >= timeSlice {
		c.Yield()
	}
}

// RegisterRoot pins an address into this goroutine's stack root set, so
// the collector treats it as reachable while the goroutine holds it.
// Registrations are counted and must be balanced by UnregisterRoot.
func (c *Context) RegisterRoot(p gc.Ptr) {
	if p == 0 {
		return
	}
	c.s.mu.Lock()
	c.g.roots[p]++
	c.s.mu.Unlock()
}

// UnregisterRoot drops one registration of an address from this
// goroutine's root set.
func (c *Context) UnregisterRoot(p gc.Ptr) {
	c.s.mu.Lock()
	if c.g.roots[p] <= 1 {
		delete(c.g.roots, p)
	} else {
		c.g.roots[p]--
	}
	c.s.mu.Unlock()
}

// BeginBlock transitions the goroutine to Blocked before its waiter
// becomes visible to wakers. Callers hold their own lock (the channel
// lock) across BeginBlock so a waker cannot observe the waiter before the
// state change. The abort hook is invoked at scheduler shutdown to cancel
// the wait; it must complete the waiter and call Ready. Returns
// ErrSchedulerClosed once shutdown has begun.
func (c *Context) BeginBlock(abort func()) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	c.g.state = StateBlocked
	c.g.abort = abort
	return nil
}

// Park suspends the goroutine after a successful BeginBlock and returns
// once a waker has made it Ready and a worker has granted it again.
func (c *Context) Park() {
	c.g.parked <- parkEvent{reason: parkBlocked}
	<-c.g.resume
	c.sliceStart = time.Now()
	c.s.mu.Lock()
	c.g.abort = nil
	c.s.mu.Unlock()
}

// Join parks the calling goroutine until the target finishes, then returns
// its result, or its fault as an error wrapping ErrGoroutinePanicked.
func (c *Context) Join(h Handle) (any, error) {
	s := c.s
	s.mu.Lock()
	if h.g.state != StateFinished {
		h.g.joiners = append(h.g.joiners, c.g)
		c.g.state = StateBlocked
		s.mu.Unlock()
		c.g.parked <- parkEvent{reason: parkBlocked}
		<-c.g.resume
		c.sliceStart = time.Now()
	} else {
		s.mu.Unlock()
	}
	if h.g.fault != nil {
		return nil, h.g.fault
	}
	return h.g.result, nil
}
