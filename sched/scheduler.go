// ABOUTME: M:N cooperative scheduler with a worker pool and work stealing
// ABOUTME: Spawn/join, block/wake, stop-the-world barrier, shutdown drain

package sched

import (
	"errors"
	"runtime"
	"sync"

	"github.com/menraromial/flux/gc"
)

// ErrSchedulerClosed is returned for spawns and blocking operations once
// shutdown has begun, and is the fault delivered to goroutines whose
// channel waits were aborted by shutdown.
var ErrSchedulerClosed = errors.New("sched: scheduler closed")

// ErrGoroutinePanicked wraps the panic value of a goroutine that
// terminated via an unhandled fault. It is surfaced only to joiners.
var ErrGoroutinePanicked = errors.New("sched: goroutine panicked")

// Stats counts scheduler activity since creation.
type Stats struct {
	Spawned  uint64
	Finished uint64
	Panicked uint64
	Steals   uint64
}

// worker is one pool slot with its local run queue.
type worker struct {
	q runQueue
}

// Scheduler multiplexes goroutines over a fixed pool of worker OS threads
// (Go goroutines pinned to the pool size). Workers pull from the shared
// queue round-robin and steal from each other's local queues when it runs
// dry.
type Scheduler struct {
	mu        sync.Mutex
	workCond  *sync.Cond // signaled when runnable work appears
	gcCond    *sync.Cond // signaled when a running goroutine pauses
	worldCond *sync.Cond // broadcast when the world restarts

	goroutines map[uint64]*Goroutine
	globalq    runQueue
	workers    []*worker
	nextID     uint64
	live       int // goroutines not yet Finished

	running         int // goroutines currently granted a worker
	safepointParked int // running goroutines paused at a safepoint
	gcwaiting       bool

	closed bool
	stats  Stats
	wg     sync.WaitGroup
}

// New creates a scheduler with the given worker count; zero or negative
// means host parallelism.
func New(workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	s := &Scheduler{
		goroutines: make(map[uint64]*Goroutine),
		workers:    make([]*worker, workers),
	}
	s.workCond = sync.NewCond(&s.mu)
	s.gcCond = sync.NewCond(&s.mu)
	s.worldCond = sync.NewCond(&s.mu)
	for i := range s.workers {
		s.workers[i] = &worker{}
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.runWorker(i)
	}
	return s
}

// NumWorkers returns the pool size.
func (s *Scheduler) NumWorkers() int { return len(s.workers) }

// Spawn enqueues a new Ready goroutine and returns its handle. Fails with
// ErrSchedulerClosed once shutdown has begun.
func (s *Scheduler) Spawn(entry EntryFunc) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Handle{}, ErrSchedulerClosed
	}
	s.nextID++
	g := newGoroutine(s.nextID, entry)
	s.goroutines[g.id] = g
	s.live++
	s.stats.Spawned++
	s.globalq.pushBack(g)
	s.workCond.Signal()
	return Handle{g: g}, nil
}

// Join blocks the calling OS thread until the goroutine finishes, then
// returns its result or its stored fault. Use Context.Join from inside a
// goroutine so the wait is cooperative.
func (s *Scheduler) Join(h Handle) (any, error) {
	<-h.g.done
	if h.g.fault != nil {
		return nil, h.g.fault
	}
	return h.g.result, nil
}

// Ready wakes a Blocked goroutine. Called by channel wakers, abort hooks,
// and deadline timers after they complete the goroutine's waiter. Waking a
// goroutine that is not Blocked is a no-op, which makes wake races benign:
// whichever of transfer, timeout, or abort completes the waiter first is
// the one whose Ready takes effect.
func (s *Scheduler) Ready(g *Goroutine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.state != StateBlocked {
		return
	}
	g.state = StateReady
	g.abort = nil
	s.globalq.pushBack(g)
	s.workCond.Signal()
}

// finalize records a goroutine's completion: terminal state, joiner
// wakeup, table removal. Runs on the goroutine's own Go goroutine just
// before its final park event.
func (s *Scheduler) finalize(g *Goroutine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.state = StateFinished
	s.stats.Finished++
	if g.fault != nil {
		s.stats.Panicked++
	}
	for _, j := range g.joiners {
		if j.state == StateBlocked {
			j.state = StateReady
			s.globalq.pushBack(j)
			s.workCond.Signal()
		}
	}
	g.joiners = nil
	g.roots = nil
	delete(s.goroutines, g.id)
	s.live--
	close(g.done)
	if s.closed && s.live == 0 {
		s.workCond.Broadcast()
	}
}

// dequeue picks the next runnable goroutine for a worker: the shared
// queue in FIFO order, then its own local queue, then a steal from the
// tail of another worker's queue. Caller holds s.mu.
func (s *Scheduler) dequeue(id int) *Goroutine {
	if g := s.globalq.popFront(); g != nil {
		return g
	}
	if g := s.workers[id].q.popFront(); g != nil {
		return g
	}
	for i := range s.workers {
		if i == id {
			continue
		}
		if g := s.workers[i].q.popBack(); g != nil {
			s.stats.Steals++
			return g
		}
	}
	return nil
}

// runWorker is the worker loop: honor a pending stop-the-world, pick a
// goroutine, grant it the CPU, and handle its park event.
func (s *Scheduler) runWorker(id int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var g *Goroutine
		for {
			for s.gcwaiting {
				s.worldCond.Wait()
			}
			g = s.dequeue(id)
			if g != nil {
				break
			}
			if s.closed && s.live == 0 {
				s.mu.Unlock()
				return
			}
			s.workCond.Wait()
		}
		g.state = StateRunning
		s.running++
		s.mu.Unlock()

		if !g.started {
			g.started = true
			go g.run(s)
		}
		g.resume <- struct{}{}
		ev := <-g.parked

		s.mu.Lock()
		s.running--
		s.gcCond.Broadcast()
		if ev.reason == parkYield {
			s.workers[id].q.pushBack(g)
			s.workCond.Signal()
		}
		s.mu.Unlock()
	}
}

// StopTheWorld pauses all goroutine execution for a collection cycle and
// returns once every running goroutine has reached a safepoint. The pause
// is a cooperative rendezvous: workers stop granting, and running
// goroutines park at their next Checkpoint, blocking call, or return.
func (s *Scheduler) StopTheWorld() {
	s.stopTheWorld(false)
}

// StopTheWorldFrom is StopTheWorld initiated by a running goroutine (an
// allocation that triggered collection). The initiator is counted as
// already paused so the barrier does not wait for it.
func (s *Scheduler) StopTheWorldFrom(c *Context) {
	s.stopTheWorld(true)
}

func (s *Scheduler) stopTheWorld(fromGoroutine bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Serialize collectors. An initiating goroutine counts as paused while
	// it waits its turn, so two simultaneous triggers cannot deadlock the
	// barrier.
	for s.gcwaiting {
		if fromGoroutine {
			s.safepointParked++
			s.gcCond.Broadcast()
			for s.gcwaiting {
				s.worldCond.Wait()
			}
			s.safepointParked--
		} else {
			s.worldCond.Wait()
		}
	}
	s.gcwaiting = true
	excluded := 0
	if fromGoroutine {
		excluded = 1
	}
	for s.running-s.safepointParked > excluded {
		s.gcCond.Wait()
	}
}

// StartTheWorld releases all goroutines paused by StopTheWorld.
func (s *Scheduler) StartTheWorld() {
	s.mu.Lock()
	s.gcwaiting = false
	s.worldCond.Broadcast()
	s.workCond.Broadcast()
	s.mu.Unlock()
}

// ForEachStackRoot enumerates every live goroutine's registered stack
// roots. Only meaningful while the world is stopped.
func (s *Scheduler) ForEachStackRoot(fn func(gc.Ptr)) {
	s.mu.Lock()
	roots := make([]gc.Ptr, 0)
	for _, g := range s.goroutines {
		for p := range g.roots {
			roots = append(roots, p)
		}
	}
	s.mu.Unlock()
	for _, p := range roots {
		fn(p)
	}
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Shutdown stops accepting spawns, aborts goroutines still blocked in
// channel operations (their pending operation fails with
// ErrSchedulerClosed and they run to completion during the drain), drains
// all remaining goroutines, and joins the workers. Safe to call once;
// subsequent calls wait for the first to complete.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	var aborts []func()
	for _, g := range s.goroutines {
		if g.state == StateBlocked && g.abort != nil {
			aborts = append(aborts, g.abort)
		}
	}
	s.workCond.Broadcast()
	s.mu.Unlock()

	for _, abort := range aborts {
		abort()
	}
	s.wg.Wait()
}
