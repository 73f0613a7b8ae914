// ABOUTME: Typed capacity-bounded channels bridging goroutines
// ABOUTME: FIFO waiter lists, rendezvous at capacity zero, close and deadline semantics

package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/menraromial/flux/sched"
)

// ErrClosed is returned by sends on a closed channel, and by receives once
// a closed channel's buffer has drained.
var ErrClosed = errors.New("channel: closed")

// ErrWouldBlock is returned by TrySend and TryRecv when the operation
// cannot complete immediately.
var ErrWouldBlock = errors.New("channel: would block")

// ErrTimeout is returned by deadline operations when the deadline expires
// before the operation completes. The caller's waiter is removed
// atomically with the expiry, leaving no dangling wake.
var ErrTimeout = errors.New("channel: timeout")

// waiter is one parked sender or receiver, served in arrival order. The
// completing side fills val/err, sets done, and wakes the goroutine; done
// arbitrates races between transfer, timeout, and shutdown abort.
type waiter[T any] struct {
	c    *sched.Context
	val  T
	err  error
	done bool
}

// state is the shared body of a channel, referenced by every cloned
// handle. Invariant carried from the scheduler's channel discipline: at
// least one of sendq and recvq is empty at all times.
type state[T any] struct {
	mu       sync.Mutex
	sched    *sched.Scheduler
	buf      []T
	capacity int
	sendq    []*waiter[T]
	recvq    []*waiter[T]
	closed   bool
	refs     int
}

// Channel is a handle to a shared channel. Handles are cloned, not copied:
// Clone shares the same state by reference, and the buffer is released
// when the last handle is dropped.
//
// Values sitting in a channel buffer are not garbage-collection roots.
// Code passing managed pointers through a channel must keep them rooted
// (sender side or a pinned root) until the receiver has re-rooted them,
// the same discipline foreign calls follow.
type Channel[T any] struct {
	st *state[T]
}

// New creates a channel with the given capacity. Capacity zero is a
// rendezvous channel: a send completes only when paired with a receive.
func New[T any](s *sched.Scheduler, capacity int) *Channel[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel[T]{st: &state[T]{
		sched:    s,
		capacity: capacity,
		refs:     1,
	}}
}

// Cap returns the declared capacity.
func (ch *Channel[T]) Cap() int { return ch.st.capacity }

// Len returns the number of buffered values.
func (ch *Channel[T]) Len() int {
	ch.st.mu.Lock()
	defer ch.st.mu.Unlock()
	return len(ch.st.buf)
}

// IsClosed reports whether Close has been called.
func (ch *Channel[T]) IsClosed() bool {
	ch.st.mu.Lock()
	defer ch.st.mu.Unlock()
	return ch.st.closed
}

// Waiting returns the number of parked senders and receivers.
func (ch *Channel[T]) Waiting() (senders, receivers int) {
	ch.st.mu.Lock()
	defer ch.st.mu.Unlock()
	return len(ch.st.sendq), len(ch.st.recvq)
}

// Clone returns a new handle sharing the same channel state.
func (ch *Channel[T]) Clone() *Channel[T] {
	ch.st.mu.Lock()
	ch.st.refs++
	ch.st.mu.Unlock()
	return &Channel[T]{st: ch.st}
}

// Drop releases this handle. Dropping the last handle closes the channel —
// parked waiters are released with ErrClosed, exactly as Close — and frees
// the buffer.
func (ch *Channel[T]) Drop() {
	ch.st.mu.Lock()
	ch.st.refs--
	if ch.st.refs <= 0 {
		ch.st.closeLocked()
		ch.st.buf = nil
	}
	ch.st.mu.Unlock()
}

// removeWaiter deletes w from the queue, preserving arrival order of the
// rest. Caller holds st.mu.
func removeWaiter[T any](q []*waiter[T], w *waiter[T]) []*waiter[T] {
	for i, x := range q {
		if x == w {
			copy(q[i:], q[i+1:])
			q[len(q)-1] = nil
			return q[:len(q)-1]
		}
	}
	return q
}

// completeLocked marks a waiter done and wakes its goroutine. Caller holds
// st.mu; Ready takes the scheduler lock, which nests inside the channel
// lock everywhere.
func (st *state[T]) completeLocked(w *waiter[T]) {
	w.done = true
	st.sched.Ready(w.c.Goroutine())
}

// Send delivers a value, parking the calling goroutine while the buffer is
// full, or until a receiver arrives on a rendezvous channel. Fails with
// ErrClosed if the channel is or becomes closed.
func (ch *Channel[T]) Send(tc *sched.Context, v T) error {
	return ch.send(tc, v, 0)
}

// SendTimeout is Send with a deadline; it fails with ErrTimeout when the
// deadline passes first.
func (ch *Channel[T]) SendTimeout(tc *sched.Context, v T, d time.Duration) error {
	return ch.send(tc, v, d)
}

func (ch *Channel[T]) send(tc *sched.Context, v T, d time.Duration) error {
	st := ch.st
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return ErrClosed
	}

	// Hand off directly to the eldest waiting receiver.
	if len(st.recvq) > 0 {
		w := st.recvq[0]
		st.recvq = st.recvq[1:]
		w.val = v
		st.completeLocked(w)
		st.mu.Unlock()
		return nil
	}

	if st.capacity > 0 && len(st.buf) < st.capacity {
		st.buf = append(st.buf, v)
		st.mu.Unlock()
		return nil
	}

	// Block until a receiver takes the value.
	w := &waiter[T]{c: tc, val: v}
	st.sendq = append(st.sendq, w)
	if err := tc.BeginBlock(func() { st.abortWaiter(w) }); err != nil {
		st.sendq = removeWaiter(st.sendq, w)
		st.mu.Unlock()
		return err
	}
	var timer *time.Timer
	if d > 0 {
		timer = time.AfterFunc(d, func() { st.expireWaiter(w) })
	}
	st.mu.Unlock()

	tc.Park()
	if timer != nil {
		timer.Stop()
	}

	st.mu.Lock()
	err := w.err
	st.mu.Unlock()
	return err
}

// Recv takes a value, parking the calling goroutine while the channel is
// empty. After Close, pending and future receives drain the buffer in
// order and then fail with ErrClosed; a receive never blocks forever on a
// closed channel.
func (ch *Channel[T]) Recv(tc *sched.Context) (T, error) {
	return ch.recv(tc, 0)
}

// RecvTimeout is Recv with a deadline; it fails with ErrTimeout when the
// deadline passes first.
func (ch *Channel[T]) RecvTimeout(tc *sched.Context, d time.Duration) (T, error) {
	return ch.recv(tc, d)
}

func (ch *Channel[T]) recv(tc *sched.Context, d time.Duration) (T, error) {
	var zero T
	st := ch.st
	st.mu.Lock()

	if len(st.buf) > 0 {
		v := st.buf[0]
		st.buf = st.buf[1:]
		// A parked sender's value moves into the freed slot, keeping
		// send order.
		if len(st.sendq) > 0 {
			w := st.sendq[0]
			st.sendq = st.sendq[1:]
			st.buf = append(st.buf, w.val)
			st.completeLocked(w)
		}
		st.mu.Unlock()
		return v, nil
	}

	// Rendezvous: take directly from the eldest waiting sender.
	if len(st.sendq) > 0 {
		w := st.sendq[0]
		st.sendq = st.sendq[1:]
		v := w.val
		st.completeLocked(w)
		st.mu.Unlock()
		return v, nil
	}

	if st.closed {
		st.mu.Unlock()
		return zero, ErrClosed
	}

	// Block until a sender delivers into the waiter.
	w := &waiter[T]{c: tc}
	st.recvq = append(st.recvq, w)
	if err := tc.BeginBlock(func() { st.abortWaiter(w) }); err != nil {
		st.recvq = removeWaiter(st.recvq, w)
		st.mu.Unlock()
		return zero, err
	}
	var timer *time.Timer
	if d > 0 {
		timer = time.AfterFunc(d, func() { st.expireWaiter(w) })
	}
	st.mu.Unlock()

	tc.Park()
	if timer != nil {
		timer.Stop()
	}

	st.mu.Lock()
	v, err := w.val, w.err
	st.mu.Unlock()
	if err != nil {
		return zero, err
	}
	return v, nil
}

// TrySend delivers a value only if it can complete immediately, failing
// fast with ErrWouldBlock otherwise. On a rendezvous channel it succeeds
// only when a receiver is already waiting.
func (ch *Channel[T]) TrySend(v T) error {
	st := ch.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrClosed
	}
	if len(st.recvq) > 0 {
		w := st.recvq[0]
		st.recvq = st.recvq[1:]
		w.val = v
		st.completeLocked(w)
		return nil
	}
	if st.capacity > 0 && len(st.buf) < st.capacity {
		st.buf = append(st.buf, v)
		return nil
	}
	return ErrWouldBlock
}

// TryRecv takes a value only if one is immediately available, failing fast
// with ErrWouldBlock on an empty open channel and ErrClosed on an empty
// closed one.
func (ch *Channel[T]) TryRecv() (T, error) {
	var zero T
	st := ch.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.buf) > 0 {
		v := st.buf[0]
		st.buf = st.buf[1:]
		if len(st.sendq) > 0 {
			w := st.sendq[0]
			st.sendq = st.sendq[1:]
			st.buf = append(st.buf, w.val)
			st.completeLocked(w)
		}
		return v, nil
	}
	if len(st.sendq) > 0 {
		w := st.sendq[0]
		st.sendq = st.sendq[1:]
		v := w.val
		st.completeLocked(w)
		return v, nil
	}
	if st.closed {
		return zero, ErrClosed
	}
	return zero, ErrWouldBlock
}

// Close marks the channel closed and releases every parked waiter with
// ErrClosed. Buffered values remain receivable. Closing twice is a no-op.
func (ch *Channel[T]) Close() {
	ch.st.mu.Lock()
	ch.st.closeLocked()
	ch.st.mu.Unlock()
}

// closeLocked closes the channel and releases all parked waiters with
// ErrClosed. Caller holds st.mu; closing twice is a no-op.
func (st *state[T]) closeLocked() {
	if st.closed {
		return
	}
	st.closed = true
	for _, w := range st.sendq {
		w.err = ErrClosed
		st.completeLocked(w)
	}
	st.sendq = nil
	for _, w := range st.recvq {
		w.err = ErrClosed
		st.completeLocked(w)
	}
	st.recvq = nil
}

// abortWaiter cancels a pending wait at scheduler shutdown. The blocked
// operation returns ErrSchedulerClosed.
func (st *state[T]) abortWaiter(w *waiter[T]) {
	st.mu.Lock()
	if !w.done {
		st.sendq = removeWaiter(st.sendq, w)
		st.recvq = removeWaiter(st.recvq, w)
		w.err = sched.ErrSchedulerClosed
		st.completeLocked(w)
	}
	st.mu.Unlock()
}

// expireWaiter fires a deadline: the waiter leaves its queue and its
// operation returns ErrTimeout, unless a transfer won the race.
func (st *state[T]) expireWaiter(w *waiter[T]) {
	st.mu.Lock()
	if !w.done {
		st.sendq = removeWaiter(st.sendq, w)
		st.recvq = removeWaiter(st.recvq, w)
		w.err = ErrTimeout
		st.completeLocked(w)
	}
	st.mu.Unlock()
}
