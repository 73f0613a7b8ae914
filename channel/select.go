// ABOUTME: Multi-channel select built on the non-blocking channel operations
// ABOUTME: Polls cases in declaration order, with try, blocking, and deadline forms

package channel

import (
	"errors"
	"time"

	"github.com/menraromial/flux/sched"
)

// Case is one operation offered to a select. Build cases with SendCase and
// RecvCase; channels of different element types may appear in one select.
type Case interface {
	// poll attempts the operation once. ErrWouldBlock means not ready;
	// any other outcome, including ErrClosed, completes the select.
	poll() (any, error)
}

type sendCase[T any] struct {
	ch *Channel[T]
	v  T
}

func (c sendCase[T]) poll() (any, error) { return nil, c.ch.TrySend(c.v) }

// SendCase offers sending v on ch.
func SendCase[T any](ch *Channel[T], v T) Case {
	return sendCase[T]{ch: ch, v: v}
}

type recvCase[T any] struct {
	ch *Channel[T]
}

func (c recvCase[T]) poll() (any, error) {
	v, err := c.ch.TryRecv()
	if err != nil {
		return nil, err
	}
	return v, nil
}

// RecvCase offers receiving from ch; the received value is Select's second
// return.
func RecvCase[T any](ch *Channel[T]) Case {
	return recvCase[T]{ch: ch}
}

// pollCases tries each case once in declaration order.
func pollCases(cases []Case) (int, any, error) {
	for i, c := range cases {
		v, err := c.poll()
		if errors.Is(err, ErrWouldBlock) {
			continue
		}
		return i, v, err
	}
	return -1, nil, ErrWouldBlock
}

// TrySelect polls every case once and returns the first that completes:
// its index, the received value for a receive case, and the operation's
// error. When no case is ready it returns index -1 and ErrWouldBlock,
// which is the select's default branch.
func TrySelect(cases ...Case) (int, any, error) {
	return pollCases(cases)
}

// Select blocks the calling goroutine until one of the cases completes,
// yielding between polling rounds. A case on a closed channel completes
// with ErrClosed. With no cases it returns ErrWouldBlock immediately
// rather than blocking forever.
func Select(tc *sched.Context, cases ...Case) (int, any, error) {
	for {
		i, v, err := pollCases(cases)
		if i >= 0 {
			return i, v, err
		}
		if len(cases) == 0 {
			return -1, nil, ErrWouldBlock
		}
		tc.Yield()
	}
}

// SelectTimeout is Select bounded by a deadline; when it passes with no
// case ready the result is index -1 and ErrTimeout.
func SelectTimeout(tc *sched.Context, d time.Duration, cases ...Case) (int, any, error) {
	deadline := time.Now().Add(d)
	for {
		i, v, err := pollCases(cases)
		if i >= 0 {
			return i, v, err
		}
		if !time.Now().Before(deadline) {
			return -1, nil, ErrTimeout
		}
		tc.Yield()
	}
}
