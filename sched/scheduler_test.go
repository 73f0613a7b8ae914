// ABOUTME: Tests for the cooperative scheduler and goroutine lifecycle
// ABOUTME: Validates spawn/join, yielding, faults, shutdown, and the STW barrier

package sched

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/menraromial/flux/gc"
)

func TestSpawnAndJoinResult(t *testing.T) {
	s := New(2)
	defer s.Shutdown()

	h, err := s.Spawn(func(tc *Context) any {
		return 42
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	res, err := s.Join(h)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if res != 42 {
		t.Errorf("Expected result 42, got %v", res)
	}
}

func TestCounterAcrossPoolSizes(t *testing.T) {
	// K goroutines each increment once; the joined total must be K for
	// any worker-pool size.
	const k = 50
	for _, workers := range []int{1, 2, 4, 8} {
		t.Run(string(rune('0'+workers))+"-workers", func(t *testing.T) {
			s := New(workers)
			defer s.Shutdown()

			var counter atomic.Int64
			handles := make([]Handle, 0, k)
			for i := 0; i < k; i++ {
				h, err := s.Spawn(func(tc *Context) any {
					counter.Add(1)
					return nil
				})
				if err != nil {
					t.Fatalf("Spawn failed: %v", err)
				}
				handles = append(handles, h)
			}
			for _, h := range handles {
				if _, err := s.Join(h); err != nil {
					t.Fatalf("Join failed: %v", err)
				}
			}
			if got := counter.Load(); got != k {
				t.Errorf("Expected counter %d, got %d", k, got)
			}
		})
	}
}

func TestYieldInterleavesOnSingleWorker(t *testing.T) {
	// With one worker, a yielding goroutine must let the other run.
	s := New(1)
	defer s.Shutdown()

	var order []int
	h1, _ := s.Spawn(func(tc *Context) any {
		order = append(order, 1)
		tc.Yield()
		order = append(order, 3)
		return nil
	})
	h2, _ := s.Spawn(func(tc *Context) any {
		order = append(order, 2)
		return nil
	})
	s.Join(h1)
	s.Join(h2)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("Expected yield interleaving [1 2 3], got %v", order)
	}
}

func TestPanicIsIsolatedAndReported(t *testing.T) {
	s := New(2)
	defer s.Shutdown()

	bad, _ := s.Spawn(func(tc *Context) any {
		panic("boom")
	})
	good, _ := s.Spawn(func(tc *Context) any {
		return "ok"
	})

	if _, err := s.Join(bad); !errors.Is(err, ErrGoroutinePanicked) {
		t.Errorf("Expected ErrGoroutinePanicked, got %v", err)
	}
	res, err := s.Join(good)
	if err != nil {
		t.Errorf("Healthy goroutine affected by sibling panic: %v", err)
	}
	if res != "ok" {
		t.Errorf("Expected 'ok', got %v", res)
	}

	if got := s.Stats().Panicked; got != 1 {
		t.Errorf("Expected 1 panicked goroutine, got %d", got)
	}
}

func TestContextJoin(t *testing.T) {
	s := New(2)
	defer s.Shutdown()

	inner, _ := s.Spawn(func(tc *Context) any {
		return 7
	})
	outer, _ := s.Spawn(func(tc *Context) any {
		res, err := tc.Join(inner)
		if err != nil {
			return err
		}
		return res
	})

	res, err := s.Join(outer)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if res != 7 {
		t.Errorf("Expected 7 through cooperative join, got %v", res)
	}
}

func TestContextJoinPropagatesFault(t *testing.T) {
	s := New(2)
	defer s.Shutdown()

	inner, _ := s.Spawn(func(tc *Context) any {
		panic("inner fault")
	})
	outer, _ := s.Spawn(func(tc *Context) any {
		_, err := tc.Join(inner)
		return err
	})

	res, err := s.Join(outer)
	if err != nil {
		t.Fatalf("Outer goroutine should not fault: %v", err)
	}
	joinErr, ok := res.(error)
	if !ok || !errors.Is(joinErr, ErrGoroutinePanicked) {
		t.Errorf("Expected joiner to observe ErrGoroutinePanicked, got %v", res)
	}
}

func TestSpawnAfterShutdown(t *testing.T) {
	s := New(1)
	s.Shutdown()

	if _, err := s.Spawn(func(tc *Context) any { return nil }); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("Expected ErrSchedulerClosed, got %v", err)
	}
}

func TestShutdownDrainsReadyGoroutines(t *testing.T) {
	s := New(2)

	const n = 20
	var done atomic.Int64
	for i := 0; i < n; i++ {
		s.Spawn(func(tc *Context) any {
			done.Add(1)
			return nil
		})
	}
	s.Shutdown()

	if got := done.Load(); got != n {
		t.Errorf("Expected %d goroutines drained, got %d", n, got)
	}
	if got := s.Stats().Finished; got != n {
		t.Errorf("Expected %d finished, got %d", n, got)
	}
}

func TestStopTheWorldRendezvous(t *testing.T) {
	s := New(2)
	defer s.Shutdown()

	var stop atomic.Bool
	var spins atomic.Int64
	handles := make([]Handle, 0, 3)
	for i := 0; i < 3; i++ {
		h, _ := s.Spawn(func(tc *Context) any {
			for !stop.Load() {
				spins.Add(1)
				tc.Checkpoint()
			}
			return nil
		})
		handles = append(handles, h)
	}

	// Let the spinners get going, then stop the world: the barrier must
	// complete even though all goroutines are mid-loop.
	for spins.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	s.StopTheWorld()
	paused := spins.Load()
	time.Sleep(5 * time.Millisecond)
	if got := spins.Load(); got != paused {
		t.Errorf("Goroutines progressed during stop-the-world: %d -> %d", paused, got)
	}
	s.StartTheWorld()

	stop.Store(true)
	for _, h := range handles {
		s.Join(h)
	}
}

func TestStackRootsEnumeratedAtSafepoint(t *testing.T) {
	s := New(2)
	defer s.Shutdown()

	var rooted atomic.Bool
	var release atomic.Bool
	h, _ := s.Spawn(func(tc *Context) any {
		tc.RegisterRoot(gc.Ptr(0x2000))
		tc.RegisterRoot(gc.Ptr(0x2000)) // counted twice
		tc.RegisterRoot(gc.Ptr(0x3000))
		tc.UnregisterRoot(gc.Ptr(0x2000))
		rooted.Store(true)
		for !release.Load() {
			tc.Checkpoint()
		}
		tc.UnregisterRoot(gc.Ptr(0x2000))
		tc.UnregisterRoot(gc.Ptr(0x3000))
		return nil
	})

	for !rooted.Load() {
		time.Sleep(time.Millisecond)
	}
	s.StopTheWorld()
	seen := make(map[gc.Ptr]bool)
	s.ForEachStackRoot(func(p gc.Ptr) { seen[p] = true })
	s.StartTheWorld()

	if !seen[0x2000] {
		t.Error("Address with remaining registration missing from stack roots")
	}
	if !seen[0x3000] {
		t.Error("Registered stack root missing")
	}

	release.Store(true)
	s.Join(h)
}

func TestTimeSliceYield(t *testing.T) {
	// A goroutine that only calls Checkpoint still cedes the single
	// worker once its slice expires.
	s := New(1)
	defer s.Shutdown()

	var first atomic.Bool
	var secondRan atomic.Bool
	h1, _ := s.Spawn(func(tc *Context) any {
		first.Store(true)
		deadline := time.Now().Add(100 * time.Millisecond)
		for !secondRan.Load() && time.Now().Before(deadline) {
			tc.Checkpoint()
		}
		return secondRan.Load()
	})
	h2, _ := s.Spawn(func(tc *Context) any {
		secondRan.Store(true)
		return nil
	})

	res, err := s.Join(h1)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if res != true {
		t.Error("Second goroutine never ran; time-slice yield did not happen")
	}
	s.Join(h2)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateReady, "Ready"},
		{StateRunning, "Running"},
		{StateBlocked, "Blocked"},
		{StateFinished, "Finished"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
