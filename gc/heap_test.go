// ABOUTME: Tests for the heap and allocator
// ABOUTME: Validates allocation, free-list reuse, payload access, and stats

package gc

import (
	"errors"
	"testing"
)

func TestAllocateAndHeader(t *testing.T) {
	h := NewHeap(0, false)

	p, err := h.Allocate(24, 7)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if p == 0 {
		t.Fatal("Expected non-nil pointer")
	}

	hdr, err := h.Header(p)
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if hdr.Size != HeaderSize+24 {
		t.Errorf("Expected size %d, got %d", HeaderSize+24, hdr.Size)
	}
	if hdr.TypeID != 7 {
		t.Errorf("Expected type ID 7, got %d", hdr.TypeID)
	}
	if hdr.Marked {
		t.Error("New object should not be marked")
	}
	if hdr.Generation != 0 {
		t.Errorf("Expected generation 0, got %d", hdr.Generation)
	}
	if hdr.AllocSeq == 0 {
		t.Error("Expected non-zero allocation sequence")
	}
}

func TestAllocationSequenceIncreases(t *testing.T) {
	h := NewHeap(0, false)

	p1, _ := h.Allocate(8, 1)
	p2, _ := h.Allocate(8, 1)

	h1, _ := h.Header(p1)
	h2, _ := h.Header(p2)
	if h2.AllocSeq <= h1.AllocSeq {
		t.Errorf("Expected increasing AllocSeq, got %d then %d", h1.AllocSeq, h2.AllocSeq)
	}
}

func TestFreeListReuse(t *testing.T) {
	h := NewHeap(0, false)

	p1, err := h.Allocate(20, 1)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := h.Free(p1); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if h.Contains(p1) {
		t.Error("Freed object should not be live")
	}

	// Same size class comes back from the free list under its old address.
	p2, err := h.Allocate(24, 2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if p2 != p1 {
		t.Errorf("Expected free-list reuse of %#x, got %#x", uint64(p1), uint64(p2))
	}

	// The reused payload is zeroed.
	data, err := h.ReadData(p2, 0, 24)
	if err != nil {
		t.Fatalf("ReadData failed: %v", err)
	}
	for i, b := range data {
		if b != 0 {
			t.Errorf("Reused payload byte %d not zeroed: %d", i, b)
			break
		}
	}
}

func TestFreeBadPointer(t *testing.T) {
	h := NewHeap(0, false)
	if err := h.Free(Ptr(0xdead)); !errors.Is(err, ErrBadPointer) {
		t.Errorf("Expected ErrBadPointer, got %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	h := NewHeap(150, false)

	// First allocation fits (32 header + 64 payload = 96 bytes).
	if _, err := h.Allocate(64, 1); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	// Second would put live bytes at 192, past the cap.
	if _, err := h.Allocate(64, 1); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Expected ErrOutOfMemory, got %v", err)
	}
}

func TestFreeListReuseRespectsCap(t *testing.T) {
	h := NewHeap(100, false)

	p, err := h.Allocate(64, 1) // 96 bytes live
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := h.Free(p); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if _, err := h.Allocate(16, 1); err != nil { // 48 bytes live
		t.Fatalf("Allocate failed: %v", err)
	}
	// A free-list block of the right class exists, but reusing it would
	// put live bytes at 144.
	if _, err := h.Allocate(64, 1); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Expected ErrOutOfMemory on reuse past the cap, got %v", err)
	}
}

func TestPayloadReadWrite(t *testing.T) {
	h := NewHeap(0, false)
	p, _ := h.Allocate(32, 1)

	if err := h.WriteData(p, 4, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteData failed: %v", err)
	}
	got, err := h.ReadData(p, 4, 3)
	if err != nil {
		t.Fatalf("ReadData failed: %v", err)
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("Expected [1 2 3], got %v", got)
	}

	if err := h.WriteData(p, 30, []byte{1, 2, 3}); err == nil {
		t.Error("Expected out-of-bounds write to fail")
	}
}

func TestPtrFieldRoundTrip(t *testing.T) {
	h := NewHeap(0, false)
	a, _ := h.Allocate(16, 1)
	b, _ := h.Allocate(16, 1)

	if err := h.WritePtrField(a, 8, b); err != nil {
		t.Fatalf("WritePtrField failed: %v", err)
	}
	got, err := h.ReadPtrField(a, 8)
	if err != nil {
		t.Fatalf("ReadPtrField failed: %v", err)
	}
	if got != b {
		t.Errorf("Expected %#x, got %#x", uint64(b), uint64(got))
	}
}

func TestHeapStats(t *testing.T) {
	h := NewHeap(0, false)

	p1, _ := h.Allocate(16, 1)
	p2, _ := h.Allocate(16, 1)
	_, _ = h.Allocate(32, 2)

	s := h.Stats()
	if s.ObjectCount != 3 {
		t.Errorf("Expected 3 objects, got %d", s.ObjectCount)
	}
	want := uint64(3*HeaderSize + 16 + 16 + 32)
	if s.CurrentBytes != want {
		t.Errorf("Expected %d current bytes, got %d", want, s.CurrentBytes)
	}
	if s.PeakBytes != want {
		t.Errorf("Expected peak %d, got %d", want, s.PeakBytes)
	}
	if s.ByType[1].Count != 2 {
		t.Errorf("Expected 2 objects of type 1, got %d", s.ByType[1].Count)
	}
	if s.ByType[2].Count != 1 {
		t.Errorf("Expected 1 object of type 2, got %d", s.ByType[2].Count)
	}

	h.Free(p1)
	h.Free(p2)
	s = h.Stats()
	if s.ObjectCount != 1 {
		t.Errorf("Expected 1 object after frees, got %d", s.ObjectCount)
	}
	if s.ByType[1].Count != 0 {
		t.Errorf("Expected 0 live objects of type 1, got %d", s.ByType[1].Count)
	}
	if s.ByType[1].PeakCount != 2 {
		t.Errorf("Expected peak 2 for type 1, got %d", s.ByType[1].PeakCount)
	}
	if s.PeakBytes != want {
		t.Errorf("Peak should not shrink, got %d", s.PeakBytes)
	}
	if s.CumulativeFreed != uint64(2*HeaderSize+32) {
		t.Errorf("Expected %d cumulative freed, got %d", 2*HeaderSize+32, s.CumulativeFreed)
	}
}

func TestDetailedTracking(t *testing.T) {
	h := NewHeap(0, true)
	p, _ := h.Allocate(16, 9)

	active := h.ActiveAllocations()
	rec, ok := active[p]
	if !ok {
		t.Fatal("Expected allocation record for live object")
	}
	if rec.TypeID != 9 {
		t.Errorf("Expected type ID 9, got %d", rec.TypeID)
	}
	if rec.Size != HeaderSize+16 {
		t.Errorf("Expected size %d, got %d", HeaderSize+16, rec.Size)
	}

	h.Free(p)
	if _, ok := h.ActiveAllocations()[p]; ok {
		t.Error("Expected record removed after free")
	}
}

func TestDetailedTrackingDisabled(t *testing.T) {
	h := NewHeap(0, false)
	h.Allocate(16, 1)
	if h.ActiveAllocations() != nil {
		t.Error("Expected nil records when tracking disabled")
	}
}

func TestSizeClass(t *testing.T) {
	tests := []struct {
		size uint64
		want uint64
	}{
		{1, 16},
		{16, 16},
		{17, 32},
		{100, 128},
		{128, 128},
		{129, 256},
	}
	for _, tt := range tests {
		if got := sizeClass(tt.size); got != tt.want {
			t.Errorf("sizeClass(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}
