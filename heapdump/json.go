// ABOUTME: JSON snapshot codec for the managed heap
// ABOUTME: Captures objects, pointer fields, and roots for offline inspection

package heapdump

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/menraromial/flux/gc"
)

// Object is one heap object in a snapshot.
type Object struct {
	Addr gc.Ptr   `json:"addr"`
	Type string   `json:"type"`
	Size uint64   `json:"size"`
	Ptrs []gc.Ptr `json:"ptrs"`
}

// Snapshot is a point-in-time view of the managed heap: every live object
// with its traced pointer fields, plus the root set in effect.
type Snapshot struct {
	Objects []Object `json:"objects"`
	Roots   []gc.Ptr `json:"roots"`
}

// Capture builds a snapshot of the heap. The caller must ensure the heap
// is quiescent — either the world is stopped or no goroutines are
// mutating — or the snapshot may tear across concurrent writes.
func Capture(h *gc.Heap, types *gc.TypeRegistry, roots []gc.Ptr) Snapshot {
	snap := Snapshot{Roots: append([]gc.Ptr{}, roots...)}
	h.ForEachObject(func(addr gc.Ptr, hdr gc.ObjectHeader) {
		obj := Object{
			Addr: addr,
			Size: hdr.Size,
			Ptrs: []gc.Ptr{},
		}
		if desc, ok := types.Lookup(hdr.TypeID); ok {
			obj.Type = desc.Name
			for _, off := range desc.PtrOffsets {
				p, err := h.ReadPtrField(addr, off)
				if err != nil || p == 0 {
					continue
				}
				obj.Ptrs = append(obj.Ptrs, p)
			}
		} else {
			obj.Type = fmt.Sprintf("type#%d", hdr.TypeID)
		}
		snap.Objects = append(snap.Objects, obj)
	})
	if snap.Objects == nil {
		snap.Objects = []Object{}
	}
	return snap
}

// Write encodes a snapshot as JSON.
func Write(w io.Writer, snap Snapshot) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// Read decodes a snapshot produced by Write.
func Read(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	dec := json.NewDecoder(r)
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	for i, obj := range snap.Objects {
		if obj.Addr == 0 {
			return Snapshot{}, fmt.Errorf("object at index %d missing address", i)
		}
		if obj.Ptrs == nil {
			snap.Objects[i].Ptrs = []gc.Ptr{}
		}
	}
	if snap.Objects == nil {
		snap.Objects = []Object{}
	}
	if snap.Roots == nil {
		snap.Roots = []gc.Ptr{}
	}
	return snap, nil
}

// Reachable computes the set of objects reachable from the snapshot's
// roots. Useful for verifying offline what the collector would keep.
func Reachable(snap Snapshot) map[gc.Ptr]bool {
	byAddr := make(map[gc.Ptr]*Object, len(snap.Objects))
	for i := range snap.Objects {
		byAddr[snap.Objects[i].Addr] = &snap.Objects[i]
	}

	seen := make(map[gc.Ptr]bool)
	work := append([]gc.Ptr{}, snap.Roots...)
	for len(work) > 0 {
		p := work[len(work)-1]
		work = work[:len(work)-1]
		obj, ok := byAddr[p]
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		work = append(work, obj.Ptrs...)
	}
	return seen
}
