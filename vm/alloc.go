package vm

import "fmt"

// ---------------------------------------------------------------------------
// Allocation accounting
// ---------------------------------------------------------------------------

// MemoryError reports a failed heap growth. It is raised as a panic at the
// allocation site (the operation in progress cannot continue) and recovered
// only at a protected-call boundary, never mid-phase.
type MemoryError struct {
	Requested uintptr // bytes the allocation would have added
	Limit     uint64  // configured hard limit
	InUse     uint64  // accounted bytes at the time of failure
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("vm: not enough memory (requested %d bytes, %d in use, limit %d)",
		e.Requested, e.InUse, e.Limit)
}

// account tracks collector-visible heap bytes. It stands in for the raw
// allocator collaborator: a single adjust primitive covers allocation
// (old == 0), resize, and free (new == 0). Shrinking and freeing always
// succeed; growth past the hard limit is fatal to the in-progress operation.
type account struct {
	total uint64 // accounted bytes currently allocated
	limit uint64 // hard limit; 0 means unlimited
}

// adjust records a size change old -> new for one block of storage.
// Panics with *MemoryError if the growth would exceed the limit.
func (a *account) adjust(old, new uintptr) {
	if new > old {
		grow := uint64(new - old)
		if a.limit != 0 && a.total+grow > a.limit {
			panic(&MemoryError{Requested: new - old, Limit: a.limit, InUse: a.total})
		}
		a.total += grow
	} else {
		shrink := uint64(old - new)
		if shrink > a.total {
			panic("vm: allocation accounting underflow")
		}
		a.total -= shrink
	}
}

// TotalBytes returns the bytes currently accounted to the heap.
func (vm *VM) TotalBytes() uint64 { return vm.mem.total }

// SetMemoryLimit sets a hard cap on accounted heap bytes. Zero removes the
// cap. Lowering the limit below current usage does not fail existing
// allocations; only the next growth does.
func (vm *VM) SetMemoryLimit(limit uint64) { vm.mem.limit = limit }

// Protected runs fn, converting an allocation-failure panic into an error.
// This is the coarse recovery boundary for memory errors; defects (broken
// invariants, stale handles) still propagate as panics.
func (vm *VM) Protected(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if mem, ok := r.(*MemoryError); ok {
				err = mem
				return
			}
			panic(r)
		}
	}()
	return fn()
}
