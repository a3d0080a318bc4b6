package vm

// ---------------------------------------------------------------------------
// Atomic phase
// ---------------------------------------------------------------------------

// atomic closes the mark phase in one indivisible call. It reconciles
// everything the write barriers and the mutator changed since marking
// started, separates finalizable userdata, purges weak tables, flips the
// current white shade, and arms the sweep cursors. No mutation interleaves
// with it by construction: the collector only runs inside explicit steps on
// the mutator's own thread.
func (vm *VM) atomic() {
	g := &vm.gc

	// 1. Open upvalues of threads not yet marked may still be gray; their
	// values must survive even if the owning thread does not.
	vm.remarkOpenUpvalues()
	vm.propagateAll()

	// 2-3. Set the weak list aside (its tables re-register as they are
	// re-traversed), then re-mark the mutator-visible roots and drain.
	g.gray = g.weak
	g.weak = HandleNone
	vm.markObject(vm.running)
	vm.markTypeMetatables()
	vm.propagateAll()

	// 4. Fold in the gray-again list: threads and barrier-touched tables.
	g.gray = g.grayAgain
	g.grayAgain = HandleNone
	vm.propagateAll()

	// 5. Partition dead userdata: those with a finalizer hook move to the
	// finalization-pending ring, the rest are flagged finalized in place.
	finBytes := vm.separateFinalizable(false)

	// 6. Everything pending finalization lives one more cycle, along with
	// whatever it references.
	vm.markPendingFinalizers()
	finBytes += uintptr(vm.propagateAll())

	// 7. Purge weak tables of entries whose key or value died this cycle.
	vm.clearWeakTables()

	// 8. Flip the meaning of white and aim the sweep cursors at the string
	// table head and the allocated list head.
	g.currentWhite ^= whiteBits
	g.sweepStr = 0
	g.sweepPrev = HandleNone
	g.phase = PhaseSweepStrings
	g.estimate = vm.mem.total - uint64(finBytes)
}

// remarkOpenUpvalues walks the VM-wide open-upvalue ring and re-marks the
// value of every still-gray cell.
func (vm *VM) remarkOpenUpvalues() {
	head := vm.obj(vm.uvhead).(*Upvalue)
	for cur := head.unext; cur != vm.uvhead; {
		u := vm.obj(cur).(*Upvalue)
		if u.isGray() {
			vm.markValue(vm.upvalValue(u))
		}
		cur = u.unext
	}
}

// separateFinalizable scans the userdata segment of the allocated list (all
// objects linked after the main thread). Dead userdata whose metatable
// defines a finalizer hook are unlinked into the circular pending ring;
// other dead userdata are marked finalized in place. With all set, every
// unfinalized userdata is separated regardless of color (shutdown path).
// Returns the bytes moved to the pending ring.
func (vm *VM) separateFinalizable(all bool) uintptr {
	g := &vm.gc
	var finBytes uintptr
	prev := vm.obj(vm.mainThread).Header()
	for !prev.next.IsNone() {
		cur := prev.next
		u := vm.obj(cur).(*Userdata)
		if !(u.isWhite() || all) || u.isFinalized() {
			prev = u.Header()
		} else if !vm.hasFinalizer(u) {
			u.markFinalized()
			prev = u.Header()
		} else {
			finBytes += u.Size()
			u.markFinalized()
			prev.next = u.next
			// Append to the circular pending ring; g.pendingFin is the tail.
			if g.pendingFin.IsNone() {
				u.next = cur
			} else {
				tail := vm.obj(g.pendingFin).Header()
				u.next = tail.next
				tail.next = cur
			}
			g.pendingFin = cur
		}
	}
	return finBytes
}

// hasFinalizer reports whether the userdata's metatable defines a __gc hook.
func (vm *VM) hasFinalizer(u *Userdata) bool {
	if u.meta.IsNone() {
		return false
	}
	return !vm.TableGet(u.meta, vm.gcKey).IsNil()
}

// markPendingFinalizers keeps every userdata on the pending ring alive for
// one more cycle, so its finalizer sees an intact object.
func (vm *VM) markPendingFinalizers() {
	g := &vm.gc
	if g.pendingFin.IsNone() {
		return
	}
	tail := vm.obj(g.pendingFin).Header()
	cur := tail.next
	for {
		u := vm.obj(cur)
		hd := u.Header()
		hd.makeWhite(g.currentWhite)
		vm.reallyMark(u)
		if cur == g.pendingFin {
			break
		}
		cur = u.Header().next
	}
}

// clearWeakTables removes entries whose key or value is a collectable
// object that died this cycle. Strings are values by fiat and never
// cleared; userdata mid-finalization count as cleared in the value position
// only.
func (vm *VM) clearWeakTables() {
	g := &vm.gc
	for cur := g.weak; !cur.IsNone(); {
		t := vm.obj(cur).(*Table)
		if t.marked&weakBits == 0 {
			panic("vm: non-weak table on weak list")
		}
		if t.marked&weakValueBit != 0 {
			for i, v := range t.array {
				if vm.isCleared(v, false) {
					t.array[i] = Nil
					g.stats.WeakCleared++
				}
			}
		}
		for k, v := range t.hash {
			if vm.isCleared(k, true) || vm.isCleared(v, false) {
				delete(t.hash, k)
				g.stats.WeakCleared++
			}
		}
		cur = t.gclist
	}
}

// isCleared reports whether a weak-table slot holding v must be purged.
func (vm *VM) isCleared(v Value, isKey bool) bool {
	h := v.objectOrNone()
	if h.IsNone() {
		return false
	}
	o := vm.obj(h)
	hd := o.Header()
	if _, isString := o.(*TString); isString {
		// Strings behave as values, never as weak referents; reaching one
		// here keeps it alive.
		if hd.isWhite() {
			vm.reallyMark(o)
		}
		return false
	}
	if hd.isWhite() {
		return true
	}
	if u, isUD := o.(*Userdata); isUD && !isKey && u.isFinalized() {
		return true
	}
	return false
}
