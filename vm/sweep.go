package vm

// ---------------------------------------------------------------------------
// Sweep phase
// ---------------------------------------------------------------------------

// sweepDead reports whether the object must be freed by this sweep: it
// carries the dead white shade and is not pinned.
func (vm *VM) sweepDead(hd *header) bool {
	return hd.isDead(vm.gc.currentWhite) && !hd.isFixed()
}

// sweepList processes up to count objects of the allocated list, resuming
// after prev (HandleNone means the list head). Survivors are repainted with
// the new current white; dead objects are unlinked and torn down. A thread
// has its private open-upvalue list swept to completion first, always
// together with the thread itself. Returns the new cursor position and
// whether the end of the list was reached.
func (vm *VM) sweepList(prev Handle, count int) (Handle, bool) {
	cur := vm.listNext(prev)
	for !cur.IsNone() && count > 0 {
		count--
		o := vm.obj(cur)
		hd := o.Header()
		if t, ok := o.(*Thread); ok {
			vm.sweepOpenUpvalues(t)
		}
		if vm.sweepDead(hd) {
			next := hd.next
			vm.listSetNext(prev, next)
			vm.freeObject(o)
			cur = next
		} else {
			hd.makeWhite(vm.gc.currentWhite)
			prev = cur
			cur = hd.next
		}
	}
	return prev, cur.IsNone()
}

// listNext returns the object following prev on the allocated list.
func (vm *VM) listNext(prev Handle) Handle {
	if prev.IsNone() {
		return vm.gc.rootgc
	}
	return vm.obj(prev).Header().next
}

// listSetNext splices the allocated list around a freed object.
func (vm *VM) listSetNext(prev, next Handle) {
	if prev.IsNone() {
		vm.gc.rootgc = next
	} else {
		vm.obj(prev).Header().next = next
	}
}

// sweepOpenUpvalues sweeps a thread's whole OPEN-upvalue list, unbounded.
func (vm *VM) sweepOpenUpvalues(t *Thread) {
	pp := &t.openUpval
	for !(*pp).IsNone() {
		u := vm.obj(*pp).(*Upvalue)
		if vm.sweepDead(u.Header()) {
			*pp = u.next
			vm.gc.stats.FreedObjects++
			vm.gc.stats.FreedBytes += uint64(u.Size())
			vm.freeUpvalue(u)
		} else {
			u.makeWhite(vm.gc.currentWhite)
			pp = &u.next
		}
	}
}

// sweepStringBucket sweeps one string-table bucket to completion.
func (vm *VM) sweepStringBucket(bucket int) {
	pp := &vm.strt.hash[bucket]
	for !(*pp).IsNone() {
		ts := vm.obj(*pp).(*TString)
		if vm.sweepDead(ts.Header()) {
			*pp = ts.next
			vm.freeObject(ts)
		} else {
			ts.makeWhite(vm.gc.currentWhite)
			pp = &ts.next
		}
	}
}

// freeObject releases one dead object: type-specific teardown, allocation
// accounting, and arena slot recycling. Slice-backed storage (table parts,
// prototype arrays, closure upvalue arrays) is released by dropping the
// object itself.
func (vm *VM) freeObject(o Object) {
	g := &vm.gc
	g.stats.FreedObjects++
	g.stats.FreedBytes += uint64(o.Size())
	switch o := o.(type) {
	case *Upvalue:
		vm.freeUpvalue(o)
		return
	case *TString:
		vm.strt.nuse--
	case *Thread:
		if o.self == vm.running || o.self == vm.mainThread {
			panic("vm: freeing an active thread")
		}
	case *Table, *Closure, *Userdata, *Proto:
		// Nothing beyond accounting.
	default:
		panic("vm: free of unknown object kind")
	}
	vm.mem.adjust(o.Size(), 0)
	vm.arena.remove(o.Header().self)
}

// checkSizes shrinks over-provisioned collector-owned storage at the end of
// a sweep: the string table halves once usage drops below a quarter of its
// bucket count.
func (vm *VM) checkSizes() {
	strt := vm.strt
	if strt.nuse < len(strt.hash)/4 && len(strt.hash) > minStringTableSize*2 {
		vm.resizeStringTable(len(strt.hash) / 2)
	}
}
