package vm

import "unsafe"

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// Upvalue is a boxed value cell captured by one or more closures. It has two
// states and one transition, OPEN -> CLOSED, taken exactly once:
//
//   - OPEN: the cell aliases a living stack slot (owner thread + slot index).
//     Every closure capturing the same lexical slot of the same frame shares
//     the one cell; at most one upvalue exists per distinct captured slot.
//     While open, the cell sits on its owner thread's open-upvalue list
//     (header.next, descending slot order) and on the VM-wide doubly-linked
//     open list anchored at a pinned dummy node, because the owning thread
//     may itself be pending collection.
//
//   - CLOSED: the cell owns an independent copy of the value, detached from
//     any frame, and behaves as an ordinary heap object on the allocated
//     list.
type Upvalue struct {
	header
	owner Handle // owning thread while OPEN; HandleNone once closed
	slot  int    // captured stack slot while OPEN
	val   Value  // owned storage once CLOSED
	uprev Handle // global open list links, dummy-anchored
	unext Handle
}

func (u *Upvalue) Size() uintptr { return unsafe.Sizeof(Upvalue{}) }

// IsOpen reports whether the cell still aliases a stack slot.
func (u *Upvalue) IsOpen() bool { return !u.owner.IsNone() }

// value reads through the cell: the owner's stack slot while open, the
// cell's own storage once closed.
func (vm *VM) upvalValue(u *Upvalue) Value {
	if u.IsOpen() {
		return vm.obj(u.owner).(*Thread).stack[u.slot]
	}
	return u.val
}

// UpvalueGet returns the current value of the cell.
func (vm *VM) UpvalueGet(uv Handle) Value {
	return vm.upvalValue(vm.obj(uv).(*Upvalue))
}

// UpvalueSet stores v through the cell, applying the barrier protocol.
func (vm *VM) UpvalueSet(uv Handle, v Value) {
	u := vm.obj(uv).(*Upvalue)
	if u.IsOpen() {
		vm.obj(u.owner).(*Thread).stack[u.slot] = v
	} else {
		u.val = v
	}
	vm.Barrier(uv, v)
}

// ---------------------------------------------------------------------------
// OPEN-list management
// ---------------------------------------------------------------------------

// FindUpvalue returns the upvalue capturing the given stack slot of th,
// creating an OPEN one if none exists. The per-thread list is kept in
// descending slot order for early-exit search. A match already condemned by
// the previous cycle (dead but still linked) is revived in place.
func (vm *VM) FindUpvalue(th Handle, slot int) Handle {
	t := vm.obj(th).(*Thread)
	pp := &t.openUpval
	for !(*pp).IsNone() {
		u := vm.obj(*pp).(*Upvalue)
		if u.slot < slot {
			break
		}
		if u.slot == slot {
			if u.isDead(vm.gc.currentWhite) {
				u.flipWhite()
			}
			return *pp
		}
		pp = &u.next
	}

	// Not found: create a new OPEN upvalue spliced in sorted position.
	u := &Upvalue{owner: th, slot: slot, val: Nil}
	u.kind = KindUpvalue
	u.marked = vm.white()
	vm.mem.adjust(0, u.Size()) // charge before either list touches it
	h := vm.arena.add(u)
	u.self = h
	u.next = *pp
	*pp = h

	// Double-link into the VM-wide open list, right after the dummy head.
	head := vm.obj(vm.uvhead).(*Upvalue)
	u.uprev = vm.uvhead
	u.unext = head.unext
	vm.obj(head.unext).(*Upvalue).uprev = h
	head.unext = h
	return h
}

// unlinkOpen removes u from the VM-wide open list. Precondition: u is on it.
func (vm *VM) unlinkOpen(u *Upvalue) {
	next := vm.obj(u.unext).(*Upvalue)
	prev := vm.obj(u.uprev).(*Upvalue)
	next.uprev = u.uprev
	prev.unext = u.unext
	u.uprev = HandleNone
	u.unext = HandleNone
}

// CloseUpvalues closes every OPEN upvalue of th at or above slot: the cell
// leaves both open lists, copies the stack value into its own storage, and
// turns into an ordinary heap object. A cell the collector has already
// condemned is freed immediately instead of closed. Closing can happen
// mid-mark, so relinking applies the forward-barrier protocol.
func (vm *VM) CloseUpvalues(th Handle, slot int) {
	t := vm.obj(th).(*Thread)
	for !t.openUpval.IsNone() {
		h := t.openUpval
		u := vm.obj(h).(*Upvalue)
		if u.slot < slot {
			break
		}
		if u.isBlack() || !u.IsOpen() {
			panic("vm: corrupt open-upvalue list")
		}
		t.openUpval = u.next
		if u.isDead(vm.gc.currentWhite) {
			vm.freeUpvalue(u)
			continue
		}
		vm.unlinkOpen(u)
		u.val = t.stack[u.slot]
		u.owner = HandleNone // CLOSED from here on
		u.slot = 0
		vm.relinkClosed(u)
	}
}

// relinkClosed links a freshly closed upvalue into the allocated list. If
// the cell was discovered gray during an in-progress mark, it is blackened
// and the forward barrier covers its value; during sweep it is simply
// repainted white for the next cycle.
func (vm *VM) relinkClosed(u *Upvalue) {
	u.next = vm.gc.rootgc
	vm.gc.rootgc = u.self
	if u.isGray() {
		if vm.gc.phase == PhasePropagate {
			u.gray2black()
			vm.Barrier(u.self, u.val)
		} else {
			u.makeWhite(vm.gc.currentWhite)
		}
	}
}

// freeUpvalue releases the cell's memory, unlinking it from the VM-wide
// open list only if it is still OPEN.
func (vm *VM) freeUpvalue(u *Upvalue) {
	if u.IsOpen() {
		vm.unlinkOpen(u)
	}
	vm.mem.adjust(u.Size(), 0)
	vm.arena.remove(u.self)
}
