package vm

// ---------------------------------------------------------------------------
// Write barriers
// ---------------------------------------------------------------------------

// Barrier is the single chokepoint every mutating component calls when it
// stores a reference into a heap object. It preserves the tri-color
// invariant against mutation interleaved between collector steps: outside
// the window where black objects exist (Propagate and the sweeps that
// follow it) the color test fails and the call is a no-op.
//
// Two strategies, chosen by owner type:
//
//   - Tables take the backward barrier: they mutate too often to pay a mark
//     per store, so the table itself is repainted gray and queued for full
//     re-traversal at the atomic step.
//   - Everything else takes the forward barrier: during Propagate the white
//     child is marked immediately; during sweep the black owner is simply
//     repainted toward white rather than paying any marking cost.
func (vm *VM) Barrier(owner Handle, v Value) {
	child := v.objectOrNone()
	if child.IsNone() {
		return
	}
	o := vm.obj(owner).Header()
	if !o.isBlack() {
		return
	}
	c := vm.obj(child).Header()
	if !c.isWhite() {
		return
	}
	if c.isDead(vm.gc.currentWhite) {
		panic("vm: black object storing a condemned reference")
	}
	if o.kind == KindTable {
		vm.barrierBack(owner, o)
	} else {
		vm.barrierForward(o, child)
	}
}

// barrierForward restores the invariant at the child: mark it now while
// marking is in progress, otherwise demote the owner.
func (vm *VM) barrierForward(o *header, child Handle) {
	if vm.gc.phase == PhasePropagate {
		vm.reallyMark(vm.obj(child))
	} else {
		o.makeWhite(vm.gc.currentWhite)
	}
}

// barrierBack restores the invariant at the owner: the table goes back to
// gray and onto the gray-again list for the atomic step.
func (vm *VM) barrierBack(h Handle, o *header) {
	o.black2gray()
	o.gclist = vm.gc.grayAgain
	vm.gc.grayAgain = h
}
