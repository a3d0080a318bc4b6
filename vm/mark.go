package vm

// ---------------------------------------------------------------------------
// Mark phase
// ---------------------------------------------------------------------------

// markValue marks the object behind v, if v is collectable and unvisited.
func (vm *VM) markValue(v Value) {
	if h := v.objectOrNone(); !h.IsNone() {
		vm.markObject(h)
	}
}

// markObject marks the object behind h, if unvisited this cycle.
func (vm *VM) markObject(h Handle) {
	o := vm.obj(h)
	if o.Header().isWhite() {
		vm.reallyMark(o)
	}
}

// reallyMark promotes a white object to gray and dispatches on its type:
// leaves are finished (or blackened) immediately, interior objects are
// pushed onto the gray worklist for deferred traversal. Precondition: the
// object is white and not condemned.
func (vm *VM) reallyMark(o Object) {
	hd := o.Header()
	hd.white2gray()
	switch o := o.(type) {
	case *TString:
		// No children; gray is as good as done for strings.
	case *Userdata:
		if !o.meta.IsNone() {
			vm.markObject(o.meta)
		}
		if !o.env.IsNone() {
			vm.markObject(o.env)
		}
		hd.gray2black() // userdata are never left gray
	case *Upvalue:
		vm.markValue(vm.upvalValue(o))
		if !o.IsOpen() {
			// A closed upvalue's value cannot change; an open one must be
			// revisited at the atomic step.
			hd.gray2black()
		}
	case *Closure, *Table, *Thread, *Proto:
		hd.gclist = vm.gc.gray
		vm.gc.gray = hd.self
	default:
		panic("vm: mark of unknown object kind")
	}
}

// markRoots clears the worklists, marks the root set, and enters Propagate.
// Roots: the main thread and its globals, the registry, every basic-type
// metatable, and the running thread.
func (vm *VM) markRoots() {
	g := &vm.gc
	g.gray = HandleNone
	g.grayAgain = HandleNone
	g.weak = HandleNone
	vm.markObject(vm.mainThread)
	if gl := vm.obj(vm.mainThread).(*Thread).globals; !gl.IsNone() {
		vm.markObject(gl)
	}
	vm.markObject(vm.registry)
	vm.markTypeMetatables()
	if vm.running != vm.mainThread {
		vm.markObject(vm.running)
	}
	g.phase = PhasePropagate
	g.cycleStart = nowFunc()
}

// markTypeMetatables marks every basic-type metatable slot.
func (vm *VM) markTypeMetatables() {
	for _, mt := range vm.typeMeta {
		if !mt.IsNone() {
			vm.markObject(mt)
		}
	}
}

// ---------------------------------------------------------------------------
// Propagation
// ---------------------------------------------------------------------------

// propagateOne pops one gray object, blackens it, and traverses its
// children. Weak tables are demoted back to gray (they are re-examined at
// the atomic step); threads are demoted and queued on the gray-again list
// because their stacks keep mutating. Returns the traversal cost in bytes.
func (vm *VM) propagateOne() int64 {
	g := &vm.gc
	h := g.gray
	o := vm.obj(h)
	hd := o.Header()
	g.gray = hd.gclist
	hd.gray2black()
	switch o := o.(type) {
	case *Table:
		if vm.traverseTable(o) {
			hd.black2gray() // keep weak tables out of black
		}
	case *Closure:
		vm.traverseClosure(o)
	case *Thread:
		hd.black2gray()
		hd.gclist = g.grayAgain
		g.grayAgain = h
		vm.traverseThread(o)
	case *Proto:
		vm.traverseProto(o)
	default:
		panic("vm: propagate of unknown object kind")
	}
	return int64(o.Size())
}

// propagateAll drains the gray worklist completely. Only the atomic phase
// uses this; incremental stepping pays for one object at a time.
func (vm *VM) propagateAll() int64 {
	var work int64
	for !vm.gc.gray.IsNone() {
		work += vm.propagateOne()
	}
	return work
}

// traverseTable marks a table's contents subject to its weak mode and
// reports whether the table is weak in either axis (in which case the
// caller re-grays it and it sits on the weak list until the atomic purge).
func (vm *VM) traverseTable(t *Table) bool {
	g := &vm.gc
	if !t.meta.IsNone() {
		vm.markObject(t.meta)
	}
	weakKey, weakValue := vm.weakMode(t)
	t.marked &^= weakBits
	if weakKey {
		t.marked |= weakKeyBit
	}
	if weakValue {
		t.marked |= weakValueBit
	}
	if weakKey || weakValue {
		t.gclist = g.weak
		g.weak = t.self
	}
	if weakKey && weakValue {
		// Nothing in the table keeps anything alive.
		return true
	}
	if !weakValue {
		for _, v := range t.array {
			vm.markValue(v)
		}
	}
	for k, v := range t.hash {
		if !weakKey {
			vm.markValue(k)
		}
		if !weakValue {
			vm.markValue(v)
		}
	}
	return weakKey || weakValue
}

// traverseClosure marks the environment and the captured state: inline
// values for native closures, the shared prototype and upvalue objects for
// scripted ones.
func (vm *VM) traverseClosure(c *Closure) {
	if !c.Env.IsNone() {
		vm.markObject(c.Env)
	}
	if c.IsNative() {
		for _, v := range c.Upvals {
			vm.markValue(v)
		}
		return
	}
	if !c.Proto.IsNone() {
		vm.markObject(c.Proto)
	}
	for _, uv := range c.Upvalues {
		if !uv.IsNone() {
			vm.markObject(uv)
		}
	}
}

// traverseThread marks a thread's globals and live stack. Slots between the
// current top and the highest active frame top are cleared, not marked:
// outer frames may still reference slots the innermost frame does not use,
// and that recorded top, not the innermost one, bounds liveness.
func (vm *VM) traverseThread(t *Thread) {
	if !t.globals.IsNone() {
		vm.markObject(t.globals)
	}
	lim := t.top
	for _, f := range t.frames {
		if f.Top > lim {
			lim = f.Top
		}
	}
	for i := 0; i < t.top; i++ {
		vm.markValue(t.stack[i])
	}
	if lim > len(t.stack) {
		lim = len(t.stack)
	}
	for i := t.top; i < lim; i++ {
		t.stack[i] = Nil
	}
	vm.shrinkStorage(t)
}

// traverseProto marks a template's constants, nested templates, and debug
// metadata strings.
func (vm *VM) traverseProto(p *Proto) {
	if !p.Source.IsNone() {
		vm.markObject(p.Source)
	}
	for _, k := range p.Consts {
		vm.markValue(k)
	}
	for _, sub := range p.Protos {
		if !sub.IsNone() {
			vm.markObject(sub)
		}
	}
	for _, n := range p.UpNames {
		if !n.IsNone() {
			vm.markObject(n)
		}
	}
	for _, n := range p.LocNames {
		if !n.IsNone() {
			vm.markObject(n)
		}
	}
}
