package vm

import "unsafe"

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

const (
	basicStackSize = 40
	basicFrameSize = 8
)

// Frame is one activation record. Base is the first stack slot owned by the
// frame; Top is one past the highest slot the frame has reserved. The
// collector trusts Top when deciding which slots are live: slots between the
// thread's current top and the highest frame Top are cleared, not marked.
type Frame struct {
	Base int
	Top  int
}

// Thread owns a value stack, its call frames, and the list of OPEN upvalues
// created from slots on that stack. Collection of a thread sweeps its open
// upvalue list with it, always to completion.
type Thread struct {
	header
	stack     []Value
	top       int     // first free stack slot
	frames    []Frame // active call frames, innermost last
	openUpval Handle  // per-thread OPEN upvalue list, descending slot order
	globals   Handle  // this thread's globals table
	allowHook bool    // debug hooks permitted (suspended during finalizers)
}

func (t *Thread) Size() uintptr {
	return unsafe.Sizeof(Thread{}) +
		uintptr(cap(t.stack))*unsafe.Sizeof(Value(0)) +
		uintptr(cap(t.frames))*unsafe.Sizeof(Frame{})
}

// NewThread allocates a coroutine thread sharing the given globals table.
func (vm *VM) NewThread(globals Handle) Handle {
	t := &Thread{
		stack:     make([]Value, basicStackSize),
		frames:    make([]Frame, 0, basicFrameSize),
		globals:   globals,
		allowHook: true,
	}
	for i := range t.stack {
		t.stack[i] = Nil
	}
	return vm.link(t, KindThread)
}

// Globals returns the thread's globals table handle.
func (t *Thread) Globals() Handle { return t.globals }

// Top returns the current stack top (first free slot index).
func (t *Thread) Top() int { return t.top }

// ---------------------------------------------------------------------------
// Stack access
// ---------------------------------------------------------------------------

// Push appends v to the thread's stack.
func (vm *VM) Push(th Handle, v Value) {
	t := vm.obj(th).(*Thread)
	vm.ensureStack(t, t.top+1)
	t.stack[t.top] = v
	t.top++
}

// Pop removes and returns the value on top of the stack.
func (vm *VM) Pop(th Handle) Value {
	t := vm.obj(th).(*Thread)
	if t.top == 0 {
		panic("vm: pop from empty stack")
	}
	t.top--
	v := t.stack[t.top]
	t.stack[t.top] = Nil
	return v
}

// Slot reads stack slot i.
func (vm *VM) Slot(th Handle, i int) Value {
	t := vm.obj(th).(*Thread)
	if i < 0 || i >= t.top {
		panic("vm: stack slot out of range")
	}
	return t.stack[i]
}

// SetSlot writes stack slot i. Stack slots belong to the mutator's roots, so
// no barrier applies here.
func (vm *VM) SetSlot(th Handle, i int, v Value) {
	t := vm.obj(th).(*Thread)
	if i < 0 || i >= t.top {
		panic("vm: stack slot out of range")
	}
	t.stack[i] = v
}

// SetTop adjusts the stack top, clearing abandoned slots.
func (vm *VM) SetTop(th Handle, top int) {
	t := vm.obj(th).(*Thread)
	vm.ensureStack(t, top)
	for i := top; i < t.top; i++ {
		t.stack[i] = Nil
	}
	for i := t.top; i < top; i++ {
		t.stack[i] = Nil
	}
	t.top = top
}

func (vm *VM) ensureStack(t *Thread, need int) {
	if need <= len(t.stack) {
		return
	}
	newCap := len(t.stack) * 2
	if newCap < need {
		newCap = need
	}
	grown := make([]Value, newCap)
	copy(grown, t.stack)
	for i := len(t.stack); i < newCap; i++ {
		grown[i] = Nil
	}
	// Charge before installing; a rejected growth leaves the stack as it was.
	old := t.Size()
	vm.mem.adjust(old, old+uintptr(newCap-cap(t.stack))*unsafe.Sizeof(Value(0)))
	t.stack = grown
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// PushFrame enters a new activation record whose base is the current top and
// which reserves reserve slots.
func (vm *VM) PushFrame(th Handle, reserve int) {
	t := vm.obj(th).(*Thread)
	base := t.top
	vm.ensureStack(t, base+reserve)
	if len(t.frames) == cap(t.frames) {
		newCap := 2 * cap(t.frames)
		if newCap < basicFrameSize {
			newCap = basicFrameSize
		}
		grown := make([]Frame, len(t.frames), newCap)
		copy(grown, t.frames)
		old := t.Size()
		vm.mem.adjust(old, old+uintptr(newCap-cap(t.frames))*unsafe.Sizeof(Frame{}))
		t.frames = grown
	}
	t.frames = append(t.frames, Frame{Base: base, Top: base + reserve})
}

// PopFrame leaves the innermost frame: every OPEN upvalue at or above the
// frame base is closed, then the stack retreats to the base.
func (vm *VM) PopFrame(th Handle) {
	t := vm.obj(th).(*Thread)
	if len(t.frames) == 0 {
		panic("vm: pop from empty frame stack")
	}
	f := t.frames[len(t.frames)-1]
	t.frames = t.frames[:len(t.frames)-1]
	vm.CloseUpvalues(th, f.Base)
	vm.SetTop(th, f.Base)
}

// FrameDepth returns the number of active frames.
func (t *Thread) FrameDepth() int { return len(t.frames) }

// shrinkStorage releases over-provisioned stack and frame storage once usage
// falls below a quarter of capacity. Called from GC thread traversal.
func (vm *VM) shrinkStorage(t *Thread) {
	old := t.Size()
	if 4*t.top < len(t.stack) && 2*basicStackSize < len(t.stack) {
		shrunk := make([]Value, len(t.stack)/2)
		copy(shrunk, t.stack[:t.top])
		for i := t.top; i < len(shrunk); i++ {
			shrunk[i] = Nil
		}
		t.stack = shrunk
	}
	if 4*len(t.frames) < cap(t.frames) && 2*basicFrameSize < cap(t.frames) {
		shrunk := make([]Frame, len(t.frames), cap(t.frames)/2)
		copy(shrunk, t.frames)
		t.frames = shrunk
	}
	vm.mem.adjust(old, t.Size())
}
