package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: one independent Sable runtime instance
// ---------------------------------------------------------------------------

// TypeTag names the basic value types that can carry a shared metatable.
type TypeTag uint8

const (
	TypeNil TypeTag = iota
	TypeBool
	TypeNumber
	TypeString
	TypeTable
	TypeFunction
	TypeUserdata
	TypeThread

	numTypeTags
)

// VM is one runtime instance: the object arena, the collector context, the
// string table, and the root set. All collector state lives here rather
// than in package globals, so independent instances never interfere.
//
// A VM is single-threaded by design: the collector runs only inside
// explicit Step/FullCollect calls interleaved with mutator execution on the
// same goroutine, so write barriers, not locks, preserve its invariants.
type VM struct {
	arena *arena
	mem   account
	gc    gcState
	strt  *stringTable

	mainThread Handle
	running    Handle // currently running thread
	registry   Handle // registry table, reachable by definition
	uvhead     Handle // pinned dummy anchoring the open-upvalue ring

	typeMeta [numTypeTags]Handle // basic-type metatable slots

	modeKey Value // interned "__mode"
	gcKey   Value // interned "__gc"

	// Invoke, when set by the embedding interpreter, runs a scripted
	// closure. The collector needs it only to call scripted finalizers.
	Invoke func(fn Value, args ...Value) error

	log commonlog.Logger
}

// NewVM creates a fresh runtime instance with an empty heap.
func NewVM() *VM {
	vm := &VM{
		arena: newArena(),
		strt:  newStringTable(),
		log:   commonlog.GetLogger("sable.gc"),
	}
	vm.gc.currentWhite = white0Bit
	vm.gc.phase = PhasePause
	vm.gc.pause = DefaultPause
	vm.gc.stepMul = DefaultStepMul

	// Dummy head of the open-upvalue ring. It lives in the arena but on no
	// list, so no phase ever visits it.
	dummy := &Upvalue{}
	dummy.kind = KindUpvalue
	dummy.marked = vm.white() | fixedBit
	dh := vm.arena.add(dummy)
	dummy.self = dh
	dummy.uprev, dummy.unext = dh, dh
	vm.uvhead = dh

	// The main thread must be the first object on the allocated list:
	// userdata are linked immediately after it, and the atomic phase relies
	// on nothing else following it.
	main := vm.NewThread(HandleNone)
	vm.obj(main).Header().marked |= fixedBit
	vm.mainThread = main
	vm.running = main

	globals := vm.NewTable()
	vm.obj(main).(*Thread).globals = globals
	vm.registry = vm.NewTable()

	vm.modeKey = FromHandle(vm.FixString("__mode"))
	vm.gcKey = FromHandle(vm.FixString("__gc"))

	vm.gc.threshold = 4 * vm.mem.total
	vm.gc.estimate = vm.mem.total
	return vm
}

// MainThread returns the main thread handle.
func (vm *VM) MainThread() Handle { return vm.mainThread }

// Running returns the currently running thread handle.
func (vm *VM) Running() Handle { return vm.running }

// SetRunning switches the running thread. The interpreter calls this when
// resuming a coroutine.
func (vm *VM) SetRunning(th Handle) {
	if _, ok := vm.obj(th).(*Thread); !ok {
		panic("vm: SetRunning on a non-thread")
	}
	vm.running = th
}

// Registry returns the registry table handle.
func (vm *VM) Registry() Handle { return vm.registry }

// Globals returns the main thread's globals table handle.
func (vm *VM) Globals() Handle {
	return vm.obj(vm.mainThread).(*Thread).globals
}

// TypeMetatable returns the shared metatable for a basic type, or
// HandleNone.
func (vm *VM) TypeMetatable(tag TypeTag) Handle {
	return vm.typeMeta[tag]
}

// SetTypeMetatable installs the shared metatable for a basic type. The slot
// is part of the root set.
func (vm *VM) SetTypeMetatable(tag TypeTag, meta Handle) {
	vm.typeMeta[tag] = meta
}

// ObjectCount returns the number of live heap objects. The open-upvalue
// ring dummy is internal bookkeeping and is not counted, matching what
// EachObject visits.
func (vm *VM) ObjectCount() int {
	n := vm.arena.Len()
	if !vm.uvhead.IsNone() {
		n--
	}
	return n
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Close tears the runtime down: every userdata finalizer runs (for live
// objects too), then every object, pinned or not, is freed. The first
// finalizer error is returned after teardown completes.
func (vm *VM) Close() error {
	var firstErr error
	vm.separateFinalizable(true)
	for !vm.gc.pendingFin.IsNone() {
		if err := vm.runOneFinalizer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	vm.freeAll()
	vm.log.Debug("runtime closed")
	return firstErr
}

// freeAll releases every heap object unconditionally. Open-upvalue lists go
// first (they live outside the allocated list), then the allocated list,
// then the interned strings, then the ring dummy.
func (vm *VM) freeAll() {
	g := &vm.gc
	for cur := g.rootgc; !cur.IsNone(); {
		o := vm.obj(cur)
		if t, ok := o.(*Thread); ok {
			for !t.openUpval.IsNone() {
				u := vm.obj(t.openUpval).(*Upvalue)
				t.openUpval = u.next
				vm.freeUpvalue(u)
			}
		}
		cur = o.Header().next
	}
	for cur := g.rootgc; !cur.IsNone(); {
		o := vm.obj(cur)
		next := o.Header().next
		vm.mem.adjust(o.Size(), 0)
		vm.arena.remove(o.Header().self)
		cur = next
	}
	g.rootgc = HandleNone
	g.pendingFin = HandleNone
	g.gray, g.grayAgain, g.weak = HandleNone, HandleNone, HandleNone
	for i := range vm.strt.hash {
		for cur := vm.strt.hash[i]; !cur.IsNone(); {
			ts := vm.obj(cur).(*TString)
			next := ts.next
			vm.mem.adjust(ts.Size(), 0)
			vm.arena.remove(cur)
			vm.strt.nuse--
			cur = next
		}
		vm.strt.hash[i] = HandleNone
	}
	vm.arena.remove(vm.uvhead)
	vm.uvhead = HandleNone
}

// ---------------------------------------------------------------------------
// Heap iteration and invariant checking
// ---------------------------------------------------------------------------

// EachObject calls fn for every live heap object, in arena order. The
// open-upvalue ring dummy is skipped.
func (vm *VM) EachObject(fn func(Object)) {
	for i := range vm.arena.slots {
		s := &vm.arena.slots[i]
		if s.obj == nil || s.obj.Header().self == vm.uvhead {
			continue
		}
		fn(s.obj)
	}
}

// EachReference calls fn with every object handle directly referenced by h.
func (vm *VM) EachReference(h Handle, fn func(Handle)) {
	vm.eachReference(vm.obj(h), fn)
}

func (vm *VM) eachReference(o Object, fn func(Handle)) {
	ref := func(h Handle) {
		if !h.IsNone() {
			fn(h)
		}
	}
	val := func(v Value) {
		ref(v.objectOrNone())
	}
	switch o := o.(type) {
	case *TString:
		// Leaf.
	case *Table:
		ref(o.meta)
		for _, v := range o.array {
			val(v)
		}
		for k, v := range o.hash {
			val(k)
			val(v)
		}
	case *Closure:
		ref(o.Env)
		ref(o.Proto)
		for _, v := range o.Upvals {
			val(v)
		}
		for _, uv := range o.Upvalues {
			ref(uv)
		}
	case *Userdata:
		ref(o.meta)
		ref(o.env)
	case *Thread:
		ref(o.globals)
		for i := 0; i < o.top; i++ {
			val(o.stack[i])
		}
		for cur := o.openUpval; !cur.IsNone(); {
			ref(cur)
			cur = vm.obj(cur).(*Upvalue).next
		}
	case *Upvalue:
		val(vm.upvalValue(o))
	case *Proto:
		ref(o.Source)
		for _, k := range o.Consts {
			val(k)
		}
		for _, sub := range o.Protos {
			ref(sub)
		}
		for _, n := range o.UpNames {
			ref(n)
		}
		for _, n := range o.LocNames {
			ref(n)
		}
	default:
		panic("vm: reference walk of unknown object kind")
	}
}

// CheckInvariants verifies the tri-color invariant (no black object holds a
// direct reference to an object carrying the dead white shade) and the
// structure of the open-upvalue ring. Intended for tests; a failure is a
// collector defect.
func (vm *VM) CheckInvariants() error {
	var err error
	vm.EachObject(func(o Object) {
		if err != nil || !o.Header().isBlack() {
			return
		}
		vm.eachReference(o, func(child Handle) {
			if err != nil {
				return
			}
			ch := vm.obj(child).Header()
			if ch.isDead(vm.gc.currentWhite) {
				err = fmt.Errorf("vm: black %s %#x references dead %s %#x",
					o.Header().kind, uint64(o.Header().self), ch.kind, uint64(child))
			}
		})
	})
	if err != nil {
		return err
	}

	head := vm.obj(vm.uvhead).(*Upvalue)
	prev := vm.uvhead
	for cur := head.unext; cur != vm.uvhead; {
		u, ok := vm.obj(cur).(*Upvalue)
		if !ok {
			return fmt.Errorf("vm: non-upvalue %#x on open ring", uint64(cur))
		}
		if u.uprev != prev {
			return fmt.Errorf("vm: broken open ring back-link at %#x", uint64(cur))
		}
		if !u.IsOpen() {
			return fmt.Errorf("vm: closed upvalue %#x on open ring", uint64(cur))
		}
		prev = cur
		cur = u.unext
	}
	return nil
}
