package vm

import "unsafe"

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

// NativeFn is a host function callable from script code.
type NativeFn func(vm *VM, th Handle) error

// Closure is polymorphic over native and scripted functions. Both variants
// carry an environment table and an upvalue count. The native variant
// inlines its upvalues as raw values; the scripted variant references a
// shared prototype plus upvalue objects.
type Closure struct {
	header
	Env Handle // environment table

	// Native variant
	Fn     NativeFn
	Upvals []Value // inlined upvalue values (native only)

	// Scripted variant
	Proto    Handle   // function template (scripted only)
	Upvalues []Handle // upvalue object handles (scripted only)
}

// IsNative reports whether the closure wraps a host function.
func (c *Closure) IsNative() bool { return c.Fn != nil }

func (c *Closure) Size() uintptr {
	return unsafe.Sizeof(Closure{}) +
		uintptr(cap(c.Upvals))*unsafe.Sizeof(Value(0)) +
		uintptr(cap(c.Upvalues))*unsafe.Sizeof(Handle(0))
}

// NewNativeClosure allocates a closure over a host function with nup inline
// upvalue slots, initialized to Nil.
func (vm *VM) NewNativeClosure(fn NativeFn, nup int, env Handle) Handle {
	c := &Closure{Env: env, Fn: fn, Upvals: make([]Value, nup)}
	for i := range c.Upvals {
		c.Upvals[i] = Nil
	}
	return vm.link(c, KindClosure)
}

// NewClosure allocates a scripted closure over proto with nup upvalue
// references, to be populated by the interpreter as it captures slots.
func (vm *VM) NewClosure(proto Handle, nup int, env Handle) Handle {
	c := &Closure{Env: env, Proto: proto, Upvalues: make([]Handle, nup)}
	return vm.link(c, KindClosure)
}

// SetUpvalue binds upvalue index i of a scripted closure to the upvalue
// object uv, applying the barrier protocol.
func (vm *VM) SetUpvalue(closure Handle, i int, uv Handle) {
	c := vm.obj(closure).(*Closure)
	c.Upvalues[i] = uv
	vm.Barrier(closure, FromHandle(uv))
}

// SetNativeUpvalue stores v into inline upvalue slot i of a native closure.
func (vm *VM) SetNativeUpvalue(closure Handle, i int, v Value) {
	c := vm.obj(closure).(*Closure)
	c.Upvals[i] = v
	vm.Barrier(closure, v)
}

// ---------------------------------------------------------------------------
// Userdata
// ---------------------------------------------------------------------------

// Userdata wraps an opaque host payload. Its metatable may define a __gc
// finalizer hook, which the collector runs exactly once when the userdata
// becomes unreachable.
type Userdata struct {
	header
	Data    any
	meta    Handle
	env     Handle
	payload uintptr // accounted payload size, fixed at creation
}

func (u *Userdata) Size() uintptr {
	return unsafe.Sizeof(Userdata{}) + u.payload
}

// Meta returns the userdata's metatable handle, or HandleNone.
func (u *Userdata) Meta() Handle { return u.meta }

// NewUserdata allocates a userdata carrying data, accounted at payloadSize
// bytes. Userdata are linked immediately after the main thread in the
// allocated list so the atomic phase can partition finalizable ones without
// walking the whole heap.
func (vm *VM) NewUserdata(data any, payloadSize uintptr, env Handle) Handle {
	u := &Userdata{Data: data, env: env, payload: payloadSize}
	u.kind = KindUserdata
	u.marked = vm.white()
	vm.mem.adjust(0, u.Size()) // charge before linking after the main thread
	h := vm.arena.add(u)
	u.self = h
	main := vm.obj(vm.mainThread).Header()
	u.next = main.next
	main.next = h
	return h
}

// SetUserdataMeta installs the metatable of a userdata.
func (vm *VM) SetUserdataMeta(ud, meta Handle) {
	u := vm.obj(ud).(*Userdata)
	u.meta = meta
	if !meta.IsNone() {
		vm.Barrier(ud, FromHandle(meta))
	}
}
