package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Finalization phase
// ---------------------------------------------------------------------------

// ErrNoInterpreter is returned when a scripted finalizer must run but no
// interpreter has been bound via VM.Invoke.
var ErrNoInterpreter = errors.New("vm: no interpreter bound for scripted call")

// runOneFinalizer detaches the first userdata from the pending ring, splices
// it back into the allocated list, repaints it white, and invokes its
// finalizer hook with the object as sole argument. Debug hooks are disabled
// and the collection threshold inflated for the duration, so a finalizer
// cannot reenter the collector. An error raised by the hook propagates to
// the caller of the collection step; it is never swallowed.
func (vm *VM) runOneFinalizer() error {
	g := &vm.gc
	tail := vm.obj(g.pendingFin).Header()
	first := tail.next
	u := vm.obj(first).(*Userdata)
	if first == g.pendingFin {
		g.pendingFin = HandleNone
	} else {
		tail.next = u.next
	}
	main := vm.obj(vm.mainThread).Header()
	u.next = main.next
	main.next = first
	u.makeWhite(g.currentWhite)

	hook := Nil
	if !u.meta.IsNone() {
		hook = vm.TableGet(u.meta, vm.gcKey)
	}
	if hook.IsNil() {
		return nil
	}

	t := vm.obj(vm.running).(*Thread)
	oldHook := t.allowHook
	oldThreshold := g.threshold
	t.allowHook = false
	g.threshold = 2 * vm.mem.total
	err := vm.call(hook, FromHandle(first))
	t.allowHook = oldHook
	g.threshold = oldThreshold
	g.stats.Finalizers++
	if err != nil {
		return fmt.Errorf("vm: finalizer for userdata %#x: %w", uint64(first), err)
	}
	return nil
}

// call invokes a finalizer hook with one argument on the running thread.
// Native closures run directly; scripted ones are delegated to the bound
// interpreter.
func (vm *VM) call(fn, arg Value) error {
	h := fn.objectOrNone()
	if h.IsNone() {
		return fmt.Errorf("vm: finalizer hook is not callable")
	}
	c, ok := vm.obj(h).(*Closure)
	if !ok {
		return fmt.Errorf("vm: finalizer hook is not callable")
	}
	if !c.IsNative() {
		if vm.Invoke == nil {
			return ErrNoInterpreter
		}
		return vm.Invoke(fn, arg)
	}
	th := vm.running
	base := vm.obj(th).(*Thread).top
	vm.Push(th, arg)
	err := c.Fn(vm, th)
	vm.SetTop(th, base)
	return err
}
