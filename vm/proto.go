package vm

import "unsafe"

// ---------------------------------------------------------------------------
// Proto: compiled function template
// ---------------------------------------------------------------------------

// Proto is an immutable compiled function template, shared by every closure
// instantiated from it. The code words are opaque to the collector; the
// constant pool, nested prototypes, and debug metadata are traversed.
type Proto struct {
	header
	Consts    []Value  // constant pool
	Protos    []Handle // nested function templates
	Code      []uint32 // bytecode, opaque here
	Source    Handle   // source name string, HandleNone if stripped
	LineInfo  []int32  // instruction -> source line
	UpNames   []Handle // upvalue name strings (debug)
	LocNames  []Handle // local variable name strings (debug)
	NumParams int
	IsVararg  bool
	MaxStack  int
}

func (p *Proto) Size() uintptr {
	return unsafe.Sizeof(Proto{}) +
		uintptr(cap(p.Consts))*unsafe.Sizeof(Value(0)) +
		uintptr(cap(p.Protos))*unsafe.Sizeof(Handle(0)) +
		uintptr(cap(p.Code))*4 +
		uintptr(cap(p.LineInfo))*4 +
		uintptr(cap(p.UpNames))*unsafe.Sizeof(Handle(0)) +
		uintptr(cap(p.LocNames))*unsafe.Sizeof(Handle(0))
}

// ProtoSpec carries the compiler's output into NewProto. The collector owns
// the resulting object; the compiler must not retain the slices.
type ProtoSpec struct {
	Consts    []Value
	Protos    []Handle
	Code      []uint32
	Source    Handle
	LineInfo  []int32
	UpNames   []Handle
	LocNames  []Handle
	NumParams int
	IsVararg  bool
	MaxStack  int
}

// NewProto allocates a function template from compiled output.
func (vm *VM) NewProto(spec ProtoSpec) Handle {
	p := &Proto{
		Consts:    spec.Consts,
		Protos:    spec.Protos,
		Code:      spec.Code,
		Source:    spec.Source,
		LineInfo:  spec.LineInfo,
		UpNames:   spec.UpNames,
		LocNames:  spec.LocNames,
		NumParams: spec.NumParams,
		IsVararg:  spec.IsVararg,
		MaxStack:  spec.MaxStack,
	}
	return vm.link(p, KindProto)
}
