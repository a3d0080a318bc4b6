package vm

import "fmt"

// ---------------------------------------------------------------------------
// Object kinds
// ---------------------------------------------------------------------------

// Kind is the closed set of collector-managed heap object types.
type Kind uint8

const (
	KindString Kind = iota
	KindTable
	KindClosure
	KindUserdata
	KindThread
	KindUpvalue
	KindProto

	numKinds
)

// String returns the kind name, for diagnostics and snapshots.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindTable:
		return "table"
	case KindClosure:
		return "closure"
	case KindUserdata:
		return "userdata"
	case KindThread:
		return "thread"
	case KindUpvalue:
		return "upvalue"
	case KindProto:
		return "proto"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ---------------------------------------------------------------------------
// Mark byte layout
// ---------------------------------------------------------------------------

// Bit layout of header.marked. Two alternating white shades let "new this
// cycle" and "garbage, to be freed" coexist without a reset pass over the heap.
const (
	white0Bit    uint8 = 1 << 0 // white shade 0
	white1Bit    uint8 = 1 << 1 // white shade 1
	blackBit     uint8 = 1 << 2 // fully traversed
	finalizedBit uint8 = 1 << 3 // userdata: finalizer ran or is not needed
	weakKeyBit   uint8 = 1 << 4 // table: keys do not keep entries alive
	weakValueBit uint8 = 1 << 5 // table: values do not keep entries alive
	fixedBit     uint8 = 1 << 6 // never collected outside shutdown

	whiteBits = white0Bit | white1Bit
	weakBits  = weakKeyBit | weakValueBit

	// colorBits are cleared by makeWhite; everything else survives recoloring.
	colorBits = whiteBits | blackBit
)

// ---------------------------------------------------------------------------
// Common header
// ---------------------------------------------------------------------------

// header is embedded at the start of every heap object. It carries the type
// tag, the tri-color mark state, and the intrusive list links the collector
// threads objects onto.
//
// The next link is overloaded: for most objects it chains the global
// allocated list; for an OPEN upvalue it chains the owning thread's
// open-upvalue list; for an interned string it chains its hash bucket.
type header struct {
	self   Handle // this object's own handle
	next   Handle // allocated list / open-upvalue list / string bucket chain
	gclist Handle // gray, gray-again, weak, or finalize-pending link
	kind   Kind
	marked uint8
}

// Header returns the embedded header; every Object implements this by
// embedding header.
func (h *header) Header() *header { return h }

// Handle returns the object's own handle.
func (h *header) Handle() Handle { return h.self }

// Kind returns the object's type tag.
func (h *header) Kind() Kind { return h.kind }

// isWhite returns true if the object carries either white shade.
func (h *header) isWhite() bool {
	return h.marked&whiteBits != 0
}

// isBlack returns true if the object has been fully traversed this cycle.
func (h *header) isBlack() bool {
	return h.marked&blackBit != 0
}

// isGray returns true if the object is neither white nor black: discovered,
// children pending.
func (h *header) isGray() bool {
	return h.marked&colorBits == 0
}

// isDead reports whether the object carries the non-current white shade,
// i.e. it was not reached during the cycle that just flipped.
func (h *header) isDead(currentWhite uint8) bool {
	return h.marked&(currentWhite^whiteBits)&whiteBits != 0
}

func (h *header) isFixed() bool     { return h.marked&fixedBit != 0 }
func (h *header) isFinalized() bool { return h.marked&finalizedBit != 0 }

func (h *header) markFinalized() { h.marked |= finalizedBit }

// white2gray clears the white bits, leaving the object gray.
func (h *header) white2gray() { h.marked &^= whiteBits }

// gray2black sets the black bit on a gray object.
func (h *header) gray2black() { h.marked |= blackBit }

// black2gray clears the black bit, demoting the object for re-traversal.
func (h *header) black2gray() { h.marked &^= blackBit }

// makeWhite repaints the object with the given current white shade,
// preserving the non-color flag bits.
func (h *header) makeWhite(currentWhite uint8) {
	h.marked = h.marked&^colorBits | currentWhite
}

// flipWhite swaps the object's white shade. Used to revive an interned
// string or open upvalue already condemned by the previous cycle.
func (h *header) flipWhite() {
	h.marked ^= whiteBits
}

// Color reports the object's tri-color state as "white", "gray", or "black".
func (h *header) Color() string {
	switch {
	case h.isBlack():
		return "black"
	case h.isWhite():
		return "white"
	default:
		return "gray"
	}
}

// ---------------------------------------------------------------------------
// Object interface
// ---------------------------------------------------------------------------

// Object is implemented by every collector-managed heap value. The concrete
// set is closed: *TString, *Table, *Closure, *Userdata, *Thread, *Upvalue,
// *Proto. Phase functions switch exhaustively over these.
type Object interface {
	Header() *header

	// Handle returns the handle naming this object in its arena.
	Handle() Handle

	// Kind reports the object's concrete kind.
	Kind() Kind

	// Size returns the object's approximate footprint in bytes, used for
	// allocation accounting and collector pacing.
	Size() uintptr
}

// ---------------------------------------------------------------------------
// Arena
// ---------------------------------------------------------------------------

// arena owns the storage for all heap objects of one VM, keyed by handle.
// Freed slots are recycled through a free list; each reuse bumps the slot
// generation so a stale handle is caught instead of silently aliasing the
// new occupant.
type arena struct {
	slots []arenaSlot
	free  []uint32 // recycled slot indexes
	live  int      // occupied slot count
}

type arenaSlot struct {
	obj Object
	gen uint16
}

func newArena() *arena {
	// Slot 0 is reserved so the zero Handle never names an object.
	return &arena{slots: make([]arenaSlot, 1, 64)}
}

// add stores obj in a fresh slot and returns its handle.
func (a *arena) add(obj Object) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot{})
		idx = uint32(len(a.slots) - 1)
	}
	a.slots[idx].obj = obj
	a.live++
	return makeHandle(idx, a.slots[idx].gen)
}

// get resolves a handle to its object. A null, out-of-range, or
// stale-generation handle is a defect in the caller.
func (a *arena) get(h Handle) Object {
	idx := h.Index()
	if idx == 0 || int(idx) >= len(a.slots) {
		panic(fmt.Sprintf("arena: invalid handle %#x", uint64(h)))
	}
	s := &a.slots[idx]
	if s.gen != h.Gen() || s.obj == nil {
		panic(fmt.Sprintf("arena: stale handle %#x", uint64(h)))
	}
	return s.obj
}

// remove releases the slot behind h. The slot's generation advances so
// surviving handles to the old occupant become detectably stale.
func (a *arena) remove(h Handle) {
	idx := h.Index()
	if idx == 0 || int(idx) >= len(a.slots) {
		panic(fmt.Sprintf("arena: invalid handle %#x", uint64(h)))
	}
	s := &a.slots[idx]
	if s.gen != h.Gen() || s.obj == nil {
		panic(fmt.Sprintf("arena: double free of handle %#x", uint64(h)))
	}
	s.obj = nil
	s.gen++
	a.live--
	a.free = append(a.free, idx)
}

// Len returns the number of live objects in the arena.
func (a *arena) Len() int { return a.live }
