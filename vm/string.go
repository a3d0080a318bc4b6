package vm

import "unsafe"

// ---------------------------------------------------------------------------
// TString: interned immutable strings
// ---------------------------------------------------------------------------

// TString is an interned string. Two equal string contents always share one
// TString, so string Values compare by handle. Interned strings live in the
// string table's hash buckets (chained through header.next) instead of the
// global allocated list; the sweep phase walks the buckets separately.
type TString struct {
	header
	str  string
	hash uint32
}

func (s *TString) Size() uintptr {
	return unsafe.Sizeof(TString{}) + uintptr(len(s.str))
}

// Str returns the string contents.
func (s *TString) Str() string { return s.str }

// ---------------------------------------------------------------------------
// String table
// ---------------------------------------------------------------------------

const minStringTableSize = 32

// stringTable is the intern table. Only its GC-visible surface matters to
// the collector: per-bucket sweep sublists, the usage counter, and revival
// of condemned entries on lookup.
type stringTable struct {
	hash []Handle // bucket heads, chained through header.next
	nuse int      // live interned strings
}

func newStringTable() *stringTable {
	return &stringTable{hash: make([]Handle, minStringTableSize)}
}

func strhash(s string) uint32 {
	// FNV-1a, stepped for long strings so interning stays O(1)-ish.
	h := uint32(2166136261)
	step := (len(s) >> 5) + 1
	for i := len(s); i >= step; i -= step {
		h = (h ^ uint32(s[i-1])) * 16777619
	}
	return h ^ uint32(len(s))
}

// Intern returns the unique TString handle for s, creating it if needed.
// A string condemned by the previous cycle but still interned is revived in
// place rather than duplicated.
func (vm *VM) Intern(s string) Handle {
	strt := vm.strt
	h := strhash(s)
	for cur := strt.hash[h&uint32(len(strt.hash)-1)]; !cur.IsNone(); {
		ts := vm.obj(cur).(*TString)
		if ts.str == s {
			if ts.isDead(vm.gc.currentWhite) {
				ts.flipWhite()
			}
			return cur
		}
		cur = ts.next
	}
	if strt.nuse >= len(strt.hash) && len(strt.hash) <= maxInt/4 {
		vm.resizeStringTable(len(strt.hash) * 2)
	}
	ts := &TString{str: s, hash: h}
	ts.kind = KindString
	ts.marked = vm.white()
	vm.mem.adjust(0, ts.Size()) // charge before any chain touches it
	handle := vm.arena.add(ts)
	ts.self = handle
	bucket := h & uint32(len(strt.hash)-1)
	ts.next = strt.hash[bucket]
	strt.hash[bucket] = handle
	strt.nuse++
	return handle
}

// InternValue returns s interned as an object Value.
func (vm *VM) InternValue(s string) Value {
	return FromHandle(vm.Intern(s))
}

// resizeStringTable rehashes every interned string into a table of the given
// size. Chains are rebuilt in place through header.next.
func (vm *VM) resizeStringTable(newSize int) {
	if vm.gc.phase == PhaseSweepStrings {
		// Cannot move chains out from under the sweep cursor.
		return
	}
	old := vm.strt.hash
	newHash := make([]Handle, newSize)
	for _, head := range old {
		for !head.IsNone() {
			ts := vm.obj(head).(*TString)
			next := ts.next
			bucket := ts.hash & uint32(newSize-1)
			ts.next = newHash[bucket]
			newHash[bucket] = head
			head = next
		}
	}
	vm.strt.hash = newHash
}

// FixString interns s and pins it against collection. Used for strings the
// runtime itself depends on (metamethod names, error messages).
func (vm *VM) FixString(s string) Handle {
	h := vm.Intern(s)
	vm.obj(h).Header().marked |= fixedBit
	return h
}

const maxInt = int(^uint(0) >> 1)
