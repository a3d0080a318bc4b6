package vm

import "unsafe"

// ---------------------------------------------------------------------------
// Table: array + hash container
// ---------------------------------------------------------------------------

// Table is the language's only structured container: a dense array part for
// small positive integer keys and a hash part for everything else. Storing
// nil removes the entry, so the hash part never holds nil values and GC-time
// tombstoning is subsumed by the storage layer.
//
// A table's metatable may declare weak keys and/or values via a __mode
// string ("k", "v", "kv"); the collector reads that mode during traversal
// and caches it in the mark byte for the weak-purge step.
type Table struct {
	header
	array []Value         // array part: array[i] holds t[i+1]
	hash  map[Value]Value // hash part; never contains Nil values
	meta  Handle          // metatable, HandleNone if absent
}

const tableEntrySize = uintptr(48) // approximate per-hash-entry footprint

func (t *Table) Size() uintptr {
	return unsafe.Sizeof(Table{}) +
		uintptr(cap(t.array))*unsafe.Sizeof(Value(0)) +
		uintptr(len(t.hash))*tableEntrySize
}

// NewTable allocates an empty table.
func (vm *VM) NewTable() Handle {
	t := &Table{hash: make(map[Value]Value)}
	return vm.link(t, KindTable)
}

// Meta returns the table's metatable handle, or HandleNone.
func (t *Table) Meta() Handle { return t.meta }

// SetMetatable installs (or clears, with HandleNone) the metatable of tbl.
// Goes through the write-barrier chokepoint like any other reference store.
func (vm *VM) SetMetatable(tbl, meta Handle) {
	t := vm.obj(tbl).(*Table)
	t.meta = meta
	if !meta.IsNone() {
		vm.Barrier(tbl, FromHandle(meta))
	}
}

// TableGet reads t[key]. Missing entries read as Nil. Metamethod dispatch
// belongs to the interpreter, not here.
func (vm *VM) TableGet(tbl Handle, key Value) Value {
	t := vm.obj(tbl).(*Table)
	if i, ok := arrayIndex(key); ok && i <= len(t.array) {
		return t.array[i-1]
	}
	if v, ok := t.hash[key]; ok {
		return v
	}
	return Nil
}

// TableSet stores t[key] = val. Storing Nil removes the entry. Nil and NaN
// keys are rejected as defects, matching the container's contract.
func (vm *VM) TableSet(tbl Handle, key, val Value) {
	t := vm.obj(tbl).(*Table)
	if key.IsNil() {
		panic("vm: table index is nil")
	}
	if key.IsFloat() && key.Float64() != key.Float64() {
		panic("vm: table index is NaN")
	}
	// Growth is charged before the entry lands, so a store rejected at the
	// memory limit leaves the table untouched. Shrinks are credited after.
	if i, ok := arrayIndex(key); ok && i <= len(t.array)+1 {
		if i == len(t.array)+1 {
			if val.IsNil() {
				return
			}
			if len(t.array) == cap(t.array) {
				newCap := 2 * cap(t.array)
				if newCap < 4 {
					newCap = 4
				}
				grown := make([]Value, len(t.array), newCap)
				copy(grown, t.array)
				old := t.Size()
				vm.mem.adjust(old, old+uintptr(newCap-cap(t.array))*unsafe.Sizeof(Value(0)))
				t.array = grown
			}
			t.array = append(t.array, val)
		} else if val.IsNil() && i == len(t.array) {
			t.array = t.array[:i-1]
		} else {
			t.array[i-1] = val
		}
	} else if val.IsNil() {
		old := t.Size()
		delete(t.hash, key)
		vm.mem.adjust(old, t.Size())
	} else {
		if _, exists := t.hash[key]; !exists {
			old := t.Size()
			vm.mem.adjust(old, old+tableEntrySize)
		}
		t.hash[key] = val
	}
	vm.Barrier(tbl, key)
	vm.Barrier(tbl, val)
}

// ArrayLen returns the length of the dense array part.
func (t *Table) ArrayLen() int { return len(t.array) }

// HashLen returns the number of entries in the hash part.
func (t *Table) HashLen() int { return len(t.hash) }

// arrayIndex reports whether key addresses the array part: a small positive
// integer within int range.
func arrayIndex(key Value) (int, bool) {
	if !key.IsSmallInt() {
		return 0, false
	}
	n := key.SmallInt()
	if n < 1 || n > int64(maxInt) {
		return 0, false
	}
	return int(n), true
}

// ---------------------------------------------------------------------------
// Weak mode
// ---------------------------------------------------------------------------

// weakMode reads the table's __mode metafield and reports weak-key and
// weak-value axes. Only string modes are honored.
func (vm *VM) weakMode(t *Table) (weakKey, weakValue bool) {
	if t.meta.IsNone() {
		return false, false
	}
	mode := vm.TableGet(t.meta, vm.modeKey)
	mh := mode.objectOrNone()
	if mh.IsNone() {
		return false, false
	}
	ms, ok := vm.obj(mh).(*TString)
	if !ok {
		return false, false
	}
	for i := 0; i < len(ms.str); i++ {
		switch ms.str[i] {
		case 'k':
			weakKey = true
		case 'v':
			weakValue = true
		}
	}
	return weakKey, weakValue
}
