package vm

import "testing"

// ---------------------------------------------------------------------------
// Arena tests
// ---------------------------------------------------------------------------

func TestArenaAddGet(t *testing.T) {
	a := newArena()
	o := &Table{hash: make(map[Value]Value)}
	h := a.add(o)
	o.self = h

	if h.IsNone() {
		t.Fatal("add returned the null handle")
	}
	if got := a.get(h); got != Object(o) {
		t.Error("get returned a different object")
	}
	if a.Len() != 1 {
		t.Errorf("Len = %d, want 1", a.Len())
	}
}

func TestArenaSlotReuseBumpsGeneration(t *testing.T) {
	a := newArena()
	first := a.add(&Table{})
	a.remove(first)
	second := a.add(&Table{})

	if first.Index() != second.Index() {
		t.Fatalf("slot not reused: %d vs %d", first.Index(), second.Index())
	}
	if first.Gen() == second.Gen() {
		t.Error("generation not bumped on reuse")
	}
}

func TestArenaStaleHandlePanics(t *testing.T) {
	a := newArena()
	h := a.add(&Table{})
	a.remove(h)
	a.add(&Table{}) // reoccupies the slot with a new generation

	defer func() {
		if r := recover(); r == nil {
			t.Error("get with a stale handle should panic")
		}
	}()
	a.get(h)
}

func TestArenaFreedSlotPanics(t *testing.T) {
	a := newArena()
	h := a.add(&Table{})
	a.remove(h)

	defer func() {
		if r := recover(); r == nil {
			t.Error("get on a freed slot should panic")
		}
	}()
	a.get(h)
}

// ---------------------------------------------------------------------------
// Mark byte tests
// ---------------------------------------------------------------------------

func TestColorTransitions(t *testing.T) {
	var hd header
	hd.marked = white0Bit

	if !hd.isWhite() || hd.isGray() || hd.isBlack() {
		t.Error("fresh object should be white")
	}

	hd.white2gray()
	if !hd.isGray() || hd.isWhite() || hd.isBlack() {
		t.Error("white2gray should leave the object gray")
	}

	hd.gray2black()
	if !hd.isBlack() || hd.isGray() || hd.isWhite() {
		t.Error("gray2black should leave the object black")
	}

	hd.black2gray()
	if !hd.isGray() {
		t.Error("black2gray should leave the object gray")
	}

	hd.makeWhite(white1Bit)
	if !hd.isWhite() {
		t.Error("makeWhite should repaint white")
	}
	if hd.marked&white0Bit != 0 {
		t.Error("makeWhite should clear the other shade")
	}
}

func TestMakeWhitePreservesFlags(t *testing.T) {
	var hd header
	hd.marked = blackBit | fixedBit | weakValueBit | finalizedBit
	hd.makeWhite(white0Bit)

	if !hd.isFixed() || !hd.isFinalized() {
		t.Error("makeWhite should preserve non-color flags")
	}
	if hd.marked&weakValueBit == 0 {
		t.Error("makeWhite should preserve weak bits")
	}
	if hd.isBlack() {
		t.Error("makeWhite should clear black")
	}
}

func TestIsDead(t *testing.T) {
	var hd header
	hd.marked = white0Bit

	if hd.isDead(white0Bit) {
		t.Error("object carrying the current white is not dead")
	}
	if !hd.isDead(white1Bit) {
		t.Error("object carrying the other white is dead")
	}

	hd.flipWhite()
	if hd.isDead(white1Bit) {
		t.Error("flipWhite should revive the object")
	}
}

func TestKindString(t *testing.T) {
	kinds := map[Kind]string{
		KindString:   "string",
		KindTable:    "table",
		KindClosure:  "closure",
		KindUserdata: "userdata",
		KindThread:   "thread",
		KindUpvalue:  "upvalue",
		KindProto:    "proto",
	}
	for k, want := range kinds {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestObjectCountMatchesIteration(t *testing.T) {
	v := NewVM()
	defer v.Close()

	v.NewTable()
	v.Intern("counted")
	th := v.MainThread()
	v.Push(th, FromSmallInt(1))
	v.FindUpvalue(th, 0)

	visited := 0
	v.EachObject(func(Object) { visited++ })
	if got := v.ObjectCount(); got != visited {
		t.Errorf("ObjectCount = %d, EachObject visits %d", got, visited)
	}
}
