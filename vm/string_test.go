package vm

import (
	"fmt"
	"testing"
)

func TestInternIdentity(t *testing.T) {
	v := NewVM()
	defer v.Close()

	a := v.Intern("hello")
	b := v.Intern("hello")
	c := v.Intern("world")

	if a != b {
		t.Errorf("equal contents interned to different handles: %#x vs %#x", a, b)
	}
	if a == c {
		t.Error("different contents interned to the same handle")
	}
	if got := v.obj(a).(*TString).Str(); got != "hello" {
		t.Errorf("Str() = %q, want hello", got)
	}
}

func TestInternValueComparesByHandle(t *testing.T) {
	v := NewVM()
	defer v.Close()

	if v.InternValue("x") != v.InternValue("x") {
		t.Error("interned values for equal contents should be identical")
	}
}

func TestUnreachableStringCollected(t *testing.T) {
	v := NewVM()
	defer v.Close()

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	before := v.ObjectCount()

	v.Intern("transient-string-nobody-holds")
	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	if got := v.ObjectCount(); got != before {
		t.Errorf("object count = %d, want %d", got, before)
	}
}

func TestReachableStringSurvives(t *testing.T) {
	v := NewVM()
	defer v.Close()

	s := v.InternValue("held")
	v.TableSet(v.Globals(), s, True)

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	// Same content must still resolve to the same interned handle.
	if v.InternValue("held") != s {
		t.Error("held string was not preserved across collection")
	}
}

func TestFixedStringSurvivesUnreferenced(t *testing.T) {
	v := NewVM()
	defer v.Close()

	h := v.FixString("pinned")
	for i := 0; i < 3; i++ {
		if err := v.FullCollect(); err != nil {
			t.Fatal(err)
		}
	}
	if v.Intern("pinned") != h {
		t.Error("fixed string was collected")
	}
}

func TestStringTableGrows(t *testing.T) {
	v := NewVM()
	defer v.Close()

	before := len(v.strt.hash)
	for i := 0; i < 3*minStringTableSize; i++ {
		v.Intern(fmt.Sprintf("grow-%d", i))
	}
	if len(v.strt.hash) <= before {
		t.Errorf("string table did not grow: %d buckets", len(v.strt.hash))
	}

	// The rehash must not lose interning identity.
	a := v.Intern("grow-0")
	b := v.Intern("grow-0")
	if a != b {
		t.Error("interning identity broken after resize")
	}
}

func TestStringTableShrinksAfterMassDeath(t *testing.T) {
	v := NewVM()
	defer v.Close()

	for i := 0; i < 8*minStringTableSize; i++ {
		v.Intern(fmt.Sprintf("doomed-%d", i))
	}
	grown := len(v.strt.hash)

	// Nothing references the strings; repeated cycles free them and let
	// the end-of-sweep resize halve the table.
	for i := 0; i < 6; i++ {
		if err := v.FullCollect(); err != nil {
			t.Fatal(err)
		}
	}
	if len(v.strt.hash) >= grown {
		t.Errorf("string table did not shrink: %d buckets (was %d)", len(v.strt.hash), grown)
	}
	if len(v.strt.hash) < minStringTableSize {
		t.Errorf("string table shrank below minimum: %d", len(v.strt.hash))
	}
}

func TestStrhashSpread(t *testing.T) {
	// Not a quality test, just a guard against the degenerate constant hash.
	seen := make(map[uint32]bool)
	for i := 0; i < 64; i++ {
		seen[strhash(fmt.Sprintf("spread-%d", i))] = true
	}
	if len(seen) < 32 {
		t.Errorf("hash collapsed: %d distinct values of 64", len(seen))
	}
}
