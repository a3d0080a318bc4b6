package vm

import (
	"errors"
	"fmt"
	"testing"
)

// ---------------------------------------------------------------------------
// Full collection
// ---------------------------------------------------------------------------

func TestCollectUnreachableGarbage(t *testing.T) {
	v := NewVM()
	defer v.Close()

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	before := v.ObjectCount()

	// Unreachable cyclic structures: trivial for a tracing collector.
	for i := 0; i < 100; i++ {
		a := v.NewTable()
		b := v.NewTable()
		v.TableSet(a, FromSmallInt(1), FromHandle(b))
		v.TableSet(b, FromSmallInt(1), FromHandle(a))
	}

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	if got := v.ObjectCount(); got != before {
		t.Errorf("object count = %d, want %d", got, before)
	}
	if v.LastCycleStats().FreedObjects < 200 {
		t.Errorf("freed objects = %d, want >= 200", v.LastCycleStats().FreedObjects)
	}
}

func TestReachableObjectsSurvive(t *testing.T) {
	v := NewVM()
	defer v.Close()

	// A chain reachable from globals.
	head := v.NewTable()
	v.TableSet(v.Globals(), v.InternValue("head"), FromHandle(head))
	cur := head
	for i := 0; i < 50; i++ {
		next := v.NewTable()
		v.TableSet(cur, v.InternValue("next"), FromHandle(next))
		v.TableSet(cur, v.InternValue("i"), FromSmallInt(int64(i)))
		cur = next
	}

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}

	// Walk the chain; a collected link would panic on handle resolution.
	n := 0
	key := v.InternValue("next")
	for w := FromHandle(head); w.IsObject(); w = v.TableGet(w.Object(), key) {
		n++
	}
	if n != 51 {
		t.Errorf("chain length = %d, want 51", n)
	}
}

func TestHeapReturnsToByteBaseline(t *testing.T) {
	v := NewVM()
	defer v.Close()

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	baseline := v.TotalBytes()

	for i := 0; i < 500; i++ {
		tbl := v.NewTable()
		v.TableSet(tbl, v.InternValue(fmt.Sprintf("key-%d", i)), FromSmallInt(int64(i)))
	}

	// Two cycles: the first may leave strings revived by weak-clearing or
	// interning checks; the second settles everything.
	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	if got := v.TotalBytes(); got != baseline {
		t.Errorf("heap bytes = %d, want baseline %d", got, baseline)
	}
}

func TestRegistryAndTypeMetatablesAreRoots(t *testing.T) {
	v := NewVM()
	defer v.Close()

	inReg := v.NewTable()
	v.TableSet(v.Registry(), v.InternValue("pinned"), FromHandle(inReg))

	numMeta := v.NewTable()
	v.SetTypeMetatable(TypeNumber, numMeta)

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}

	if _, ok := v.obj(inReg).(*Table); !ok {
		t.Error("registry entry collected")
	}
	if v.TypeMetatable(TypeNumber) != numMeta {
		t.Error("type metatable slot clobbered")
	}
	if _, ok := v.obj(numMeta).(*Table); !ok {
		t.Error("type metatable collected")
	}
}

// ---------------------------------------------------------------------------
// Incremental stepping
// ---------------------------------------------------------------------------

func TestStepIsBounded(t *testing.T) {
	v := NewVM()
	defer v.Close()
	v.SetGCStepMul(1)

	// A heap big enough that one tiny step cannot traverse it.
	list := v.NewTable()
	v.TableSet(v.Globals(), v.InternValue("list"), FromHandle(list))
	for i := 0; i < 2000; i++ {
		e := v.NewTable()
		v.TableSet(e, FromSmallInt(1), FromSmallInt(int64(i)))
		v.TableSet(list, FromSmallInt(int64(i+1)), FromHandle(e))
	}

	if err := v.Step(); err != nil {
		t.Fatal(err)
	}
	if v.GCPhase() == PhasePause {
		t.Fatal("a minimal step should not complete a cycle over a large heap")
	}

	// The cycle still finishes under repeated stepping.
	for i := 0; v.GCPhase() != PhasePause; i++ {
		if i > 100000 {
			t.Fatal("collector failed to reach pause")
		}
		if err := v.Step(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestIncrementalCycleWithInterleavedMutation(t *testing.T) {
	v := NewVM()
	defer v.Close()
	v.SetGCStepMul(5)

	anchor := v.NewTable()
	v.TableSet(v.Globals(), v.InternValue("anchor"), FromHandle(anchor))
	for i := 0; i < 300; i++ {
		v.TableSet(anchor, FromSmallInt(int64(i+1)), FromHandle(v.NewTable()))
	}

	// Mutate between steps: fresh allocations, stores into possibly-black
	// tables, and dropped references. The tri-color invariant must hold
	// after every step.
	for i := 0; v.GCPhase() != PhasePause || i == 0; i++ {
		if i > 100000 {
			t.Fatal("collector failed to reach pause")
		}
		if err := v.Step(); err != nil {
			t.Fatal(err)
		}
		fresh := v.NewTable()
		v.TableSet(anchor, v.InternValue("fresh"), FromHandle(fresh))
		v.TableSet(fresh, FromSmallInt(1), v.InternValue(fmt.Sprintf("s%d", i)))
		v.TableSet(anchor, FromSmallInt(int64(i%300+1)), Nil)
		if err := v.CheckInvariants(); err != nil {
			t.Fatal(err)
		}
	}

	// Everything still referenced is intact.
	if got := v.TableGet(anchor, v.InternValue("fresh")); !got.IsObject() {
		t.Error("surviving reference lost during incremental cycle")
	}
}

func TestCheckGCTriggersOnThreshold(t *testing.T) {
	v := NewVM()
	defer v.Close()

	start := v.GCCycles()
	for i := 0; i < 20000; i++ {
		v.NewTable()
		if err := v.CheckGC(); err != nil {
			t.Fatal(err)
		}
	}
	if v.GCCycles() == start {
		t.Error("sustained allocation never completed a collection cycle")
	}
}

func TestFullCollectAbandonsInFlightMark(t *testing.T) {
	v := NewVM()
	defer v.Close()
	v.SetGCStepMul(1)

	keep := v.NewTable()
	v.TableSet(v.Globals(), v.InternValue("keep"), FromHandle(keep))
	for i := 0; i < 2000; i++ {
		v.TableSet(keep, FromSmallInt(int64(i+1)), FromHandle(v.NewTable()))
	}

	if err := v.Step(); err != nil {
		t.Fatal(err)
	}
	if v.GCPhase() != PhasePropagate {
		t.Skip("step did not leave the collector mid-mark")
	}

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	if v.GCPhase() != PhasePause {
		t.Errorf("phase after FullCollect = %v, want pause", v.GCPhase())
	}
	if _, ok := v.obj(keep).(*Table); !ok {
		t.Error("reachable table lost by abandoned mark")
	}
	if err := v.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestThresholdArmedFromEstimate(t *testing.T) {
	v := NewVM()
	defer v.Close()

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	want := v.GCEstimate() / 100 * uint64(v.GCPause())
	if want < gcStepSize {
		want = gcStepSize
	}
	if got := v.GCThreshold(); got != want {
		t.Errorf("threshold = %d, want %d", got, want)
	}
}

func TestCycleStatsPublished(t *testing.T) {
	v := NewVM()
	defer v.Close()

	for i := 0; i < 50; i++ {
		v.NewTable()
	}
	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}

	s := v.LastCycleStats()
	if s.FreedObjects < 50 {
		t.Errorf("freed objects = %d, want >= 50", s.FreedObjects)
	}
	if s.FreedBytes == 0 {
		t.Error("freed bytes not recorded")
	}
	if s.TotalBytes != v.TotalBytes() {
		t.Errorf("stats total = %d, VM total = %d", s.TotalBytes, v.TotalBytes())
	}
	if s.Timestamp.IsZero() {
		t.Error("timestamp not recorded")
	}
	if v.GCCycles() == 0 {
		t.Error("cycle counter not advanced")
	}
}

// ---------------------------------------------------------------------------
// Weak tables
// ---------------------------------------------------------------------------

func weakTable(v *VM, mode string) Handle {
	tbl := v.NewTable()
	meta := v.NewTable()
	v.TableSet(meta, v.InternValue("__mode"), v.InternValue(mode))
	v.SetMetatable(tbl, meta)
	return tbl
}

func TestWeakValuesCleared(t *testing.T) {
	v := NewVM()
	defer v.Close()

	cache := weakTable(v, "v")
	v.TableSet(v.Globals(), v.InternValue("cache"), FromHandle(cache))

	kept := v.NewTable()
	v.TableSet(v.Globals(), v.InternValue("kept"), FromHandle(kept))

	v.TableSet(cache, v.InternValue("dead"), FromHandle(v.NewTable()))
	v.TableSet(cache, v.InternValue("live"), FromHandle(kept))
	v.TableSet(cache, v.InternValue("int"), FromSmallInt(9))

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}

	if got := v.TableGet(cache, v.InternValue("dead")); !got.IsNil() {
		t.Error("entry with dead value not cleared")
	}
	if got := v.TableGet(cache, v.InternValue("live")); got.objectOrNone() != kept {
		t.Error("entry with live value wrongly cleared")
	}
	if got := v.TableGet(cache, v.InternValue("int")); got.SmallInt() != 9 {
		t.Error("non-collectable value wrongly cleared")
	}
	if v.LastCycleStats().WeakCleared == 0 {
		t.Error("weak clearing not counted in cycle stats")
	}
}

func TestWeakKeysCleared(t *testing.T) {
	v := NewVM()
	defer v.Close()

	attrs := weakTable(v, "k")
	v.TableSet(v.Globals(), v.InternValue("attrs"), FromHandle(attrs))

	liveKey := v.NewTable()
	v.TableSet(v.Globals(), v.InternValue("livekey"), FromHandle(liveKey))

	v.TableSet(attrs, FromHandle(v.NewTable()), FromSmallInt(1))
	v.TableSet(attrs, FromHandle(liveKey), FromSmallInt(2))

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}

	ta := v.obj(attrs).(*Table)
	if ta.HashLen() != 1 {
		t.Errorf("weak-key table holds %d entries, want 1", ta.HashLen())
	}
	if got := v.TableGet(attrs, FromHandle(liveKey)); got.SmallInt() != 2 {
		t.Error("entry with live key wrongly cleared")
	}
}

func TestWeakBothAxes(t *testing.T) {
	v := NewVM()
	defer v.Close()

	ephem := weakTable(v, "kv")
	v.TableSet(v.Globals(), v.InternValue("ephem"), FromHandle(ephem))

	// A fully weak table keeps nothing alive on its own.
	v.TableSet(ephem, FromHandle(v.NewTable()), FromHandle(v.NewTable()))

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	if v.obj(ephem).(*Table).HashLen() != 0 {
		t.Error("fully weak table kept its garbage entry")
	}
}

func TestWeakStringsNeverCleared(t *testing.T) {
	v := NewVM()
	defer v.Close()

	cache := weakTable(v, "kv")
	v.TableSet(v.Globals(), v.InternValue("cache"), FromHandle(cache))

	// Strings behave as plain values in weak tables; the entry stays even
	// though nothing else references either string.
	v.TableSet(cache, v.InternValue("weak-string-key"), v.InternValue("weak-string-value"))

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	got := v.TableGet(cache, v.InternValue("weak-string-key"))
	if !got.IsObject() {
		t.Fatal("string-to-string entry cleared from weak table")
	}
	if v.obj(got.Object()).(*TString).Str() != "weak-string-value" {
		t.Error("weak table entry corrupted")
	}
}

func TestWeakUserdataKeysCleared(t *testing.T) {
	v := NewVM()
	defer v.Close()

	index := weakTable(v, "k")
	v.TableSet(v.Globals(), v.InternValue("index"), FromHandle(index))

	kept := v.NewUserdata("kept", 16, v.Globals())
	v.TableSet(v.Globals(), v.InternValue("kept"), FromHandle(kept))

	dead := v.NewUserdata("dead", 16, v.Globals())
	v.TableSet(index, FromHandle(dead), FromSmallInt(1))
	v.TableSet(index, FromHandle(kept), FromSmallInt(2))

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}

	ti := v.obj(index).(*Table)
	if ti.HashLen() != 1 {
		t.Errorf("weak-key table holds %d entries, want 1", ti.HashLen())
	}
	if got := v.TableGet(index, FromHandle(kept)); got.SmallInt() != 2 {
		t.Error("entry with live userdata key wrongly cleared")
	}
}

func TestWeakArrayPartCleared(t *testing.T) {
	v := NewVM()
	defer v.Close()

	arr := weakTable(v, "v")
	v.TableSet(v.Globals(), v.InternValue("arr"), FromHandle(arr))
	v.TableSet(arr, FromSmallInt(1), FromHandle(v.NewTable()))
	v.TableSet(arr, FromSmallInt(2), FromSmallInt(7))

	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	if got := v.TableGet(arr, FromSmallInt(1)); !got.IsNil() {
		t.Error("dead array entry not cleared")
	}
	if got := v.TableGet(arr, FromSmallInt(2)); got.SmallInt() != 7 {
		t.Error("non-collectable array entry wrongly cleared")
	}
}

// ---------------------------------------------------------------------------
// Memory limit
// ---------------------------------------------------------------------------

func TestMemoryLimitRaisesError(t *testing.T) {
	v := NewVM()
	defer v.Close()

	v.SetMemoryLimit(v.TotalBytes() + 512)
	err := v.Protected(func() error {
		for i := 0; i < 10000; i++ {
			v.NewTable()
		}
		return nil
	})

	var memErr *MemoryError
	if !errors.As(err, &memErr) {
		t.Fatalf("err = %v, want *MemoryError", err)
	}
	if memErr.Limit == 0 || memErr.Requested == 0 {
		t.Errorf("memory error missing detail: %v", memErr)
	}

	// The runtime stays usable: lift the limit, collect the partial
	// garbage, and keep allocating.
	v.SetMemoryLimit(0)
	if err := v.FullCollect(); err != nil {
		t.Fatal(err)
	}
	if err := v.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
	v.NewTable()
}

func TestFailedAllocationLeavesNoTrace(t *testing.T) {
	v := NewVM()

	anchor := v.NewTable()
	v.TableSet(v.Globals(), v.InternValue("anchor"), FromHandle(anchor))

	// A limit the very next allocation must exceed.
	v.SetMemoryLimit(v.TotalBytes())
	count := v.ObjectCount()
	bytes := v.TotalBytes()

	var memErr *MemoryError
	if err := v.Protected(func() error {
		v.NewTable()
		return nil
	}); !errors.As(err, &memErr) {
		t.Fatalf("err = %v, want *MemoryError", err)
	}
	if got := v.ObjectCount(); got != count {
		t.Errorf("object count after failed allocation = %d, want %d", got, count)
	}
	if got := v.TotalBytes(); got != bytes {
		t.Errorf("heap bytes after failed allocation = %d, want %d", got, bytes)
	}

	// A rejected store leaves the table untouched and uncharged too.
	if err := v.Protected(func() error {
		for i := 0; ; i++ {
			v.TableSet(anchor, FromSmallInt(int64(i+1)), FromSmallInt(int64(i)))
		}
	}); !errors.As(err, &memErr) {
		t.Fatalf("err = %v, want *MemoryError", err)
	}
	if got := v.TableGet(anchor, FromSmallInt(1)); !got.IsNil() {
		t.Error("rejected store left an entry behind")
	}

	// And the account stays exact through a full teardown.
	v.SetMemoryLimit(0)
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if v.TotalBytes() != 0 {
		t.Errorf("bytes after close = %d, want 0", v.TotalBytes())
	}
}

func TestProtectedPassesThroughOtherPanics(t *testing.T) {
	v := NewVM()
	defer v.Close()

	defer func() {
		if r := recover(); r == nil {
			t.Error("non-memory panic should not be swallowed")
		}
	}()
	_ = v.Protected(func() error {
		panic("defect")
	})
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestCloseFreesEverything(t *testing.T) {
	v := NewVM()

	v.TableSet(v.Globals(), v.InternValue("x"), FromHandle(v.NewTable()))
	v.FixString("pinned-forever")
	th := v.MainThread()
	v.Push(th, FromSmallInt(1))
	v.FindUpvalue(th, 0)

	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if v.TotalBytes() != 0 {
		t.Errorf("bytes after close = %d, want 0", v.TotalBytes())
	}
	if v.arena.Len() != 0 {
		t.Errorf("objects after close = %d, want 0", v.arena.Len())
	}
}
