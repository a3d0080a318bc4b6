// Sable collector stress driver. Hammers a runtime heap with allocation
// workloads while stepping the incremental collector, and reports what
// the collector did.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/sablelang/sable/manifest"
	"github.com/sablelang/sable/statsdb"
	"github.com/sablelang/sable/vm"
	"github.com/sablelang/sable/vm/snapshot"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	iterations := flag.Int("n", 10000, "Workload iterations")
	workload := flag.String("workload", "all", "Workload: tables, strings, upvalues, weak, finalizers, all")
	full := flag.Bool("full", false, "Run full stop-the-world collections instead of incremental steps")
	pause := flag.Int("pause", 0, "Collector pause percentage (overrides manifest)")
	stepMul := flag.Int("stepmul", 0, "Collector step multiplier (overrides manifest)")
	limitKB := flag.Int64("limit-kb", 0, "Heap limit in KB (overrides manifest)")
	statsPath := flag.String("stats", "", "SQLite statistics database (overrides manifest)")
	snapPath := flag.String("snapshot", "", "Write a heap snapshot here at exit")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sable-stress [options]\n\n")
		fmt.Fprintf(os.Stderr, "Stresses the Sable garbage collector with synthetic allocation workloads.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sable-stress -n 100000 -workload weak       # Weak-table churn\n")
		fmt.Fprintf(os.Stderr, "  sable-stress -stepmul 50 -stats gc.db       # Slow collector, record cycles\n")
		fmt.Fprintf(os.Stderr, "  sable-stress -full -snapshot heap.snap      # Full collections, dump heap\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	v := vm.NewVM()
	defer v.Close()

	// Manifest tuning first, then flag overrides.
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	if m != nil {
		m.ApplyGC(v)
		if *statsPath == "" {
			*statsPath = m.StatsPath()
		}
	}
	if *pause > 0 {
		v.SetGCPause(*pause)
	}
	if *stepMul > 0 {
		v.SetGCStepMul(*stepMul)
	}
	if *limitKB > 0 {
		v.SetMemoryLimit(uint64(*limitKB) * 1024)
	}

	var rec *statsdb.Recorder
	if *statsPath != "" {
		rec, err = statsdb.Open(*statsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening stats database: %v\n", err)
			os.Exit(1)
		}
		defer rec.Close()
	}

	d := &driver{vm: v, full: *full, rec: rec}
	workloads := map[string]func(int) error{
		"tables":     d.tables,
		"strings":    d.strings,
		"upvalues":   d.upvalues,
		"weak":       d.weak,
		"finalizers": d.finalizers,
	}

	var names []string
	if *workload == "all" {
		names = []string{"tables", "strings", "upvalues", "weak", "finalizers"}
	} else {
		if _, ok := workloads[*workload]; !ok {
			fmt.Fprintf(os.Stderr, "Unknown workload %q\n", *workload)
			os.Exit(1)
		}
		names = []string{*workload}
	}

	for _, name := range names {
		if *verbose {
			fmt.Printf("workload %-10s %d iterations\n", name, *iterations)
		}
		if err := v.Protected(func() error { return workloads[name](*iterations) }); err != nil {
			fmt.Fprintf(os.Stderr, "Workload %s failed: %v\n", name, err)
			os.Exit(1)
		}
	}

	if err := v.FullCollect(); err != nil {
		fmt.Fprintf(os.Stderr, "Final collection failed: %v\n", err)
		os.Exit(1)
	}
	d.recordCycles()

	if *snapPath != "" {
		if err := snapshot.WriteFile(v, *snapPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot written to %s\n", *snapPath)
	}

	fmt.Printf("cycles:      %d\n", v.GCCycles())
	fmt.Printf("live bytes:  %d\n", v.TotalBytes())
	fmt.Printf("objects:     %d\n", v.ObjectCount())
	fmt.Printf("finalizers:  %d\n", d.finalized)
	if rec != nil {
		sum, err := rec.Summarize()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error summarizing stats: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("recorded:    %d cycles, %d objects freed, %d bytes freed, gc time %v\n",
			sum.Cycles, sum.FreedObjects, sum.FreedBytes, sum.TotalTime)
	}
}

// driver holds the shared state the workloads mutate.
type driver struct {
	vm        *vm.VM
	full      bool
	rec       *statsdb.Recorder
	recorded  uint64 // cycles already persisted
	finalized int64  // finalizer invocations observed
}

// pump gives the collector its chance to run and persists any cycle that
// completed since the last call.
func (d *driver) pump() error {
	var err error
	if d.full {
		err = d.vm.FullCollect()
	} else {
		err = d.vm.CheckGC()
	}
	if err != nil {
		return err
	}
	d.recordCycles()
	return nil
}

func (d *driver) recordCycles() {
	if d.rec == nil {
		return
	}
	if c := d.vm.GCCycles(); c > d.recorded {
		d.recorded = c
		if err := d.rec.Record(d.vm.LastCycleStats()); err != nil {
			fmt.Fprintf(os.Stderr, "Error recording cycle: %v\n", err)
		}
	}
}

// tables builds short-lived cyclic structures. Cycles are invisible to
// reference counting but trivial for a tracing collector; none of these
// should survive.
func (d *driver) tables(n int) error {
	v := d.vm
	keep := v.NewTable()
	v.TableSet(v.Globals(), v.InternValue("keep"), vm.FromHandle(keep))

	for i := 0; i < n; i++ {
		a := v.NewTable()
		b := v.NewTable()
		v.TableSet(a, v.InternValue("next"), vm.FromHandle(b))
		v.TableSet(b, v.InternValue("next"), vm.FromHandle(a))
		v.TableSet(a, vm.FromSmallInt(1), vm.FromSmallInt(int64(i)))

		// Every 64th survives, reachable from globals.
		if i%64 == 0 {
			v.TableSet(keep, vm.FromSmallInt(int64(i)), vm.FromHandle(a))
		}
		if err := d.pump(); err != nil {
			return err
		}
	}
	v.TableSet(v.Globals(), v.InternValue("keep"), vm.Nil)
	return nil
}

// strings churns the intern table with mostly-unique strings.
func (d *driver) strings(n int) error {
	v := d.vm
	for i := 0; i < n; i++ {
		v.Intern(fmt.Sprintf("stress-string-%d", i))
		v.Intern("common") // always revived
		if err := d.pump(); err != nil {
			return err
		}
	}
	return nil
}

// upvalues opens stack slots as shared upvalues, mutates them through
// closures, then closes them, exercising the open/closed transition under
// collector pressure.
func (d *driver) upvalues(n int) error {
	v := d.vm
	th := v.MainThread()

	for i := 0; i < n; i++ {
		v.PushFrame(th, 0)
		v.Push(th, vm.FromSmallInt(int64(i)))
		v.Push(th, vm.FromHandle(v.NewTable()))

		uv := v.FindUpvalue(th, 0)
		if again := v.FindUpvalue(th, 0); again != uv {
			return fmt.Errorf("upvalue for slot 0 not shared: %#x vs %#x", uv, again)
		}

		proto := v.NewProto(vm.ProtoSpec{Source: v.Intern("stress"), MaxStack: 2})
		c := v.NewClosure(proto, 1, v.Globals())
		v.SetUpvalue(c, 0, uv)

		v.UpvalueSet(uv, vm.FromSmallInt(int64(i*2)))
		v.PopFrame(th)

		if got := v.UpvalueGet(uv); !got.IsSmallInt() || got.SmallInt() != int64(i*2) {
			return fmt.Errorf("closed upvalue lost its value at iteration %d", i)
		}
		if err := d.pump(); err != nil {
			return err
		}
	}
	return nil
}

// weak fills a weak-valued cache whose entries the collector is free to
// reclaim.
func (d *driver) weak(n int) error {
	v := d.vm
	cache := v.NewTable()
	meta := v.NewTable()
	v.TableSet(meta, v.InternValue("__mode"), v.InternValue("v"))
	v.SetMetatable(cache, meta)
	v.TableSet(v.Globals(), v.InternValue("cache"), vm.FromHandle(cache))

	for i := 0; i < n; i++ {
		entry := v.NewTable()
		v.TableSet(entry, vm.FromSmallInt(0), vm.FromSmallInt(int64(i)))
		v.TableSet(cache, vm.FromSmallInt(int64(i%256)), vm.FromHandle(entry))
		if err := d.pump(); err != nil {
			return err
		}
	}
	v.TableSet(v.Globals(), v.InternValue("cache"), vm.Nil)
	return nil
}

// finalizers allocates userdata whose __gc hook counts invocations.
func (d *driver) finalizers(n int) error {
	v := d.vm
	hook := v.NewNativeClosure(func(*vm.VM, vm.Handle) error {
		d.finalized++
		return nil
	}, 0, v.Globals())
	meta := v.NewTable()
	v.TableSet(meta, v.InternValue("__gc"), vm.FromHandle(hook))
	v.TableSet(v.Globals(), v.InternValue("udmeta"), vm.FromHandle(meta))

	for i := 0; i < n; i++ {
		ud := v.NewUserdata(i, 64, v.Globals())
		v.SetUserdataMeta(ud, meta)
		if err := d.pump(); err != nil {
			return err
		}
	}
	v.TableSet(v.Globals(), v.InternValue("udmeta"), vm.Nil)
	return nil
}
