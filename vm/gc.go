package vm

import (
	"fmt"
	"math"
	"time"
)

// ---------------------------------------------------------------------------
// Incremental scheduler
// ---------------------------------------------------------------------------

// Phase is the collector's state machine position. The atomic step runs
// synchronously inside the Propagate -> SweepStrings transition and is not
// a resumable phase of its own.
type Phase uint8

const (
	PhasePause Phase = iota
	PhasePropagate
	PhaseSweepStrings
	PhaseSweep
	PhaseFinalize
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhasePause:
		return "pause"
	case PhasePropagate:
		return "propagate"
	case PhaseSweepStrings:
		return "sweepstrings"
	case PhaseSweep:
		return "sweep"
	case PhaseFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Pacing constants: one step's base budget in bytes, sweep batch size and
// per-object cost, and the flat cost charged per finalizer run.
const (
	gcStepSize     = 1024
	gcSweepMax     = 40
	gcSweepCost    = 10
	gcFinalizeCost = 100

	// DefaultPause and DefaultStepMul are the tunable multipliers, in
	// percent: pause scales how far past the live estimate the heap may
	// grow before a new cycle; stepmul scales work done per step.
	DefaultPause   = 200
	DefaultStepMul = 200
)

// nowFunc is stubbed in tests.
var nowFunc = time.Now

// CycleStats describes one completed collection cycle.
type CycleStats struct {
	FreedObjects int           // objects reclaimed (sweep + string sweep)
	FreedBytes   uint64        // bytes reclaimed
	WeakCleared  int           // weak-table entries purged at the atomic step
	Finalizers   int           // finalizer hooks run
	TotalBytes   uint64        // accounted bytes at cycle end
	Estimate     uint64        // live-memory estimate recorded by the atomic step
	Duration     time.Duration // wall time from mark start to cycle end
	Timestamp    time.Time     // when the cycle completed
}

// gcState is the collector context: every phase function receives it through
// the owning VM, so independent runtime instances never share collector
// state.
type gcState struct {
	phase        Phase
	currentWhite uint8

	rootgc Handle // allocated-object list head (newest first)

	// Worklists, chained through header.gclist.
	gray       Handle
	grayAgain  Handle
	weak       Handle
	pendingFin Handle // tail of the circular finalization-pending ring

	// Sweep cursors.
	sweepPrev Handle // object list position (HandleNone = list head)
	sweepStr  int    // next string bucket

	// Pacing.
	threshold uint64
	debt      int64
	estimate  uint64
	pause     int
	stepMul   int

	stats      CycleStats // accumulating for the in-flight cycle
	lastStats  CycleStats // last completed cycle
	cycleStart time.Time
	cycles     uint64
}

// otherWhite returns the non-current white shade bits.
func (g *gcState) otherWhite() uint8 {
	return g.currentWhite ^ whiteBits
}

// white returns the mark byte for a freshly created object.
func (vm *VM) white() uint8 {
	return vm.gc.currentWhite & whiteBits
}

// link charges the new object's bytes, threads it onto the allocated list
// as the newest entry, and paints it with the current white. The account is
// charged before any list touches it: a growth rejected at the limit must
// leave no half-linked object behind.
func (vm *VM) link(o Object, kind Kind) Handle {
	hd := o.Header()
	hd.kind = kind
	hd.marked = vm.white()
	vm.mem.adjust(0, o.Size())
	h := vm.arena.add(o)
	hd.self = h
	hd.next = vm.gc.rootgc
	vm.gc.rootgc = h
	return h
}

// obj resolves a handle through the arena.
func (vm *VM) obj(h Handle) Object {
	return vm.arena.get(h)
}

// ---------------------------------------------------------------------------
// Stepping
// ---------------------------------------------------------------------------

// singleStep executes one phase-appropriate unit of work and returns its
// cost against the step budget. Only the atomic transition is unbounded.
func (vm *VM) singleStep() (int64, error) {
	g := &vm.gc
	switch g.phase {
	case PhasePause:
		vm.markRoots()
		return 0, nil

	case PhasePropagate:
		if !g.gray.IsNone() {
			return vm.propagateOne(), nil
		}
		vm.atomic()
		return 0, nil

	case PhaseSweepStrings:
		old := vm.mem.total
		vm.sweepStringBucket(g.sweepStr)
		g.sweepStr++
		if g.sweepStr >= len(vm.strt.hash) {
			g.phase = PhaseSweep
		}
		g.estimate -= min64(g.estimate, old-vm.mem.total)
		return gcSweepCost, nil

	case PhaseSweep:
		old := vm.mem.total
		prev, done := vm.sweepList(g.sweepPrev, gcSweepMax)
		g.sweepPrev = prev
		if done {
			vm.checkSizes()
			g.phase = PhaseFinalize
		}
		g.estimate -= min64(g.estimate, old-vm.mem.total)
		return gcSweepMax * gcSweepCost, nil

	case PhaseFinalize:
		if !g.pendingFin.IsNone() {
			err := vm.runOneFinalizer()
			if g.estimate > gcFinalizeCost {
				g.estimate -= gcFinalizeCost
			}
			return gcFinalizeCost, err
		}
		vm.finishCycle()
		return 0, nil

	default:
		panic("vm: collector in unknown phase")
	}
}

// finishCycle returns the collector to Pause and publishes cycle stats.
func (vm *VM) finishCycle() {
	g := &vm.gc
	g.phase = PhasePause
	g.debt = 0
	g.cycles++
	g.stats.TotalBytes = vm.mem.total
	g.stats.Estimate = g.estimate
	g.stats.Timestamp = nowFunc()
	if !g.cycleStart.IsZero() {
		g.stats.Duration = g.stats.Timestamp.Sub(g.cycleStart)
	}
	g.lastStats = g.stats
	g.stats = CycleStats{}
	vm.log.Debugf("cycle %d complete: freed %d objects (%d bytes), %d weak entries cleared, %d finalizers, %d bytes live",
		g.cycles, g.lastStats.FreedObjects, g.lastStats.FreedBytes,
		g.lastStats.WeakCleared, g.lastStats.Finalizers, g.lastStats.TotalBytes)
}

// Step runs the collector for one pacing quantum: it derives a work budget
// from the step multiplier, accumulates allocation debt since the last
// threshold, and executes phase units until the budget is spent or the
// cycle completes. The threshold is tightened while debt is high and
// relaxed while it is low; on cycle completion it is recomputed from the
// live estimate and the pause multiplier. The atomic transition may exceed
// the budget but always completes within the call.
func (vm *VM) Step() error {
	g := &vm.gc
	lim := int64(gcStepSize/100) * int64(g.stepMul)
	if lim <= 0 {
		lim = math.MaxInt64 / 2
	}
	g.debt += int64(vm.mem.total) - int64(g.threshold)
	for {
		cost, err := vm.singleStep()
		if err != nil {
			return err
		}
		lim -= cost
		if g.phase == PhasePause || lim <= 0 {
			break
		}
	}
	if g.phase != PhasePause {
		if g.debt < gcStepSize {
			g.threshold = vm.mem.total + gcStepSize
		} else {
			g.debt -= gcStepSize
			g.threshold = vm.mem.total
		}
	} else {
		vm.setThreshold()
	}
	return nil
}

// FullCollect forces any in-flight sweep or finalize work to completion,
// then runs one complete cycle synchronously, ignoring pacing.
func (vm *VM) FullCollect() error {
	g := &vm.gc
	if g.phase == PhasePause || g.phase == PhasePropagate {
		// Abandon the in-flight mark: reset the cursors and worklists and
		// sweep everything back to white first.
		g.sweepStr = 0
		g.sweepPrev = HandleNone
		g.gray = HandleNone
		g.grayAgain = HandleNone
		g.weak = HandleNone
		g.phase = PhaseSweepStrings
	}
	for g.phase != PhaseFinalize {
		if _, err := vm.singleStep(); err != nil {
			return err
		}
	}
	vm.markRoots()
	for g.phase != PhasePause {
		if _, err := vm.singleStep(); err != nil {
			return err
		}
	}
	vm.setThreshold()
	vm.log.Debugf("full collection complete: %d bytes live", vm.mem.total)
	return nil
}

// CheckGC runs a collector step if allocation volume has crossed the
// threshold. Interpreter code calls this at allocation-heavy points.
func (vm *VM) CheckGC() error {
	if vm.mem.total >= vm.gc.threshold {
		return vm.Step()
	}
	return nil
}

// setThreshold arms the next collection from the live estimate and the
// pause multiplier.
func (vm *VM) setThreshold() {
	g := &vm.gc
	g.threshold = g.estimate / 100 * uint64(g.pause)
	if g.threshold < gcStepSize {
		g.threshold = gcStepSize
	}
}

// ---------------------------------------------------------------------------
// Tunables and introspection
// ---------------------------------------------------------------------------

// GCPhase returns the collector's current phase.
func (vm *VM) GCPhase() Phase { return vm.gc.phase }

// GCEstimate returns the live-memory estimate from the last atomic step.
func (vm *VM) GCEstimate() uint64 { return vm.gc.estimate }

// GCThreshold returns the allocation threshold arming the next step.
func (vm *VM) GCThreshold() uint64 { return vm.gc.threshold }

// GCCycles returns the number of completed collection cycles.
func (vm *VM) GCCycles() uint64 { return vm.gc.cycles }

// LastCycleStats returns statistics from the most recently completed cycle.
func (vm *VM) LastCycleStats() CycleStats { return vm.gc.lastStats }

// SetGCPause sets the pause multiplier (percent). 200 starts a new cycle
// when the heap reaches twice the live estimate.
func (vm *VM) SetGCPause(pause int) {
	if pause < 1 {
		pause = 1
	}
	vm.gc.pause = pause
}

// SetGCStepMul sets the step work multiplier (percent).
func (vm *VM) SetGCStepMul(stepMul int) {
	if stepMul < 1 {
		stepMul = 1
	}
	vm.gc.stepMul = stepMul
}

// GCPause returns the pause multiplier.
func (vm *VM) GCPause() int { return vm.gc.pause }

// GCStepMul returns the step work multiplier.
func (vm *VM) GCStepMul() int { return vm.gc.stepMul }

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
