package fork

import (
	"math/bits"

	"golang.org/x/exp/slices"

	"github.com/SuperSamus/dolphin/internal/analysis"
	"github.com/SuperSamus/dolphin/internal/bank"
	"github.com/SuperSamus/dolphin/internal/mode"
	"github.com/SuperSamus/dolphin/internal/trace"
)

// allPregs is the full 32-bit membership set, used to compute "every
// preg not referenced by the region" for the Fix step's unused-preg
// flush and the Exit step's final flush.
const allPregs analysis.RegSet = 0xFFFFFFFF

// Host is the allocator-side surface the coordinator drives. The root
// Allocator implements it; defined here, not imported from the root
// package, to avoid an import cycle symmetrical to internal/handle's
// Host interface.
type Host interface {
	FixHostRegisters(b bank.Bank, set analysis.RegSet)
	UnfixHostRegisters()
	Flush(b bank.Bank, set analysis.RegSet, m mode.Flush)
	ReassertDirty(b bank.Bank, set analysis.RegSet)
	MaxPreloadableRegisters(b bank.Bank) int
	SubDowncount(cycles int32)
	PatchForwardFixup(site int)
	CurrentAddress() int
	ForkGuard() *ForkGuard
}

// State is the coordinator's Idle/Active state.
type State int

const (
	Idle State = iota
	Active
)

// Coordinator drives the fork/join in-block-branch protocol across
// the ops of one compiled block.
type Coordinator struct {
	host Host
	state State

	guard *ForkGuard

	regionEnd      int
	lastBarrierOp  int
	barrierTargets map[int]bool
	backwardAddr   map[int]int
	forwardFixups  map[int][]int
}

// New builds an idle coordinator driving host.
func New(host Host) *Coordinator {
	return &Coordinator{host: host, state: Idle}
}

// State reports whether the coordinator is currently inside a fork
// region.
func (c *Coordinator) State() State { return c.state }

// RegionEnd reports the op index a live region terminates at. Only
// meaningful while Active.
func (c *Coordinator) RegionEnd() int { return c.regionEnd }

// RecordForwardFixup registers a fixup site (as returned by the
// emitter when it wrote a not-yet-resolved forward jump) to be patched
// once the coordinator reaches targetIndex as a barrier.
func (c *Coordinator) RecordForwardFixup(targetIndex, site int) {
	c.forwardFixups[targetIndex] = append(c.forwardFixups[targetIndex], site)
}

// BackwardTargetAddress returns the host address recorded for a
// backward branch whose target is targetIndex, if the region recorded
// one at entry.
func (c *Coordinator) BackwardTargetAddress(targetIndex int) (addr int, ok bool) {
	addr, ok = c.backwardAddr[targetIndex]
	return
}

// TryEnterRegion attempts to start a fork region at op index at
// ("Entry"). It returns false, taking no action,
// if the coordinator is already Active, at is out of range, or op at
// carries no in-block branch candidates that fit the preload budget.
func (c *Coordinator) TryEnterRegion(ops []analysis.Op, at int) bool {
	if c.state == Active {
		return false
	}
	if at < 0 || at >= len(ops) || len(ops[at].Branches) == 0 {
		return false
	}

	candidates := append([]analysis.BranchInfo(nil), ops[at].Branches...)
	slices.SortFunc(candidates, func(a, b analysis.BranchInfo) int {
		return a.SourceIndex - b.SourceIndex
	})

	maxGPR := c.host.MaxPreloadableRegisters(bank.GPR)
	maxFPR := c.host.MaxPreloadableRegisters(bank.FPR)

	var unionGPR, unionFPR analysis.RegSet
	accepted := make([]analysis.BranchInfo, 0, len(candidates))
	needsUnusedFlush := false
	end := at

	for _, br := range candidates {
		addGPR, addFPR := branchFootprint(ops, br)
		candGPR := unionGPR.Union(addGPR)
		candFPR := unionFPR.Union(addFPR)

		if bits.OnesCount32(uint32(candGPR)) > maxGPR || bits.OnesCount32(uint32(candFPR)) > maxFPR {
			continue
		}

		unionGPR, unionFPR = candGPR, candFPR
		accepted = append(accepted, br)
		if br.ContainsFlushAndContinue || br.ContainsFallbackToInterpreter {
			needsUnusedFlush = true
		}

		switch br.Direction {
		case analysis.Forward:
			if br.TargetIndex > end {
				end = br.TargetIndex
			}
		case analysis.Backward:
			if br.SourceIndex+1 > end {
				end = br.SourceIndex + 1
			}
		}
	}

	if len(accepted) == 0 {
		return false
	}

	// Fix: pin the region's register footprint.
	c.host.FixHostRegisters(bank.GPR, unionGPR)
	c.host.FixHostRegisters(bank.FPR, unionFPR)
	if needsUnusedFlush {
		c.host.Flush(bank.GPR, allPregs&^unionGPR, mode.Full)
		c.host.Flush(bank.FPR, allPregs&^unionFPR, mode.Full)
	}

	// Fork: snapshot once, at the region head.
	c.guard = c.host.ForkGuard()

	c.regionEnd = end
	c.lastBarrierOp = at
	c.barrierTargets = make(map[int]bool)
	c.backwardAddr = make(map[int]int)
	c.forwardFixups = make(map[int][]int)

	for _, br := range accepted {
		switch br.Direction {
		case analysis.Forward:
			c.barrierTargets[br.TargetIndex] = true
		case analysis.Backward:
			c.backwardAddr[br.TargetIndex] = c.host.CurrentAddress()
		}
	}

	c.state = Active
	trace.Printf("fork enter region at op %d (end=%d)", at, end)
	trace.Depth++
	return true
}

// branchFootprint returns the cumulative regsIn/regsOut union a branch
// candidate contributes: both its source op's and, for in-block
// targets, its target op's footprint.
func branchFootprint(ops []analysis.Op, br analysis.BranchInfo) (gpr, fpr analysis.RegSet) {
	src := &ops[br.SourceIndex]
	gpr = src.RegsInSet(bank.GPR).Union(src.RegsOutSet(bank.GPR))
	fpr = src.RegsInSet(bank.FPR).Union(src.RegsOutSet(bank.FPR))

	if br.Direction != analysis.Outside && br.TargetIndex >= 0 && br.TargetIndex < len(ops) {
		tgt := &ops[br.TargetIndex]
		gpr = gpr.Union(tgt.RegsInSet(bank.GPR)).Union(tgt.RegsOutSet(bank.GPR))
		fpr = fpr.Union(tgt.RegsInSet(bank.FPR)).Union(tgt.RegsOutSet(bank.FPR))
	}
	return
}

// Advance processes op index i while the coordinator is Active: a
// barrier restore-and-patch if i is a recorded forward-branch target,
// or region exit if i has reached the region end. It is a no-op if the
// coordinator is Idle. barrier and exited report which, if either,
// happened; a caller drives one Advance call per op.
func (c *Coordinator) Advance(ops []analysis.Op, i int) (barrier, exited bool) {
	if c.state != Active {
		return false, false
	}

	if i >= c.regionEnd {
		c.exit(ops, i)
		return false, true
	}

	if c.barrierTargets[i] {
		c.barrier(ops, i)
		return true, false
	}

	return false, false
}

// barrier restores the region-entry snapshot, subtracts the downcount
// accumulated since the last barrier (approximated as one cycle unit
// per intervening op, since no per-op cycle count is modeled here),
// re-asserts dirty bits for this op's live-out pregs, and patches any
// forward fixups registered against this target.
func (c *Coordinator) barrier(ops []analysis.Op, i int) {
	defer trace.Scope("fork barrier at op %d", i)()
	c.guard.Restore()

	cycles := i - c.lastBarrierOp
	if cycles > 0 {
		c.host.SubDowncount(int32(cycles))
	}
	c.lastBarrierOp = i

	op := &ops[i]
	c.host.ReassertDirty(bank.GPR, op.RegsOutSet(bank.GPR))
	c.host.ReassertDirty(bank.FPR, op.RegsOutSet(bank.FPR))

	for _, site := range c.forwardFixups[i] {
		c.host.PatchForwardFixup(site)
	}
	delete(c.forwardFixups, i)
}

// exit unfixes the region's bindings and flushes everything not still
// required by op i's in-use sets, then returns the coordinator to Idle
// ("Exit").
func (c *Coordinator) exit(ops []analysis.Op, i int) {
	trace.Depth--
	trace.Printf("fork exit at op %d", i)
	c.host.UnfixHostRegisters()

	var keepGPR, keepFPR analysis.RegSet
	if i >= 0 && i < len(ops) {
		keepGPR = ops[i].InUse(bank.GPR)
		keepFPR = ops[i].InUse(bank.FPR)
	}
	c.host.Flush(bank.GPR, allPregs&^keepGPR, mode.Full)
	c.host.Flush(bank.FPR, allPregs&^keepFPR, mode.Full)

	c.state = Idle
	c.guard = nil
}
