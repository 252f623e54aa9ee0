package dolphin

import (
	"github.com/SuperSamus/dolphin/internal/abi"
	"github.com/SuperSamus/dolphin/internal/analysis"
	"github.com/SuperSamus/dolphin/internal/bank"
	"github.com/SuperSamus/dolphin/internal/constprop"
	"github.com/SuperSamus/dolphin/internal/constraint"
	"github.com/SuperSamus/dolphin/internal/emitter"
	"github.com/SuperSamus/dolphin/internal/faults"
	"github.com/SuperSamus/dolphin/internal/fork"
	"github.com/SuperSamus/dolphin/internal/handle"
	"github.com/SuperSamus/dolphin/internal/mode"
	"github.com/SuperSamus/dolphin/internal/operand"
	"github.com/SuperSamus/dolphin/internal/preg"
	"github.com/SuperSamus/dolphin/internal/spill"
	"github.com/SuperSamus/dolphin/internal/trace"
	"github.com/SuperSamus/dolphin/internal/xreg"
)

// Access names whether a handle reads, writes, or both reads and
// writes the preg it locks.
type Access int

const (
	Read Access = iota
	Write
	ReadWrite
)

func (a Access) readWrite() (read, write bool) {
	return a != Write, a != Read
}

// Allocator is the register allocator for one bank pair (GPR and FPR)
// of one in-progress block compilation. One Allocator instance serves
// exactly one compilation at a time; it is not safe for concurrent
// use.
type Allocator struct {
	abi abi.ABI

	pregs [bank.Count]*preg.Table
	xregs [bank.Count]*xreg.Table
	constp constprop.Snapshot

	emit emitter.Emitter
	coord *fork.Coordinator

	opWindow []analysis.Op

	fixed [bank.Count]analysis.RegSet
}

// stateLayout describes the PowerPC state block's per-bank GPR/FPR
// slot geometry the memory operands address. Defaults match a typical
// SysV embedding: GPRs are 4 bytes wide starting at offset 0, FPRs are
// 8 bytes wide starting immediately after the 32 GPR slots.
const (
	gprStateBase   = 0
	gprStateStride = 4
	fprStateBase   = gprStateBase + gprStateStride*bank.NumPregs
	fprStateStride = 8
)

// New builds an idle Allocator for the given host ABI. Call Start
// before first use.
func New(a abi.ABI) *Allocator {
	al := &Allocator{abi: a}
	al.Start()
	return al
}

// Start resets every table to the block-compilation-begin state: all
// pregs in default location, all host registers free, no locks, no
// constraints, no fork region active.
func (a *Allocator) Start() {
	a.pregs[bank.GPR] = preg.New(bank.GPR, gprStateBase, gprStateStride)
	a.pregs[bank.FPR] = preg.New(bank.FPR, fprStateBase, fprStateStride)

	allocableGPR, allocableFPR := allocableMasks(a.abi)
	a.xregs[bank.GPR] = xreg.New(bank.GPR, allocableGPR)
	a.xregs[bank.FPR] = xreg.New(bank.FPR, allocableFPR)

	a.constp.Reset()
	a.coord = fork.New(a)
	a.fixed[bank.GPR] = 0
	a.fixed[bank.FPR] = 0
	a.opWindow = nil
}

// allocableMasks reports which xreg ids are ever eligible for
// allocation: every GPR id except the reserved host stack pointer,
// every FPR id (no FPR xreg is unconditionally reserved).
func allocableMasks(a abi.ABI) (gpr, fpr [bank.NumXregs]bool) {
	for x := 0; x < bank.NumXregs; x++ {
		gpr[x] = !abi.Reserved(bank.GPR, x)
		fpr[x] = !abi.Reserved(bank.FPR, x)
	}
	return
}

// SetEmitter injects the byte-level code writer used by load, store,
// and spill emission.
func (a *Allocator) SetEmitter(e emitter.Emitter) { a.emit = e }

// ConstProp returns the GPR-bank constant-propagation snapshot for the
// analyzer to populate ahead of each op.
func (a *Allocator) ConstProp() *constprop.Snapshot { return &a.constp }

// BeginOp tells the allocator which op is about to be processed,
// supplying the remaining instruction stream (ops[at] is the current
// op) for the spill heuristic's lookahead and the fork coordinator's
// barrier/region-entry bookkeeping. The recompiler's main per-op loop
// calls this once per op.
func (a *Allocator) BeginOp(ops []analysis.Op, at int) {
	if at >= 0 && at < len(ops) {
		a.opWindow = ops[at:]
	} else {
		a.opWindow = nil
	}
	if a.coord.State() == fork.Active {
		if _, exited := a.coord.Advance(ops, at); !exited {
			return
		}
	}
	a.coord.TryEnterRegion(ops, at)
}

// Use takes a handle allowing any realized location (Bound, Imm, or
// Mem) for preg p in bank b.
func (a *Allocator) Use(b bank.Bank, p int, acc Access) handle.OperandHandle {
	return a.take(b, p, constraint.Use, acc, false)
}

// UseNoImm takes a handle allowing Bound or Mem, killing any live
// immediate.
func (a *Allocator) UseNoImm(b bank.Bank, p int, acc Access) handle.OperandHandle {
	return a.take(b, p, constraint.UseNoImm, acc, false)
}

// BindOrImm takes a handle allowing Bound or Imm, killing the
// memory-only view.
func (a *Allocator) BindOrImm(b bank.Bank, p int, acc Access) handle.OperandHandle {
	return a.take(b, p, constraint.BindOrImm, acc, false)
}

// Bind takes a handle requiring a Bound host register, killing both
// the immediate and memory-only views.
func (a *Allocator) Bind(b bank.Bank, p int, acc Access) handle.OperandHandle {
	return a.take(b, p, constraint.Bind, acc, false)
}

// RevertableBind takes a Bind-shaped handle under a two-phase
// transaction: the preg enters the revertable set, and a shadow spill
// of its prior authoritative value is written before rebinding.
func (a *Allocator) RevertableBind(b bank.Bank, p int, acc Access) handle.OperandHandle {
	return a.take(b, p, constraint.RevertableBind, acc, true)
}

func (a *Allocator) take(b bank.Bank, p int, shape constraint.Shape, acc Access, revertable bool) handle.OperandHandle {
	read, write := acc.readWrite()
	trace.Printf("take preg %d/%s read=%v write=%v revertable=%v", p, b, read, write, revertable)
	return handle.NewOperand(a, b, p, shape, read, write, revertable)
}

// Scratch takes an exclusive lock on any allocatable, unlocked xreg in
// bank b, spilling its current occupant if necessary.
func (a *Allocator) Scratch(b bank.Bank) handle.ExclusiveHandle {
	return handle.NewExclusive(a, b, 0, false)
}

// ScratchReg takes an exclusive lock on xreg x specifically, spilling
// its current occupant if necessary.
func (a *Allocator) ScratchReg(b bank.Bank, x int) handle.ExclusiveHandle {
	return handle.NewExclusive(a, b, x, true)
}

// --- handle.Host ---

func (a *Allocator) TakeConstraint(b bank.Bank, p int, shape constraint.Shape, read, write, revertable bool) {
	a.pregs[b].Lock(p)
	rec := a.pregs[b].Constraint(p)
	if rec.Accumulate(p, shape, read, write, revertable) {
		a.upgradeToBound(b, p, rec)
	}
}

// upgradeToBound performs the Mem/Imm→Bound upgrade a stricter joining
// handle's shape demands: the preg was already realized to Mem or Imm
// for an earlier handle still locking it, and the new handle requires
// Bound. It binds the preg to a host register exactly as the
// single-handle KillMem/KillImm paths in Realize do, then re-stamps
// RealizedAt directly (Stamp itself refuses a second call, since this
// is the one legal re-stamp after the preg already has a terminal
// location).
func (a *Allocator) upgradeToBound(b bank.Bank, p int, rec *constraint.Record) {
	switch rec.RealizedAt {
	case constraint.MemKind:
		a.BindToRegister(b, p, rec.Read, rec.Write)
	case constraint.ImmKind:
		a.materializeImmediate(p)
	default:
		return
	}
	rec.RealizedAt = constraint.Bound
}

// Realize commits preg p's accumulated constraint to a concrete
// location, working through the same decision in order every time:
// revertable transaction, propagated immediate, unbound-and-mem-only,
// already bound.
func (a *Allocator) Realize(b bank.Bank, p int) {
	pregs := a.pregs[b]
	rec := pregs.Constraint(p)

	if rec.RealizedAt != constraint.Unset {
		return
	}
	defer trace.Scope("realize preg %d/%s", p, b)()

	if rec.Revertable {
		a.realizeRevertable(b, p, rec.Read)
		return
	}

	if b == bank.GPR && a.constp.HasGPR(p) {
		if rec.Write || rec.KillImm {
			a.materializeImmediate(p)
			rec.Stamp(p, constraint.Bound)
		} else {
			rec.Stamp(p, constraint.ImmKind)
		}
		return
	}

	if !pregs.IsBound(p) {
		if rec.KillMem {
			a.BindToRegister(b, p, rec.Read, rec.Write)
			rec.Stamp(p, constraint.Bound)
		} else {
			rec.Stamp(p, constraint.MemKind)
		}
		return
	}

	if rec.Write {
		pregs.SetDirty(p, true)
		pregs.SetInDefaultLocation(p, false)
	}
	rec.Stamp(p, constraint.Bound)
}

func (a *Allocator) realizeRevertable(b bank.Bank, p int, read bool) {
	defer trace.Scope("realize revertable preg %d/%s", p, b)()
	pregs := a.pregs[b]
	if pregs.IsBound(p) {
		if pregs.Dirty(p) {
			a.emit.StoreToDefault(b, p, pregs.HostRegister(p))
			pregs.SetDirty(p, false)
		}
		pregs.SetInDefaultLocation(p, true)
	} else {
		a.BindToRegister(b, p, read, false)
	}
	pregs.SetRevertable(p, true)
	pregs.Constraint(p).Stamp(p, constraint.Bound)
}

func (a *Allocator) materializeImmediate(p int) {
	pregs := a.pregs[bank.GPR]
	x := a.allocateXreg(bank.GPR, p)
	a.emit.MaterializeImm32(bank.GPR, x, a.constp.GetGPR(p))
	a.constp.ClearGPR(p)
	pregs.SetDirty(p, true)
	pregs.SetInDefaultLocation(p, false)
}

// BindToRegister obtains a free host register via the spill heuristic,
// updates the symmetric binding tables, and optionally emits a load
// from the default location / clears the in-default-location flag.
func (a *Allocator) BindToRegister(b bank.Bank, p int, doLoad, makeDirty bool) {
	pregs := a.pregs[b]
	x := a.allocateXreg(b, p)
	if doLoad {
		a.emit.LoadFromDefault(b, p, x)
	}
	if makeDirty {
		pregs.SetDirty(p, true)
		pregs.SetInDefaultLocation(p, false)
	}
}

// allocateXreg picks a host register for preg p via the spill
// heuristic, evicting its current occupant if one exists, and updates
// the symmetric binding tables.
func (a *Allocator) allocateXreg(b bank.Bank, p int) int {
	pregs := a.pregs[b]
	xregs := a.xregs[b]

	x, ok := spill.Pick(b, a.abi, pregs, xregs, a.opWindow)
	if !ok {
		faults.Raise(&faults.OutOfRegisters{Bank: b.String()})
	}

	a.evictIfNeeded(b, x)
	xregs.Bind(x, p)
	pregs.Bind(p, x)
	return x
}

// evictIfNeeded spills and unbinds xreg x's current occupant, if it
// has one. A free xreg (even one whose boundPreg is stale, see
// internal/xreg's MarkFreeKeepStaleBinding) is left untouched.
func (a *Allocator) evictIfNeeded(b bank.Bank, x int) {
	xregs := a.xregs[b]
	if xregs.Free(x) {
		return
	}
	victim := xregs.BoundPreg(x)
	if victim == xreg.NoPreg {
		return
	}
	pregs := a.pregs[b]
	if pregs.Dirty(victim) {
		a.emit.StoreToDefault(b, victim, x)
		pregs.SetDirty(victim, false)
	}
	pregs.SetInDefaultLocation(victim, true)
	pregs.Unbind(victim)
	xregs.Unbind(x)
}

func (a *Allocator) Release(b bank.Bank, p int) {
	a.pregs[b].Unlock(p)
}

func (a *Allocator) Location(b bank.Bank, p int) operand.O {
	pregs := a.pregs[b]
	switch pregs.Constraint(p).RealizedAt {
	case constraint.Bound:
		return operand.RegOperand(pregs.HostRegister(p))
	case constraint.ImmKind:
		return operand.ImmOperand(a.constp.GetGPR(p))
	case constraint.MemKind:
		return pregs.DefaultOperand(p)
	default:
		return operand.NoOperand
	}
}

func (a *Allocator) TakeScratch(b bank.Bank, want int, haveWant bool) int {
	xregs := a.xregs[b]
	var x int
	if haveWant {
		x = want
		a.evictIfNeeded(b, x)
	} else {
		picked, ok := spill.Pick(b, a.abi, a.pregs[b], xregs, a.opWindow)
		if !ok {
			faults.Raise(&faults.OutOfRegisters{Bank: b.String()})
		}
		x = picked
		a.evictIfNeeded(b, x)
	}
	xregs.Lock(x)
	return x
}

func (a *Allocator) ReleaseScratch(b bank.Bank, x int) {
	a.xregs[b].Unlock(x)
}

// --- fork.Host ---

func (a *Allocator) FixHostRegisters(b bank.Bank, set analysis.RegSet) {
	pregs := a.pregs[b]
	for p := 0; p < bank.NumPregs; p++ {
		if set.Has(p) {
			pregs.Lock(p)
		}
	}
	a.fixed[b] = a.fixed[b].Union(set)
}

func (a *Allocator) UnfixHostRegisters() {
	for b := bank.Bank(0); b < bank.Count; b++ {
		pregs := a.pregs[b]
		for p := 0; p < bank.NumPregs; p++ {
			if a.fixed[b].Has(p) {
				pregs.Unlock(p)
			}
		}
		a.fixed[b] = 0
	}
}

func (a *Allocator) ReassertDirty(b bank.Bank, set analysis.RegSet) {
	pregs := a.pregs[b]
	for p := 0; p < bank.NumPregs; p++ {
		if set.Has(p) && pregs.IsBound(p) {
			pregs.SetDirty(p, true)
			pregs.SetInDefaultLocation(p, false)
		}
	}
}

func (a *Allocator) MaxPreloadableRegisters(b bank.Bank) int {
	n := 0
	for _, x := range abi.AllocationOrder(b, a.abi) {
		if !abi.Reserved(b, x) {
			n++
		}
	}
	return n
}

func (a *Allocator) SubDowncount(cycles int32) { a.emit.SubDowncount(cycles) }

func (a *Allocator) PatchForwardFixup(site int) { a.emit.PatchForwardFixup(site) }

func (a *Allocator) CurrentAddress() int { return a.emit.CurrentAddress() }

// ForkGuard snapshots both banks' cached-state tables as they stand
// right now. Exposed both as the primitive the fork coordinator uses
// internally and as a manual entry point.
func (a *Allocator) ForkGuard() *fork.ForkGuard {
	return fork.New(a.pregs[bank.GPR], a.pregs[bank.FPR], a.xregs[bank.GPR], a.xregs[bank.FPR])
}

// Fork is the exported RAII-scoped entry point: start a fork region by
// snapshotting both banks' tables. Restore on the returned guard
// reapplies the snapshot; it must be called at every barrier (the
// coordinator, reached via BeginOp, does this automatically for
// analyzer-detected in-block branch regions).
func (a *Allocator) Fork() *fork.ForkGuard { return a.ForkGuard() }

// --- state management ---

// Discard marks every preg in set as holding a semantically dead
// value: both memory and host bindings are treated as absent, and the
// underlying host xreg (if any) is freed without a writeback. Locked
// or revertable pregs cannot be discarded.
func (a *Allocator) Discard(b bank.Bank, set analysis.RegSet) {
	pregs := a.pregs[b]
	xregs := a.xregs[b]
	for p := 0; p < bank.NumPregs; p++ {
		if !set.Has(p) {
			continue
		}
		if pregs.IsLocked(p) {
			faults.Raise(&faults.LockedDuringFlush{Preg: p})
		}
		if pregs.Revertable(p) {
			faults.Raise(&faults.RevertableDuringFlush{Preg: p})
		}
		if pregs.IsBound(p) {
			xregs.MarkFreeKeepStaleBinding(pregs.HostRegister(p))
		}
		pregs.Unbind(p)
		pregs.SetInDefaultLocation(p, false)
		if b == bank.GPR {
			a.constp.ClearGPR(p)
		}
	}
}

// Flush writes every preg in set that is not in its default location
// back to memory, then applies mode to the binding.
func (a *Allocator) Flush(b bank.Bank, set analysis.RegSet, m mode.Flush) {
	pregs := a.pregs[b]
	xregs := a.xregs[b]
	for p := 0; p < bank.NumPregs; p++ {
		if !set.Has(p) {
			continue
		}
		if pregs.IsLocked(p) {
			faults.Raise(&faults.LockedDuringFlush{Preg: p})
		}
		if pregs.Revertable(p) {
			faults.Raise(&faults.RevertableDuringFlush{Preg: p})
		}

		if !pregs.InDefaultLocation(p) && pregs.IsBound(p) {
			a.emit.StoreToDefault(b, p, pregs.HostRegister(p))
		}
		pregs.SetInDefaultLocation(p, true)
		pregs.SetDirty(p, false)

		if m == mode.Full && pregs.IsBound(p) {
			xregs.Unbind(pregs.HostRegister(p))
			pregs.Unbind(p)
		}
	}
}

// Reset declares every preg in set as back in the default location
// without emitting a store, for when the emitter has already manually
// written memory. A bound preg in set is a programmer error.
func (a *Allocator) Reset(b bank.Bank, set analysis.RegSet) {
	pregs := a.pregs[b]
	for p := 0; p < bank.NumPregs; p++ {
		if !set.Has(p) {
			continue
		}
		if pregs.IsBound(p) {
			faults.Raise(&faults.ResetOfBoundRegister{Preg: p})
		}
		pregs.SetInDefaultLocation(p, true)
		pregs.SetDirty(p, false)
	}
}

// Preload opportunistically binds the given pregs, stopping once a
// prospective bind would leave fewer than two free host registers
// afterward. Immediates are not preloaded.
func (a *Allocator) Preload(b bank.Bank, set analysis.RegSet) {
	pregs := a.pregs[b]
	for p := 0; p < bank.NumPregs; p++ {
		if !set.Has(p) {
			continue
		}
		if pregs.IsBound(p) {
			continue
		}
		if b == bank.GPR && a.constp.HasGPR(p) {
			continue
		}
		// freeXregCount(b) counts this bind's own future register among
		// the free ones, so it must stay above 2 (not 2) for at least
		// two to remain once the bind consumes one.
		if a.freeXregCount(b) < 3 {
			return
		}
		a.BindToRegister(b, p, true, false)
	}
}

func (a *Allocator) freeXregCount(b bank.Bank) int {
	xregs := a.xregs[b]
	n := 0
	for x := 0; x < bank.NumXregs; x++ {
		if xregs.Allocatable(x) && xregs.Free(x) && !xregs.IsLocked(x) {
			n++
		}
	}
	return n
}

// --- §4.6 revertable transaction control ---

// Commit clears the revertable flag on every preg in bank b currently
// under a two-phase transaction: their new values become authoritative.
func (a *Allocator) Commit(b bank.Bank) {
	pregs := a.pregs[b]
	for p := 0; p < bank.NumPregs; p++ {
		if pregs.Revertable(p) {
			pregs.SetRevertable(p, false)
		}
	}
}

// Revert rolls back every preg in bank b currently under a two-phase
// transaction: restores in-default-location, unbinds the host
// register, clears the revertable bit.
func (a *Allocator) Revert(b bank.Bank) {
	pregs := a.pregs[b]
	xregs := a.xregs[b]
	for p := 0; p < bank.NumPregs; p++ {
		if !pregs.Revertable(p) {
			continue
		}
		if pregs.IsBound(p) {
			xregs.Unbind(pregs.HostRegister(p))
			pregs.Unbind(p)
		}
		pregs.SetInDefaultLocation(p, true)
		pregs.SetRevertable(p, false)
	}
}

// RegistersRevertable returns the set of pregs in bank b currently
// under a two-phase transaction.
func (a *Allocator) RegistersRevertable(b bank.Bank) analysis.RegSet {
	pregs := a.pregs[b]
	var set analysis.RegSet
	for p := 0; p < bank.NumPregs; p++ {
		if pregs.Revertable(p) {
			set = set.Add(p)
		}
	}
	return set
}

// --- read-only queries ---

// IsImm reports whether preg p currently carries a propagated
// immediate (always false for the FPR bank).
func (a *Allocator) IsImm(b bank.Bank, p int) bool {
	return b == bank.GPR && a.constp.HasGPR(p)
}

// Imm32 returns preg p's propagated immediate. Only meaningful when
// IsImm(b, p) is true.
func (a *Allocator) Imm32(b bank.Bank, p int) uint32 {
	return a.constp.GetGPR(p)
}

// IsBound reports whether preg p currently occupies a host register.
func (a *Allocator) IsBound(b bank.Bank, p int) bool {
	return a.pregs[b].IsBound(p)
}

// R returns preg p's current addressable location: its bound host
// register, its immediate, or its memory slot, whichever applies.
// Unlike Location it does not require prior realization through a
// handle — it reads the cached-state tables directly, for callers
// that only need to inspect current state (e.g. debug tracing).
func (a *Allocator) R(b bank.Bank, p int) operand.O {
	pregs := a.pregs[b]
	if pregs.IsBound(p) {
		return operand.RegOperand(pregs.HostRegister(p))
	}
	if b == bank.GPR && a.constp.HasGPR(p) {
		return operand.ImmOperand(a.constp.GetGPR(p))
	}
	return pregs.DefaultOperand(p)
}

// RX returns the concrete host register id preg p is bound to. The
// caller must have already established (via IsBound) that p is bound.
func (a *Allocator) RX(b bank.Bank, p int) int {
	return a.pregs[b].HostRegister(p)
}

// RegistersInUse returns the bitset of host xregs in bank b whose
// content must survive a call: bound to a live preg, or under a
// scratch/exclusive lock.
func (a *Allocator) RegistersInUse(b bank.Bank) uint16 {
	return a.xregs[b].InUseMask()
}

// SanityCheck reports the conjunction of the allocator's core
// invariants across both banks: binding symmetry, lock/revertable
// non-spillable, and constraint stamping discipline. It does not
// check location sufficiency for a preg an embedder has deliberately
// discarded and not yet rebound, since that state is the documented
// meaning of discard, not a violation.
func (a *Allocator) SanityCheck() bool {
	for b := bank.Bank(0); b < bank.Count; b++ {
		if !a.sanityCheckBank(b) {
			return false
		}
	}
	return true
}

func (a *Allocator) sanityCheckBank(b bank.Bank) bool {
	pregs := a.pregs[b]
	xregs := a.xregs[b]

	for p := 0; p < bank.NumPregs; p++ {
		if pregs.IsBound(p) {
			x := pregs.HostRegister(p)
			if xregs.BoundPreg(x) != p {
				return false
			}
			if xregs.Free(x) {
				return false
			}
		}
		if (pregs.IsLocked(p) || pregs.Revertable(p)) && !pregs.IsBound(p) && pregs.Constraint(p).RealizedAt == constraint.Bound {
			return false
		}
	}

	for x := 0; x < bank.NumXregs; x++ {
		p := xregs.BoundPreg(x)
		if !xregs.Free(x) && p != xreg.NoPreg {
			if !pregs.IsBound(p) || pregs.HostRegister(p) != x {
				return false
			}
		}
	}

	return true
}
