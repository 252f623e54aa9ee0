// Package xreg holds the host-side cached-state table: one record per
// x86_64 register, tracking which preg (if any) occupies it and
// whether it is free, reserved, or locked.
package xreg

import (
	"github.com/SuperSamus/dolphin/internal/bank"
	"github.com/SuperSamus/dolphin/internal/faults"
)

// NoPreg marks the absence of a preg binding.
const NoPreg = -1

// Slot is one host register's cached state. free is tracked as its own
// flag rather than derived from boundPreg == NoPreg: a discarded
// register must be markable free for allocation while its stale
// boundPreg is left in place for a later rebind to overwrite, which a
// derived flag couldn't express.
type Slot struct {
	boundPreg int // stale once MarkFreeKeepStaleBinding has run
	free      bool
	reserved  bool
	lockCount int
}

// Table is the host-side state for every xreg in one bank.
type Table struct {
	bank      bank.Bank
	allocable [bank.NumXregs]bool // statically allocatable at all (not RSP, not a permanently reserved scratch reg)
	slots     [bank.NumXregs]Slot
}

// New builds a Table for the given bank. allocable marks which xreg
// ids are ever eligible for allocation (excludes the host stack
// pointer and any registers the embedder reserves for its own
// bookkeeping, e.g. a memory-base or text-base register).
func New(b bank.Bank, allocable [bank.NumXregs]bool) *Table {
	t := &Table{bank: b, allocable: allocable}
	t.Reset()
	return t
}

// Reset restores every xreg to free, unbound, unlocked.
func (t *Table) Reset() {
	for i := range t.slots {
		t.slots[i] = Slot{boundPreg: NoPreg, free: true}
	}
}

// Bank reports which bank this table serves.
func (t *Table) Bank() bank.Bank { return t.bank }

// Allocatable reports whether xreg x is ever eligible for allocation.
func (t *Table) Allocatable(x int) bool { return t.allocable[x] }

// BoundPreg returns the preg occupying xreg x, or NoPreg.
func (t *Table) BoundPreg(x int) int { return t.slots[x].boundPreg }

// Free reports whether xreg x is available for allocation. This is
// its own flag rather than boundPreg == NoPreg, see Slot.
func (t *Table) Free(x int) bool {
	s := &t.slots[x]
	return s.free && !s.reserved
}

// IsLocked reports whether xreg x has a live scratch/exclusive lock.
func (t *Table) IsLocked(x int) bool {
	return t.slots[x].lockCount > 0
}

// Bind records that xreg x now holds preg p. The symmetric preg-side
// update is the caller's responsibility. A free xreg's stale boundPreg
// (see MarkFreeKeepStaleBinding) is overwritten.
func (t *Table) Bind(x, p int) {
	s := &t.slots[x]
	if !s.free && s.boundPreg != NoPreg && s.boundPreg != p {
		faults.Raise(&faults.DoubleBind{Preg: p, Xreg: x})
	}
	s.boundPreg = p
	s.free = false
}

// Unbind fully releases xreg x: clears boundPreg and marks it free.
// This is the normal release path (flush-and-unbind, revert).
func (t *Table) Unbind(x int) {
	s := &t.slots[x]
	s.boundPreg = NoPreg
	s.free = true
}

// MarkFreeKeepStaleBinding frees xreg x for allocation purposes without
// clearing boundPreg. This is a deliberate latent invariant risk: a
// later spill-heuristic rebind overwrites the stale boundPreg via
// Bind, so it is safe, but a reader inspecting BoundPreg between the
// discard and the rebind would see a preg that no longer owns this
// xreg.
func (t *Table) MarkFreeKeepStaleBinding(x int) {
	t.slots[x].free = true
}

// Reserve marks xreg x as unavailable for spill-heuristic allocation
// without binding it to any preg (used for registers the embedder
// keeps permanently pinned, e.g. a memory-base register).
func (t *Table) Reserve(x int) {
	t.slots[x].reserved = true
}

// Lock increments xreg x's scratch/exclusive lock count.
func (t *Table) Lock(x int) {
	t.slots[x].lockCount++
}

// Unlock decrements xreg x's lock count.
func (t *Table) Unlock(x int) {
	s := &t.slots[x]
	if s.lockCount == 0 {
		faults.Raise(&faults.DoubleBind{Preg: s.boundPreg, Xreg: x})
	}
	s.lockCount--
}

// InUseMask returns a bitset of every xreg whose content must survive
// a call: bound (to a live preg) or locked.
func (t *Table) InUseMask() uint16 {
	var mask uint16
	for x := 0; x < bank.NumXregs; x++ {
		s := &t.slots[x]
		if !s.free || s.lockCount > 0 {
			mask |= 1 << uint(x)
		}
	}
	return mask
}

// Snapshot captures every xreg's binding/reservation state (lock
// counts are not part of a fork snapshot: a fork region's fixed
// bindings are pinned separately by internal/fork, and no ordinary
// handle lock should be live across a barrier).
type Snapshot struct {
	boundPreg [bank.NumXregs]int
	free      [bank.NumXregs]bool
	reserved  [bank.NumXregs]bool
}

// Snapshot captures the table's current bindings for fork/barrier
// restoration.
func (t *Table) Snapshot() Snapshot {
	var s Snapshot
	for i, slot := range t.slots {
		s.boundPreg[i] = slot.boundPreg
		s.free[i] = slot.free
		s.reserved[i] = slot.reserved
	}
	return s
}

// Restore overwrites every xreg's binding/reservation state from a
// previously captured Snapshot.
func (t *Table) Restore(s Snapshot) {
	for i := range t.slots {
		t.slots[i].boundPreg = s.boundPreg[i]
		t.slots[i].free = s.free[i]
		t.slots[i].reserved = s.reserved[i]
	}
}
