// Package preg holds the guest-side cached-state table: one record per
// PowerPC GPR or FPR preg, tracking whether its value currently lives
// in memory, a host register, or both, plus the accumulated
// realization constraint and lock count.
package preg

import (
	"github.com/SuperSamus/dolphin/internal/bank"
	"github.com/SuperSamus/dolphin/internal/constraint"
	"github.com/SuperSamus/dolphin/internal/faults"
	"github.com/SuperSamus/dolphin/internal/operand"
)

// NoXreg marks the absence of a host register binding.
const NoXreg = -1

// Slot is one preg's cached state.
type Slot struct {
	defaultOffset     int32 // offset of this preg's slot in the PowerPC state block
	inDefaultLocation bool
	hostRegister      int // NoXreg if unbound
	dirty             bool
	revertable        bool
	lockCount         int
	constraint        constraint.Record
}

// Table is the guest-side state for every preg in one bank.
type Table struct {
	bank  bank.Bank
	slots [bank.NumPregs]Slot
}

// New builds a Table for the given bank with every preg in its
// default (memory) location, as at block-compilation start. stateBase
// is the byte offset of preg 0's slot in the PowerPC state block;
// stride is the per-preg slot size.
func New(b bank.Bank, stateBase, stride int32) *Table {
	t := &Table{bank: b}
	t.Reset(stateBase, stride)
	return t
}

// Reset restores every preg to the all-default-location invariant.
func (t *Table) Reset(stateBase, stride int32) {
	for i := range t.slots {
		t.slots[i] = Slot{
			defaultOffset:     stateBase + int32(i)*stride,
			inDefaultLocation: true,
			hostRegister:      NoXreg,
		}
	}
}

// Bank reports which bank this table serves.
func (t *Table) Bank() bank.Bank { return t.bank }

// Slot returns a pointer to preg p's record for mutation by the
// allocator package. Outside internal/preg and its allocator
// collaborator this must not be used to mutate state directly.
func (t *Table) Slot(p int) *Slot { return &t.slots[p] }

// IsBound reports whether preg p currently occupies a host register.
func (t *Table) IsBound(p int) bool {
	return t.slots[p].hostRegister != NoXreg
}

// HostRegister returns the xreg id preg p is bound to, or NoXreg.
func (t *Table) HostRegister(p int) int {
	return t.slots[p].hostRegister
}

// InDefaultLocation reports whether memory holds the authoritative
// value for preg p.
func (t *Table) InDefaultLocation(p int) bool {
	return t.slots[p].inDefaultLocation
}

// Dirty reports whether preg p's host register, if bound, holds a
// newer value than memory.
func (t *Table) Dirty(p int) bool {
	return t.slots[p].dirty
}

// Revertable reports whether preg p's binding is under a two-phase
// transaction.
func (t *Table) Revertable(p int) bool {
	return t.slots[p].revertable
}

// IsLocked reports whether any handle currently references preg p.
func (t *Table) IsLocked(p int) bool {
	return t.slots[p].lockCount > 0
}

// Constraint returns a pointer to preg p's accumulated constraint
// record, for the constraint accumulator and allocator to read and
// mutate.
func (t *Table) Constraint(p int) *constraint.Record {
	return &t.slots[p].constraint
}

// DefaultOperand returns the memory operand addressing preg p's slot
// in the PowerPC state block.
func (t *Table) DefaultOperand(p int) operand.O {
	return operand.MemOperand(t.slots[p].defaultOffset)
}

// Lock increments preg p's lock count (a new handle was taken).
func (t *Table) Lock(p int) {
	t.slots[p].lockCount++
}

// Unlock decrements preg p's lock count; when it reaches zero the
// accumulated constraint resets.
func (t *Table) Unlock(p int) {
	s := &t.slots[p]
	if s.lockCount == 0 {
		faults.Raise(&faults.DoubleBind{Preg: p})
	}
	s.lockCount--
	if s.lockCount == 0 {
		s.constraint.Reset()
	}
}

// Bind records that preg p is now bound to xreg x. Callers (the
// allocator's BindToRegister) are responsible for the symmetric update
// on the xreg table.
func (t *Table) Bind(p, x int) {
	s := &t.slots[p]
	if s.hostRegister != NoXreg && s.hostRegister != x {
		faults.Raise(&faults.DoubleBind{Preg: p, Xreg: x})
	}
	s.hostRegister = x
}

// Unbind clears preg p's host register binding and its dirty flag,
// without touching its in-default-location flag.
func (t *Table) Unbind(p int) {
	t.slots[p].hostRegister = NoXreg
	t.slots[p].dirty = false
}

// SetInDefaultLocation sets or clears the "memory is authoritative"
// flag for preg p.
func (t *Table) SetInDefaultLocation(p int, v bool) {
	t.slots[p].inDefaultLocation = v
}

// SetDirty sets or clears the dirty flag for preg p.
func (t *Table) SetDirty(p int, v bool) {
	t.slots[p].dirty = v
}

// SetRevertable sets or clears the revertable flag for preg p.
func (t *Table) SetRevertable(p int, v bool) {
	t.slots[p].revertable = v
}

// Snapshot captures every preg's state (not the constraint, which
// always resets between ops and so is never part of a fork snapshot).
type Snapshot struct {
	slots [bank.NumPregs]snapshotSlot
}

type snapshotSlot struct {
	inDefaultLocation bool
	hostRegister      int
	dirty             bool
	revertable        bool
}

// Snapshot captures the table's current location/dirty/revertable
// state for every preg, for fork/barrier restoration.
func (t *Table) Snapshot() Snapshot {
	var s Snapshot
	for i, slot := range t.slots {
		s.slots[i] = snapshotSlot{
			inDefaultLocation: slot.inDefaultLocation,
			hostRegister:      slot.hostRegister,
			dirty:             slot.dirty,
			revertable:        slot.revertable,
		}
	}
	return s
}

// Restore overwrites every preg's location/dirty/revertable state from
// a previously captured Snapshot. Lock counts and constraints are left
// untouched, so the locks that fixing a fork region's pregs takes (see
// internal/fork) stay in place across a barrier restore.
func (t *Table) Restore(s Snapshot) {
	for i := range t.slots {
		slot := &t.slots[i]
		src := s.slots[i]
		slot.inDefaultLocation = src.inDefaultLocation
		slot.hostRegister = src.hostRegister
		slot.dirty = src.dirty
		slot.revertable = src.revertable
	}
}
