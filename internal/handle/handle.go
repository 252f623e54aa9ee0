// Package handle implements the scoped, move-only handle API emission
// code uses to declare register intent: OperandHandle (may resolve to
// a bound register, an immediate, or memory) and ExclusiveHandle
// (always a concrete host register). Both are explicit non-copyable
// types built around a save-and-release pattern: rather than approximate
// scoped ownership with manual push/defer-pop, the release-exactly-once
// guarantee is made part of the type itself.
package handle

import (
	"github.com/SuperSamus/dolphin/internal/bank"
	"github.com/SuperSamus/dolphin/internal/constraint"
	"github.com/SuperSamus/dolphin/internal/faults"
	"github.com/SuperSamus/dolphin/internal/operand"
)

// Host is the allocator-side surface a handle needs. The root
// Allocator type implements it; defining it here (rather than
// importing the root package) avoids an import cycle between handle
// and the package that constructs handles.
type Host interface {
	// TakeConstraint locks preg p and accumulates shape/read/write/
	// revertable into its constraint record.
	TakeConstraint(b bank.Bank, p int, shape constraint.Shape, read, write, revertable bool)
	// Realize commits preg p's accumulated constraint to a concrete
	// location, emitting any required load/spill.
	Realize(b bank.Bank, p int)
	// Release drops one lock on preg p.
	Release(b bank.Bank, p int)
	// Location returns preg p's realized operand. Valid only once
	// Realize has been called for this handle's scope.
	Location(b bank.Bank, p int) operand.O
	// TakeScratch locks an exclusive xreg (allocating/spilling as
	// needed if x is unspecified) and returns which one it picked.
	TakeScratch(b bank.Bank, want int, haveWant bool) int
	// ReleaseScratch drops the exclusive lock on xreg x.
	ReleaseScratch(b bank.Bank, x int)
}

// OperandHandle is a move-only lock on a preg. Construction only
// registers the constraint (step 1 of the two-step realization);
// Realize commits to a location (step 2). Destruction (Release)
// releases the lock exactly once.
type OperandHandle struct {
	host     Host
	bank     bank.Bank
	preg     int
	realized bool
	released bool
	valid    bool
}

// NewOperand takes a handle on preg p in bank b under the given
// constraint shape. This is step 1: only the constraint is registered,
// no location decision is made yet.
func NewOperand(host Host, b bank.Bank, p int, shape constraint.Shape, read, write, revertable bool) OperandHandle {
	host.TakeConstraint(b, p, shape, read, write, revertable)
	return OperandHandle{host: host, bank: b, preg: p, valid: true}
}

// Realize commits this handle's preg to a concrete location, emitting
// any required load/spill. Idempotent: realizing an already-realized
// preg (e.g. because a sibling handle on the same preg realized first)
// is a no-op.
func (h *OperandHandle) Realize() {
	h.mustBeValid()
	h.host.Realize(h.bank, h.preg)
	h.realized = true
}

// Operand returns the concrete operand this handle resolved to. Using
// it before Realize is a bug.
func (h *OperandHandle) Operand() operand.O {
	h.mustBeValid()
	if !h.realized {
		faults.Raise(&faults.UnrealizedHandle{Preg: h.preg})
	}
	return h.host.Location(h.bank, h.preg)
}

// Bank reports which bank this handle's preg belongs to.
func (h *OperandHandle) Bank() bank.Bank { return h.bank }

// Preg reports the guest register this handle locks.
func (h *OperandHandle) Preg() int { return h.preg }

// Release drops this handle's lock. A second call is a no-op; Move
// zeroes the source specifically so the moved-from value's eventual
// Release is also a safe no-op instead of a double-release.
func (h *OperandHandle) Release() {
	if !h.valid || h.released {
		return
	}
	h.host.Release(h.bank, h.preg)
	h.released = true
}

// Move transfers ownership of the handle to the returned value and
// invalidates the receiver, so the receiver's destruction (if any) is
// a safe no-op. Go has no copy constructors to forbid, so Move is the
// explicit substitute: call sites must stop using h after calling this.
func (h *OperandHandle) Move() OperandHandle {
	h.mustBeValid()
	moved := *h
	h.valid = false
	h.released = true // the zeroed source must not also release on drop
	return moved
}

func (h *OperandHandle) mustBeValid() {
	if !h.valid {
		panic("handle: use of moved-from or released OperandHandle")
	}
}

// BatchRealize realizes a set of handles together so the spiller can
// weigh their collective register pressure rather than each handle
// starving the next.
func BatchRealize(handles ...*OperandHandle) {
	for _, h := range handles {
		h.Realize()
	}
}

// ExclusiveHandle is a move-only lock on a concrete host register,
// used for scratch registers that don't back any guest preg.
type ExclusiveHandle struct {
	host     Host
	bank     bank.Bank
	xreg     int
	released bool
	valid    bool
}

// NewExclusive takes an exclusive lock on a host register in bank b.
// If haveWant is true, it requires the specific xreg want (spilling it
// if necessary); otherwise it picks any free-or-spillable xreg.
func NewExclusive(host Host, b bank.Bank, want int, haveWant bool) ExclusiveHandle {
	x := host.TakeScratch(b, want, haveWant)
	return ExclusiveHandle{host: host, bank: b, xreg: x, valid: true}
}

// Xreg returns the concrete host register this handle locks.
func (h *ExclusiveHandle) Xreg() int {
	h.mustBeValid()
	return h.xreg
}

func (h *ExclusiveHandle) mustBeValid() {
	if !h.valid {
		panic("handle: use of moved-from or released ExclusiveHandle")
	}
}

// Release drops this handle's exclusive lock. Safe to call at most
// once; a second call is a no-op, matching OperandHandle.
func (h *ExclusiveHandle) Release() {
	if !h.valid || h.released {
		return
	}
	h.host.ReleaseScratch(h.bank, h.xreg)
	h.released = true
}

// Move transfers ownership, invalidating the receiver.
func (h *ExclusiveHandle) Move() ExclusiveHandle {
	h.mustBeValid()
	moved := *h
	h.valid = false
	h.released = true
	return moved
}
