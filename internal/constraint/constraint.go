// Package constraint implements the per-preg constraint accumulator:
// the realization plan a preg's live handles jointly build up, which
// resets once the last handle releases.
package constraint

import "github.com/SuperSamus/dolphin/internal/faults"

// Realized is the terminal stamp recording where a preg's value ended
// up once the first handle realized it. It is four-valued and, once
// set, does not change until the constraint resets.
type Realized int

const (
	Unset Realized = iota
	Bound
	ImmKind
	MemKind
)

func (r Realized) String() string {
	switch r {
	case Unset:
		return "unset"
	case Bound:
		return "bound"
	case ImmKind:
		return "imm"
	case MemKind:
		return "mem"
	default:
		return "realized(?)"
	}
}

// Shape describes which realized locations a handle kind will accept,
// and whether killing the immediate/memory views is implied.
type Shape struct {
	AllowBound bool
	AllowImm   bool
	AllowMem   bool
	KillImm    bool // realization must not leave the preg's immediate live
	KillMem    bool // realization must not leave the preg in default location only
}

var (
	// Use: any realized location, any mode.
	Use = Shape{AllowBound: true, AllowImm: true, AllowMem: true}
	// UseNoImm: Bound or Mem, immediate killed.
	UseNoImm = Shape{AllowBound: true, AllowMem: true, KillImm: true}
	// BindOrImm: Bound or Imm, memory-only killed.
	BindOrImm = Shape{AllowBound: true, AllowImm: true, KillMem: true}
	// Bind: Bound only, both immediate and memory-only killed.
	Bind = Shape{AllowBound: true, KillImm: true, KillMem: true}
	// RevertableBind: Bound only, with the revertable flag set.
	RevertableBind = Shape{AllowBound: true, KillImm: true, KillMem: true}
)

// Record is the accumulated constraint for one preg. It grows
// monotonically while locked, then resets to the zero value once
// lock_count reaches zero.
type Record struct {
	Read       bool
	Write      bool
	KillImm    bool
	KillMem    bool
	Revertable bool
	RealizedAt Realized
}

// Reset zeroes the record. Called when a preg's lock count drops to
// zero.
func (r *Record) Reset() {
	*r = Record{}
}

// Accumulate merges a new handle's shape and read/write mode into the
// record. preg identifies the owning preg only for error messages.
// It must be called before realization decides a location; it never
// itself picks a location.
//
// It reports needsBindUpgrade true when the preg was already realized
// to a location the new shape doesn't list, but the new shape does
// allow Bound: e.g. a Bind handle joining a preg an earlier Use handle
// already realized to Mem. That case must upgrade to Bound rather than
// fault; Accumulate only reports it, the caller (Allocator.TakeConstraint)
// performs the actual bind and re-stamps RealizedAt.
func (r *Record) Accumulate(preg int, shape Shape, read, write, revertable bool) (needsBindUpgrade bool) {
	if r.RealizedAt != Unset {
		// A second handle joined an already-realized preg: check
		// compatibility against what was already decided instead of
		// blindly re-accumulating.
		needsBindUpgrade = r.checkCompatible(preg, shape, revertable)
	}

	r.Read = r.Read || read
	r.Write = r.Write || write
	r.KillImm = r.KillImm || shape.KillImm
	r.KillMem = r.KillMem || shape.KillMem
	if revertable {
		r.Revertable = true
	}
	return
}

// checkCompatible verifies that a new handle joining an already-realized
// preg is subsumed by what was recorded, or else upgradeable: the
// already-chosen RealizedAt must satisfy the new shape, unless the new
// shape allows Bound, in which case the mismatch is reported as an
// upgrade rather than a conflict. Revertability must match exactly
// either way.
func (r *Record) checkCompatible(preg int, shape Shape, revertable bool) (needsBindUpgrade bool) {
	ok := false
	switch r.RealizedAt {
	case Bound:
		ok = shape.AllowBound
	case ImmKind:
		ok = shape.AllowImm
	case MemKind:
		ok = shape.AllowMem
	}
	if !ok {
		if shape.AllowBound {
			needsBindUpgrade = true
		} else {
			faults.Raise(&faults.ConstraintConflict{
				Preg:   preg,
				Reason: "new handle's allowed locations do not include the already-realized location " + r.RealizedAt.String(),
			})
		}
	}
	if revertable != r.Revertable {
		faults.Raise(&faults.ConstraintConflict{
			Preg:   preg,
			Reason: "revertability mismatch between joining handle and already-realized constraint",
		})
	}
	return
}

// Stamp records the realized location the first time a preg is
// realized. Calling it twice on the same lock-scope is a bug: realized
// state is only ever stamped once.
func (r *Record) Stamp(preg int, at Realized) {
	if r.RealizedAt != Unset {
		faults.Raise(&faults.ConstraintConflict{
			Preg:   preg,
			Reason: "realized_at stamped more than once while locked",
		})
	}
	r.RealizedAt = at
}
