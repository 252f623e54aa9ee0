// Package spill implements the allocator's spill heuristic: prefer an
// already-free allocatable xreg; failing that, pick the allocatable,
// unlocked xreg whose clobber score is lowest. The decision is built
// from small top-to-bottom helper functions rather than a generic
// scoring framework.
package spill

import (
	"math"

	"github.com/SuperSamus/dolphin/internal/abi"
	"github.com/SuperSamus/dolphin/internal/analysis"
	"github.com/SuperSamus/dolphin/internal/bank"
	"github.com/SuperSamus/dolphin/internal/preg"
	"github.com/SuperSamus/dolphin/internal/xreg"
)

// lookaheadCap bounds how many upcoming ops the distance-to-next-use
// proxy inspects, preventing quadratic compile time.
const lookaheadCap = 64

// Candidate describes one spillable xreg and the score that would
// result from choosing it as the spill victim.
type Candidate struct {
	Xreg  int
	Preg  int
	Score float64
}

// Pick selects a host register to free in bank b. It first looks for
// any free, allocatable, unlocked xreg in ABI allocation order. If none
// exists, it scores every allocatable, unlocked xreg whose bound preg
// is not itself locked or revertable and returns the minimum-score
// candidate. ok is false only when no candidate of either kind exists,
// which the caller (the allocator's BindToRegister) turns into
// faults.OutOfRegisters.
//
// ops is the remaining instruction stream from the current op onward
// (ops[0] is the current op); it is used only for the lookahead
// distance-to-next-use term and may be nil or short, in which case
// that term degrades to treating every other preg as maximally distant.
func Pick(b bank.Bank, a abi.ABI, pregs *preg.Table, xregs *xreg.Table, ops []analysis.Op) (x int, ok bool) {
	order := abi.AllocationOrder(b, a)

	for _, cand := range order {
		if abi.Reserved(b, cand) {
			continue
		}
		if !xregs.Allocatable(cand) {
			continue
		}
		if xregs.Free(cand) && !xregs.IsLocked(cand) {
			return cand, true
		}
	}

	var best Candidate
	haveBest := false

	for _, cand := range order {
		if abi.Reserved(b, cand) {
			continue
		}
		if !xregs.Allocatable(cand) {
			continue
		}
		if xregs.IsLocked(cand) {
			continue
		}
		p := xregs.BoundPreg(cand)
		if p == xreg.NoPreg {
			continue // already handled by the free-register pass above
		}
		if pregs.IsLocked(p) || pregs.Revertable(p) {
			continue
		}

		score := clobberScore(b, p, pregs, ops)
		if !haveBest || score < best.Score {
			best = Candidate{Xreg: cand, Preg: p, Score: score}
			haveBest = true
		}
	}

	if !haveBest {
		return 0, false
	}
	return best.Xreg, true
}

// clobberScore computes the candidate's spill cost:
//
//	+2                                     if the candidate's preg is dirty
//	+(1 + 2*(6 - floor(log2(1+k))))        if the preg is used by the
//	                                        current instruction, where k
//	                                        is the count of other pregs
//	                                        referenced in the lookahead
//	                                        window before this preg is
//	                                        referenced again
func clobberScore(b bank.Bank, p int, pregs *preg.Table, ops []analysis.Op) float64 {
	var score float64

	if pregs.Dirty(p) {
		score += 2
	}

	if len(ops) > 0 && usedByCurrentOp(b, p, &ops[0]) {
		k := distanceToNextUse(b, p, ops)
		score += 1 + 2*(6-math.Floor(math.Log2(1+float64(k))))
	}

	return score
}

func usedByCurrentOp(b bank.Bank, p int, op *analysis.Op) bool {
	return op.RegsInSet(b).Has(p) || op.RegsOutSet(b).Has(p)
}

// distanceToNextUse counts the distinct other pregs referenced in the
// next min(len(ops)-1, lookaheadCap) instructions after the current op
// (ops[0]), stopping early if preg p is referenced again first.
func distanceToNextUse(b bank.Bank, p int, ops []analysis.Op) int {
	window := len(ops) - 1
	if window > lookaheadCap {
		window = lookaheadCap
	}

	seen := make(map[int]bool)
	for i := 1; i <= window; i++ {
		op := &ops[i]
		refs := op.RegsInSet(b).Union(op.RegsOutSet(b))
		if refs.Has(p) {
			break
		}
		for q := 0; q < bank.NumPregs; q++ {
			if q != p && refs.Has(q) {
				seen[q] = true
			}
		}
	}
	return len(seen)
}
