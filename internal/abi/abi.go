// Package abi holds the host-calling-convention-dependent constants the
// allocator needs: which xregs exist, which are allocatable at all, and
// the fixed linear order the spill heuristic's free-register scan
// walks.
package abi

import "github.com/SuperSamus/dolphin/internal/bank"

// ABI selects the host calling convention, which changes which
// registers are caller-saved vs callee-saved and therefore the GPR
// bank's preferred allocation order.
type ABI int

const (
	SysV ABI = iota
	Windows
)

// xreg ids, matching the conventional x86_64 numbering used throughout
// this module (0-15 per bank; bank GPR ids follow the REX.B-extended
// ModRM encoding order, bank FPR ids are XMM0-XMM15).
const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R8  = 8
	R9  = 9
	R10 = 10
	R11 = 11
	R12 = 12
	R13 = 13
	R14 = 14
	R15 = 15
)

// Reserved registers: RSP is the host stack pointer and is never
// allocatable. It is the only register reserved here, i.e. only what
// x86_64 itself requires; Reserved below reports it.
var reservedGPR = map[int]bool{RSP: true}

// allocationOrderGPR lists the GPR bank's linear scan order: SysV
// favors registers callee-saved across the embedder's call boundary
// first so cross-call spills are rarer, Windows' shadow-space ABI
// flips the caller/callee-saved split.
var allocationOrderGPR = map[ABI][]int{
	SysV:    {R12, R13, R14, R15, RBX, R10, R11, R9, R8, RSI, RDI, RCX, RDX, RAX},
	Windows: {RDI, RSI, RBX, R12, R13, R14, R15, R10, R11, R9, R8, RDX, RCX, RAX},
}

// allocationOrderFPR favors the high XMM registers first, then the low
// ones.
var allocationOrderFPR = []int{6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 2, 3, 4, 5}

// AllocationOrder returns the fixed, bank- and ABI-specific linear scan
// order used by the spill heuristic's tie-break. The order is iterated
// start-to-end; it is the allocation mechanism itself, not merely a
// preference weight.
func AllocationOrder(b bank.Bank, a ABI) []int {
	switch b {
	case bank.GPR:
		return allocationOrderGPR[a]
	case bank.FPR:
		return allocationOrderFPR
	default:
		panic(b)
	}
}

// Reserved reports whether xreg x can never be allocated to a preg in
// bank b, regardless of ABI (the host stack pointer for GPR; no FPR
// xreg is unconditionally reserved).
func Reserved(b bank.Bank, x int) bool {
	if b == bank.GPR {
		return reservedGPR[x]
	}
	return false
}
