// Package emitter documents the byte-level code writer the allocator
// calls to realize loads, stores, and spills. The writer itself (MOV,
// MOVAPD, SUB encoding, fixup patching) is a separate component; this
// package only states the contract the allocator depends on, the way
// a macro-assembler interface's method-by-method doc comments record
// what each call may or may not do to condition flags or scratch
// registers.
package emitter

import "github.com/SuperSamus/dolphin/internal/bank"

// Emitter is the byte-level code writer injected into the allocator
// via Allocator.SetEmitter. Every method writes host x86_64
// instructions to the in-progress function and must not itself touch
// the allocator's cached-state tables — the allocator calls these only
// at points where it has already updated its own bookkeeping to match.
type Emitter interface {
	// LoadFromDefault emits a load of preg p's default-location memory
	// operand into host register x. Must not allocate registers or
	// update condition flags.
	LoadFromDefault(b bank.Bank, preg, xreg int)

	// StoreToDefault emits a store of host register x's value to preg
	// p's default-location memory operand. Must not allocate registers
	// or update condition flags.
	StoreToDefault(b bank.Bank, preg, xreg int)

	// MaterializeImm32 emits an instruction that writes the 32-bit
	// literal value into host register x, zero- or sign-extending per
	// the bank's natural width. Must not allocate registers.
	MaterializeImm32(b bank.Bank, xreg int, value uint32)

	// SubDowncount emits `SUB [downcount], imm` covering cycles consumed
	// since the previous barrier or region entry.
	SubDowncount(cycles int32)

	// PatchForwardFixup resolves a previously recorded forward-branch
	// fixup site to the current emission address.
	PatchForwardFixup(site int)

	// CurrentAddress returns the current host code emission address,
	// for recording backward-branch targets and fixup sites.
	CurrentAddress() int
}
