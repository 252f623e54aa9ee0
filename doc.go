// Package dolphin implements the register allocator shared by the
// PowerPC-to-x86_64 JIT recompiler's two independent banks (general-
// purpose and floating-point). It tracks, for every guest register,
// whether its value currently lives in a host register, an
// immediate, the guest's in-memory register file, or some
// combination, and emits the loads, stores, and spills needed to keep
// those views consistent as the recompiler walks one analyzed op at a
// time.
//
// The allocator is driven through a scoped, move-only handle API
// (internal/handle): emission code takes handles describing how it
// will use each guest register, realizes them to commit to a concrete
// location, and releases them when done. Two-phase revertable
// transactions support instructions that may fault before their
// destination register may be trusted; a fork/join protocol
// (internal/fork) lets short in-block branch regions preview the
// cache state at their target, emit the forward path, then restore it
// at the barrier.
//
// The exported surface is a single root type, Allocator, that the rest
// of the compiler talks to; it is backed by small internal/ packages
// each owning one piece of state or one concept.
package dolphin
