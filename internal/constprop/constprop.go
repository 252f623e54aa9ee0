// Package constprop holds the analyzer's constant-propagation snapshot
// for the GPR bank: for each GPR, an optional 32-bit literal supplied
// ahead of time. FPRs never carry immediates.
package constprop

import "github.com/SuperSamus/dolphin/internal/bank"

// Snapshot tracks, per GPR preg, whether the analyzer has supplied a
// known-at-compile-time literal for it.
type Snapshot struct {
	has [bank.NumPregs]bool
	val [bank.NumPregs]uint32
}

// HasGPR reports whether preg p currently carries a propagated
// immediate.
func (s *Snapshot) HasGPR(p int) bool {
	return s.has[p]
}

// GetGPR returns the propagated immediate for preg p. Panics if
// HasGPR(p) is false; callers are expected to check first.
func (s *Snapshot) GetGPR(p int) uint32 {
	if !s.has[p] {
		panic("constprop: GetGPR on preg without immediate")
	}
	return s.val[p]
}

// SetGPR records a propagated immediate for preg p.
func (s *Snapshot) SetGPR(p int, v uint32) {
	s.has[p] = true
	s.val[p] = v
}

// ClearGPR removes any propagated immediate for preg p.
func (s *Snapshot) ClearGPR(p int) {
	s.has[p] = false
	s.val[p] = 0
}

// Reset clears every preg's propagated immediate, for block-compile
// start.
func (s *Snapshot) Reset() {
	for p := range s.has {
		s.has[p] = false
		s.val[p] = 0
	}
}
