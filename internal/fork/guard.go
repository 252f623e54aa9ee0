// Package fork implements the in-block branch coordinator: ForkGuard
// snapshots the cached-state tables at a region's head, and
// Coordinator drives the Entry/Fix/Fork/Barrier/Exit protocol around
// it. The guard shape generalizes a branch-target bookkeeping idiom
// (saving what a taken branch needs restored) into an explicit
// snapshot-and-restore type, since the RAII-scoped guard pattern is
// the right fit for a state that must be reapplied repeatedly rather
// than released once.
package fork

import (
	"github.com/SuperSamus/dolphin/internal/bank"
	"github.com/SuperSamus/dolphin/internal/preg"
	"github.com/SuperSamus/dolphin/internal/xreg"
)

// ForkGuard owns a snapshot of both banks' guest- and host-side
// cached-state tables, taken once at region entry. Restore reapplies
// it; this happens at every barrier within the region, not just once,
// so unlike a typical RAII guard ForkGuard's "restore on scope exit"
// is instead "restore on every barrier, release at region exit".
type ForkGuard struct {
	pregs [bank.Count]*preg.Table
	xregs [bank.Count]*xreg.Table

	pregSnap [bank.Count]preg.Snapshot
	xregSnap [bank.Count]xreg.Snapshot
}

// New builds a ForkGuard from the live per-bank tables, snapshotting
// each immediately.
func New(gprPregs, fprPregs *preg.Table, gprXregs, fprXregs *xreg.Table) *ForkGuard {
	g := &ForkGuard{
		pregs: [bank.Count]*preg.Table{bank.GPR: gprPregs, bank.FPR: fprPregs},
		xregs: [bank.Count]*xreg.Table{bank.GPR: gprXregs, bank.FPR: fprXregs},
	}
	for b := bank.Bank(0); b < bank.Count; b++ {
		g.pregSnap[b] = g.pregs[b].Snapshot()
		g.xregSnap[b] = g.xregs[b].Snapshot()
	}
	return g
}

// Restore reapplies the region-entry snapshot to both banks' tables,
// as happens at every barrier.
func (g *ForkGuard) Restore() {
	for b := bank.Bank(0); b < bank.Count; b++ {
		g.pregs[b].Restore(g.pregSnap[b])
		g.xregs[b].Restore(g.xregSnap[b])
	}
}
