package fork

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/SuperSamus/dolphin/internal/analysis"
	"github.com/SuperSamus/dolphin/internal/bank"
	"github.com/SuperSamus/dolphin/internal/mode"
	"github.com/SuperSamus/dolphin/internal/preg"
	"github.com/SuperSamus/dolphin/internal/xreg"
)

// fakeHost is a minimal fork.Host backed by real preg/xreg tables, so
// ForkGuard snapshot/restore round-trips exercise the real state
// rather than a mock.
type fakeHost struct {
	pregs [bank.Count]*preg.Table
	xregs [bank.Count]*xreg.Table

	fixCalls   []analysis.RegSet
	unfixCalls int
	flushCalls []flushCall
	addr       int
	patched    []int
	downcount  []int32
	maxPreload int
}

type flushCall struct {
	b    bank.Bank
	set  analysis.RegSet
	mode mode.Flush
}

func allAllocable() [bank.NumXregs]bool {
	var a [bank.NumXregs]bool
	for i := range a {
		a[i] = true
	}
	return a
}

func newFakeHost() *fakeHost {
	h := &fakeHost{maxPreload: 4}
	h.pregs[bank.GPR] = preg.New(bank.GPR, 0, 4)
	h.pregs[bank.FPR] = preg.New(bank.FPR, 128, 8)
	h.xregs[bank.GPR] = xreg.New(bank.GPR, allAllocable())
	h.xregs[bank.FPR] = xreg.New(bank.FPR, allAllocable())
	return h
}

func (h *fakeHost) FixHostRegisters(b bank.Bank, set analysis.RegSet) {
	h.fixCalls = append(h.fixCalls, set)
}
func (h *fakeHost) UnfixHostRegisters() { h.unfixCalls++ }
func (h *fakeHost) Flush(b bank.Bank, set analysis.RegSet, m mode.Flush) {
	h.flushCalls = append(h.flushCalls, flushCall{b, set, m})
}
func (h *fakeHost) ReassertDirty(b bank.Bank, set analysis.RegSet) {
	for p := 0; p < bank.NumPregs; p++ {
		if set.Has(p) && h.pregs[b].IsBound(p) {
			h.pregs[b].SetDirty(p, true)
		}
	}
}
func (h *fakeHost) MaxPreloadableRegisters(b bank.Bank) int { return h.maxPreload }
func (h *fakeHost) SubDowncount(cycles int32)               { h.downcount = append(h.downcount, cycles) }
func (h *fakeHost) PatchForwardFixup(site int)               { h.patched = append(h.patched, site) }
func (h *fakeHost) CurrentAddress() int                      { h.addr++; return h.addr }
func (h *fakeHost) ForkGuard() *ForkGuard {
	return New(h.pregs[bank.GPR], h.pregs[bank.FPR], h.xregs[bank.GPR], h.xregs[bank.FPR])
}

// opsWithForwardBranch builds a ten-op stream with two forward
// branches sourced at op 0: one targeting op 4 (an intermediate
// barrier within the region) and one targeting op 8 (the region's
// actual end — a forward branch extends the region end to its
// target).
func opsWithForwardBranch() []analysis.Op {
	ops := make([]analysis.Op, 10)
	ops[0].Branches = []analysis.BranchInfo{
		{SourceIndex: 0, TargetIndex: 4, Direction: analysis.Forward},
		{SourceIndex: 0, TargetIndex: 8, Direction: analysis.Forward},
	}
	return ops
}

func TestTryEnterRegionThenBarrierThenExit(t *testing.T) {
	host := newFakeHost()
	host.pregs[bank.GPR].Bind(3, 5) // r3 bound to xreg 5, dirty
	host.pregs[bank.GPR].SetDirty(3, true)
	host.xregs[bank.GPR].Bind(5, 3)

	c := New(host)
	ops := opsWithForwardBranch()

	if !c.TryEnterRegion(ops, 0) {
		t.Fatalf("want TryEnterRegion to accept both forward branches within the preload budget")
	}
	if c.State() != Active {
		t.Fatalf("want Active after a successful entry")
	}
	if len(host.fixCalls) != 2 { // once per bank
		t.Fatalf("want FixHostRegisters called once per bank, got %d", len(host.fixCalls))
	}

	type pregView struct {
		Bound             bool
		HostReg           int
		Dirty             bool
		InDefaultLocation bool
	}
	viewOf := func() pregView {
		pregs := host.pregs[bank.GPR]
		return pregView{
			Bound:             pregs.IsBound(3),
			HostReg:           pregs.HostRegister(3),
			Dirty:             pregs.Dirty(3),
			InDefaultLocation: pregs.InDefaultLocation(3),
		}
	}
	preFork := viewOf()

	// Mutate state as if the fallthrough path ran.
	host.pregs[bank.GPR].SetDirty(3, false)
	host.pregs[bank.GPR].SetInDefaultLocation(3, true)

	c.RecordForwardFixup(4, 99)

	barrier, exited := c.Advance(ops, 4)
	if !barrier || exited {
		t.Fatalf("want op 4 to be handled as a barrier, got barrier=%v exited=%v", barrier, exited)
	}

	if diff := cmp.Diff(preFork, viewOf()); diff != "" {
		t.Fatalf("want barrier restore to reproduce the pre-fork r3 state exactly (-want +got):\n%s", diff)
	}

	if len(host.patched) != 1 || host.patched[0] != 99 {
		t.Fatalf("want fixup site 99 patched at the barrier, got %v", host.patched)
	}
	if len(host.downcount) != 1 {
		t.Fatalf("want one SubDowncount call at the barrier, got %d", len(host.downcount))
	}

	barrier, exited = c.Advance(ops, 6)
	if barrier || exited {
		t.Fatalf("op 6 is neither a barrier target nor the region end, want both false")
	}

	_, exited = c.Advance(ops, 8)
	if !exited {
		t.Fatalf("want op 8 (the second branch's target, and the region end) to exit the region")
	}
	if c.State() != Idle {
		t.Fatalf("want Idle after exit")
	}
	if host.unfixCalls != 1 {
		t.Fatalf("want UnfixHostRegisters called once at exit, got %d", host.unfixCalls)
	}
}

func TestTryEnterRegionRejectsOverBudget(t *testing.T) {
	host := newFakeHost()
	host.maxPreload = 0 // no candidate's footprint can ever fit

	c := New(host)
	ops := opsWithForwardBranch()
	ops[0].RegsIn[bank.GPR] = analysis.RegSet(0).Add(1)

	if c.TryEnterRegion(ops, 0) {
		t.Fatalf("want entry rejected once every candidate's footprint exceeds the preload budget")
	}
	if c.State() != Idle {
		t.Fatalf("want Idle after a rejected entry")
	}
}

// A fallback-to-interpreter branch, like a flush_and_continue branch,
// must flush every preg not in the region's footprint at entry — the
// interpreter needs every preg's memory copy current even without a
// flush_and_continue hint present.
func TestTryEnterRegionFlushesUnusedOnFallbackToInterpreter(t *testing.T) {
	host := newFakeHost()
	c := New(host)

	ops := make([]analysis.Op, 5)
	ops[0].Branches = []analysis.BranchInfo{
		{SourceIndex: 0, TargetIndex: 3, Direction: analysis.Forward, ContainsFallbackToInterpreter: true},
	}

	if !c.TryEnterRegion(ops, 0) {
		t.Fatalf("want entry accepted")
	}
	if len(host.flushCalls) != 2 { // once per bank
		t.Fatalf("want the unused-preg flush triggered by ContainsFallbackToInterpreter alone, got %d flush calls", len(host.flushCalls))
	}
}

func TestTryEnterRegionNoBranchesReturnsFalse(t *testing.T) {
	host := newFakeHost()
	c := New(host)
	ops := make([]analysis.Op, 3)

	if c.TryEnterRegion(ops, 0) {
		t.Fatalf("want no candidate branches to fail entry")
	}
	if c.State() != Idle {
		t.Fatalf("want Idle unchanged")
	}
}
