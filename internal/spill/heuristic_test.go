package spill

import (
	"testing"

	"github.com/SuperSamus/dolphin/internal/abi"
	"github.com/SuperSamus/dolphin/internal/analysis"
	"github.com/SuperSamus/dolphin/internal/bank"
	"github.com/SuperSamus/dolphin/internal/preg"
	"github.com/SuperSamus/dolphin/internal/xreg"
)

func allAllocable() [bank.NumXregs]bool {
	var a [bank.NumXregs]bool
	for i := range a {
		a[i] = true
	}
	return a
}

func TestPickPrefersFreeRegister(t *testing.T) {
	pregs := preg.New(bank.GPR, 0, 4)
	xregs := xreg.New(bank.GPR, allAllocable())

	x, ok := Pick(bank.GPR, abi.SysV, pregs, xregs, nil)
	if !ok {
		t.Fatalf("want a candidate with every xreg free")
	}
	want := abi.AllocationOrder(bank.GPR, abi.SysV)[0]
	if x != want {
		t.Fatalf("want the first allocation-order xreg %d, got %d", want, x)
	}
}

func TestPickSkipsLockedAndReserved(t *testing.T) {
	pregs := preg.New(bank.GPR, 0, 4)
	xregs := xreg.New(bank.GPR, allAllocable())

	order := abi.AllocationOrder(bank.GPR, abi.SysV)
	xregs.Lock(order[0])

	x, ok := Pick(bank.GPR, abi.SysV, pregs, xregs, nil)
	if !ok {
		t.Fatalf("want a candidate with one locked xreg out of 13 free ones")
	}
	if x == order[0] {
		t.Fatalf("want the locked xreg skipped")
	}
	if abi.Reserved(bank.GPR, x) {
		t.Fatalf("want a reserved xreg never picked, got %d", x)
	}
}

func TestPickSpillsMinimumScore(t *testing.T) {
	pregs := preg.New(bank.GPR, 0, 4)
	xregs := xreg.New(bank.GPR, allAllocable())

	order := abi.AllocationOrder(bank.GPR, abi.SysV)
	// Bind every allocatable, unreserved xreg so the free-register pass
	// finds nothing and the scoring pass has to pick among them.
	for i, x := range order {
		if abi.Reserved(bank.GPR, x) {
			continue
		}
		pregs.Bind(i, x)
		xregs.Bind(x, i)
	}
	// preg at order[0] is dirty (costs +2); preg at order[1] is clean.
	pregs.SetDirty(0, true)

	x, ok := Pick(bank.GPR, abi.SysV, pregs, xregs, nil)
	if !ok {
		t.Fatalf("want a spillable candidate even with every xreg bound")
	}
	if x != order[1] {
		t.Fatalf("want the clean preg's xreg %d (lower score) spilled over the dirty one %d, got %d", order[1], order[0], x)
	}
}

func TestPickOutOfRegisters(t *testing.T) {
	pregs := preg.New(bank.GPR, 0, 4)
	xregs := xreg.New(bank.GPR, allAllocable())

	order := abi.AllocationOrder(bank.GPR, abi.SysV)
	for i, x := range order {
		if abi.Reserved(bank.GPR, x) {
			continue
		}
		pregs.Bind(i, x)
		xregs.Bind(x, i)
		pregs.Lock(i) // every bound preg is locked: nothing is spillable
	}

	_, ok := Pick(bank.GPR, abi.SysV, pregs, xregs, nil)
	if ok {
		t.Fatalf("want Pick to fail when every candidate's preg is locked")
	}
}

func TestClobberScoreLookahead(t *testing.T) {
	pregs := preg.New(bank.GPR, 0, 4)

	ops := []analysis.Op{
		{RegsIn: [bank.Count]analysis.RegSet{bank.GPR: analysis.RegSet(0).Add(1)}},
		{RegsIn: [bank.Count]analysis.RegSet{bank.GPR: analysis.RegSet(0).Add(2).Add(3)}},
		{RegsIn: [bank.Count]analysis.RegSet{bank.GPR: analysis.RegSet(0).Add(1)}}, // preg 1 referenced again here
	}

	score := clobberScore(bank.GPR, 1, pregs, ops)
	if score <= 0 {
		t.Fatalf("want a positive score for a preg used by the current op, got %v", score)
	}
}
