package preg

import (
	"testing"

	"github.com/SuperSamus/dolphin/internal/bank"
)

func TestNewAllDefaultLocation(t *testing.T) {
	tbl := New(bank.GPR, 0, 4)
	for p := 0; p < 32; p++ {
		if !tbl.InDefaultLocation(p) {
			t.Errorf("preg %d: want in default location at Start", p)
		}
		if tbl.IsBound(p) {
			t.Errorf("preg %d: want unbound at Start", p)
		}
		if tbl.IsLocked(p) {
			t.Errorf("preg %d: want unlocked at Start", p)
		}
	}
}

func TestLockUnlockResetsConstraint(t *testing.T) {
	tbl := New(bank.GPR, 0, 4)
	tbl.Lock(3)
	tbl.Constraint(3).Read = true
	tbl.Unlock(3)

	if tbl.IsLocked(3) {
		t.Fatalf("preg 3: want unlocked after matching Unlock")
	}
	if tbl.Constraint(3).Read {
		t.Fatalf("preg 3: constraint should reset to zero once lock_count hits 0")
	}
}

func TestLockUnlockNested(t *testing.T) {
	tbl := New(bank.GPR, 0, 4)
	tbl.Lock(5)
	tbl.Lock(5)
	tbl.Constraint(5).Write = true
	tbl.Unlock(5)

	if !tbl.IsLocked(5) {
		t.Fatalf("preg 5: want still locked with one outstanding lock")
	}
	if !tbl.Constraint(5).Write {
		t.Fatalf("preg 5: constraint should survive while still locked")
	}

	tbl.Unlock(5)
	if tbl.IsLocked(5) {
		t.Fatalf("preg 5: want unlocked after second Unlock")
	}
}

func TestBindUnbind(t *testing.T) {
	tbl := New(bank.GPR, 0, 4)
	tbl.Bind(2, 7)
	if !tbl.IsBound(2) || tbl.HostRegister(2) != 7 {
		t.Fatalf("preg 2: want bound to xreg 7")
	}

	tbl.Unbind(2)
	if tbl.IsBound(2) {
		t.Fatalf("preg 2: want unbound after Unbind")
	}
	if tbl.Dirty(2) {
		t.Fatalf("preg 2: Unbind should clear dirty")
	}
}

func TestSnapshotRestore(t *testing.T) {
	tbl := New(bank.GPR, 0, 4)
	tbl.Bind(4, 9)
	tbl.SetDirty(4, true)
	tbl.SetInDefaultLocation(4, false)

	snap := tbl.Snapshot()

	tbl.SetDirty(4, false)
	tbl.SetInDefaultLocation(4, true)
	tbl.Unbind(4)

	tbl.Restore(snap)

	if !tbl.IsBound(4) || tbl.HostRegister(4) != 9 {
		t.Fatalf("preg 4: Restore should reinstate the xreg 9 binding")
	}
	if !tbl.Dirty(4) {
		t.Fatalf("preg 4: Restore should reinstate dirty")
	}
	if tbl.InDefaultLocation(4) {
		t.Fatalf("preg 4: Restore should reinstate in_default_location=false")
	}
}

func TestResetRestoresDefaultState(t *testing.T) {
	tbl := New(bank.GPR, 100, 4)
	tbl.Bind(0, 1)
	tbl.SetDirty(0, true)
	tbl.SetInDefaultLocation(0, false)

	tbl.Reset(100, 4)

	if !tbl.InDefaultLocation(0) || tbl.IsBound(0) {
		t.Fatalf("preg 0: Reset should restore all-default-location invariant")
	}
	if tbl.DefaultOperand(0).Addr.Offset != 100 {
		t.Fatalf("preg 0: want default offset 100, got %d", tbl.DefaultOperand(0).Addr.Offset)
	}
}
