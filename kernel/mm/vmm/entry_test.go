package vmm

import (
	"testing"

	"memcore/kernel/mm"
)

func TestEntryFlags(t *testing.T) {
	var (
		entry Entry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	if !entry.IsUnused() {
		t.Fatal("expected zero entry to be unused")
	}

	if entry.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	entry = Entry(flag1 | flag2)

	if !entry.HasAnyFlag(flag1 | flag2 | FlagNoExecute) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !entry.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	if entry.HasFlags(flag1 | flag2 | FlagNoExecute) {
		t.Fatalf("expected HasFlags to return false")
	}

	entry.SetUnused()
	if !entry.IsUnused() {
		t.Fatal("expected entry to be unused after calling SetUnused")
	}
}

func TestEntrySet(t *testing.T) {
	specs := []struct {
		frame    mm.Frame
		flags    PageTableEntryFlag
		expFlags PageTableEntryFlag
	}{
		{mm.Frame(0), 0, FlagPresent},
		{mm.Frame(123), FlagRW, FlagPresent | FlagRW},
		{mm.Frame(0xfffffffff), FlagPresent | FlagHugePage | FlagNoExecute, FlagPresent | FlagHugePage | FlagNoExecute},
		{mm.Frame(42), FlagUserAccessible | FlagGlobal, FlagPresent | FlagUserAccessible | FlagGlobal},
	}

	for specIndex, spec := range specs {
		var entry Entry
		entry.Set(spec.frame, spec.flags)

		if got := entry.Flags(); got != spec.expFlags {
			t.Errorf("[spec %d] expected entry flags to be 0x%x; got 0x%x", specIndex, spec.expFlags, got)
		}

		frame, ok := entry.PointedFrame()
		if !ok || frame != spec.frame {
			t.Errorf("[spec %d] expected entry to point to frame %d; got %d (present: %t)", specIndex, spec.frame, frame, ok)
		}

		if entry.IsUnused() {
			t.Errorf("[spec %d] expected entry not to be unused", specIndex)
		}
	}
}

func TestEntrySetReplacesPreviousContents(t *testing.T) {
	var entry Entry
	entry.Set(mm.Frame(1), FlagRW|FlagDirty)
	entry.Set(mm.Frame(2), FlagNoExecute)

	if exp, got := FlagPresent|FlagNoExecute, entry.Flags(); got != exp {
		t.Fatalf("expected entry flags to be 0x%x; got 0x%x", exp, got)
	}

	if frame, _ := entry.PointedFrame(); frame != mm.Frame(2) {
		t.Fatalf("expected entry to point to frame 2; got %d", frame)
	}
}

func TestEntryPointedFrameNotPresent(t *testing.T) {
	entry := Entry(mm.Frame(123).Address() | uintptr(FlagRW))

	if frame, ok := entry.PointedFrame(); ok || frame != mm.InvalidFrame {
		t.Fatalf("expected (InvalidFrame, false) for a non-present entry; got (%d, %t)", frame, ok)
	}

	if entry.IsUnused() {
		t.Fatal("expected entry with flags to be in use even if it is not present")
	}
}
