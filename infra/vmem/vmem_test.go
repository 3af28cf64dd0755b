package vmem

import (
	"errors"
	"testing"
	"unsafe"

	"fenrir/gcerr"
)

func TestReserveRejectsBadSize(t *testing.T) {
	if _, err := Reserve(0); !errors.Is(err, gcerr.ErrInvalidArgument) {
		t.Fatalf("zero size: got %v", err)
	}
	if _, err := Reserve(PageSize + 1); !errors.Is(err, gcerr.ErrInvalidArgument) {
		t.Fatalf("unaligned size: got %v", err)
	}
}

func TestCommitAndWrite(t *testing.T) {
	v, err := Reserve(16 * PageSize)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer v.Release()

	if err := v.Commit(PageSize, 2*PageSize); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := v.CommittedSize(); got != 2*PageSize {
		t.Fatalf("committed size = %d, want %d", got, 2*PageSize)
	}
	if !v.IsCommitted(PageSize) || v.IsCommitted(0) {
		t.Fatal("committed ledger does not match commit call")
	}

	// The committed pages must actually be writable.
	p := (*uint64)(unsafe.Pointer(v.Base() + uintptr(PageSize)))
	*p = 0xdeadbeef
	if *p != 0xdeadbeef {
		t.Fatal("write to committed page lost")
	}
}

func TestCommitBeyondReservation(t *testing.T) {
	v, err := Reserve(4 * PageSize)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer v.Release()

	if err := v.Commit(2*PageSize, 4*PageSize); !errors.Is(err, gcerr.ErrBoundsCheck) {
		t.Fatalf("expected bounds failure, got %v", err)
	}
}

func TestUncommitShrinksLedger(t *testing.T) {
	v, err := Reserve(8 * PageSize)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer v.Release()

	if err := v.Commit(0, 4*PageSize); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := v.Uncommit(PageSize, PageSize); err != nil {
		t.Fatalf("uncommit: %v", err)
	}
	if got := v.CommittedSize(); got != 3*PageSize {
		t.Fatalf("committed size = %d, want %d", got, 3*PageSize)
	}
	ranges := v.CommittedRanges()
	if len(ranges) != 2 {
		t.Fatalf("expected split into 2 ranges, got %v", ranges)
	}
	if v.CommittedSize() > v.ReservedSize() {
		t.Fatal("committed exceeds reserved")
	}
}

func TestRangeMerge(t *testing.T) {
	v, err := Reserve(8 * PageSize)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer v.Release()

	_ = v.Commit(0, PageSize)
	_ = v.Commit(2*PageSize, PageSize)
	_ = v.Commit(PageSize, PageSize) // bridges the gap
	ranges := v.CommittedRanges()
	if len(ranges) != 1 || ranges[0].Size != 3*PageSize {
		t.Fatalf("expected one merged range of 3 pages, got %v", ranges)
	}
}

func TestReleaseIsTerminal(t *testing.T) {
	v, err := Reserve(2 * PageSize)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := v.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := v.Commit(0, PageSize); !errors.Is(err, gcerr.ErrInvalidState) {
		t.Fatalf("commit after release: got %v", err)
	}
}

func TestAlignHelpers(t *testing.T) {
	if AlignToPage(1) != PageSize {
		t.Fatal("AlignToPage(1)")
	}
	if AlignToPage(PageSize) != PageSize {
		t.Fatal("AlignToPage(PageSize)")
	}
	if BytesToPages(1) != 1 || BytesToPages(PageSize+1) != 2 {
		t.Fatal("BytesToPages")
	}
}
