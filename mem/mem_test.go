package mem

import (
	"errors"
	"testing"
	"unsafe"

	"fenrir/gcerr"
)

func testSpan(words int) (Span, []uint64) {
	buf := make([]uint64, words)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	return Span{Base: base, Size: uintptr(words) * WordSize}, buf
}

func TestLoadStoreRoundTrip(t *testing.T) {
	s, buf := testSpan(4)
	if err := StoreWord(s, s.Base+WordSize, 42); err != nil {
		t.Fatalf("store: %v", err)
	}
	if buf[1] != 42 {
		t.Fatalf("backing slot = %d, want 42", buf[1])
	}
	v, err := LoadWord(s, s.Base+WordSize)
	if err != nil || v != 42 {
		t.Fatalf("load = %d, %v", v, err)
	}
}

func TestRejectsOutsideSpan(t *testing.T) {
	s, _ := testSpan(2)
	if _, err := LoadWord(s, s.End()); !errors.Is(err, gcerr.ErrInvalidPointer) {
		t.Fatalf("load past end: %v", err)
	}
	if err := StoreWord(s, s.Base-WordSize, 1); !errors.Is(err, gcerr.ErrInvalidPointer) {
		t.Fatalf("store before base: %v", err)
	}
}

func TestRejectsMisaligned(t *testing.T) {
	s, _ := testSpan(2)
	if _, err := LoadWord(s, s.Base+1); !errors.Is(err, gcerr.ErrAlignment) {
		t.Fatalf("misaligned load: %v", err)
	}
}

func TestCASWord(t *testing.T) {
	s, buf := testSpan(1)
	buf[0] = 7
	ok, err := CASWord(s, s.Base, 7, 9)
	if err != nil || !ok {
		t.Fatalf("cas: ok=%v err=%v", ok, err)
	}
	ok, err = CASWord(s, s.Base, 7, 11)
	if err != nil || ok {
		t.Fatalf("stale cas must fail: ok=%v err=%v", ok, err)
	}
	if buf[0] != 9 {
		t.Fatalf("slot = %d, want 9", buf[0])
	}
}

func TestCopyAndZero(t *testing.T) {
	s, buf := testSpan(4)
	buf[0], buf[1] = 0xAA, 0xBB
	if err := Copy(s, s.Base+2*WordSize, s.Base, 2*WordSize); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if buf[2] != 0xAA || buf[3] != 0xBB {
		t.Fatalf("copy result %x", buf)
	}
	if err := Zero(s, s.Base, 2*WordSize); err != nil {
		t.Fatalf("zero: %v", err)
	}
	if buf[0] != 0 || buf[1] != 0 {
		t.Fatalf("zero result %x", buf)
	}
	if err := Copy(s, s.Base, s.End()-WordSize, 2*WordSize); err == nil {
		t.Fatal("copy escaping span must fail")
	}
}
