package session

import (
	"errors"
	"testing"

	"kernsym/internal/jitreg"
)

func TestLoadOffsetWriteOnce(t *testing.T) {
	s := New()

	if _, ok := s.LoadOffset(); ok {
		t.Fatal("fresh session reports an offset")
	}
	if err := s.SetLoadOffset(0x200000); err != nil {
		t.Fatal(err)
	}
	off, ok := s.LoadOffset()
	if !ok || off != 0x200000 {
		t.Fatalf("offset = %d/%v, want 0x200000/true", off, ok)
	}
	if err := s.SetLoadOffset(0x300000); !errors.Is(err, ErrOffsetSet) {
		t.Fatalf("second set: err = %v, want ErrOffsetSet", err)
	}
	if off, _ := s.LoadOffset(); off != 0x200000 {
		t.Errorf("offset overwritten to %d", off)
	}
}

func TestLoadOffsetNegative(t *testing.T) {
	s := New()
	if err := s.SetLoadOffset(-0x100000); err != nil {
		t.Fatal(err)
	}
	off, ok := s.LoadOffset()
	if !ok || off != -0x100000 {
		t.Fatalf("offset = %d/%v", off, ok)
	}
	// Zero is a valid published offset too, but only once per session.
	if err := s.SetLoadOffset(0); !errors.Is(err, ErrOffsetSet) {
		t.Fatalf("err = %v, want ErrOffsetSet", err)
	}
}

func TestReplaceSnapshotWholesale(t *testing.T) {
	s := New()
	if s.Snapshot() != nil {
		t.Fatal("fresh session has a snapshot")
	}

	first := &jitreg.Snapshot{Entries: []*jitreg.Entry{{CodeAddr: 0x140001000}}}
	s.ReplaceSnapshot(first)
	if s.Snapshot() != first {
		t.Fatal("first snapshot not installed")
	}

	second := &jitreg.Snapshot{Partial: true, Reason: "cycle at 0x141100000"}
	s.ReplaceSnapshot(second)
	if got := s.Snapshot(); got != second {
		t.Fatal("second snapshot not installed")
	}
	if len(s.Snapshot().Entries) != 0 {
		t.Error("old entries leaked into the replacement")
	}
}
