package diag

import (
	"strings"
	"testing"
)

func TestDiags(t *testing.T) {
	var d Diags
	d.Add(0x141100000, KindCorrupt, "blob size 0")
	d.Addf(0x141100040, KindCorrupt, "blob size 0x%x exceeds limit", 0x100000)
	d.Add(0x141100080, KindCycle, "revisited")

	if d.Len() != 3 {
		t.Fatalf("len = %d, want 3", d.Len())
	}
	if d.Count(KindCorrupt) != 2 || d.Count(KindCycle) != 1 || d.Count(KindUnreadable) != 0 {
		t.Error("kind counts wrong")
	}
	items := d.Items()
	if items[1].Msg != "blob size 0x100000 exceeds limit" {
		t.Errorf("formatted msg = %q", items[1].Msg)
	}
	s := items[0].String()
	if !strings.Contains(s, "corrupt") || !strings.Contains(s, "0x141100000") {
		t.Errorf("String() = %q", s)
	}
}

func TestDiagsEmpty(t *testing.T) {
	var d Diags
	if d.Len() != 0 || len(d.Items()) != 0 {
		t.Error("zero value not empty")
	}
}
