package elfobj

import (
	"bytes"
	"errors"
	"testing"

	"kernsym/internal/symelf"
)

func buildImage(t *testing.T, syms []symelf.Symbol) []byte {
	t.Helper()
	blob, _, err := symelf.Synthesize(syms, symelf.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

func TestParseAndFirstFunc(t *testing.T) {
	blob := buildImage(t, []symelf.Symbol{
		{Addr: 0x140003d10, Size: 0x40, Name: "Kernel_TimerTick", Kind: symelf.KindFunction},
	})

	im, err := Parse(blob)
	if err != nil {
		t.Fatal(err)
	}
	if im.Size() != len(blob) {
		t.Errorf("size = %d, want %d", im.Size(), len(blob))
	}
	name, value, err := im.FirstFunc()
	if err != nil {
		t.Fatal(err)
	}
	if name != "Kernel_TimerTick" || value != 0x140003d10 {
		t.Errorf("first func = %q@0x%x", name, value)
	}
}

func TestFirstFuncSkipsData(t *testing.T) {
	blob := buildImage(t, []symelf.Symbol{
		{Addr: 0x140001000, Size: 8, Name: "g_state", Kind: symelf.KindData},
		{Addr: 0x140002000, Size: 0x20, Name: "DoWork", Kind: symelf.KindFunction},
	})

	im, err := Parse(blob)
	if err != nil {
		t.Fatal(err)
	}
	name, value, err := im.FirstFunc()
	if err != nil {
		t.Fatal(err)
	}
	if name != "DoWork" || value != 0x140002000 {
		t.Errorf("first func = %q@0x%x, want DoWork@0x140002000", name, value)
	}
}

func TestFirstFuncNoFunction(t *testing.T) {
	blob := buildImage(t, []symelf.Symbol{
		{Addr: 0x140001000, Size: 8, Name: "g_only_data", Kind: symelf.KindData},
	})

	im, err := Parse(blob)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := im.FirstFunc(); !errors.Is(err, ErrNoFunc) {
		t.Fatalf("err = %v, want ErrNoFunc", err)
	}
}

func TestParseRejectsJunk(t *testing.T) {
	junk := bytes.Repeat([]byte{0xCC}, 128)
	if _, err := Parse(junk); !errors.Is(err, ErrNotELF) {
		t.Fatalf("err = %v, want ErrNotELF", err)
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	blob := buildImage(t, []symelf.Symbol{
		{Addr: 0x140001000, Size: 0x10, Name: "F", Kind: symelf.KindFunction},
	})
	if _, err := Parse(blob[:32]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestWriteTo(t *testing.T) {
	blob := buildImage(t, []symelf.Symbol{
		{Addr: 0x140001000, Size: 0x10, Name: "F", Kind: symelf.KindFunction},
	})
	im, err := Parse(blob)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	n, err := im.WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(blob)) || !bytes.Equal(buf.Bytes(), blob) {
		t.Error("written bytes differ from the image")
	}
}
