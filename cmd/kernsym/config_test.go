package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseAddr(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		bad  bool
	}{
		{in: "0x141000000", want: 0x141000000},
		{in: "5385486336", want: 5385486336},
		{in: "0x10000", want: 0x10000},
		{in: "nope", bad: true},
		{in: "", bad: true},
		{in: "-1", bad: true},
	}
	for _, c := range cases {
		got, err := parseAddr(c.in)
		if c.bad {
			if err == nil {
				t.Errorf("parseAddr(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseAddr(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseAddr(%q) = 0x%x, want 0x%x", c.in, got, c.want)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Target != "localhost:1234" {
		t.Errorf("target = %q", cfg.Target)
	}
	if cfg.Locate.MarkerAddr != 0x10000 || cfg.Locate.MarkerValue != 0xDEADBEEF {
		t.Error("marker protocol defaults wrong")
	}
	if cfg.Jit.DescriptorExpr == "" {
		t.Error("no default descriptor expression")
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernsym.yaml")
	data := []byte("target: 10.0.0.5:9000\njit:\n  descriptor_addr: 0x141000000\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Target != "10.0.0.5:9000" {
		t.Errorf("target = %q", cfg.Target)
	}
	if cfg.Jit.DescriptorAddr != 0x141000000 {
		t.Errorf("descriptor addr = 0x%x", cfg.Jit.DescriptorAddr)
	}
	// Untouched knobs keep their defaults.
	if cfg.Locate.PreferredBase != 0x140000000 {
		t.Errorf("preferred base = 0x%x", cfg.Locate.PreferredBase)
	}
}
