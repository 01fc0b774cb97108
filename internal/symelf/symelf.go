// Package symelf synthesizes the static kernel symbol table: a minimal
// ELF64 object a debugger can load directly. The file carries no code at
// all, only a degenerate .text section that anchors the address range,
// a symbol table, and the supporting string tables.
package symelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// Kind distinguishes function from data symbols. Type is decided
// per-symbol, not per-section; both kinds share one table.
type Kind int

const (
	KindFunction Kind = iota
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Symbol is one entry destined for the synthesized table. Addr is
// absolute (preferred base + section VA + offset already applied).
type Symbol struct {
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Options tunes the synthesized file.
type Options struct {
	// Entry becomes e_entry; when zero the .text anchor address is used.
	Entry uint64
	// TextAddr anchors the degenerate .text section; when zero the
	// lowest symbol address, rounded down to a page, is used.
	TextAddr uint64
	// Machine defaults to EM_X86_64.
	Machine elf.Machine
}

// Stats reports what actually went into the table.
type Stats struct {
	Functions int `json:"functions"`
	Data      int `json:"data"`
	// Dropped counts later duplicates by name (first occurrence wins).
	Dropped int `json:"dropped"`
}

// ErrNoSymbols reports an empty input set; an empty table would anchor
// nothing and is almost certainly an upstream extraction failure.
var ErrNoSymbols = errors.New("symelf: no symbols to synthesize")

// Fixed section layout. Five headers in a fixed order keeps every offset
// a simple running total, no backpatching pass.
//
//	0 NULL, 1 .text, 2 .symtab, 3 .strtab, 4 .shstrtab
const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	shnum    = 5

	textShndx = 1
)

// Section-name string table and the name offsets into it.
var shstrtab = []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")

const (
	shnameText     = 1
	shnameSymtab   = 7
	shnameStrtab   = 15
	shnameShstrtab = 23
)

// Synthesize builds the object file. Output is deterministic: symbol
// records are sorted by address regardless of discovery order (ties by
// name), while the string table keeps first-seen order.
func Synthesize(syms []Symbol, opts Options) ([]byte, Stats, error) {
	var stats Stats

	// Dedupe by name, first occurrence wins. A public symbol that
	// duplicates a procedure already seen is dropped, not overwritten.
	seen := make(map[string]bool, len(syms))
	kept := make([]Symbol, 0, len(syms))
	for _, s := range syms {
		if s.Name == "" || seen[s.Name] {
			stats.Dropped++
			continue
		}
		seen[s.Name] = true
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return nil, stats, ErrNoSymbols
	}

	// String table in first-seen order.
	strtab := []byte{0}
	strOff := make(map[string]uint32, len(kept))
	for _, s := range kept {
		strOff[s.Name] = uint32(len(strtab))
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
	}

	// Table order is a pure function of address.
	sorted := make([]Symbol, len(kept))
	copy(sorted, kept)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Addr != sorted[j].Addr {
			return sorted[i].Addr < sorted[j].Addr
		}
		return sorted[i].Name < sorted[j].Name
	})

	lo := sorted[0].Addr
	textAddr := opts.TextAddr
	if textAddr == 0 {
		textAddr = lo &^ 0xFFF
	}
	entry := opts.Entry
	if entry == 0 {
		entry = textAddr
	}
	machine := opts.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}

	// Running-total layout: ehdr, section headers, symtab, strtab,
	// shstrtab. The .text section declares zero content.
	var (
		shoff       = uint64(ehdrSize)
		textOff     = shoff + shnum*shdrSize
		symtabOff   = textOff
		symtabSize  = uint64(len(sorted)+1) * symSize
		strtabOff   = symtabOff + symtabSize
		shstrtabOff = strtabOff + uint64(len(strtab))
	)

	buf := &bytes.Buffer{}
	w := func(v any) {
		// Fixed-width fields only; binary.Write cannot fail on a Buffer.
		_ = binary.Write(buf, binary.LittleEndian, v)
	}

	ehdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Shentsize: shdrSize,
		Shnum:     shnum,
		Shstrndx:  4,
	}
	ident := []byte{0x7f, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	copy(ehdr.Ident[:], ident)
	w(ehdr)

	w(elf.Section64{}) // mandatory null section

	w(elf.Section64{
		Name:  shnameText,
		Type:  uint32(elf.SHT_PROGBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Addr:  textAddr,
		Off:   textOff,
		Size:  0, // address anchor only, no content
	})
	w(elf.Section64{
		Name:    shnameSymtab,
		Type:    uint32(elf.SHT_SYMTAB),
		Off:     symtabOff,
		Size:    symtabSize,
		Link:    3, // .strtab
		Info:    1, // index of the first global symbol
		Entsize: symSize,
	})
	w(elf.Section64{
		Name: shnameStrtab,
		Type: uint32(elf.SHT_STRTAB),
		Off:  strtabOff,
		Size: uint64(len(strtab)),
	})
	w(elf.Section64{
		Name: shnameShstrtab,
		Type: uint32(elf.SHT_STRTAB),
		Off:  shstrtabOff,
		Size: uint64(len(shstrtab)),
	})

	w(elf.Sym64{}) // mandatory null symbol
	for _, s := range sorted {
		st := elf.STT_FUNC
		if s.Kind == KindData {
			st = elf.STT_OBJECT
			stats.Data++
		} else {
			stats.Functions++
		}
		w(elf.Sym64{
			Name:  strOff[s.Name],
			Info:  elf.ST_INFO(elf.STB_GLOBAL, st),
			Shndx: textShndx,
			Value: s.Addr,
			Size:  s.Size,
		})
	}

	buf.Write(strtab)
	buf.Write(shstrtab)
	return buf.Bytes(), stats, nil
}

// Write synthesizes and streams the file to w.
func Write(w io.Writer, syms []Symbol, opts Options) (Stats, error) {
	out, stats, err := Synthesize(syms, opts)
	if err != nil {
		return stats, err
	}
	if _, err := w.Write(out); err != nil {
		return stats, fmt.Errorf("symelf: write: %w", err)
	}
	return stats, nil
}

// WriteFile synthesizes to path, overwriting any previous table.
func WriteFile(path string, syms []Symbol, opts Options) (Stats, error) {
	out, stats, err := Synthesize(syms, opts)
	if err != nil {
		return stats, err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return stats, fmt.Errorf("symelf: write %s: %w", path, err)
	}
	return stats, nil
}
