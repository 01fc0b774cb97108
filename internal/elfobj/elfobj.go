// Package elfobj reads the miniature in-memory object images the kernel's
// JIT emits. Each image carries exactly one method's name and entry
// address; there is nothing executable in it, it exists so symbolication
// tools can read it like a file.
package elfobj

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotELF    = errors.New("elfobj: not an ELF image")
	ErrNot64Bit  = errors.New("elfobj: not 64-bit ELF")
	ErrNoSymtab  = errors.New("elfobj: no symbol table section")
	ErrNoFunc    = errors.New("elfobj: no function symbol")
	ErrTruncated = errors.New("elfobj: truncated image")
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

// Image wraps one parsed in-memory object blob.
type Image struct {
	ELF *elf.File
	raw []byte
}

// Parse validates the signature and section structure of blob.
// It never writes to or retains blob beyond the returned Image.
func Parse(blob []byte) (*Image, error) {
	if len(blob) < 64 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(blob))
	}
	if !bytes.Equal(blob[:4], elfMagic[:]) {
		return nil, ErrNotELF
	}
	ef, err := elf.NewFile(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	if ef.Class != elf.ELFCLASS64 {
		return nil, ErrNot64Bit
	}
	return &Image{ELF: ef, raw: blob}, nil
}

// FirstFunc returns the name and value of the first function-typed symbol
// in the image's symbol table, skipping the reserved null symbol. This is
// the one symbol a JIT method image carries.
func (im *Image) FirstFunc() (name string, value uint64, err error) {
	syms, err := im.ELF.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return "", 0, ErrNoSymtab
		}
		return "", 0, fmt.Errorf("%w: %v", ErrNoSymtab, err)
	}
	// debug/elf has already dropped the null symbol at index 0.
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if s.Name == "" {
			continue
		}
		return s.Name, s.Value, nil
	}
	return "", 0, ErrNoFunc
}

// WriteTo writes the raw image bytes, so a blob pulled out of target
// memory can be persisted as a loadable per-method object file.
func (im *Image) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(im.raw)
	return int64(n), err
}

// Size returns the raw image size in bytes.
func (im *Image) Size() int { return len(im.raw) }
