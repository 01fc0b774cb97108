// Package pdbdump extracts address/size/name triples from the text dump
// of a third-party debug database (llvm-pdbutil output). The dump is a
// black box produced by an external tool; extraction is best-effort:
// recognized records are global procedures, global data and public
// symbols; everything else, malformed records included, is skipped and
// counted, never fatal.
package pdbdump

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"kernsym/internal/diag"
	"kernsym/internal/symelf"
)

var (
	reSectionHdr = regexp.MustCompile(`SECTION HEADER #(\d+)`)
	reVirtAddr   = regexp.MustCompile(`^\s*([0-9A-Fa-f]+) virtual address`)
	reName       = regexp.MustCompile("`([^`]+)`")
	reAddr       = regexp.MustCompile(`addr = (\d+):(\d+)`)
	reCodeSize   = regexp.MustCompile(`code size = (\d+)`)
)

// Record tags recognized in the symbol dump.
const (
	tagProc   = "S_GPROC32"
	tagData   = "S_GDATA32"
	tagPublic = "S_PUB32"
)

// Result is the extraction outcome for one symbol dump.
type Result struct {
	Symbols []symelf.Symbol `json:"symbols"`
	// Skipped counts records that carried a recognized tag but could
	// not be fully parsed (missing addr line, unknown section).
	Skipped int         `json:"skipped"`
	Diags   []diag.Diag `json:"diagnostics,omitempty"`
}

// ParseSections reads a `dump --section-headers` listing and returns each
// section's virtual address keyed by section number.
func ParseSections(r io.Reader) (map[int]uint64, error) {
	sections := make(map[int]uint64)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	num := 0
	for sc.Scan() {
		line := sc.Text()
		if m := reSectionHdr.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				num = n
			}
			continue
		}
		if m := reVirtAddr.FindStringSubmatch(line); m != nil && num > 0 {
			va, err := strconv.ParseUint(m[1], 16, 64)
			if err == nil {
				sections[num] = va
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("pdbdump: read sections: %w", err)
	}
	return sections, nil
}

// ParseSymbols reads a `dump --symbols` listing and produces absolute
// symbols: base + section virtual address + intra-section offset.
// Deduplication by name is left to the synthesizer.
func ParseSymbols(r io.Reader, sections map[int]uint64, base uint64) (*Result, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var diags diag.Diags

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		kind, ok := recordKind(line)
		if !ok {
			continue
		}
		nm := reName.FindStringSubmatch(line)
		if nm == nil {
			res.Skipped++
			diags.Addf(uint64(i+1), diag.KindMalformed, "record without name: %s", strings.TrimSpace(line))
			continue
		}
		name := nm[1]

		// The location detail follows on the next line.
		if i+1 >= len(lines) {
			res.Skipped++
			diags.Addf(uint64(i+1), diag.KindMalformed, "record %q truncated at end of dump", name)
			continue
		}
		detail := lines[i+1]
		am := reAddr.FindStringSubmatch(detail)
		if am == nil {
			res.Skipped++
			diags.Addf(uint64(i+2), diag.KindMalformed, "record %q has no addr field", name)
			continue
		}
		section, _ := strconv.Atoi(am[1])
		offset, _ := strconv.ParseUint(am[2], 10, 64)

		va, ok := sections[section]
		if !ok {
			res.Skipped++
			diags.Addf(uint64(i+2), diag.KindSkipped, "record %q references unknown section %d", name, section)
			continue
		}

		size := uint64(0)
		if sm := reCodeSize.FindStringSubmatch(detail); sm != nil {
			size, _ = strconv.ParseUint(sm[1], 10, 64)
		}

		symKind := symelf.KindData
		switch kind {
		case tagProc:
			symKind = symelf.KindFunction
		case tagPublic:
			if strings.Contains(detail, "flags = function") {
				symKind = symelf.KindFunction
			}
		}

		res.Symbols = append(res.Symbols, symelf.Symbol{
			Addr: base + va + offset,
			Size: size,
			Name: name,
			Kind: symKind,
		})
	}

	res.Diags = diags.Items()
	return res, nil
}

// recordKind reports whether the line opens a recognized record.
func recordKind(line string) (string, bool) {
	for _, tag := range []string{tagProc, tagData, tagPublic} {
		if idx := strings.Index(line, tag); idx >= 0 {
			// Reject lookalike tags (S_GPROC32_ID and friends).
			rest := line[idx+len(tag):]
			if rest == "" || rest[0] == ' ' || rest[0] == '\t' {
				return tag, true
			}
		}
	}
	return "", false
}

func readLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("pdbdump: read symbols: %w", err)
	}
	return lines, nil
}
