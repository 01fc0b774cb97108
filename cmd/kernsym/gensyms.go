package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/dustin/go-humanize"

	"kernsym/internal/pdbdump"
	"kernsym/internal/symelf"
)

func cmdGensyms(args []string) error {
	fs := flag.NewFlagSet("gensyms", flag.ExitOnError)
	pdb := fs.String("pdb", "", "debug database; llvm-pdbutil is run on it")
	sectionsFile := fs.String("sections", "", "pre-captured section-headers dump (instead of --pdb)")
	symbolsFile := fs.String("symbols", "", "pre-captured symbols dump (instead of --pdb)")
	modi := fs.Int("modi", 1, "module index passed to llvm-pdbutil")
	base := fs.Uint64("base", 0x140000000, "preferred image base")
	entry := fs.Uint64("entry", 0, "entry point; defaults to the .text anchor")
	out := fs.String("out", "kernel_syms.elf", "output object file")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var sectionsIn, symbolsIn io.Reader
	switch {
	case *pdb != "":
		secDump, err := runPdbutil("dump", "--section-headers", *pdb)
		if err != nil {
			return err
		}
		symDump, err := runPdbutil("dump", fmt.Sprintf("--modi=%d", *modi), "--symbols", *pdb)
		if err != nil {
			return err
		}
		sectionsIn, symbolsIn = bytes.NewReader(secDump), bytes.NewReader(symDump)
	case *sectionsFile != "" && *symbolsFile != "":
		sf, err := os.Open(*sectionsFile)
		if err != nil {
			return err
		}
		defer sf.Close()
		yf, err := os.Open(*symbolsFile)
		if err != nil {
			return err
		}
		defer yf.Close()
		sectionsIn, symbolsIn = sf, yf
	default:
		return fmt.Errorf("either --pdb or both --sections and --symbols are required")
	}

	sections, err := pdbdump.ParseSections(sectionsIn)
	if err != nil {
		return err
	}
	if len(sections) == 0 {
		return fmt.Errorf("no section headers found in dump")
	}

	res, err := pdbdump.ParseSymbols(symbolsIn, sections, *base)
	if err != nil {
		return err
	}
	if *verbose {
		for _, d := range res.Diags {
			fmt.Fprintf(os.Stderr, "  %s\n", d)
		}
	}

	data, stats, err := symelf.Synthesize(res.Symbols, symelf.Options{Entry: *entry})
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}

	fmt.Printf("wrote %s: %d functions, %d data symbols (%s)\n",
		*out, stats.Functions, stats.Data, humanize.IBytes(uint64(len(data))))
	if res.Skipped > 0 || stats.Dropped > 0 {
		fmt.Printf("skipped %d malformed records, dropped %d duplicate names\n", res.Skipped, stats.Dropped)
	}
	return nil
}

func runPdbutil(args ...string) ([]byte, error) {
	cmd := exec.Command("llvm-pdbutil", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("llvm-pdbutil %v: %w (%s)", args, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}
