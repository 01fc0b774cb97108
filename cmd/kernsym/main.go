package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "locate":
		err = cmdLocate(os.Args[2:])
	case "jit-scan":
		err = cmdJitScan(os.Args[2:])
	case "jit-extract":
		err = cmdJitExtract(os.Args[2:])
	case "gensyms":
		err = cmdGensyms(os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `kernsym: kernel symbol tooling for a self-relocating image under an emulator

Usage:
  kernsym locate      --target <host:port>            Discover the kernel's actual load address
  kernsym jit-scan    --target <host:port>            Snapshot the JIT method registry
  kernsym jit-extract --target <host:port> --out <dir>  Extract per-method object files
  kernsym gensyms     --pdb <file> --out <file>       Synthesize the static symbol table ELF
  kernsym info        [--target <host:port>]          Show protocol addresses and live cell state

Flags:
  --target <host:port>  Debug stub address (default localhost:1234)
  --config <file>       YAML file overriding protocol and scan tuning
  --descriptor <addr>   JIT registry descriptor address (jit-scan, jit-extract)
  --attached            Assume the kernel already booted; skip the marker watch
  --out <path>          Output directory or file
  --json                Machine-readable output
  --verbose             Debug logging
`)
}

// newLogger builds the command's diagnostic logger. User-facing results
// stay on stdout via fmt; everything else goes through here to stderr.
func newLogger(verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

// signedHex renders a load offset the way a debugger wants to see it.
func signedHex(v int64) string {
	if v < 0 {
		return fmt.Sprintf("-0x%x", uint64(-v))
	}
	return fmt.Sprintf("0x%x", uint64(v))
}
