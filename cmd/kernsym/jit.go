package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"

	"kernsym/internal/gdbrsp"
	"kernsym/internal/jitreg"
	"kernsym/internal/output"
	"kernsym/internal/session"
)

func cmdJitScan(args []string) error {
	fs := flag.NewFlagSet("jit-scan", flag.ExitOnError)
	target := fs.String("target", "", "debug stub address (overrides config)")
	cfgPath := fs.String("config", "", "YAML config file")
	descriptor := fs.String("descriptor", "", "registry descriptor address, e.g. 0x141000000")
	resolve := fs.Bool("resolve", false, "resolve every entry's name eagerly")
	timeout := fs.Duration("timeout", time.Minute, "overall budget for the scan")
	outDir := fs.String("out", "", "write registry.json to this directory")
	jsonOut := fs.Bool("json", false, "output as JSON")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess := session.New()
	snap, _, cleanup, err := scanRegistry(*cfgPath, *target, *descriptor, *timeout, *resolve, *verbose, sess)
	if err != nil {
		return err
	}
	defer cleanup()

	if *outDir != "" {
		if err := output.WriteRegistryJSON(*outDir, snap); err != nil {
			return err
		}
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("registry: version=%d entries=%d\n", snap.Descriptor.Version, len(snap.Entries))
	if snap.Partial {
		fmt.Printf("partial scan: %s\n", snap.Reason)
	} else if snap.Reason != "" {
		fmt.Printf("note: %s\n", snap.Reason)
	}
	for _, e := range snap.Entries {
		name := "(unresolved)"
		if e.Resolved {
			name = e.Name
		}
		fmt.Printf("  blob=0x%012x  %-9s  %s\n", e.BlobAddr, humanize.IBytes(e.BlobSize), name)
	}
	if n := len(snap.Diags); n > 0 {
		fmt.Printf("diagnostics (%d):\n", n)
		for _, d := range snap.Diags {
			fmt.Printf("  %s\n", d)
		}
	}
	return nil
}

func cmdJitExtract(args []string) error {
	fs := flag.NewFlagSet("jit-extract", flag.ExitOnError)
	target := fs.String("target", "", "debug stub address (overrides config)")
	cfgPath := fs.String("config", "", "YAML config file")
	descriptor := fs.String("descriptor", "", "registry descriptor address, e.g. 0x141000000")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall budget")
	outDir := fs.String("out", "", "directory for per-method object files")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outDir == "" {
		return fmt.Errorf("--out is required")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	sess := session.New()
	snap, res, cleanup, err := scanRegistry(*cfgPath, *target, *descriptor, *timeout, true, *verbose, sess)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	written := 0
	var total uint64
	for _, e := range snap.Entries {
		if !e.Resolved {
			continue
		}
		path, err := res.Extract(ctx, e, *outDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", e.Name, err)
			continue
		}
		e.Loaded = true
		written++
		total += e.BlobSize
		fmt.Printf("  %s  %s (%s)\n", path, e.Name, humanize.IBytes(e.BlobSize))
	}
	fmt.Printf("extracted %d of %d entries (%s)\n", written, len(snap.Entries), humanize.IBytes(total))
	return nil
}

// scanRegistry dials the stub, takes a snapshot and installs it in the
// session, optionally resolving every entry. The returned cleanup closes
// the connection once the caller is done with lazy resolution.
func scanRegistry(cfgPath, target, descriptor string, timeout time.Duration, resolve, verbose bool, sess *session.Session) (*jitreg.Snapshot, *jitreg.Resolver, func(), error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if target != "" {
		cfg.Target = target
	}
	if descriptor != "" {
		addr, err := parseAddr(descriptor)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("--descriptor: %w", err)
		}
		cfg.Jit.DescriptorAddr = addr
	}
	logger := newLogger(verbose)

	client, err := gdbrsp.Dial(cfg.Target, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { client.Close() }

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	walker := jitreg.NewWalker(cfg.Jit, client, logger)
	snap, err := walker.Scan(ctx)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	sess.ReplaceSnapshot(snap)

	res := jitreg.NewResolver(client, logger)
	if resolve {
		if _, err := res.ResolveAll(ctx, snap); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}
	return snap, res, cleanup, nil
}
