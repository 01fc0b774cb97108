package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"kernsym/internal/gdbrsp"
	"kernsym/internal/locate"
	"kernsym/internal/output"
	"kernsym/internal/session"
)

func cmdLocate(args []string) error {
	fs := flag.NewFlagSet("locate", flag.ExitOnError)
	target := fs.String("target", "", "debug stub address (overrides config)")
	cfgPath := fs.String("config", "", "YAML config file")
	attached := fs.Bool("attached", false, "kernel already booted; read the base cell directly")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall budget for discovery")
	outDir := fs.String("out", "", "write base.json to this directory")
	jsonOut := fs.Bool("json", false, "output as JSON")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *target != "" {
		cfg.Target = *target
	}
	logger := newLogger(*verbose)

	client, err := gdbrsp.Dial(cfg.Target, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	loc := locate.New(cfg.Locate, client, client, logger)
	var res locate.Result
	if *attached {
		res, err = loc.LocateAttached(ctx)
	} else {
		res, err = loc.Locate(ctx)
	}
	if err != nil {
		return err
	}

	// Publish only on success; a failed locate leaves no partial offset.
	sess := session.New()
	if err := sess.SetLoadOffset(res.Offset); err != nil {
		return err
	}

	if *outDir != "" {
		if err := output.WriteLocateJSON(*outDir, res); err != nil {
			return err
		}
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Printf("kernel base:   0x%x (via %s)\n", res.Base, res.Strategy)
	fmt.Printf("load offset:   %s\n", signedHex(res.Offset))
	fmt.Printf("\nLoad the static table with:\n")
	fmt.Printf("  add-symbol-file kernel_syms.elf -o %s\n", signedHex(res.Offset))
	return nil
}
