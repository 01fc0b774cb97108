package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"time"

	"github.com/kr/pretty"

	"kernsym/internal/gdbrsp"
)

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	target := fs.String("target", "", "debug stub address; omit for offline info")
	cfgPath := fs.String("config", "", "YAML config file")
	verbose := fs.Bool("verbose", false, "dump the full effective configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	lc := cfg.Locate

	fmt.Printf("marker cell:          0x%x\n", lc.MarkerAddr)
	fmt.Printf("image base cell:      0x%x\n", lc.ImageBaseAddr())
	fmt.Printf("expected marker:      0x%x\n", lc.MarkerValue)
	fmt.Printf("preferred image base: 0x%x\n", lc.PreferredBase)

	if *verbose {
		fmt.Printf("\neffective configuration:\n%# v\n", pretty.Formatter(cfg))
	}

	if *target == "" && cfg.Target == "" {
		return nil
	}
	addr := cfg.Target
	if *target != "" {
		addr = *target
	}

	logger := newLogger(*verbose)
	client, err := gdbrsp.Dial(addr, logger)
	if err != nil {
		fmt.Printf("\n(not connected: %v)\n", err)
		return nil
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	readCell := func(a uint64) (uint64, bool) {
		buf, err := client.ReadMemory(ctx, a, 8)
		if err != nil || len(buf) < 8 {
			return 0, false
		}
		return binary.LittleEndian.Uint64(buf), true
	}

	marker, ok1 := readCell(lc.MarkerAddr)
	base, ok2 := readCell(lc.ImageBaseAddr())
	if !ok1 && !ok2 {
		fmt.Printf("\n(marker cells unreadable; channel not ready?)\n")
		return nil
	}
	fmt.Printf("\ncurrent marker:       0x%x\n", marker)
	fmt.Printf("current image base:   0x%x\n", base)
	if base != 0 {
		fmt.Printf("required offset:      %s\n", signedHex(int64(base)-int64(lc.PreferredBase)))
	}
	return nil
}
