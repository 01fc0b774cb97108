package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"kernsym/internal/jitreg"
	"kernsym/internal/locate"
)

// toolConfig is the optional YAML overlay for the protocol constants and
// scan tuning. Everything defaults to the stock QEMU boot environment;
// the file only needs the knobs being changed.
type toolConfig struct {
	Target string        `yaml:"target"`
	Locate locate.Config `yaml:"locate"`
	Jit    jitreg.Config `yaml:"jit"`
}

func defaultToolConfig() toolConfig {
	return toolConfig{
		Target: "localhost:1234",
		Locate: locate.DefaultConfig(),
		Jit:    jitreg.DefaultConfig(),
	}
}

// parseAddr accepts the address forms flags take: hex with 0x, octal, or
// decimal.
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return v, nil
}

// loadConfig overlays the YAML file, when given, onto the defaults.
func loadConfig(path string) (toolConfig, error) {
	cfg := defaultToolConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
