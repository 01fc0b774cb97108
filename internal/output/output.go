// Package output writes kernsym results to artifact files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"kernsym/internal/jitreg"
	"kernsym/internal/locate"
)

// WriteLocateJSON writes a base-discovery result to base.json.
func WriteLocateJSON(dir string, res locate.Result) error {
	return writeJSON(filepath.Join(dir, "base.json"), res)
}

// WriteRegistryJSON writes a registry snapshot to registry.json.
func WriteRegistryJSON(dir string, snap *jitreg.Snapshot) error {
	return writeJSON(filepath.Join(dir, "registry.json"), snap)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("output: mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
