package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/heatsync/internal/defaults"
)

// runInit prepares a HeatSync working directory: a data directory and
// an example config.yaml. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing HeatSync in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", dataDir)

	// The config may carry broker credentials.
	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to set the sensor, link interface and broker.")
	return nil
}

// writeIfMissing writes content to path only if nothing is there yet.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
