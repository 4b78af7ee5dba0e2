package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/jarvis/internal/defaults"
	"github.com/nugget/jarvis/internal/selfedit"
)

// runInit initializes a Jarvis working directory with the example
// config and the starting personality and briefing documents. Existing
// files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Jarvis workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// The config carries API keys and tokens.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	docs := []struct {
		name    selfedit.Name
		content []byte
	}{
		{selfedit.Personality, defaults.PersonalityMD},
		{selfedit.Briefing, defaults.BriefingMD},
	}
	for _, d := range docs {
		if err := writeIfMissing(w, filepath.Join(dataDir, d.name.FileName()), d.content, 0o644); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml (or .env) with your Home Assistant, Telegram and model keys.")
	fmt.Fprintln(w, "Jarvis edits the documents in data/ itself; you can too.")
	return nil
}

// writeIfMissing creates path with content and mode unless it already
// exists, and reports which happened to w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
			return nil
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
