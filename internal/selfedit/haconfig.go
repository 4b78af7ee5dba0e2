package selfedit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFiles are the Home Assistant YAML files the assistant may
// read and write.
var DefaultConfigFiles = []string{
	"automations.yaml",
	"configuration.yaml",
	"scripts.yaml",
	"scenes.yaml",
	"sensors.yaml",
}

// ConfigFiles edits a fixed set of Home Assistant YAML files. Writes are
// staged: the new file is parsed, the old one backed up, the new one
// atomically swapped in and, when a check command is configured,
// validated with a restore on failure. It never reloads Home Assistant;
// that is a separate, explicit step.
type ConfigFiles struct {
	dir     string
	allowed map[string]bool
	check   []string
	timeout time.Duration
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewConfigFiles creates an editor over dir. check is an optional
// command (argv) run after each write; a non-zero exit restores the
// previous file.
func NewConfigFiles(dir string, check []string, logger *slog.Logger) *ConfigFiles {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(DefaultConfigFiles))
	for _, f := range DefaultConfigFiles {
		allowed[f] = true
	}
	return &ConfigFiles{
		dir:     dir,
		allowed: allowed,
		check:   check,
		timeout: 2 * time.Minute,
		logger:  logger,
	}
}

// Allowed lists the editable file names.
func (c *ConfigFiles) Allowed() []string {
	out := make([]string, 0, len(c.allowed))
	for f := range c.allowed {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (c *ConfigFiles) resolve(file string) (string, error) {
	base := filepath.Base(file)
	if base != file || !c.allowed[base] {
		return "", fmt.Errorf("%s: %w (allowed: %s)", file, ErrNotAllowed, strings.Join(c.Allowed(), ", "))
	}
	return filepath.Join(c.dir, base), nil
}

// Read returns a config file's content.
func (c *ConfigFiles) Read(file string) (string, error) {
	p, err := c.resolve(file)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s does not exist", file)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	return string(data), nil
}

// Write stages new content for file. On any error the previous file is
// left (or put back) in place.
func (c *ConfigFiles) Write(ctx context.Context, file, content string) error {
	p, err := c.resolve(file)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return &PersistenceError{Op: "write", Path: p, Err: ErrEmptyWrite}
	}
	if err := ValidateYAML(content); err != nil {
		return &PersistenceError{Op: "validate", Path: p, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, readErr := os.ReadFile(p)
	hadPrev := readErr == nil
	if hadPrev {
		if err := writeAtomic(p+".bak", prev, 0o644); err != nil {
			return err
		}
	}

	if err := writeAtomic(p, []byte(content), 0o644); err != nil {
		return err
	}

	if len(c.check) > 0 {
		if out, err := c.runCheck(ctx); err != nil {
			c.logger.Warn("config check failed, restoring", "file", file, "error", err, "output", out)
			if hadPrev {
				if rerr := writeAtomic(p, prev, 0o644); rerr != nil {
					return fmt.Errorf("check failed (%v) and restore failed: %w", err, rerr)
				}
			} else {
				os.Remove(p)
			}
			return &PersistenceError{Op: "check", Path: p, Err: fmt.Errorf("%v: %s", err, strings.TrimSpace(out))}
		}
	}

	c.logger.Info("home assistant config written", "file", file, "bytes", len(content))
	return nil
}

func (c *ConfigFiles) runCheck(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.check[0], c.check[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// ValidateYAML parses content as YAML. Home Assistant's custom tags
// (!include, !secret, !input) are left unresolved and accepted.
func ValidateYAML(content string) error {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(content), &node); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	return nil
}
