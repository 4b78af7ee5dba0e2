package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/jarvis/internal/buildinfo"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run(%q) error: %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: jarvis") {
			t.Errorf("run(%q) output = %q, want usage", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-x"}, "unknown flag: -x"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: jarvis ask"},
		{"missing explicit config", []string{"-config", "/nonexistent/jarvis.yaml", "ask", "hi"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil {
				t.Fatalf("run(%q) succeeded, want error containing %q", tt.args, tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, buildinfo.String()) {
		t.Errorf("version output missing summary line:\n%s", out)
	}
	if !strings.Contains(out, "git_commit:") {
		t.Errorf("version output missing git_commit field:\n%s", out)
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version JSON: %v\n%s", err, stdout.String())
	}
	if info["version"] != buildinfo.Version {
		t.Errorf("version = %q, want %q", info["version"], buildinfo.Version)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "timezone: Not/AZone\nanthropic:\n  api_key: sk-test\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "briefing"})
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("run briefing with bad timezone: err = %v, want invalid config", err)
	}
}

func TestLoadConfig_Explicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("bot_name: Friday\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, got, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
	if cfg.BotName != "Friday" {
		t.Errorf("BotName = %q, want Friday", cfg.BotName)
	}
}
