package selfedit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestConfigFiles(t *testing.T, check []string) (*ConfigFiles, string) {
	t.Helper()
	dir := t.TempDir()
	orig := "- id: porch\n  alias: Porch light\n"
	if err := os.WriteFile(filepath.Join(dir, "automations.yaml"), []byte(orig), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewConfigFiles(dir, check, nil), orig
}

func TestConfigFiles_Allowlist(t *testing.T) {
	c, _ := newTestConfigFiles(t, nil)
	for _, file := range []string{"secrets.yaml", "../automations.yaml", "sub/automations.yaml"} {
		if _, err := c.Read(file); !errors.Is(err, ErrNotAllowed) {
			t.Errorf("Read(%q) err = %v, want ErrNotAllowed", file, err)
		}
		if err := c.Write(context.Background(), file, "a: 1\n"); !errors.Is(err, ErrNotAllowed) {
			t.Errorf("Write(%q) err = %v, want ErrNotAllowed", file, err)
		}
	}
}

func TestConfigFiles_WriteStagesAndBacksUp(t *testing.T) {
	c, orig := newTestConfigFiles(t, nil)
	next := "- id: porch\n  alias: Porch light at dusk\n  triggers: !include triggers.yaml\n"

	if err := c.Write(context.Background(), "automations.yaml", next); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Read("automations.yaml")
	if got != next {
		t.Errorf("content = %q", got)
	}
	bak, _ := os.ReadFile(filepath.Join(c.dir, "automations.yaml.bak"))
	if string(bak) != orig {
		t.Errorf("backup = %q", bak)
	}
}

func TestConfigFiles_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"empty", "", ErrEmptyWrite},
		{"invalid yaml", "- id: [unclosed\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, orig := newTestConfigFiles(t, nil)
			err := c.Write(context.Background(), "automations.yaml", tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			got, _ := c.Read("automations.yaml")
			if got != orig {
				t.Errorf("content changed to %q", got)
			}
		})
	}
}

func TestConfigFiles_FailedCheckRestores(t *testing.T) {
	c, orig := newTestConfigFiles(t, []string{"sh", "-c", "echo 'Invalid config for automation'; exit 1"})

	err := c.Write(context.Background(), "automations.yaml", "- id: broken\n")
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "check" {
		t.Fatalf("err = %v, want check PersistenceError", err)
	}
	got, _ := c.Read("automations.yaml")
	if got != orig {
		t.Errorf("content = %q, want restored original", got)
	}
}

func TestConfigFiles_PassingCheckKeeps(t *testing.T) {
	c, _ := newTestConfigFiles(t, []string{"sh", "-c", "exit 0"})
	if err := c.Write(context.Background(), "automations.yaml", "- id: ok\n"); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Read("automations.yaml")
	if got != "- id: ok\n" {
		t.Errorf("content = %q", got)
	}
}
