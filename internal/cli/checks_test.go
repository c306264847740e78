package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeHomeConfig(t *testing.T, home, content string) {
	t.Helper()
	dir := filepath.Join(home, ".devflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestChecks_NoneConfigured(t *testing.T) {
	setupHome(t)
	out, err := executeCommand("checks")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No checks configured") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestChecks_ReportsResults(t *testing.T) {
	home := setupHome(t)
	writeHomeConfig(t, home, `project:
  repo: acme/widgets
checks:
  - name: ok
    command: "true"
  - name: vet
    command: "echo 'a.go:1:1: bad'; exit 1"
    parser: lines
`)

	out, err := executeCommand("checks")
	if err == nil || !strings.Contains(err.Error(), "1 finding(s)") {
		t.Errorf("expected finding error, got %v", err)
	}
	for _, want := range []string{"ok", "pass", "vet", "fail", "1 issues"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
