package cli

import (
	"strings"
	"testing"
)

// setupHome points HOME at a temp dir so the database, file store and
// config lookups stay inside the test.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestQueue_AddListRemove(t *testing.T) {
	setupHome(t)

	out, err := executeCommand("queue", "add", "12", "github#13")
	if err != nil {
		t.Fatalf("queue add: %v", err)
	}
	if !strings.Contains(out, "Added 2 issue(s)") {
		t.Errorf("unexpected add output: %s", out)
	}

	out, err = executeCommand("queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	for _, want := range []string{"github#12", "github#13", "pending", "(project)"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}

	if _, err := executeCommand("queue", "add", "12"); err == nil {
		t.Error("expected error adding a duplicate issue")
	}

	out, err = executeCommand("queue", "remove", "12")
	if err != nil {
		t.Fatalf("queue remove: %v", err)
	}
	if !strings.Contains(out, "Removed github#12") {
		t.Errorf("unexpected remove output: %s", out)
	}
	if _, err := executeCommand("queue", "remove", "12"); err == nil {
		t.Error("expected error removing an issue not in the queue")
	}
}

func TestQueue_AddWithMaturity(t *testing.T) {
	setupHome(t)
	t.Cleanup(func() { rootCmd.PersistentFlags().Set("maturity", "") })

	if _, err := executeCommand("queue", "add", "--maturity", "Mature", "20"); err != nil {
		t.Fatalf("queue add: %v", err)
	}
	out, err := executeCommand("queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "mature") {
		t.Errorf("maturity not recorded:\n%s", out)
	}
}

func TestQueue_AddInvalidKey(t *testing.T) {
	setupHome(t)
	if _, err := executeCommand("queue", "add", "abc"); err == nil {
		t.Error("expected error for a non-numeric issue")
	}
	if _, err := executeCommand("queue", "add", "gitlab#4"); err == nil {
		t.Error("expected error for an issue on another platform")
	}
}

func TestQueue_ClearRequiresConfirm(t *testing.T) {
	setupHome(t)
	if _, err := executeCommand("queue", "add", "1", "2"); err != nil {
		t.Fatalf("queue add: %v", err)
	}
	if _, err := executeCommand("queue", "clear"); err == nil {
		t.Error("expected error without --confirm")
	}
	t.Cleanup(func() { queueClearCmd.Flags().Set("confirm", "false") })
	out, err := executeCommand("queue", "clear", "--confirm")
	if err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	if !strings.Contains(out, "Cleared 2 item(s)") {
		t.Errorf("unexpected clear output: %s", out)
	}
}
