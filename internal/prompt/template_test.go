package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"plain text", "No variables here.", Vars{}, "No variables here."},
		{"variables", "Fix #{{issue_number}} on {{branch}}.", Vars{"issue_number": "42", "branch": "devflow/42"}, "Fix #42 on devflow/42."},
		{"block kept", "A{{#if diff}}[{{diff}}]{{/if}}B", Vars{"diff": "+x"}, "A[+x]B"},
		{"block dropped when unset", "A{{#if diff}}[{{diff}}]{{/if}}B", Vars{}, "AB"},
		{"block dropped when empty", "{{#if diff}}has diff{{/if}}", Vars{"diff": ""}, ""},
		{"sibling blocks", "{{#if a}}A={{a}}{{/if}} {{#if b}}B={{b}}{{/if}}", Vars{"a": "1"}, "A=1 "},
		{"nested both set", "{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}", Vars{"a": "y", "b": "y"}, "outer inner end"},
		{"nested inner unset", "{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}", Vars{"a": "y"}, "outer  end"},
		{"nested outer unset", "S{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}F", Vars{"b": "y"}, "SF"},
		{"omitted block needs no vars", "S{{#if x}}with {{y}}{{/if}}M", Vars{}, "SM"},
		{"space before closing braces", "{{#if x }}on{{/if}}", Vars{"x": "y"}, "on"},
		{"newline after if", "{{#if\nx}}on{{/if}}", Vars{"x": "y"}, "on"},
		{"value with tag syntax is literal", "Hello {{name}}", Vars{"name": "{{evil}}"}, "Hello {{evil}}"},
		{"value naming another var is literal", "{{a}} and {{b}}", Vars{"a": "{{b}}", "b": "hello"}, "{{b}} and hello"},
		{"value with end tag inside block", "{{#if note}}Note: {{note}}{{/if}} done", Vars{"note": "use {{/if}} carefully"}, "Note: use {{/if}} carefully done"},
		{"unknown tag forms stay literal", "{{ spaced }} {{#each x}}", Vars{}, "{{ spaced }} {{#each x}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_MissingVariables(t *testing.T) {
	_, err := Render("{{a}} {{b}} {{a}} {{#if c}}{{d}}{{/if}}", Vars{})
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	if got := err.Error(); got != "missing template variables: a, b" {
		t.Errorf("error = %q", got)
	}
}

func TestRender_Malformed(t *testing.T) {
	tests := []struct {
		name, tmpl, want string
	}{
		{"unclosed", "START{{#if x}}content MORE", "unclosed conditional block {{#if x}}"},
		{"unclosed inner", "{{#if a}}{{#if b}}x{{/if}}", "unclosed conditional block {{#if a}}"},
		{"dangling close", "text{{/if}}", "dangling {{/if}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.tmpl, Vars{"x": "y", "a": "y", "b": "y"})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func implementVars() Vars {
	return Vars{
		"issue_key":        "github#42",
		"issue_title":      "Add auth",
		"issue_body":       "Implement authentication.",
		"branch":           "devflow/42",
		"attempt":          "2",
		"max_iterations":   "3",
		"maturity":         "stable",
		"strictness":       "strict",
		"coverage_target":  "80",
		"breaking_changes": "not allowed",
	}
}

func TestRender_ImplementTemplate(t *testing.T) {
	vars := implementVars()
	vars["review_feedback"] = "- [blocking] auth.go:3 (security): token logged"

	result, err := Loader{}.RenderNamed(ImplementTemplate, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Add auth", "Attempt: 2 of 3", "token logged", `"branch": "devflow/42"`} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %q in output", want)
		}
	}
	if strings.Contains(result, "Prior Context") {
		t.Errorf("prior context block should be omitted when empty")
	}
}

func TestRender_ValidateTemplate(t *testing.T) {
	vars := Vars{
		"issue_key":   "github#42",
		"issue_title": "Add auth",
		"issue_body":  "Implement authentication.",
	}
	result, err := Loader{}.RenderNamed(ValidateTemplate, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result, `"clarifications"`) || !strings.Contains(result, `"refused": true`) {
		t.Errorf("expected response schema in output:\n%s", result)
	}
}

func TestRender_ReviewTemplate_OptionalBlocks(t *testing.T) {
	vars := Vars{"branch": "devflow/1", "summary": "Adds auth"}
	result, err := Loader{}.RenderNamed(ReviewTemplate, vars)
	if err != nil {
		t.Fatalf("review template should render without diff or files: %v", err)
	}
	if strings.Contains(result, "### Diff") {
		t.Errorf("diff block should be omitted when empty")
	}

	vars["diff"] = "+added line"
	result, err = Loader{}.RenderNamed(ReviewTemplate, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result, "+added line") {
		t.Errorf("expected diff in output")
	}
}

func TestRender_ImplementTemplate_MissingVar(t *testing.T) {
	vars := implementVars()
	delete(vars, "maturity")
	_, err := Loader{}.RenderNamed(ImplementTemplate, vars)
	if err == nil || !strings.Contains(err.Error(), "maturity") {
		t.Errorf("expected missing maturity error, got %v", err)
	}
}

func TestLoader_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ReviewTemplate), []byte("custom template"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	l := Loader{Dir: dir}
	result, err := l.Load(ReviewTemplate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "custom template" {
		t.Errorf("expected 'custom template', got %q", result)
	}

	// Templates not in Dir fall back to the builtin.
	result, err = l.Load(ValidateTemplate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != validateTemplate {
		t.Errorf("expected builtin validate template")
	}

	if !l.Overridden(ReviewTemplate) || l.Overridden(ValidateTemplate) {
		t.Error("Overridden should report only the file present in Dir")
	}
	if (Loader{}).Overridden(ReviewTemplate) {
		t.Error("a loader without Dir overrides nothing")
	}
}

func TestLoader_NotFound(t *testing.T) {
	if _, err := (Loader{}).Load("nonexistent.md"); err == nil {
		t.Fatal("expected error for missing template")
	}
	if _, err := (Loader{Dir: t.TempDir()}).Load("nonexistent.md"); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestLoader_PathTraversal(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "secret.txt"), []byte("TOP SECRET DATA"), 0o644); err != nil {
		t.Fatal(err)
	}

	content, err := Loader{Dir: dir}.Load("../secret.txt")
	if err == nil {
		t.Errorf("path traversal succeeded: read file outside template dir: %q", content)
	}
}

func TestInstallBuiltinTemplates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ReviewTemplate), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := InstallBuiltinTemplates(dir)
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(written) != 2 {
		t.Errorf("expected 2 templates written, got %v", written)
	}
	data, err := os.ReadFile(filepath.Join(dir, ReviewTemplate))
	if err != nil || string(data) != "mine" {
		t.Errorf("existing template was overwritten: %q, %v", data, err)
	}

	written, err = InstallBuiltinTemplates(dir)
	if err != nil {
		t.Fatalf("second install error: %v", err)
	}
	if len(written) != 0 {
		t.Errorf("second install wrote %v", written)
	}
}

func TestNames(t *testing.T) {
	got := Names()
	want := []string{"implement.md", "review.md", "validate.md"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
