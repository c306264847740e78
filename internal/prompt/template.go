// Package prompt renders the agent prompt templates.
package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// tagRe matches the three tag forms: {{#if name}}, {{/if}} and {{name}}.
var tagRe = regexp.MustCompile(`\{\{(?:#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*|(/if)|([a-zA-Z_][a-zA-Z0-9_]*))\}\}`)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

type nodeKind int

const (
	textNode nodeKind = iota
	varNode
	ifNode
)

type node struct {
	kind nodeKind
	text string // textNode
	name string // varNode, ifNode
	body []node // ifNode
}

// Render expands tmpl with vars in a single pass.
//
//	{{name}}                  the value of name; an error if name is unset
//	{{#if name}}...{{/if}}    the body when name is set and non-empty
//
// Blocks nest. Placeholders inside an omitted block are not required, and
// values are inserted literally, never expanded again.
func Render(tmpl string, vars Vars) (string, error) {
	nodes, err := parse(tmpl)
	if err != nil {
		return "", err
	}
	var (
		b       strings.Builder
		missing []string
	)
	eval(nodes, vars, &b, &missing)
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return b.String(), nil
}

func parse(tmpl string) ([]node, error) {
	type block struct {
		name  string
		at    int
		nodes []node
	}
	stack := []*block{{}}
	last := 0
	for _, loc := range tagRe.FindAllStringSubmatchIndex(tmpl, -1) {
		top := stack[len(stack)-1]
		if loc[0] > last {
			top.nodes = append(top.nodes, node{kind: textNode, text: tmpl[last:loc[0]]})
		}
		last = loc[1]

		switch {
		case loc[2] >= 0:
			stack = append(stack, &block{name: tmpl[loc[2]:loc[3]], at: loc[0]})
		case loc[4] >= 0:
			if len(stack) == 1 {
				return nil, fmt.Errorf("dangling {{/if}} at offset %d", loc[0])
			}
			stack = stack[:len(stack)-1]
			parent := stack[len(stack)-1]
			parent.nodes = append(parent.nodes, node{kind: ifNode, name: top.name, body: top.nodes})
		default:
			top.nodes = append(top.nodes, node{kind: varNode, name: tmpl[loc[6]:loc[7]]})
		}
	}
	if len(stack) > 1 {
		open := stack[len(stack)-1]
		return nil, fmt.Errorf("unclosed conditional block {{#if %s}} at offset %d", open.name, open.at)
	}
	root := stack[0]
	if last < len(tmpl) {
		root.nodes = append(root.nodes, node{kind: textNode, text: tmpl[last:]})
	}
	return root.nodes, nil
}

func eval(nodes []node, vars Vars, b *strings.Builder, missing *[]string) {
	for _, n := range nodes {
		switch n.kind {
		case textNode:
			b.WriteString(n.text)
		case varNode:
			v, ok := vars[n.name]
			if !ok {
				if !slices.Contains(*missing, n.name) {
					*missing = append(*missing, n.name)
				}
				continue
			}
			b.WriteString(v)
		case ifNode:
			if vars[n.name] != "" {
				eval(n.body, vars, b, missing)
			}
		}
	}
}

// Template names the agent adapter renders.
const (
	ValidateTemplate  = "validate.md"
	ImplementTemplate = "implement.md"
	ReviewTemplate    = "review.md"
)

// Loader resolves templates by name. Files in Dir override the builtin
// templates of the same name.
type Loader struct {
	Dir string
}

// Load returns the template for name.
func (l Loader) Load(name string) (string, error) {
	if l.Dir != "" {
		path := filepath.Join(l.Dir, name)
		// Prevent path traversal: resolved path must be within Dir
		absPath, err := filepath.Abs(path)
		if err == nil {
			absDir, err2 := filepath.Abs(l.Dir)
			if err2 == nil && !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
				return "", fmt.Errorf("template path %q escapes %s", name, l.Dir)
			}
		}
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read template %q: %w", name, err)
		}
	}

	tmpl, ok := builtinTemplates[name]
	if !ok {
		return "", fmt.Errorf("template %q not found", name)
	}
	return tmpl, nil
}

// Overridden reports whether Dir holds a file for name.
func (l Loader) Overridden(name string) bool {
	if l.Dir == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(l.Dir, name))
	return err == nil && !info.IsDir()
}

// RenderNamed loads the named template and renders it with vars.
func (l Loader) RenderNamed(name string, vars Vars) (string, error) {
	tmpl, err := l.Load(name)
	if err != nil {
		return "", err
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

// Names returns the builtin template names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for name := range builtinTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstallBuiltinTemplates writes the builtin templates into dir so they can
// be customized. Existing files are left untouched. It returns the names of
// the templates written.
func InstallBuiltinTemplates(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}

	var written []string
	for _, name := range Names() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		if err := os.WriteFile(path, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}
