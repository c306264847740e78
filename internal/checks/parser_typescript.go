package checks

import (
	"fmt"
	"regexp"
	"strings"
)

// TypeScriptParser parses tsc --noEmit output.
type TypeScriptParser struct{}

// tsc output format: src/auth.ts(42,5): error TS2345: Argument of type...
var tscLineRe = regexp.MustCompile(`^(.+)\((\d+),(\d+)\):\s+error\s+(TS\d+):\s+(.+)$`)

func (p *TypeScriptParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var issues []Issue

	// tsc outputs to stdout
	for _, line := range strings.Split(stdout, "\n") {
		m := tscLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		issues = append(issues, Issue{
			Location: m[1] + ":" + m[2],
			Rule:     m[4],
			Message:  m[5],
		})
	}

	if exitCode == 0 {
		return ParseResult{Passed: true, Summary: "no errors"}
	}
	return ParseResult{
		Summary: fmt.Sprintf("%d errors", len(issues)),
		Issues:  issues,
	}
}
