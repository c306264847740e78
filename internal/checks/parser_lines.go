package checks

import (
	"fmt"
	"regexp"
	"strings"
)

// LineParser parses the "file:line[:col]: message" format shared by go vet,
// golangci-lint, staticcheck, flake8 and mypy.
type LineParser struct{}

var lineRe = regexp.MustCompile(`^(\S+?\.\w+):(\d+)(?::(\d+))?:\s*(.+)$`)

// Linters that name the rule print it in parentheses at the end.
var ruleSuffixRe = regexp.MustCompile(`\s+\(([\w-]+)\)$`)

func (p *LineParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var issues []Issue
	for _, out := range []string{stdout, stderr} {
		for _, line := range strings.Split(out, "\n") {
			m := lineRe.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				continue
			}
			issue := Issue{Location: m[1] + ":" + m[2], Message: m[4]}
			if r := ruleSuffixRe.FindStringSubmatch(issue.Message); r != nil {
				issue.Rule = r[1]
				issue.Message = strings.TrimSuffix(issue.Message, r[0])
			}
			issues = append(issues, issue)
		}
	}

	if exitCode == 0 && len(issues) == 0 {
		return ParseResult{Passed: true, Summary: "no issues"}
	}
	res := ParseResult{
		Passed:  exitCode == 0,
		Summary: fmt.Sprintf("%d issues", len(issues)),
		Issues:  issues,
	}
	if len(issues) == 0 {
		res.Summary = fmt.Sprintf("exit code %d", exitCode)
		res.Output = tail(stdout, stderr)
	}
	return res
}
