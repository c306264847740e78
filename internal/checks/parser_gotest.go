package checks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GoTestParser parses the event stream of "go test -json".
type GoTestParser struct{}

type goTestEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
	Output  string `json:"Output"`
}

// maxTestOutput bounds the output kept per failing test.
const maxTestOutput = 1500

func (p *GoTestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var (
		passed, failed int
		issues         []Issue
		sawEvents      bool
	)
	output := map[string]*strings.Builder{}
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		sawEvents = true
		if ev.Test == "" {
			continue
		}
		id := ev.Package + "." + ev.Test
		switch ev.Action {
		case "output":
			b, ok := output[id]
			if !ok {
				b = &strings.Builder{}
				output[id] = b
			}
			if b.Len() < maxTestOutput {
				b.WriteString(ev.Output)
			}
		case "pass":
			passed++
		case "fail":
			failed++
			msg := "test failed"
			if b, ok := output[id]; ok {
				msg = strings.TrimSpace(b.String())
			}
			issues = append(issues, Issue{Location: ev.Package, Rule: ev.Test, Message: msg})
		}
	}

	if !sawEvents {
		res := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		res.Summary += " (no go test -json events)"
		return res
	}

	res := ParseResult{
		Passed:  exitCode == 0 && failed == 0,
		Summary: fmt.Sprintf("%d passed, %d failed", passed, failed),
		Issues:  issues,
	}
	// A build failure fails the package without any failing test.
	if !res.Passed && failed == 0 {
		res.Output = tail(stdout, stderr)
	}
	return res
}
