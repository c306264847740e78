package checks

import "fmt"

// GenericParser is the fallback parser: exit code plus the output tail.
type GenericParser struct{}

func (p *GenericParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	if exitCode == 0 {
		return ParseResult{Passed: true, Summary: "passed (exit code 0)"}
	}
	return ParseResult{
		Summary: fmt.Sprintf("exit code %d", exitCode),
		Output:  tail(stdout, stderr),
	}
}
