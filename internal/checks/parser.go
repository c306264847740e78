package checks

// Issue is one problem a check reported, such as a lint message or a
// failing test.
type Issue struct {
	Location string `json:"location"`
	Rule     string `json:"rule,omitempty"`
	Message  string `json:"message"`
}

// ParseResult holds the normalized output from a parser.
type ParseResult struct {
	Passed  bool    `json:"passed"`
	Summary string  `json:"summary"`
	Issues  []Issue `json:"issues,omitempty"`
	// Output is the tail of the raw output, kept when a failure could not be
	// broken down into issues.
	Output string `json:"output,omitempty"`
}

// Parser converts raw command output into a structured ParseResult.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) ParseResult
}

// maxOutputLen caps how much raw output a result retains.
const maxOutputLen = 4000

// tail joins stdout and stderr and keeps the end, where error summaries
// usually are.
func tail(stdout, stderr string) string {
	combined := stdout
	if stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += stderr
	}
	if len(combined) > maxOutputLen {
		combined = "...(truncated)\n" + combined[len(combined)-maxOutputLen:]
	}
	return combined
}
