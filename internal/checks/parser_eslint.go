package checks

import (
	"encoding/json"
	"fmt"
)

// ESLintParser parses ESLint JSON output.
type ESLintParser struct{}

type eslintFile struct {
	FilePath string          `json:"filePath"`
	Messages []eslintMessage `json:"messages"`
}

type eslintMessage struct {
	RuleID   string `json:"ruleId"`
	Severity int    `json:"severity"` // 1=warning, 2=error
	Message  string `json:"message"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Fix      *struct {
		Range [2]int `json:"range"`
		Text  string `json:"text"`
	} `json:"fix"`
}

func (p *ESLintParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var files []eslintFile
	if err := json.Unmarshal([]byte(stdout), &files); err != nil {
		return ParseResult{
			Passed:  exitCode == 0,
			Summary: fmt.Sprintf("exit code %d (could not parse ESLint JSON)", exitCode),
			Output:  tail(stdout, stderr),
		}
	}

	var errs, warnings, fixable int
	var issues []Issue
	for _, f := range files {
		for _, m := range f.Messages {
			if m.Fix != nil {
				fixable++
			}
			// Warnings do not fail the check.
			if m.Severity != 2 {
				warnings++
				continue
			}
			errs++
			issues = append(issues, Issue{
				Location: fmt.Sprintf("%s:%d", f.FilePath, m.Line),
				Rule:     m.RuleID,
				Message:  m.Message,
			})
		}
	}

	return ParseResult{
		Passed:  errs == 0,
		Summary: fmt.Sprintf("%d errors, %d warnings, %d fixable", errs, warnings, fixable),
		Issues:  issues,
	}
}
