package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(\\{.*?\\})\\s*```")

// refusalError reports that the agent declined the task.
type refusalError struct {
	Reason string
}

func (e *refusalError) Error() string {
	if e.Reason == "" {
		return "agent refused"
	}
	return "agent refused: " + e.Reason
}

// extractJSON finds the JSON object in agent output. A fenced ```json block
// wins; otherwise the span from the first '{' to the last '}' is used, which
// tolerates a prose preamble.
func extractJSON(out string) (string, error) {
	if m := fencedJSONRe.FindAllStringSubmatch(out, -1); len(m) > 0 {
		return m[len(m)-1][1], nil
	}
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return "", errors.New("no JSON object in agent output")
	}
	return out[start : end+1], nil
}

// parseResponse decodes agent output into out, returning a *refusalError
// when the agent declined.
func parseResponse(out string, dst any) error {
	raw, err := extractJSON(out)
	if err != nil {
		return err
	}
	var refusal struct {
		Refused bool   `json:"refused"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &refusal); err != nil {
		return fmt.Errorf("parse agent JSON: %w", err)
	}
	if refusal.Refused {
		return &refusalError{Reason: refusal.Reason}
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("parse agent JSON: %w", err)
	}
	return nil
}
