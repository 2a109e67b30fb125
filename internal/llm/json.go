package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyResponse is returned for a blank model reply.
var ErrEmptyResponse = errors.New("empty LLM response")

// ParseJSONResponse parses a JSON object from an LLM reply, handling markdown
// code fences and prose around the object.
func ParseJSONResponse(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	// Strip markdown code fences
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		text = strings.Join(lines[1:endIdx], "\n")
	}

	var result map[string]any
	err := json.Unmarshal([]byte(text), &result)
	if err != nil {
		start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("parsing LLM response as JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
			return nil, fmt.Errorf("parsing LLM response as JSON: %w", err)
		}
	}
	if result == nil {
		return nil, errors.New("LLM response is not a JSON object")
	}
	return result, nil
}
