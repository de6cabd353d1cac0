package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/scrypster/semspace/pkg/types"
)

// Models wrap JSON output in markdown fences, prepend commentary, or leave
// trailing commas behind. The helpers here clean those up before decoding,
// so a recoverable formatting slip does not cost a retry round.

var (
	trailingCommaObject = regexp.MustCompile(`,(\s*})`)
	trailingCommaArray  = regexp.MustCompile(`,(\s*])`)
)

// stripMarkdownFences removes a surrounding ```json or ``` code block if the
// response is wrapped in one.
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```json"); idx != -1 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	} else if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+len("```"):]
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}

// extractJSON returns the first balanced JSON object or array in s, scanning
// past any leading commentary. String contents are skipped so braces inside
// values do not confuse the balance count.
func extractJSON(s string) (string, error) {
	s = stripMarkdownFences(s)

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	open := s[start]
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON in response")
}

// repairJSON removes trailing commas before closing braces and brackets, the
// most common malformation in model output.
func repairJSON(s string) string {
	s = trailingCommaObject.ReplaceAllString(s, "$1")
	s = trailingCommaArray.ReplaceAllString(s, "$1")
	return s
}

// decodeJSON extracts, decodes and if necessary repairs-then-decodes the JSON
// payload of a model response into v.
func decodeJSON(response string, v interface{}) error {
	payload, err := extractJSON(response)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		repaired := repairJSON(payload)
		if err2 := json.Unmarshal([]byte(repaired), v); err2 != nil {
			return fmt.Errorf("invalid JSON in response: %w", err)
		}
	}
	return nil
}

// ParseSemanticStructure decodes a model extraction response. The result is
// sanitized: mentions without a name are dropped.
func ParseSemanticStructure(response string) (*types.SemanticStructure, error) {
	var structure types.SemanticStructure
	if err := decodeJSON(response, &structure); err != nil {
		return nil, fmt.Errorf("failed to parse semantic structure: %w", err)
	}
	structure.Sanitize()
	return &structure, nil
}

// ParseWorkspace decodes a model merge response into a workspace. The caller
// validates the result; this only guarantees well-formed JSON of the right
// shape.
func ParseWorkspace(response string) (*types.Workspace, error) {
	var ws types.Workspace
	if err := decodeJSON(response, &ws); err != nil {
		return nil, fmt.Errorf("failed to parse workspace: %w", err)
	}
	return &ws, nil
}
