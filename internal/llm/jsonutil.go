package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	// fencedObjectPattern matches a JSON object inside a markdown code fence.
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// bareObjectPattern matches the widest brace-delimited span.
	bareObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

var errNoJSONObject = errors.New("no JSON object in model output")

// DecodeObject pulls the JSON object out of a model reply and decodes it.
// Replies may wrap the object in a code fence or surround it with prose, and
// often carry // comments or trailing commas.
func DecodeObject(text string) (map[string]any, error) {
	raw := findObject(text)
	if raw == "" {
		return nil, errNoJSONObject
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(tidyJSON(raw)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func findObject(text string) string {
	if m := fencedObjectPattern.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return bareObjectPattern.FindString(text)
}

// tidyJSON strips line comments outside string literals and trailing commas.
func tidyJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment cuts a trailing // comment unless it sits inside a string.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		switch ch := line[i]; {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
