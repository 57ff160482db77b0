package plan

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON is returned when no JSON object can be recovered from a reply.
var ErrNoJSON = errors.New("no JSON object found in model output")

// maxBraceCandidates bounds the backward scan over opening braces.
const maxBraceCandidates = 64

// RecoverJSON extracts a JSON object from free-form model output.
//
// The whole text is tried first. Failing that, the text is cut at its last
// closing brace and opening braces are tried from the end backwards; the
// outermost candidate that parses wins. As a last resort the braced region
// is handed to jsonrepair. The result is best effort: callers validate it.
func RecoverJSON(text string) ([]byte, error) {
	text = stripFences(strings.TrimSpace(text))
	if text == "" {
		return nil, ErrNoJSON
	}
	if isObject(text) {
		return []byte(text), nil
	}

	end := strings.LastIndexByte(text, '}')
	if end < 0 {
		return nil, ErrNoJSON
	}
	var best string
	pos := end
	for tries := 0; tries < maxBraceCandidates; tries++ {
		start := strings.LastIndexByte(text[:pos], '{')
		if start < 0 {
			break
		}
		if candidate := text[start : end+1]; isObject(candidate) {
			best = candidate
		}
		pos = start
	}
	if best != "" {
		return []byte(best), nil
	}

	start := strings.IndexByte(text, '{')
	if start < 0 || start > end {
		return nil, ErrNoJSON
	}
	repaired, err := jsonrepair.JSONRepair(text[start : end+1])
	if err != nil || !isObject(repaired) {
		return nil, ErrNoJSON
	}
	return []byte(repaired), nil
}

func isObject(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var m map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &m) == nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
