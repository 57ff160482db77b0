package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

// Checklist markers.
const (
	MarkPending = "[ ]"
	MarkDone    = "[x]"
	MarkFailed  = "[!]"
)

// checkbox matches a checklist marker at the start of a line, optionally
// behind a list bullet.
var checkbox = regexp.MustCompile(`^(\s*(?:[-*+]\s+)?)\[[ xX!]\]`)

// TaskTag is the identifier the built-in planner appends to each checklist
// line. Matching on it avoids description collisions.
func TaskTag(id string) string {
	return "[task:" + id + "]"
}

// ChecklistLine renders one pending checklist entry for t.
func ChecklistLine(t *Task) string {
	return fmt.Sprintf("- %s %s %s", MarkPending, t.Description, TaskTag(t.ID))
}

// UpdateStatus marks the first checklist line containing match as done or
// failed. It reports whether an eligible line was found. A missing file or
// a checklist with no eligible line is not an error; the file is left as is.
// A line already carrying the requested marker is reported as updated but
// the file is not rewritten.
func UpdateStatus(path, match string, success bool) (bool, error) {
	if match == "" {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read checklist: %w", err)
	}

	mark := MarkFailed
	if success {
		mark = MarkDone
	}

	lines := bytes.SplitAfter(data, []byte("\n"))
	for i, line := range lines {
		text := string(line)
		loc := checkbox.FindStringSubmatchIndex(text)
		if loc == nil || !strings.Contains(text, match) {
			continue
		}
		prefix := text[loc[2]:loc[3]]
		updated := prefix + mark + text[loc[1]:]
		if updated == text {
			return true, nil
		}
		lines[i] = []byte(updated)
		info, err := os.Stat(path)
		if err != nil {
			return false, fmt.Errorf("stat checklist: %w", err)
		}
		if err := os.WriteFile(path, bytes.Join(lines, nil), info.Mode().Perm()); err != nil {
			return false, fmt.Errorf("write checklist: %w", err)
		}
		return true, nil
	}
	return false, nil
}
