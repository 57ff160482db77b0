// task.go defines the task record produced by the planner and consumed by the
// orchestrator, plus loading of the structured task list.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Status is the persisted outcome of a task record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// NoneSentinel marks a task without input files.
const NoneSentinel = "none"

// ErrNotList is returned when the task-list file does not hold a JSON array.
var ErrNotList = errors.New("plan is not a list")

// Task is one planned unit of work.
//
// Lifecycle: pending -> success | failed
//
// Only Status changes after the planner writes the record.
type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	CallName    string   `json:"call_name"`
	AgentID     string   `json:"agent_id"`
	Inputs      FileList `json:"inputs"`
	Outputs     FileList `json:"outputs"`
	Status      Status   `json:"status,omitempty"`
}

// UnmarshalJSON accepts the planner's "input" spelling as an alias of
// "inputs" and fills defaults for missing display fields.
func (t *Task) UnmarshalJSON(data []byte) error {
	type raw Task
	var aux struct {
		raw
		Input FileList `json:"input"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Task(aux.raw)
	if len(t.Inputs) == 0 && len(aux.Input) > 0 {
		t.Inputs = aux.Input
	}
	if t.Description == "" {
		t.Description = "Unnamed Task"
	}
	if t.CallName == "" {
		t.CallName = "unknown_action"
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	return nil
}

// PrimaryOutput returns outputs[0], or "" when the task declares none.
func (t *Task) PrimaryOutput() string {
	if len(t.Outputs) == 0 {
		return ""
	}
	return t.Outputs[0]
}

// FileList is an ordered list of workspace filenames. It decodes from either
// a JSON array or a single string so that `"NONE"` and `["a.md"]` both work.
type FileList []string

func (l *FileList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = FileList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("file list must be a string or an array of strings: %w", err)
	}
	*l = many
	return nil
}

// Files returns the entries that name real files, dropping blanks and the
// case-insensitive "none" sentinel.
func (l FileList) Files() []string {
	var out []string
	for _, f := range l {
		f = strings.TrimSpace(f)
		if f == "" || strings.EqualFold(f, NoneSentinel) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// LoadTasks reads the structured task list at path. The document must be a
// JSON array; anything else yields ErrNotList.
func LoadTasks(path string) ([]*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task list: %w", err)
	}
	return ParseTasks(data)
}

// ParseTasks decodes a task-list document.
func ParseTasks(data []byte) ([]*Task, error) {
	var doc json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	trimmed := strings.TrimSpace(string(doc))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, ErrNotList
	}
	var tasks []*Task
	if err := json.Unmarshal(doc, &tasks); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	for i, t := range tasks {
		if t == nil {
			return nil, fmt.Errorf("task %d is null", i)
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("task_%d", i+1)
		}
	}
	return tasks, nil
}

// SaveTasks writes tasks as an indented JSON array.
func SaveTasks(path string, tasks []*Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task list: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write task list: %w", err)
	}
	return nil
}
