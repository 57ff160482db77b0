package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Default plan filenames.
const (
	DefaultChecklistFile = "master_plan.md"
	DefaultTaskListFile  = "master_plan.json"
)

// Ack is the acknowledgment payload returned by the planning step.
type Ack struct {
	AcknowledgmentMessage string  `json:"acknowledgment_message"`
	PlanFilesCreated      bool    `json:"plan_files_created"`
	MarkdownPlanFilename  string  `json:"markdown_plan_filename"`
	JSONPlanFilename      string  `json:"json_plan_filename"`
	ErrorMessage          *string `json:"error_message"`
}

// Err returns the planner-reported error message, if any.
func (a *Ack) Err() string {
	if a.ErrorMessage == nil {
		return ""
	}
	return strings.TrimSpace(*a.ErrorMessage)
}

const ackSchema = `{
  "type": "object",
  "properties": {
    "acknowledgment_message": {"type": "string"},
    "plan_files_created": {"type": "boolean"},
    "markdown_plan_filename": {"type": "string", "pattern": "^[^/\\\\]+$"},
    "json_plan_filename": {"type": "string", "pattern": "^[^/\\\\]+$"},
    "error_message": {"type": ["string", "null"]}
  },
  "anyOf": [
    {"required": ["acknowledgment_message"]},
    {"required": ["plan_files_created"]},
    {"required": ["error_message"]}
  ]
}`

// draftSchema describes the plan a model is asked to draft.
const draftSchema = `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "acknowledgment_message": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["description", "agent_id", "outputs"],
        "properties": {
          "id": {"type": "string"},
          "description": {"type": "string", "minLength": 1},
          "call_name": {"type": "string"},
          "agent_id": {"type": "string", "minLength": 1},
          "inputs": {"type": ["array", "string", "null"]},
          "input": {"type": ["array", "string", "null"]},
          "outputs": {"type": ["array", "string"]}
        }
      }
    }
  }
}`

var (
	schemaOnce    sync.Once
	ackCompiled   *jsonschema.Schema
	draftCompiled *jsonschema.Schema
	schemaErr     error
)

func compileSchemas() {
	compile := func(name, doc string) *jsonschema.Schema {
		if schemaErr != nil {
			return nil
		}
		var v any
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			schemaErr = fmt.Errorf("unmarshal %s: %w", name, err)
			return nil
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, v); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return nil
		}
		s, err := c.Compile(name)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema: %w", err)
			return nil
		}
		return s
	}
	ackCompiled = compile("ack.json", ackSchema)
	draftCompiled = compile("draft.json", draftSchema)
}

func validate(ack bool, payload []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if ack {
		return ackCompiled.Validate(v)
	}
	return draftCompiled.Validate(v)
}

// DecodeAck recovers, validates and decodes the acknowledgment payload from
// the planner's raw reply. Missing filenames fall back to the defaults.
func DecodeAck(text string) (*Ack, error) {
	raw, err := RecoverJSON(text)
	if err != nil {
		return nil, err
	}
	if err := validate(true, raw); err != nil {
		return nil, fmt.Errorf("invalid acknowledgment: %w", err)
	}
	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode acknowledgment: %w", err)
	}
	if ack.MarkdownPlanFilename == "" {
		ack.MarkdownPlanFilename = DefaultChecklistFile
	}
	if ack.JSONPlanFilename == "" {
		ack.JSONPlanFilename = DefaultTaskListFile
	}
	return &ack, nil
}

// Draft is a plan drafted by a model: a greeting plus the task records.
type Draft struct {
	AcknowledgmentMessage string  `json:"acknowledgment_message"`
	Tasks                 []*Task `json:"tasks"`
}

// DecodeDraft recovers and validates a drafted plan from model output.
func DecodeDraft(text string) (*Draft, error) {
	raw, err := RecoverJSON(text)
	if err != nil {
		return nil, err
	}
	if err := validate(false, raw); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	var d Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	for i, t := range d.Tasks {
		if t.ID == "" {
			t.ID = fmt.Sprintf("task_%d", i+1)
		}
		t.Status = StatusPending
	}
	return &d, nil
}
