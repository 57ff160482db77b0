// Package event defines the envelopes streamed to a caller while a plan runs.
//
// Every envelope serializes to a flat JSON object whose "type" field names
// the variant. Envelopes are produced by the orchestrator and runner and are
// written to the transport immediately; nothing retains them.
package event

import "encoding/json"

// Type discriminates envelope variants on the wire.
type Type string

const (
	TypeStepStarted   Type = "step_started"
	TypeCallName      Type = "step_call_name_announcement"
	TypeAgentActivity Type = "step_agent_activity"
	TypeStepCompleted Type = "step_completed"
	TypeStepError     Type = "step_error"
	TypePlanReady     Type = "plan_ready"
	TypeInitialAck    Type = "initial_ack"
	TypeFinalSummary  Type = "final_summary"
	TypeCostSummary   Type = "cost_summary"
	TypeSessionDone   Type = "session_done"
	TypeError         Type = "error"
)

// Step statuses reported in step_completed.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Activity kinds carried by step_agent_activity.
const (
	ActivityLLMToken          = "LLMToken"
	ActivityToolCallStarted   = "ToolCallStarted"
	ActivityToolCallCompleted = "ToolCallCompleted"
	ActivityTerminalOutput    = "SandboxTerminalOutput"
)

// Sandbox stream tags.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

type (
	// Envelope is implemented by every variant.
	Envelope interface {
		Kind() Type
	}

	// Emit receives envelopes in program order.
	Emit func(Envelope)

	// Header carries the discriminator and is embedded in each variant.
	Header struct {
		Type Type `json:"type"`
	}

	StepStarted struct {
		Header
		StepIndex   int    `json:"step_index"`
		Description string `json:"description"`
		AgentID     string `json:"agent_id"`
	}

	CallNameAnnouncement struct {
		Header
		StepIndex   int    `json:"step_index"`
		CallName    string `json:"call_name"`
		Description string `json:"description"`
	}

	// AgentActivity relays one intermediate chunk from a worker.
	AgentActivity struct {
		Header
		StepIndex     int    `json:"step_index"`
		Event         string `json:"event"`
		Data          any    `json:"data"`
		StreamType    string `json:"stream_type,omitempty"`
		ResultPreview string `json:"result_preview,omitempty"`
	}

	StepCompleted struct {
		Header
		StepIndex int    `json:"step_index"`
		Status    string `json:"status"`
	}

	StepError struct {
		Header
		StepIndex    int    `json:"step_index"`
		Description  string `json:"description"`
		ErrorMessage string `json:"error_message"`
	}

	// PlanReady announces the number of steps, planning included.
	PlanReady struct {
		Header
		TaskCount int `json:"task_count"`
	}

	InitialAck struct {
		Header
		Content string `json:"content"`
	}

	// Artifact is one output file confirmed present at the end of a run.
	Artifact struct {
		Filename        string `json:"filename"`
		PathInWorkspace string `json:"path_in_workspace"`
	}

	FinalSummary struct {
		Header
		SummaryText string     `json:"summary_text"`
		Artifacts   []Artifact `json:"artifacts"`
	}

	CostSummary struct {
		Header
		TotalInputTokens  int      `json:"total_input_tokens"`
		TotalOutputTokens int      `json:"total_output_tokens"`
		EstimatedCostUSD  float64  `json:"estimated_cost_usd"`
		Calls             int      `json:"calls"`
		UncostedModels    []string `json:"uncosted_models,omitempty"`
	}

	SessionDone struct {
		Header
	}

	Error struct {
		Header
		Message string `json:"message"`
	}
)

func (h Header) Kind() Type { return h.Type }

func NewStepStarted(step int, description, agentID string) StepStarted {
	return StepStarted{Header{TypeStepStarted}, step, description, agentID}
}

func NewCallName(step int, callName, description string) CallNameAnnouncement {
	return CallNameAnnouncement{Header{TypeCallName}, step, callName, description}
}

// NewActivity builds a generic activity envelope.
func NewActivity(step int, kind string, data any) AgentActivity {
	return AgentActivity{Header: Header{TypeAgentActivity}, StepIndex: step, Event: kind, Data: data}
}

// NewTerminalOutput builds a sandbox stdout or stderr line envelope.
func NewTerminalOutput(step int, stream, line string) AgentActivity {
	a := NewActivity(step, ActivityTerminalOutput, line)
	a.StreamType = stream
	return a
}

func NewStepCompleted(step int, success bool) StepCompleted {
	status := StatusFailed
	if success {
		status = StatusSuccess
	}
	return StepCompleted{Header{TypeStepCompleted}, step, status}
}

func NewStepError(step int, description, msg string) StepError {
	return StepError{Header{TypeStepError}, step, description, msg}
}

func NewPlanReady(count int) PlanReady { return PlanReady{Header{TypePlanReady}, count} }

func NewInitialAck(content string) InitialAck { return InitialAck{Header{TypeInitialAck}, content} }

func NewFinalSummary(text string, artifacts []Artifact) FinalSummary {
	if artifacts == nil {
		artifacts = []Artifact{}
	}
	return FinalSummary{Header{TypeFinalSummary}, text, artifacts}
}

func NewCostSummary(in, out int, usd float64, calls int, uncosted []string) CostSummary {
	return CostSummary{Header{TypeCostSummary}, in, out, usd, calls, uncosted}
}

func NewSessionDone() SessionDone { return SessionDone{Header{TypeSessionDone}} }

func NewError(msg string) Error { return Error{Header{TypeError}, msg} }

// Encode renders an envelope as a single JSON object.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Recorder collects envelopes in memory. Useful for the CLI and tests.
type Recorder struct {
	Envelopes []Envelope
}

// Emit appends e.
func (r *Recorder) Emit(e Envelope) { r.Envelopes = append(r.Envelopes, e) }

// Types lists the recorded discriminators in order.
func (r *Recorder) Types() []Type {
	out := make([]Type, len(r.Envelopes))
	for i, e := range r.Envelopes {
		out[i] = e.Kind()
	}
	return out
}

// Count returns how many envelopes of type t were recorded.
func (r *Recorder) Count(t Type) int {
	n := 0
	for _, e := range r.Envelopes {
		if e.Kind() == t {
			n++
		}
	}
	return n
}
