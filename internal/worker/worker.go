// Package worker implements the specialists a plan step is dispatched to.
//
// A worker receives one task with its inputs already read, streams
// intermediate activity through a callback and returns its final text. How
// that text is judged is decided by the worker itself: model-backed workers
// look for a completion marker, the sandbox worker parses a structured
// execution result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/plan"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

// Status markers a worker's final text may carry.
const (
	MarkerCompleted = "TASK_STEP_COMPLETED:"
	MarkerError     = "TASK_STEP_ERROR:"
)

// ErrUnknownAgent is returned when no worker is registered for an agent id.
var ErrUnknownAgent = errors.New("unknown agent")

type (
	// Input is everything a worker needs for one task.
	Input struct {
		Task *plan.Task
		// PreparedInput holds the concatenated contents of the task inputs.
		PreparedInput string
		Model         model.Client
		Workspace     *workspace.Workspace
	}

	// Activity is one intermediate chunk relayed to the caller.
	Activity struct {
		Event         string
		Data          any
		Stream        string
		ResultPreview string
	}

	// Result is what a worker returns once its stream ends.
	Result struct {
		Text string
		// Usage is nil when the worker made no metered model call.
		Usage    *model.Usage
		ModelID  string
		Duration time.Duration
	}

	// Outcome is the verdict on a Result.
	Outcome struct {
		Success bool
		Reason  string
		// Content is what the runner saves to the primary output when the
		// worker does not write it itself.
		Content string
		// Warning is set when the verdict was reached by a lenient default.
		Warning string
	}

	// Worker is one specialist.
	Worker interface {
		// Name identifies the worker in logs and cost records.
		Name() string
		// WritesOutput reports whether the worker saves outputs[0] itself.
		WritesOutput() bool
		// Run executes the task. Cancellation of ctx must be returned as
		// ctx.Err().
		Run(ctx context.Context, in Input, emit func(Activity)) (Result, error)
		// Judge decides whether res means the task succeeded.
		Judge(res Result) Outcome
	}
)

// Options tune the model calls workers make.
type Options struct {
	MaxTokens   int
	Temperature float64
}

func (o Options) request(system, prompt string) model.Request {
	req := model.UserPrompt(system, prompt)
	req.MaxTokens = o.MaxTokens
	req.Temperature = o.Temperature
	return req
}

// JudgeMarker applies the completion marker rule to free text. Text without
// any content counts as success with a warning.
func JudgeMarker(text string) Outcome {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Outcome{Success: true, Warning: "worker returned no final text"}
	}
	if lastIndexFold(trimmed, MarkerCompleted) >= 0 {
		return Outcome{Success: true, Content: text}
	}
	if i := lastIndexFold(trimmed, MarkerError); i >= 0 {
		reason := strings.TrimSpace(trimmed[i+len(MarkerError):])
		if reason == "" {
			reason = "worker reported an error"
		}
		return Outcome{Reason: reason, Content: text}
	}
	return Outcome{Reason: "final text lacks " + MarkerCompleted + " status line", Content: text}
}

// lastIndexFold is strings.LastIndex ignoring ASCII case in substr.
func lastIndexFold(s, substr string) int {
	for i := len(s) - len(substr); i >= 0; i-- {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

// Registry maps agent ids to workers. Lookups ignore case.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register binds w to every id in ids.
func (r *Registry) Register(w Worker, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.workers[strings.ToLower(id)] = w
	}
}

// Lookup returns the worker for agentID.
func (r *Registry) Lookup(agentID string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.workers[strings.ToLower(strings.TrimSpace(agentID))]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
}

// IDs lists the registered agent ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Agent ids the planner is told about, with the aliases older plans use.
const (
	AgentResearch = "ResearchAgent"
	AgentComposer = "ComposerAgent"
	AgentSandbox  = "e2-bcode-execution-agent"
)

// Defaults registers the research, compose and sandbox workers.
func Defaults(sb Sandbox, opts Options) *Registry {
	r := NewRegistry()
	r.Register(NewResearch(opts), AgentResearch, "research")
	r.Register(NewCompose(opts), AgentComposer, "composer", "compose")
	r.Register(NewSandboxWorker(sb, opts), AgentSandbox, "E2BCodeExecutionAgent", "SandboxAgent", "sandbox")
	return r
}
