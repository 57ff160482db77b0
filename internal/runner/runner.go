// Package runner drives a single plan task through its worker.
//
// The runner owns the per-task envelope sequence: it announces the step,
// relays every worker activity, decides success with the worker's own rule,
// records usage, mirrors the outcome into the checklist and closes the step.
// Worker failures end as a failed step; only cancellation is returned to the
// caller.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/cost"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/plan"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/tracing"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/worker"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

// Workers resolves an agent id to a worker.
type Workers interface {
	Lookup(agentID string) (worker.Worker, error)
}

// Runner executes tasks of one run. It is not safe for concurrent use; a
// run executes its tasks strictly one after another.
type Runner struct {
	workers   Workers
	ws        *workspace.Workspace
	model     model.Client
	costs     *cost.Accumulator
	checklist string
}

// New returns a runner writing artifacts to ws and status to the checklist
// file named checklist inside ws. costs may be nil.
func New(workers Workers, ws *workspace.Workspace, m model.Client, costs *cost.Accumulator, checklist string) *Runner {
	return &Runner{workers: workers, ws: ws, model: m, costs: costs, checklist: checklist}
}

// Run executes t as step and reports whether it succeeded. The returned
// error is non-nil only when ctx was cancelled; the step is then left open
// and the caller is expected to abort the stream.
func (r *Runner) Run(ctx context.Context, step int, t *plan.Task, emit event.Emit) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ctx = log.With(ctx, log.KV{K: "task_id", V: t.ID}, log.KV{K: "step", V: step})
	ctx, span := tracing.Start(ctx, tracing.SpanTask,
		attribute.String(tracing.AttrTaskID, t.ID),
		attribute.String(tracing.AttrAgentID, t.AgentID),
		attribute.Int(tracing.AttrStep, step))

	emit(event.NewStepStarted(step, t.Description, t.AgentID))
	emit(event.NewCallName(step, t.CallName, t.Description))

	ok, err := r.execute(ctx, step, t, emit)
	if err != nil {
		tracing.End(span, false, err)
		return false, err
	}

	r.markChecklist(ctx, t, ok)
	if ok {
		t.Status = plan.StatusSuccess
	} else {
		t.Status = plan.StatusFailed
	}
	emit(event.NewStepCompleted(step, ok))
	log.Print(ctx, log.KV{K: "msg", V: "task finished"}, log.KV{K: "success", V: ok})
	tracing.End(span, ok, nil)
	return ok, nil
}

// execute dispatches t and judges the result. Failures are reported with a
// step_error envelope.
func (r *Runner) execute(ctx context.Context, step int, t *plan.Task, emit event.Emit) (bool, error) {
	fail := func(err error) (bool, error) {
		payload, _ := json.Marshal(t)
		log.Error(ctx, err, log.KV{K: "msg", V: "task failed"}, log.KV{K: "task", V: string(payload)})
		emit(event.NewStepError(step, t.Description, err.Error()))
		return false, nil
	}

	prepared, err := r.ws.ReadInputs(t.Inputs.Files())
	if err != nil {
		return fail(err)
	}
	w, err := r.workers.Lookup(t.AgentID)
	if err != nil {
		return fail(err)
	}

	relay := func(a worker.Activity) {
		emit(event.AgentActivity{
			Header:        event.Header{Type: event.TypeAgentActivity},
			StepIndex:     step,
			Event:         a.Event,
			Data:          a.Data,
			StreamType:    a.Stream,
			ResultPreview: a.ResultPreview,
		})
	}
	res, err := runWorker(ctx, w, worker.Input{Task: t, PreparedInput: prepared, Model: r.model, Workspace: r.ws}, relay)
	r.record(w, res, step)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return fail(fmt.Errorf("%s: %w", w.Name(), err))
	}

	out := w.Judge(res)
	if out.Warning != "" {
		log.Warn(ctx, log.KV{K: "msg", V: out.Warning}, log.KV{K: "description", V: t.Description})
	}
	if !out.Success {
		return fail(errors.New(out.Reason))
	}
	if !w.WritesOutput() {
		if name := t.PrimaryOutput(); name != "" && out.Content != "" {
			if err := r.save(name, out.Content, relay); err != nil {
				return fail(err)
			}
		}
	}
	return true, nil
}

// runWorker calls w.Run, turning a panic into an error.
func runWorker(ctx context.Context, w worker.Worker, in worker.Input, relay func(worker.Activity)) (res worker.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return w.Run(ctx, in, relay)
}

func (r *Runner) save(name, content string, relay func(worker.Activity)) error {
	args, _ := json.Marshal(map[string]any{"filename": name, "bytes": len(content)})
	call := worker.ToolCall{ToolName: "save_file", ArgsStr: string(args)}
	relay(worker.Activity{Event: event.ActivityToolCallStarted, Data: call})
	if err := r.ws.WriteFile(name, []byte(content)); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	relay(worker.Activity{Event: event.ActivityToolCallCompleted, Data: call, ResultPreview: "saved " + name})
	return nil
}

func (r *Runner) record(w worker.Worker, res worker.Result, step int) {
	if r.costs == nil || res.Usage == nil {
		return
	}
	r.costs.Add(cost.Record{
		AgentName:    fmt.Sprintf("%s_step_%d", w.Name(), step),
		ModelID:      res.ModelID,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Duration:     res.Duration,
	})
}

// markChecklist updates the checklist line of t, trying its task tag before
// falling back to the description. The checklist is advisory; problems are
// logged only.
func (r *Runner) markChecklist(ctx context.Context, t *plan.Task, ok bool) {
	if r.checklist == "" {
		return
	}
	path, err := r.ws.Path(r.checklist)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "checklist path"})
		return
	}
	updated, err := plan.UpdateStatus(path, plan.TaskTag(t.ID), ok)
	if err == nil && !updated {
		updated, err = plan.UpdateStatus(path, t.Description, ok)
	}
	switch {
	case err != nil:
		log.Error(ctx, err, log.KV{K: "msg", V: "checklist update failed"})
	case !updated:
		log.Warn(ctx, log.KV{K: "msg", V: "no checklist line for task"}, log.KV{K: "description", V: t.Description})
	}
}
