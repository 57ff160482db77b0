// Package orchestrator runs one prompt end to end: it resolves the model,
// has the planner write a plan, executes the plan's tasks strictly in order
// and reports everything that happens as envelopes.
//
// Every run, whatever its outcome, ends with a cost_summary envelope followed
// by session_done.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/cost"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/plan"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/planner"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/runner"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/tracing"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

// Messages sent to the caller.
const (
	PlanningMessage     = "Making a plan..."
	PlanningCallName    = "generate_plan"
	DefaultAck          = "Plan created. Starting execution..."
	PlannerFailed       = "Planner agent failed to create plan files."
	SuccessSummary      = "The requested task has been processed successfully. Please find the generated artifacts listed below."
	CancelledMessage    = "Task was cancelled by user."
	stoppedMessage      = "Process stopped due to failure in step: %s"
	unavailableMessage  = "Model '%s' is not currently available."
	initFailedMessage   = "Could not initialize model '%s'."
	readPlanMessage     = "Error reading plan: %v"
	criticalMessage     = "Critical orchestration error: %v"
	invalidReplyMessage = "Agent %s output did not contain valid JSON."
	noResponseMessage   = "Agent %s returned no response."
)

// Run outcomes used for metrics and logs.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

type (
	// Catalog resolves and instantiates models.
	Catalog interface {
		Resolve(ctx context.Context, modelID string) (string, bool)
		Instantiate(modelID, provider string) (model.Client, error)
	}

	// Config lists the collaborators of an Orchestrator.
	Config struct {
		Catalog Catalog
		Planner planner.Planner
		Workers runner.Workers
		// Workspace is the root workspace; each session runs in its own
		// child directory.
		Workspace *workspace.Workspace
		// Pricer prices the cost summary. Nil counts tokens only.
		Pricer cost.Pricer
		// Metrics is optional.
		Metrics *Metrics
	}

	// Request is one prompt to run.
	Request struct {
		Prompt    string
		ModelID   string
		SessionID string
	}

	// Orchestrator runs requests. It holds no per-run state and is safe for
	// concurrent use.
	Orchestrator struct {
		catalog Catalog
		planner planner.Planner
		workers runner.Workers
		ws      *workspace.Workspace
		pricer  cost.Pricer
		metrics *Metrics
	}
)

// New returns an orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		catalog: cfg.Catalog,
		planner: cfg.Planner,
		workers: cfg.Workers,
		ws:      cfg.Workspace,
		pricer:  cfg.Pricer,
		metrics: cfg.Metrics,
	}
}

// run carries the state of one Run call.
type run struct {
	req     Request
	emit    event.Emit
	costs   *cost.Accumulator
	ws      *workspace.Workspace
	dir     string
	outcome string
}

// Run executes req, sending every envelope to emit in order. It returns the
// context error when the run was cancelled and nil otherwise; failures are
// reported through envelopes only.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit event.Emit) (err error) {
	ctx = log.With(ctx, log.KV{K: "session_id", V: req.SessionID}, log.KV{K: "model_id", V: req.ModelID})
	ctx, span := tracing.Start(ctx, tracing.SpanRun,
		attribute.String(tracing.AttrSessionID, req.SessionID),
		attribute.String(tracing.AttrModel, req.ModelID))
	r := &run{req: req, emit: emit, costs: &cost.Accumulator{}, outcome: OutcomeFailed}
	start := time.Now()
	o.metrics.runStarted()
	log.Print(ctx, log.KV{K: "msg", V: "run started"})

	defer func() {
		if p := recover(); p != nil {
			r.outcome = OutcomeError
			log.Error(ctx, fmt.Errorf("panic: %v", p), log.KV{K: "msg", V: "orchestration panicked"})
			emit(event.NewError(fmt.Sprintf(criticalMessage, p)))
		} else if ctx.Err() != nil && r.outcome != OutcomeSuccess {
			r.outcome = OutcomeCancelled
			err = ctx.Err()
			emit(event.NewError(CancelledMessage))
		}
		if r.ws != nil {
			r.ws.Close()
		}
		s := r.costs.Summarize(context.WithoutCancel(ctx), o.pricer)
		emit(event.NewCostSummary(s.InputTokens, s.OutputTokens, s.CostUSD, s.Calls, s.Uncosted))
		emit(event.NewSessionDone())

		d := time.Since(start)
		o.metrics.runFinished(r.outcome, d, s.InputTokens, s.OutputTokens, s.CostUSD)
		log.Print(ctx, log.KV{K: "msg", V: "run finished"}, log.KV{K: "outcome", V: r.outcome},
			log.KV{K: "duration", V: d.String()}, log.KV{K: "cost_usd", V: s.CostUSD})
		tracing.End(span, r.outcome == OutcomeSuccess, err)
	}()

	if o.run(ctx, r) {
		r.outcome = OutcomeSuccess
	}
	return nil
}

// run performs the steps of a run and reports whether all tasks succeeded.
// Returning false after ctx is cancelled lets Run emit the cancellation.
func (o *Orchestrator) run(ctx context.Context, r *run) bool {
	fatal := func(msg string) bool {
		if ctx.Err() == nil {
			r.emit(event.NewError(msg))
		}
		return false
	}

	provider, ok := o.catalog.Resolve(ctx, r.req.ModelID)
	if !ok {
		return fatal(fmt.Sprintf(unavailableMessage, r.req.ModelID))
	}
	client, err := o.catalog.Instantiate(r.req.ModelID, provider)
	if err == nil && client == nil {
		err = errors.New("no client")
	}
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "model instantiation failed"}, log.KV{K: "provider", V: provider})
		return fatal(fmt.Sprintf(initFailedMessage, r.req.ModelID))
	}

	r.dir = SessionDir(r.req.SessionID)
	r.ws, err = o.ws.Sub(r.dir)
	if err != nil {
		return fatal(fmt.Sprintf(criticalMessage, err))
	}

	ack, ok := o.plan(ctx, r, client)
	if !ok {
		return false
	}
	r.emit(event.NewInitialAck(ack.AcknowledgmentMessage))

	tasksPath, err := r.ws.Path(ack.JSONPlanFilename)
	if err != nil {
		return fatal(fmt.Sprintf(readPlanMessage, err))
	}
	tasks, err := plan.LoadTasks(tasksPath)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "task list unreadable"})
		return fatal(fmt.Sprintf(readPlanMessage, err))
	}
	r.emit(event.NewPlanReady(1 + len(tasks)))

	tr := runner.New(o.workers, r.ws, client, r.costs, ack.MarkdownPlanFilename)
	for i, t := range tasks {
		ok, err := tr.Run(ctx, i+1, t, r.emit)
		if err != nil {
			return false
		}
		o.metrics.taskFinished(t.AgentID, ok)
		if err := plan.SaveTasks(tasksPath, tasks); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "task list not updated"})
		}
		if !ok {
			return fatal(fmt.Sprintf(stoppedMessage, t.Description))
		}
	}

	r.emit(event.NewFinalSummary(SuccessSummary, o.artifacts(r, tasks)))
	return true
}

// plan runs step 0 and returns the planner's acknowledgment.
func (o *Orchestrator) plan(ctx context.Context, r *run, client model.Client) (*plan.Ack, bool) {
	ctx, span := tracing.Start(ctx, tracing.SpanPlan, attribute.Int(tracing.AttrStep, 0))
	r.emit(event.NewStepStarted(0, PlanningMessage, planner.AgentName))
	r.emit(event.NewCallName(0, PlanningCallName, PlanningMessage))

	reply, err := o.planner.Generate(ctx, planner.Request{
		Prompt:    r.req.Prompt,
		Model:     client,
		Workspace: r.ws,
		OnChunk: func(s string) {
			r.emit(event.NewActivity(0, event.ActivityLLMToken, s))
		},
	})
	if reply != nil && reply.Usage != nil {
		r.costs.Add(cost.Record{
			AgentName:    reply.AgentName,
			ModelID:      reply.ModelID,
			InputTokens:  reply.Usage.InputTokens,
			OutputTokens: reply.Usage.OutputTokens,
			Duration:     reply.Duration,
		})
	}
	if ctx.Err() != nil {
		tracing.End(span, false, ctx.Err())
		return nil, false
	}

	var ack *plan.Ack
	msg := ""
	switch {
	case err != nil:
		log.Error(ctx, err, log.KV{K: "msg", V: "planner failed"})
		msg = fmt.Sprintf("Critical error with agent %s: %v", planner.AgentName, err)
	case reply == nil:
		msg = PlannerFailed
	case reply.Text == "":
		msg = fmt.Sprintf(noResponseMessage, planner.AgentName)
	default:
		ack, err = plan.DecodeAck(reply.Text)
		switch {
		case err != nil:
			log.Error(ctx, err, log.KV{K: "msg", V: "planner reply rejected"}, log.KV{K: "reply", V: reply.Text})
			msg = fmt.Sprintf(invalidReplyMessage, planner.AgentName)
		case ack.Err() != "":
			msg = ack.Err()
		}
	}
	if msg != "" {
		r.emit(event.NewStepCompleted(0, false))
		r.emit(event.NewError(msg))
		tracing.End(span, false, errors.New(msg))
		return nil, false
	}

	r.emit(event.NewStepCompleted(0, true))
	if ack.AcknowledgmentMessage == "" {
		ack.AcknowledgmentMessage = DefaultAck
	}
	if ack.MarkdownPlanFilename == "" {
		ack.MarkdownPlanFilename = plan.DefaultChecklistFile
	}
	if ack.JSONPlanFilename == "" {
		ack.JSONPlanFilename = plan.DefaultTaskListFile
	}
	tracing.End(span, true, nil)
	return ack, true
}

// artifacts lists the declared outputs present in the session workspace,
// each once, with paths relative to the root workspace.
func (o *Orchestrator) artifacts(r *run, tasks []*plan.Task) []event.Artifact {
	seen := map[string]bool{}
	var out []event.Artifact
	for _, t := range tasks {
		for _, name := range t.Outputs.Files() {
			if seen[name] || !r.ws.Exists(name) {
				continue
			}
			seen[name] = true
			out = append(out, event.Artifact{Filename: name, PathInWorkspace: path.Join(r.dir, name)})
		}
	}
	return out
}

var safeSessionID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,63}$`)

// SessionDir returns the child directory of the root workspace used by a
// session. Ids that are not plain file names are hashed.
func SessionDir(sessionID string) string {
	if safeSessionID.MatchString(sessionID) {
		return sessionID
	}
	sum := sha256.Sum256([]byte(sessionID))
	return "s-" + hex.EncodeToString(sum[:8])
}
