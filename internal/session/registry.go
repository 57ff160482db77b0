// registry.go implements the thread-safe session table.
//
// Every prompt run is registered under its caller-supplied session id. The
// table holds at most one live run per id: starting a new run for an id
// first cancels whatever is still running there. Entries are kept after a
// run finishes and are only overwritten by the next run for the same id.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Work is the unit of work executed for a session. It must return promptly
// once ctx is done.
type Work func(ctx context.Context) error

// Handle is one registered run.
//
// Lifecycle: running -> completed | failed | cancelled
type Handle struct {
	RunID     string
	SessionID string
	Label     string
	CreatedAt time.Time

	cancel         context.CancelFunc
	done           chan struct{}
	cancelRequests atomic.Int32

	mu          sync.Mutex
	status      Status
	err         error
	completedAt time.Time
}

// Done is closed when the run's work has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run has finished and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Terminated reports whether the work has returned.
func (h *Handle) Terminated() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// CancelRequests returns how many times cancellation was requested.
func (h *Handle) CancelRequests() int { return int(h.cancelRequests.Load()) }

// Status returns the current state and the terminal error, if any.
func (h *Handle) Status() (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

func (h *Handle) requestCancel() {
	h.cancelRequests.Add(1)
	h.cancel()
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	switch {
	case errors.Is(err, context.Canceled):
		h.status = StatusCancelled
	case err != nil:
		h.status = StatusFailed
	default:
		h.status = StatusCompleted
	}
	h.err = err
	h.completedAt = time.Now()
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) elapsedSeconds(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.completedAt.IsZero() {
		return int(now.Sub(h.CreatedAt).Seconds())
	}
	return int(h.completedAt.Sub(h.CreatedAt).Seconds())
}

// Registry maps session ids to their most recent run. Runs are stored in a
// map for lookup and a slice to keep listings in first-seen order.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Handle
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Handle)}
}

// Start registers work under sessionID and runs it in a new goroutine. Any
// live run for the same id is cancelled first; the check, the cancel and the
// registration happen under one lock so concurrent Start and Cancel calls
// for the id observe them as a single step.
//
// The work's context derives from ctx and is cancelled by Cancel or by a
// later Start for the same id. label is free text shown in listings.
func (r *Registry) Start(ctx context.Context, sessionID, label string, work Work) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		Label:     label,
		CreatedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusRunning,
	}

	r.mu.Lock()
	if prev, ok := r.sessions[sessionID]; ok && !prev.Terminated() {
		log.Printf(ctx, "session %s: cancelling run %s for new run %s", sessionID, prev.RunID, h.RunID)
		prev.requestCancel()
	}
	if _, ok := r.sessions[sessionID]; !ok {
		r.order = append(r.order, sessionID)
	}
	r.sessions[sessionID] = h
	r.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in session %s: %v", sessionID, p)
				log.Error(ctx, err, log.KV{K: "session_id", V: sessionID})
			}
			cancel()
			h.finish(err)
		}()
		err = work(runCtx)
	}()
	return h
}

// Cancel requests cancellation of the live run for sessionID. It returns
// false when there is no run for the id or the run has already finished;
// a finished run is dropped from the table.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if h.Terminated() {
		r.remove(sessionID)
		return false
	}
	h.requestCancel()
	return true
}

// remove drops sessionID from the map and the listing order. Callers hold mu.
func (r *Registry) remove(sessionID string) {
	delete(r.sessions, sessionID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == sessionID })
}

// Get returns the most recent run for sessionID, or nil.
func (r *Registry) Get(sessionID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// CancelAll cancels every live run. Used at shutdown.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.sessions {
		if !h.Terminated() {
			h.requestCancel()
			n++
		}
	}
	return n
}

// Summary returns aggregate counts and per-session statuses. If ids is
// non-empty only those sessions are included.
func (r *Registry) Summary(ids []string) (Summary, []SessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	var summary Summary
	statuses := []SessionStatus{}
	now := time.Now()
	for _, id := range r.order {
		h := r.sessions[id]
		if len(idSet) > 0 && !idSet[id] {
			continue
		}
		status, err := h.Status()
		summary.Total++
		switch status {
		case StatusRunning:
			summary.Running++
		case StatusCompleted:
			summary.Completed++
		case StatusFailed:
			summary.Failed++
		case StatusCancelled:
			summary.Cancelled++
		}
		st := SessionStatus{
			SessionID:      id,
			RunID:          h.RunID,
			Label:          h.Label,
			Status:         status,
			ElapsedSeconds: h.elapsedSeconds(now),
		}
		if err != nil {
			st.Error = err.Error()
		}
		statuses = append(statuses, st)
	}
	return summary, statuses
}

// Summary provides aggregate counts across sessions.
type Summary struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// SessionStatus is the per-session view returned by Summary.
type SessionStatus struct {
	SessionID      string `json:"session_id"`
	RunID          string `json:"run_id"`
	Label          string `json:"label,omitempty"`
	Status         Status `json:"status"`
	Error          string `json:"error,omitempty"`
	ElapsedSeconds int    `json:"elapsed_seconds"` // running: so far; finished: start to finish
}
