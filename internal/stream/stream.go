// Package stream hands the envelopes of a run to a consumer through a
// bounded queue.
//
// The run executes in its own goroutine, registered with the session
// registry so it can be cancelled from elsewhere. Each envelope is encoded
// and pushed onto a buffered channel; closing the channel marks the end of
// the stream. A consumer that goes away cancels the run and never leaves the
// producer blocked.
package stream

import (
	"context"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/orchestrator"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/session"
)

// DefaultQueueSize is the queue capacity used when none is configured.
const DefaultQueueSize = 64

const unexpectedMessage = "An unexpected error occurred: %v"

type (
	// Runner executes one request, emitting envelopes in order.
	Runner interface {
		Run(ctx context.Context, req orchestrator.Request, emit event.Emit) error
	}

	// Frame is one encoded envelope.
	Frame struct {
		Type event.Type
		Data []byte
	}

	// Adapter starts runs and exposes them as frame channels.
	Adapter struct {
		sessions  *session.Registry
		runner    Runner
		queueSize int
	}
)

// New returns an adapter. A queueSize below one uses DefaultQueueSize.
func New(sessions *session.Registry, runner Runner, queueSize int) *Adapter {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Adapter{sessions: sessions, runner: runner, queueSize: queueSize}
}

// Start runs req under its session id and returns the frames it produces.
// The channel is closed after the last frame, which is always a
// session_done envelope. ctx belongs to the consumer: once it is done the
// run is cancelled and remaining frames are dropped.
func (a *Adapter) Start(ctx context.Context, req orchestrator.Request) (<-chan Frame, *session.Handle) {
	frames := make(chan Frame, a.queueSize)
	work := func(runCtx context.Context) (err error) {
		defer close(frames)
		finished := false
		push := func(e event.Envelope) {
			if e.Kind() == event.TypeSessionDone {
				finished = true
			}
			data, err := event.Encode(e)
			if err != nil {
				log.Error(runCtx, err, log.KV{K: "msg", V: "envelope not encodable"}, log.KV{K: "type", V: string(e.Kind())})
				return
			}
			select {
			case frames <- Frame{Type: e.Kind(), Data: data}:
			case <-ctx.Done():
			}
		}

		err = run(runCtx, a.runner, req, push)
		if !finished {
			cause := err
			if cause == nil {
				cause = fmt.Errorf("stream ended without %s", event.TypeSessionDone)
			}
			log.Error(runCtx, cause, log.KV{K: "msg", V: "run ended abnormally"})
			push(event.NewError(fmt.Sprintf(unexpectedMessage, cause)))
			push(event.NewSessionDone())
		}
		return err
	}
	h := a.sessions.Start(ctx, req.SessionID, Label(req.Prompt), work)
	return frames, h
}

// Label shortens a prompt for session listings.
func Label(prompt string) string {
	const limit = 80
	r := []rune(strings.Join(strings.Fields(prompt), " "))
	if len(r) <= limit {
		return string(r)
	}
	return string(r[:limit-3]) + "..."
}

// run calls r.Run, turning a panic into an error.
func run(ctx context.Context, r Runner, req orchestrator.Request, emit event.Emit) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Run(ctx, req, emit)
}
