package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/orchestrator"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/session"
)

type runnerFunc func(ctx context.Context, req orchestrator.Request, emit event.Emit) error

func (f runnerFunc) Run(ctx context.Context, req orchestrator.Request, emit event.Emit) error {
	return f(ctx, req, emit)
}

func collect(t *testing.T, frames <-chan Frame) []Frame {
	t.Helper()
	var out []Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func types(frames []Frame) []event.Type {
	out := make([]event.Type, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func message(t *testing.T, f Frame) string {
	t.Helper()
	var e event.Error
	require.NoError(t, json.Unmarshal(f.Data, &e))
	return e.Message
}

func TestStreamForwardsInOrder(t *testing.T) {
	r := runnerFunc(func(_ context.Context, req orchestrator.Request, emit event.Emit) error {
		emit(event.NewStepStarted(0, "Making a plan...", "PlannerAgent"))
		emit(event.NewInitialAck(req.Prompt))
		emit(event.NewCostSummary(1, 2, 0, 1, nil))
		emit(event.NewSessionDone())
		return nil
	})
	a := New(session.NewRegistry(), r, 0)
	frames, h := a.Start(context.Background(), orchestrator.Request{Prompt: "hi", SessionID: "s"})

	got := collect(t, frames)
	assert.Equal(t, []event.Type{event.TypeStepStarted, event.TypeInitialAck, event.TypeCostSummary, event.TypeSessionDone}, types(got))
	assert.JSONEq(t, `{"type":"initial_ack","content":"hi"}`, string(got[1].Data))
	require.NoError(t, h.Wait())
	status, _ := h.Status()
	assert.Equal(t, session.StatusCompleted, status)
}

func TestStreamTerminatesAbnormalRuns(t *testing.T) {
	cases := []struct {
		name string
		run  runnerFunc
		want string
	}{
		{"error", func(context.Context, orchestrator.Request, event.Emit) error {
			return errors.New("boom")
		}, "An unexpected error occurred: boom"},
		{"panic", func(_ context.Context, _ orchestrator.Request, emit event.Emit) error {
			emit(event.NewStepStarted(0, "x", "y"))
			panic("kaput")
		}, "An unexpected error occurred: panic: kaput"},
		{"no session_done", func(context.Context, orchestrator.Request, event.Emit) error {
			return nil
		}, "An unexpected error occurred: stream ended without session_done"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := New(session.NewRegistry(), tc.run, 4)
			frames, h := a.Start(context.Background(), orchestrator.Request{SessionID: "s"})
			got := collect(t, frames)
			require.GreaterOrEqual(t, len(got), 2)
			tail := got[len(got)-2:]
			assert.Equal(t, []event.Type{event.TypeError, event.TypeSessionDone}, types(tail))
			assert.Equal(t, tc.want, message(t, tail[0]))
			<-h.Done()
		})
	}
}

func TestStreamCancelDeliversTerminalFrames(t *testing.T) {
	started := make(chan struct{})
	r := runnerFunc(func(ctx context.Context, _ orchestrator.Request, emit event.Emit) error {
		emit(event.NewStepStarted(0, "x", "y"))
		close(started)
		<-ctx.Done()
		emit(event.NewError(orchestrator.CancelledMessage))
		emit(event.NewCostSummary(0, 0, 0, 0, nil))
		emit(event.NewSessionDone())
		return ctx.Err()
	})
	reg := session.NewRegistry()
	a := New(reg, r, 1)
	frames, h := a.Start(context.Background(), orchestrator.Request{SessionID: "s"})

	go func() {
		<-started
		assert.True(t, reg.Cancel("s"))
	}()
	got := collect(t, frames)
	assert.Equal(t, []event.Type{event.TypeStepStarted, event.TypeError, event.TypeCostSummary, event.TypeSessionDone}, types(got))
	assert.Equal(t, orchestrator.CancelledMessage, message(t, got[1]))
	assert.ErrorIs(t, h.Wait(), context.Canceled)
	status, _ := h.Status()
	assert.Equal(t, session.StatusCancelled, status)
}

func TestStreamConsumerGoneDoesNotBlock(t *testing.T) {
	r := runnerFunc(func(ctx context.Context, _ orchestrator.Request, emit event.Emit) error {
		for i := 0; i < 100; i++ {
			emit(event.NewActivity(1, event.ActivityLLMToken, "tok"))
		}
		emit(event.NewSessionDone())
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	a := New(session.NewRegistry(), r, 1)
	_, h := a.Start(ctx, orchestrator.Request{SessionID: "s"})
	cancel()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked after the consumer left")
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "write a report", Label("  write\n a   report "))
	long := Label(strings.Repeat("word ", 40))
	assert.Len(t, []rune(long), 80)
	assert.True(t, strings.HasSuffix(long, "..."))
}
