package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/orchestrator"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		modelID   string
		sessionID string
		tokens    bool
	)
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt in the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return errors.New("prompt may not be blank")
			}
			if n := len([]rune(prompt)); n > c.cfg.Prompt.MaxLength {
				return fmt.Errorf("prompt has %d characters, limit is %d", n, c.cfg.Prompt.MaxLength)
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(c.logContext(parent), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			p := &printer{out: cmd.OutOrStdout(), tokens: tokens}
			err = a.orchestrator.Run(ctx, orchestrator.Request{
				Prompt:    prompt,
				ModelID:   modelID,
				SessionID: sessionID,
			}, p.print)
			if err != nil {
				return err
			}
			if p.failed {
				return errors.New("run did not complete")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "model id to plan and run with")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (default random)")
	cmd.Flags().BoolVar(&tokens, "tokens", false, "print model tokens as they stream")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

// printer renders envelopes for a terminal.
type printer struct {
	out    io.Writer
	tokens bool
	// inTokens is set while streamed tokens are being written inline.
	inTokens bool
	failed   bool
}

func (p *printer) print(e event.Envelope) {
	if p.inTokens {
		if a, ok := e.(event.AgentActivity); !ok || a.Event != event.ActivityLLMToken {
			fmt.Fprintln(p.out)
			p.inTokens = false
		}
	}
	switch e := e.(type) {
	case event.StepStarted:
		fmt.Fprintf(p.out, "%s %s %s\n", cyan(fmt.Sprintf("[%d]", e.StepIndex)), bold(e.Description), dim(e.AgentID))
	case event.CallNameAnnouncement:
		fmt.Fprintf(p.out, "    %s %s\n", dim("call"), e.CallName)
	case event.AgentActivity:
		p.activity(e)
	case event.StepCompleted:
		status := green("done")
		if e.Status != event.StatusSuccess {
			status = red("failed")
		}
		fmt.Fprintf(p.out, "%s %s\n", cyan(fmt.Sprintf("[%d]", e.StepIndex)), status)
	case event.StepError:
		p.failed = true
		fmt.Fprintf(p.out, "%s %s: %s\n", red("step error"), e.Description, e.ErrorMessage)
	case event.PlanReady:
		fmt.Fprintf(p.out, "%s %d steps\n", bold("plan ready:"), e.TaskCount)
	case event.InitialAck:
		fmt.Fprintln(p.out, e.Content)
	case event.FinalSummary:
		fmt.Fprintf(p.out, "\n%s\n", green(e.SummaryText))
		for _, a := range e.Artifacts {
			fmt.Fprintf(p.out, "  %s %s\n", dim("artifact"), a.PathInWorkspace)
		}
	case event.CostSummary:
		fmt.Fprintf(p.out, "%s %d in / %d out tokens, %d calls, $%.4f\n",
			dim("cost:"), e.TotalInputTokens, e.TotalOutputTokens, e.Calls, e.EstimatedCostUSD)
		if len(e.UncostedModels) > 0 {
			fmt.Fprintf(p.out, "%s %s\n", yellow("unpriced:"), strings.Join(e.UncostedModels, ", "))
		}
	case event.Error:
		p.failed = true
		fmt.Fprintf(p.out, "%s %s\n", red("error:"), e.Message)
	case event.SessionDone:
		fmt.Fprintln(p.out, dim("session done"))
	}
}

func (p *printer) activity(a event.AgentActivity) {
	switch a.Event {
	case event.ActivityLLMToken:
		if !p.tokens {
			return
		}
		if s, ok := a.Data.(string); ok {
			fmt.Fprint(p.out, dim(s))
			p.inTokens = true
		}
	case event.ActivityTerminalOutput:
		line := fmt.Sprint(a.Data)
		if a.StreamType == event.StreamStderr {
			line = yellow(line)
		}
		fmt.Fprintf(p.out, "    %s %s\n", dim("|"), line)
	case event.ActivityToolCallStarted:
		fmt.Fprintf(p.out, "    %s %v\n", dim("tool"), a.Data)
	case event.ActivityToolCallCompleted:
		if a.ResultPreview != "" {
			fmt.Fprintf(p.out, "    %s %s\n", dim("result"), a.ResultPreview)
		}
	}
}
