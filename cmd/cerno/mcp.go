package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/mcpserver"
)

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			server := mcpserver.New(version, mcpserver.Deps{
				Runner:          a.orchestrator,
				Sessions:        a.sessions,
				Models:          a.catalog,
				Workspace:       a.workspace,
				PromptMaxLength: c.cfg.Prompt.MaxLength,
			})
			log.Print(ctx, log.KV{K: "msg", V: "MCP server ready on stdio"})
			return mcpserver.Serve(ctx, server)
		},
	}
}
