package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/server"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "address to listen on")
	_ = c.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}

func (c *cli) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(c.logContext(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, c.cfg)
	if err != nil {
		return err
	}

	srv := server.New(ctx, c.cfg.ServerConfig(), server.Deps{
		Streams:   stream.New(a.sessions, a.orchestrator, c.cfg.Stream.QueueSize),
		Sessions:  a.sessions,
		Workspace: a.workspace,
		Models:    a.catalog,
	})
	httpServer := &http.Server{
		Addr:              c.cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf(gctx, "HTTP server listening on %s", c.cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %s", c.cfg.Listen)
		// Streams only end once their runs do, so cancel runs first.
		a.sessions.CancelAll()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	err = g.Wait()
	a.Close(ctx)
	log.Printf(ctx, "exited")
	return err
}
