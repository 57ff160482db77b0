package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
)

func newModelsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the model catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd, c)
			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			printModels(cmd, a.catalog.Models(ctx))
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Discover provider models and write the catalog file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd, c)
			ollama, err := newOllamaClient(c.cfg.Ollama.Host)
			if err != nil {
				return err
			}
			grouped := model.Discover(ctx, c.cfg.Credentials(), ollama)
			if len(grouped) == 0 {
				return errors.New("no models discovered; check provider credentials and that Ollama is running")
			}
			if err := model.SaveStatic(c.cfg.CatalogFile, grouped); err != nil {
				return err
			}
			log.Printf(ctx, "wrote %d provider(s) to %s", len(grouped), c.cfg.CatalogFile)
			printModels(cmd, grouped)
			return nil
		},
	})
	return cmd
}

func commandContext(cmd *cobra.Command, c *cli) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return c.logContext(ctx)
}

func printModels(cmd *cobra.Command, grouped model.Grouped) {
	providers := make([]string, 0, len(grouped))
	for p := range grouped {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	out := cmd.OutOrStdout()
	for _, p := range providers {
		fmt.Fprintln(out, bold(p))
		for _, e := range grouped[p] {
			fmt.Fprintf(out, "  %s  %s\n", e.ID, dim(e.Name))
		}
	}
}
