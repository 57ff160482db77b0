package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/config"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/cost"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/orchestrator"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/planner"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/session"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/worker"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

// app is the set of services every entry point shares.
type app struct {
	cfg          *config.Config
	workspace    *workspace.Workspace
	prices       *cost.Table
	catalog      *model.Catalog
	orchestrator *orchestrator.Orchestrator
	sessions     *session.Registry
}

// newApp wires the services from cfg. The pricing file, when set, is
// watched for changes until ctx is done.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return nil, err
	}

	prices := cost.NewTable(cost.DefaultPrices)
	if cfg.PricingFile != "" {
		if err := prices.Load(cfg.PricingFile); err != nil {
			ws.Close()
			return nil, err
		}
		if err := prices.Watch(ctx, cfg.PricingFile); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "pricing watch disabled"}, log.KV{K: "err", V: err.Error()})
		}
	}

	ollama, err := newOllamaClient(cfg.Ollama.Host)
	if err != nil {
		ws.Close()
		return nil, err
	}
	static, err := model.LoadStatic(cfg.CatalogFile)
	if err != nil {
		ws.Close()
		return nil, err
	}
	catalog := model.NewCatalog(static, cfg.Credentials(), ollama, cfg.Catalog.CacheTTL)

	opts := worker.Options{MaxTokens: cfg.Model.MaxTokens, Temperature: cfg.Model.Temperature}
	workers := worker.Defaults(newSandbox(ctx, cfg.Sandbox), opts)

	orch := orchestrator.New(orchestrator.Config{
		Catalog:   catalog,
		Planner:   planner.NewLLM(opts.MaxTokens, opts.Temperature, workers.IDs()...),
		Workers:   workers,
		Workspace: ws,
		Pricer:    prices,
		Metrics:   orchestrator.DefaultMetrics(),
	})

	log.Print(ctx,
		log.KV{K: "msg", V: "services ready"},
		log.KV{K: "workspace", V: ws.Dir()},
		log.KV{K: "priced_models", V: prices.Len()},
		log.KV{K: "ollama", V: cfg.Ollama.Host},
	)
	return &app{
		cfg:          cfg,
		workspace:    ws,
		prices:       prices,
		catalog:      catalog,
		orchestrator: orch,
		sessions:     session.NewRegistry(),
	}, nil
}

// Close cancels live runs and releases the workspace.
func (a *app) Close(ctx context.Context) {
	if n := a.sessions.CancelAll(); n > 0 {
		log.Printf(ctx, "cancelled %d running session(s)", n)
	}
	if err := a.workspace.Close(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "closing workspace"})
	}
}

// newSandbox returns the local process sandbox when enabled and a sandbox
// refusing every script otherwise.
func newSandbox(ctx context.Context, cfg config.Sandbox) worker.Sandbox {
	if !cfg.Enabled {
		log.Print(ctx, log.KV{K: "msg", V: "code execution disabled"})
		return worker.DisabledSandbox{}
	}
	log.Warn(ctx, log.KV{K: "msg", V: "code execution enabled: scripts run on this host"}, log.KV{K: "python", V: cfg.Python}, log.KV{K: "shell", V: cfg.Shell})
	return worker.NewLocalSandbox(cfg.Python, cfg.Shell, cfg.Timeout)
}

// newOllamaClient accepts OLLAMA_HOST style values with or without a scheme.
func newOllamaClient(host string) (*api.Client, error) {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	return api.NewClient(u, http.DefaultClient), nil
}
