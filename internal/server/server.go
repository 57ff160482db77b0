// Package server exposes runs, the workspace and the model catalog over
// HTTP.
//
// Runs are streamed as server-sent events, one JSON envelope per data frame.
// The remaining endpoints are plain JSON or file responses.
package server

import (
	"context"
	"net/http"
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/session"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/stream"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

// DefaultPromptMaxLength bounds the prompt when no limit is configured.
const DefaultPromptMaxLength = 400

type (
	// Models lists the selectable models grouped by provider.
	Models interface {
		Models(ctx context.Context) model.Grouped
	}

	// Config tunes the HTTP surface.
	Config struct {
		// AllowedOrigins lists CORS origins; empty or "*" allows any.
		AllowedOrigins  []string
		PromptMaxLength int
		RateLimit       RateLimitConfig
		Debug           bool
	}

	// Deps are the services behind the endpoints.
	Deps struct {
		Streams   *stream.Adapter
		Sessions  *session.Registry
		Workspace *workspace.Workspace
		Models    Models
		// Gatherer backs /metrics; nil uses the default registry.
		Gatherer prometheus.Gatherer
	}

	// Server routes the API.
	Server struct {
		logCtx context.Context
		cfg    Config
		deps   Deps
		engine *gin.Engine
	}
)

// New builds the router. logCtx carries the logger used for access logs.
func New(logCtx context.Context, cfg Config, deps Deps) *Server {
	if cfg.PromptMaxLength <= 0 {
		cfg.PromptMaxLength = DefaultPromptMaxLength
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	setupValidation()
	s := &Server{logCtx: logCtx, cfg: cfg, deps: deps, engine: gin.New()}
	s.engine.Use(gin.Recovery(), cors.New(corsConfig(cfg.AllowedOrigins)))
	s.routes()
	return s
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) == 0 || slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Requested-With"}
	return c
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := s.engine.Group("/api")
	{
		prompt := api.Group("/prompt", RateLimit(s.cfg.RateLimit))
		prompt.GET("/", s.handlePrompt)
		prompt.POST("/", s.handlePrompt)

		api.POST("/agent/stop/", s.handleStop)
		api.GET("/models/", s.handleModels)

		files := api.Group("/files")
		files.GET("/list/", s.handleList)
		files.GET("/download/", s.handleDownload)
		files.GET("/view/", s.handleView)
	}
}

// Handler returns the router wrapped with access logging.
func (s *Server) Handler() http.Handler {
	return log.HTTP(s.logCtx)(s.engine)
}

func (s *Server) handleModels(c *gin.Context) {
	grouped := s.deps.Models.Models(c.Request.Context())
	if len(grouped) == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Model list is empty or not found. Please run the generation script."})
		return
	}
	c.JSON(http.StatusOK, grouped)
}
