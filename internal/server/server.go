package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/skylark-labs/callpilot/internal/bus"
	"github.com/skylark-labs/callpilot/internal/config"
	"github.com/skylark-labs/callpilot/internal/corpus"
	"github.com/skylark-labs/callpilot/internal/ingest"
	"github.com/skylark-labs/callpilot/internal/logger"
	"github.com/skylark-labs/callpilot/internal/orchestrator"
	"github.com/skylark-labs/callpilot/internal/retrieval"
	"github.com/skylark-labs/callpilot/internal/telemetry"
)

// Searcher is the retrieval surface the HTTP layer depends on.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]corpus.RerankResult, retrieval.Diagnostics, error)
}

// Ingester runs corpus ingestion on request.
type Ingester interface {
	IngestDir(ctx context.Context, dir string) (*ingest.Result, error)
}

// Suggester drives one suggestion stream.
type Suggester interface {
	Suggest(ctx context.Context, req *orchestrator.Request, emit func(orchestrator.Event) error) error
}

// OverlaySource hands out overlay subscriptions.
type OverlaySource interface {
	Subscribe(topic string) *bus.Subscriber
	Unsubscribe(sub *bus.Subscriber)
}

// StatsSource reports registry totals for health reporting.
type StatsSource interface {
	Stats() (sources, chunks int, err error)
}

// Server is the HTTP surface of the suggestion service.
type Server struct {
	log       *logger.Logger
	cfg       *config.ServerConfig
	searcher  Searcher
	ingester  Ingester
	suggester Suggester
	overlay   OverlaySource
	recorder  *telemetry.Recorder
	stats     StatsSource
	embedMode string

	engine *gin.Engine
}

// Options bundles the server's collaborators.
type Options struct {
	Config    *config.ServerConfig
	Searcher  Searcher
	Ingester  Ingester
	Suggester Suggester
	Overlay   OverlaySource
	Recorder  *telemetry.Recorder
	Stats     StatsSource
	EmbedMode string
}

// New builds the router and its middleware.
func New(log *logger.Logger, opts Options) *Server {
	s := &Server{
		log:       log.With("component", "Server"),
		cfg:       opts.Config,
		searcher:  opts.Searcher,
		ingester:  opts.Ingester,
		suggester: opts.Suggester,
		overlay:   opts.Overlay,
		recorder:  opts.Recorder,
		stats:     opts.Stats,
		embedMode: opts.EmbedMode,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLog())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	engine.Use(cors.New(corsCfg))

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(s.recorder.Handler()))
	engine.POST("/search", s.handleSearch)
	engine.POST("/ingest", s.handleIngest)
	engine.POST("/suggest", s.handleSuggest)
	engine.POST("/telemetry", s.handleTelemetry)
	engine.GET("/overlay/stream", s.handleOverlayStream)

	s.engine = engine
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run() error {
	s.log.Info("listening", "addr", s.cfg.Addr)
	return s.engine.Run(s.cfg.Addr)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
