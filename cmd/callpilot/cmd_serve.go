package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/skylark-labs/callpilot/internal/bus"
	"github.com/skylark-labs/callpilot/internal/config"
	"github.com/skylark-labs/callpilot/internal/embedding"
	"github.com/skylark-labs/callpilot/internal/generation"
	"github.com/skylark-labs/callpilot/internal/index"
	"github.com/skylark-labs/callpilot/internal/ingest"
	"github.com/skylark-labs/callpilot/internal/logger"
	"github.com/skylark-labs/callpilot/internal/orchestrator"
	"github.com/skylark-labs/callpilot/internal/retrieval"
	"github.com/skylark-labs/callpilot/internal/server"
	"github.com/skylark-labs/callpilot/internal/store"
	"github.com/skylark-labs/callpilot/internal/telemetry"
)

// handleServe implements the serve subcommand
func handleServe(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Listen address (overrides config)")
	prod := fs.Bool("prod", false, "Production logging output")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    callpilot serve [options]

DESCRIPTION:
    Run the HTTP suggestion service. Exposes:
      POST /search          hybrid retrieval
      POST /ingest          corpus ingestion
      POST /suggest         streamed suggestion (SSE)
      POST /telemetry       acceptance and latency reporting
      GET  /overlay/stream  overlay fan-out (SSE)
      GET  /healthz, /metrics

OPTIONS:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		log.Fatalf("Failed to parse arguments: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	mode := "development"
	if *prod {
		mode = "production"
	}
	lg, err := logger.New(mode)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer lg.Sync()

	embedder, err := embedding.NewService(&cfg.Embedding)
	if err != nil {
		lg.Fatal("embedding service init failed", "error", err)
	}

	sparse := index.NewSparseIndex(lg, cfg.Index.SparsePath)
	defer sparse.Close()
	dense := index.NewDenseStore(lg, cfg.Index.Qdrant, embedder.Dimensions())

	retriever := retrieval.NewRetriever(lg, embedder, dense, sparse, cfg.Retrieval.DenseTimeoutMS)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		lg.Fatal("registry open failed", "path", cfg.Database.Path, "error", err)
	}
	defer db.Close()
	registry := store.NewRegistry(db)

	ingester := ingest.NewIngestor(lg, embedder, sparse, dense, registry, cfg.Ingest.ChunkWords, cfg.Ingest.Exclude)

	hub := bus.NewHub(lg)
	var relay *bus.Relay
	if cfg.Server.RedisAddr != "" {
		relay, err = bus.NewRelay(lg, cfg.Server.RedisAddr, cfg.Server.RedisChannel)
		if err != nil {
			lg.Warn("redis relay unavailable, overlay is single-instance", "error", err)
			relay = nil
		}
	}
	broadcaster := bus.NewBroadcaster(lg, hub, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := broadcaster.Start(ctx); err != nil {
		lg.Fatal("overlay forwarder failed to start", "error", err)
	}

	generator := generation.NewClient(lg, &cfg.Generation)
	orch := orchestrator.New(lg, retriever, generator, broadcaster)

	srv := server.New(lg, server.Options{
		Config:    &cfg.Server,
		Searcher:  retriever,
		Ingester:  ingester,
		Suggester: orch,
		Overlay:   broadcaster,
		Recorder:  telemetry.NewRecorder(),
		Stats:     registry,
		EmbedMode: embedder.Provider(),
	})
	if err := srv.Run(); err != nil {
		lg.Fatal("server stopped", "error", err)
	}
}
