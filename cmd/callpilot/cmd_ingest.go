package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/skylark-labs/callpilot/internal/config"
	"github.com/skylark-labs/callpilot/internal/embedding"
	"github.com/skylark-labs/callpilot/internal/index"
	"github.com/skylark-labs/callpilot/internal/ingest"
	"github.com/skylark-labs/callpilot/internal/logger"
	"github.com/skylark-labs/callpilot/internal/store"
)

// handleIngest implements the ingest subcommand
func handleIngest(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	quiet := fs.Bool("q", false, "Suppress the progress bar")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    callpilot ingest [options] <directory>

DESCRIPTION:
    Chunk every document in a directory and commit the chunks to the
    lexical and vector indexes. Re-ingesting a path supersedes its
    previous chunks.

OPTIONS:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
EXAMPLES:
    # Ingest a directory of reference documents
    callpilot ingest ./docs

    # Quiet mode for scripting
    callpilot ingest -q ./docs
`)
	}

	if err := fs.Parse(args); err != nil {
		log.Fatalf("Failed to parse arguments: %v", err)
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: directory is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	dir, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		log.Fatalf("Failed to resolve directory: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		log.Fatalf("Directory does not exist: %s", dir)
	}

	lg := logger.NewNop()

	embedder, err := embedding.NewService(&cfg.Embedding)
	if err != nil {
		log.Fatalf("Failed to create embedding service: %v", err)
	}

	sparse := index.NewSparseIndex(lg, cfg.Index.SparsePath)
	defer sparse.Close()
	dense := index.NewDenseStore(lg, cfg.Index.Qdrant, embedder.Dimensions())

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open registry: %v", err)
	}
	defer db.Close()
	registry := store.NewRegistry(db)

	ingester := ingest.NewIngestor(lg, embedder, sparse, dense, registry, cfg.Ingest.ChunkWords, cfg.Ingest.Exclude)

	if !*quiet {
		entries, _ := os.ReadDir(dir)
		files := 0
		for _, entry := range entries {
			if !entry.IsDir() {
				files++
			}
		}
		bar := progressbar.NewOptions(files,
			progressbar.OptionSetDescription("Ingesting"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		ingester.Progress = func(path string) {
			_ = bar.Add(1)
		}
	}

	fmt.Printf("📄 Ingesting documents from: %s\n\n", dir)
	start := time.Now()

	result, err := ingester.IngestDir(context.Background(), dir)
	if err != nil {
		log.Fatalf("Ingestion failed: %v", err)
	}

	fmt.Println("✅ Ingestion completed")
	fmt.Printf("\n⏱️  Duration: %v\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("\n📊 Statistics:\n")
	fmt.Printf("   Sources: %6d\n", result.Sources)
	fmt.Printf("   Chunks:  %6d\n", result.Processed)
}
