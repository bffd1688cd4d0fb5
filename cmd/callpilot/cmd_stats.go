package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/skylark-labs/callpilot/internal/config"
	"github.com/skylark-labs/callpilot/internal/store"
)

// handleStats implements the stats subcommand
func handleStats(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	listSources := fs.Bool("sources", false, "List every ingested source")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    callpilot stats [options]

DESCRIPTION:
    Show totals from the chunk registry.

OPTIONS:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		log.Fatalf("Failed to parse arguments: %v", err)
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open registry: %v", err)
	}
	defer db.Close()
	registry := store.NewRegistry(db)

	sources, chunks, err := registry.Stats()
	if err != nil {
		log.Fatalf("Failed to read statistics: %v", err)
	}

	fmt.Printf("📊 Registry: %s\n\n", cfg.Database.Path)
	fmt.Printf("   Sources: %6d\n", sources)
	fmt.Printf("   Chunks:  %6d\n", chunks)

	if *listSources {
		records, err := registry.ListSources()
		if err != nil {
			log.Fatalf("Failed to list sources: %v", err)
		}
		fmt.Println()
		for _, rec := range records {
			fmt.Printf("   %s  chunks=%d  ingested=%s\n", rec.Path, rec.ChunkCount, rec.IngestedAt.Format("2006-01-02 15:04:05"))
		}
	}
}
