package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/skylark-labs/callpilot/internal/config"
	"github.com/skylark-labs/callpilot/internal/corpus"
	"github.com/skylark-labs/callpilot/internal/embedding"
	"github.com/skylark-labs/callpilot/internal/index"
	"github.com/skylark-labs/callpilot/internal/logger"
	"github.com/skylark-labs/callpilot/internal/retrieval"
)

// handleSearch implements the search subcommand
func handleSearch(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)

	var limit int
	var jsonOutput bool
	fs.IntVar(&limit, "k", cfg.Retrieval.DefaultLimit, "Number of results to return")
	fs.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `USAGE:
    callpilot search [options] "<query>"

DESCRIPTION:
    Run a hybrid retrieval query against the ingested corpus. Combines
    lexical and vector candidates and reranks the union.

OPTIONS:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
EXAMPLES:
    # Natural language query
    callpilot search "integration requirements"

    # Top 10 results as JSON
    callpilot search "partner onboarding risks" -k 10 -json
`)
	}

	if err := fs.Parse(args); err != nil {
		log.Fatalf("Failed to parse arguments: %v", err)
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: search query is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	query := fs.Arg(0)

	lg := logger.NewNop()

	embedder, err := embedding.NewService(&cfg.Embedding)
	if err != nil {
		log.Fatalf("Failed to create embedding service: %v", err)
	}

	sparse := index.NewSparseIndex(lg, cfg.Index.SparsePath)
	defer sparse.Close()
	dense := index.NewDenseStore(lg, cfg.Index.Qdrant, embedder.Dimensions())

	retriever := retrieval.NewRetriever(lg, embedder, dense, sparse, cfg.Retrieval.DenseTimeoutMS)

	results, diag, err := retriever.Search(context.Background(), query, limit)
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}

	if jsonOutput {
		output := map[string]interface{}{
			"query":       query,
			"count":       len(results),
			"results":     results,
			"diagnostics": diag,
		}
		data, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal results: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	printResults(results, diag, query)
}

func printResults(results []corpus.RerankResult, diag retrieval.Diagnostics, query string) {
	if len(results) == 0 {
		fmt.Println("No results found")
		return
	}

	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 40 {
		width = w
	}

	fmt.Printf("Found %d result(s) for: %s\n", len(results), query)
	fmt.Printf("(dense: %d, sparse: %d)\n\n", diag.DenseCount, diag.SparseCount)

	for i, result := range results {
		fmt.Printf("%d. %s\n", i+1, result.ID)
		fmt.Printf("   Source: %s (words %d-%d)\n", result.Source, result.Span.Start(), result.Span.End())
		fmt.Printf("   Score:  %.3f (rerank %.3f)\n", result.Score, result.RerankScore)

		text := strings.ReplaceAll(result.Text, "\n", " ")
		if max := width - 6; len(text) > max {
			text = text[:max] + "..."
		}
		fmt.Printf("   %s\n\n", text)
	}
}
