package internal

import (
	"fmt"
	"os"

	"github.com/skylark-labs/callpilot/internal/config"
)

const Version = "0.3.1"

// PrintUsage writes the top-level help text to stderr.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, `callpilot - Grounded Live-Call Suggestion Service

Version: %s

USAGE:
    callpilot [global options] <command> [command options]

GLOBAL OPTIONS:
    -config <path>
        Path to config file (default: ~/.callpilot/config/callpilot.yaml)

    -v, -version
        Show version information

    -h, -help
        Show this help message

COMMANDS:
    serve
        Run the HTTP suggestion service (search, suggest, overlay stream)

    ingest
        Chunk a document directory into the retrieval indexes

    search
        Run a hybrid retrieval query from the command line

    stats
        Show ingested source statistics

EXAMPLES:
    # Start the service on the configured address
    callpilot serve

    # Ingest a directory of reference documents
    callpilot ingest ./docs

    # Query the indexes directly
    callpilot search "integration requirements"

    # With an explicit config file
    callpilot -config ./callpilot.yaml serve
`, Version)
}

// PrintConfigExample writes a complete example config to stderr.
func PrintConfigExample() {
	homeDir, _ := os.UserHomeDir()
	fmt.Fprintf(os.Stderr, `Create a configuration file at %s/.callpilot/config/callpilot.yaml:

server:
  addr: ":7008"
  allow_origins: ["*"]
  # redis_addr: localhost:6379   # enable to fan the overlay out across instances
  # redis_channel: overlay

retrieval:
  default_limit: 5
  dense_timeout_ms: 200

index:
  sparse_path: ""                # empty keeps the lexical index in memory
  qdrant:
    url: http://localhost:6333
    collection: call-companion-docs

embedding:
  provider: hash                 # "hash" | "openai"
  dimensions: 64

generation:
  base_url: http://localhost:11434
  primary_model: qwen2.5:14b-instruct
  fallback_model: llama3.2:8b
  timeout_ms: 5000

ingest:
  chunk_words: 512
  exclude: ["*.log"]
`, homeDir)
}

// LoadConfig reads the config file, falling back to built-in defaults when
// none exists. Every setting has a usable default, so a missing file is not
// an error.
func LoadConfig(configPath string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		if config.IsConfigNotFound(err) && configPath == "" {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}
