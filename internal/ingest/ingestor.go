package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/skylark-labs/callpilot/internal/corpus"
	"github.com/skylark-labs/callpilot/internal/embedding"
	"github.com/skylark-labs/callpilot/internal/index"
	"github.com/skylark-labs/callpilot/internal/logger"
)

// VectorWriter is the dense-index write surface used during ingestion.
type VectorWriter interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, chunk corpus.DocumentChunk, vector []float32) error
}

// SourceRecorder persists which sources and chunks were committed.
type SourceRecorder interface {
	ReplaceSource(path, docID string, chunks []corpus.DocumentChunk) error
}

// Result summarizes one ingestion run.
type Result struct {
	Processed int `json:"processed"` // chunks committed across all sources
	Sources   int `json:"sources"`   // files successfully ingested
}

// Ingestor chunks source documents and commits them to both retrieval
// indexes. Re-ingesting a path supersedes its previous chunks in the
// registry; per-file and per-chunk failures are skipped with a warning so
// one bad document never aborts the run.
type Ingestor struct {
	log        *logger.Logger
	embedder   *embedding.Service
	sparse     *index.SparseIndex
	dense      VectorWriter
	registry   SourceRecorder
	chunkWords int
	exclude    []string

	// Progress, when set, is called once per discovered file before it is
	// processed. The CLI hooks a progress bar here.
	Progress func(path string)
}

// NewIngestor wires the ingestion pipeline.
func NewIngestor(log *logger.Logger, embedder *embedding.Service, sparse *index.SparseIndex, dense VectorWriter, registry SourceRecorder, chunkWords int, exclude []string) *Ingestor {
	if chunkWords <= 0 {
		chunkWords = corpus.DefaultChunkWords
	}
	return &Ingestor{
		log:        log.With("component", "Ingestor"),
		embedder:   embedder,
		sparse:     sparse,
		dense:      dense,
		registry:   registry,
		chunkWords: chunkWords,
		exclude:    exclude,
	}
}

// IngestDir ingests every regular file directly under dir. Subdirectories
// are not descended into.
func (in *Ingestor) IngestDir(ctx context.Context, dir string) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read corpus directory: %w", err)
	}

	if err := in.dense.EnsureCollection(ctx); err != nil {
		in.log.Warn("vector collection unavailable, dense writes may fail", "error", err)
	}

	result := &Result{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if in.excluded(name) {
			in.log.Debug("skipping excluded file", "file", name)
			continue
		}

		path := filepath.Join(dir, name)
		if in.Progress != nil {
			in.Progress(path)
		}

		chunks, err := in.ingestFile(ctx, path)
		if err != nil {
			in.log.Warn("skipping source", "path", path, "error", err)
			continue
		}
		result.Sources++
		result.Processed += chunks
	}

	if err := in.sparse.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize lexical index: %w", err)
	}
	return result, nil
}

// ingestFile chunks and commits a single source document, returning the
// number of chunks committed.
func (in *Ingestor) ingestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read source: %w", err)
	}

	docID := uuid.NewString()
	pieces := corpus.SplitWords(string(data), in.chunkWords)
	if len(pieces) == 0 {
		return 0, fmt.Errorf("source has no content")
	}

	chunks := make([]corpus.DocumentChunk, 0, len(pieces))
	for _, piece := range pieces {
		chunk := corpus.DocumentChunk{
			ID:     fmt.Sprintf("%s-%d", docID, piece.Span.Start()),
			Text:   piece.Text,
			Source: path,
			Span:   piece.Span,
		}

		if err := in.sparse.Add(chunk); err != nil {
			in.log.Warn("lexical index rejected chunk", "chunk", chunk.ID, "error", err)
			continue
		}

		vector, err := in.embedder.Embed(ctx, chunk.Text)
		if err != nil {
			in.log.Warn("embedding failed, chunk is lexical-only", "chunk", chunk.ID, "error", err)
		} else if err := in.dense.Upsert(ctx, chunk, vector); err != nil {
			in.log.Warn("vector upsert failed, chunk is lexical-only", "chunk", chunk.ID, "error", err)
		}

		chunks = append(chunks, chunk)
	}

	if in.registry != nil {
		if err := in.registry.ReplaceSource(path, docID, chunks); err != nil {
			in.log.Warn("registry update failed", "path", path, "error", err)
		}
	}
	return len(chunks), nil
}

func (in *Ingestor) excluded(name string) bool {
	for _, pattern := range in.exclude {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
