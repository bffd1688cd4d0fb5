package store

import (
	"fmt"
	"time"

	"github.com/skylark-labs/callpilot/internal/corpus"
)

// Registry records which sources and chunks have been committed to the
// indexes. Chunks for a source path are superseded, not merged, when the
// path is ingested again.
type Registry struct {
	db *DB
}

// NewRegistry creates a new registry over an open database
func NewRegistry(db *DB) *Registry {
	return &Registry{db: db}
}

// SourceRecord describes one ingested source document
type SourceRecord struct {
	Path       string
	DocID      string
	ChunkCount int
	IngestedAt time.Time
}

// ReplaceSource records a freshly ingested source, removing any chunk rows
// left over from a previous ingestion of the same path.
func (r *Registry) ReplaceSource(path, docID string, chunks []corpus.DocumentChunk) error {
	tx, err := r.db.sqlDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks WHERE source_path = ?", path); err != nil {
		return fmt.Errorf("failed to clear previous chunks: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	if _, err := tx.Exec(`
		INSERT INTO sources (path, doc_id, chunk_count, ingested_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			doc_id = excluded.doc_id,
			chunk_count = excluded.chunk_count,
			ingested_at = excluded.ingested_at
	`, path, docID, len(chunks), now); err != nil {
		return fmt.Errorf("failed to record source: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO chunks (id, source_path, span_start, span_end, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if _, err := stmt.Exec(chunk.ID, path, chunk.Span.Start(), chunk.Span.End(), now); err != nil {
			return fmt.Errorf("failed to record chunk %s: %w", chunk.ID, err)
		}
	}

	return tx.Commit()
}

// ListSources returns every recorded source, most recently ingested first.
func (r *Registry) ListSources() ([]SourceRecord, error) {
	rows, err := r.db.sqlDB.Query(`
		SELECT path, doc_id, chunk_count, ingested_at
		FROM sources
		ORDER BY ingested_at DESC, path ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var records []SourceRecord
	for rows.Next() {
		var rec SourceRecord
		var ingestedAt string
		if err := rows.Scan(&rec.Path, &rec.DocID, &rec.ChunkCount, &ingestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		rec.IngestedAt, _ = time.Parse(time.RFC3339, ingestedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats reports the registry totals.
func (r *Registry) Stats() (sources int, chunks int, err error) {
	if err = r.db.sqlDB.QueryRow("SELECT COUNT(*) FROM sources").Scan(&sources); err != nil {
		return 0, 0, fmt.Errorf("failed to count sources: %w", err)
	}
	if err = r.db.sqlDB.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&chunks); err != nil {
		return 0, 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return sources, chunks, nil
}
