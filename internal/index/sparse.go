package index

import (
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/skylark-labs/callpilot/internal/corpus"
	"github.com/skylark-labs/callpilot/internal/logger"
)

// SparseIndex is the lexical side of hybrid retrieval, backed by bleve.
// Writes accumulate in a batch and become visible only after Finalize; a
// query issued while a batch is pending finalizes it first instead of
// erroring, and a query against an index that was never set up
// auto-initializes an empty one.
type SparseIndex struct {
	mu    sync.Mutex
	log   *logger.Logger
	path  string // empty means in-memory
	index bleve.Index
	batch *bleve.Batch
}

type sparseDoc struct {
	Text      string  `json:"text"`
	Source    string  `json:"source"`
	SpanStart float64 `json:"span_start"`
	SpanEnd   float64 `json:"span_end"`
}

// NewSparseIndex creates a lexical index handle. The underlying bleve index
// is opened lazily on first write or query.
func NewSparseIndex(log *logger.Logger, path string) *SparseIndex {
	return &SparseIndex{
		log:  log.With("component", "SparseIndex"),
		path: path,
	}
}

// ensure opens or creates the underlying index. Callers must hold mu.
func (s *SparseIndex) ensure() error {
	if s.index != nil {
		return nil
	}

	var idx bleve.Index
	var err error
	if s.path == "" {
		idx, err = bleve.NewMemOnly(buildIndexMapping())
	} else {
		idx, err = bleve.Open(s.path)
		if err != nil {
			if mkErr := os.MkdirAll(s.path, 0o755); mkErr == nil {
				idx, err = bleve.New(s.path, buildIndexMapping())
			}
		}
	}
	if err != nil {
		return fmt.Errorf("open bleve index: %w", err)
	}

	s.index = idx
	s.batch = idx.NewBatch()
	return nil
}

// Add stages a chunk for indexing. The chunk is not queryable until the
// batch is finalized.
func (s *SparseIndex) Add(chunk corpus.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensure(); err != nil {
		return err
	}

	doc := sparseDoc{
		Text:      chunk.Text,
		Source:    chunk.Source,
		SpanStart: float64(chunk.Span.Start()),
		SpanEnd:   float64(chunk.Span.End()),
	}
	if err := s.batch.Index(chunk.ID, doc); err != nil {
		return fmt.Errorf("batch index chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// Finalize commits the pending batch, making staged chunks queryable.
func (s *SparseIndex) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeLocked()
}

func (s *SparseIndex) finalizeLocked() error {
	if err := s.ensure(); err != nil {
		return err
	}
	if s.batch.Size() == 0 {
		return nil
	}
	if err := s.index.Batch(s.batch); err != nil {
		return fmt.Errorf("commit bleve batch: %w", err)
	}
	s.batch = s.index.NewBatch()
	return nil
}

// Search runs a lexical match query and returns scored chunks, best first.
func (s *SparseIndex) Search(query string, limit int) ([]corpus.RetrievalResult, error) {
	s.mu.Lock()
	if err := s.finalizeLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	idx := s.index
	s.mu.Unlock()

	matchQuery := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(matchQuery, limit, 0, false)
	req.Fields = []string{"text", "source", "span_start", "span_end"}

	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	results := make([]corpus.RetrievalResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := corpus.RetrievalResult{Score: hit.Score}
		r.ID = hit.ID
		if text, ok := hit.Fields["text"].(string); ok {
			r.Text = text
		}
		if source, ok := hit.Fields["source"].(string); ok {
			r.Source = source
		}
		if start, ok := hit.Fields["span_start"].(float64); ok {
			r.Span[0] = int(start)
		}
		if end, ok := hit.Fields["span_end"].(float64); ok {
			r.Span[1] = int(end)
		}
		results = append(results, r)
	}
	return results, nil
}

// Count reports the number of committed documents.
func (s *SparseIndex) Count() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(); err != nil {
		return 0, err
	}
	return s.index.DocCount()
}

// Close releases the underlying index, if it was ever opened.
func (s *SparseIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return nil
	}
	err := s.index.Close()
	s.index = nil
	s.batch = nil
	return err
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = "en"
	indexMapping.DefaultField = "text"

	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Store = true
	textField.Index = true
	docMapping.AddFieldMappingsAt("text", textField)

	sourceField := bleve.NewTextFieldMapping()
	sourceField.Store = true
	sourceField.Index = true
	sourceField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("source", sourceField)

	spanField := bleve.NewNumericFieldMapping()
	spanField.Store = true
	spanField.Index = false
	docMapping.AddFieldMappingsAt("span_start", spanField)
	docMapping.AddFieldMappingsAt("span_end", spanField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}
