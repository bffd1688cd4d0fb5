package corpus

// Span is a half-open word-index range [start, end) within a source document.
type Span [2]int

// Start returns the first word index covered by the span.
func (s Span) Start() int { return s[0] }

// End returns the word index one past the last word covered by the span.
func (s Span) End() int { return s[1] }

// DocumentChunk is a contiguous slice of an ingested source document.
// Chunks are created during ingestion and immutable afterwards; re-ingesting
// the same source path supersedes its chunks rather than merging them.
type DocumentChunk struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Source string `json:"source"`
	Span   Span   `json:"span"`
}

// RetrievalResult is a chunk plus the score assigned by one retrieval path.
// Produced transiently per query; never persisted.
type RetrievalResult struct {
	DocumentChunk
	Score float64 `json:"score"`
}

// RerankResult is a retrieval result plus its second-stage relevance score.
// Within one reranked batch, RerankScore is non-increasing by index.
type RerankResult struct {
	RetrievalResult
	RerankScore float64 `json:"rerankScore"`
}

// Evidence is the externally visible projection of a rerank result, used in
// prompts and suggestion events.
type Evidence struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Source      string  `json:"source"`
	Span        Span    `json:"span"`
	RerankScore float64 `json:"rerankScore"`
}

// Evidence projects the rerank result into its external form.
func (r RerankResult) Evidence() Evidence {
	return Evidence{
		ID:          r.ID,
		Text:        r.Text,
		Source:      r.Source,
		Span:        r.Span,
		RerankScore: r.RerankScore,
	}
}

// EvidenceIDs extracts the ordered id list from an evidence slice.
func EvidenceIDs(evidence []Evidence) []string {
	ids := make([]string, len(evidence))
	for i, ev := range evidence {
		ids[i] = ev.ID
	}
	return ids
}

// Suggestion is the accumulated state of one generation request as observed
// by overlay subscribers. Text grows append-only while tokens stream in;
// Confidence is fixed for the lifetime of the request.
type Suggestion struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
}
