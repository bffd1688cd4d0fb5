package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skylark-labs/callpilot/internal/config"
	"github.com/skylark-labs/callpilot/internal/corpus"
	"github.com/skylark-labs/callpilot/internal/logger"
)

const (
	payloadChunkIDKey   = "chunk_id"
	payloadTextKey      = "text"
	payloadSourceKey    = "source"
	payloadSpanStartKey = "span_start"
	payloadSpanEndKey   = "span_end"
	maxErrorBodyBytes   = 1024
)

// Qdrant point ids must be UUIDs; chunk ids are not, so each chunk id is
// mapped to a deterministic UUID and the real id is kept in the payload.
var pointIDNamespace = uuid.MustParse("7c9e3b40-55d1-4a8f-9c7a-0b2d6f1e8a31")

// DenseStore is the vector side of hybrid retrieval, backed by a remote
// qdrant instance over its HTTP API. Callers treat every error as a degrade
// signal; the store itself just reports them.
type DenseStore struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	collection string
	dims       int
	http       *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type qdrantSearchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

// NewDenseStore creates a qdrant-backed vector store client.
func NewDenseStore(log *logger.Logger, cfg config.QdrantConfig, dims int) *DenseStore {
	return &DenseStore{
		log:        log.With("component", "DenseStore"),
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dims:       dims,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// EnsureCollection creates the collection if it does not exist yet. An
// already-existing collection is not an error.
func (d *DenseStore) EnsureCollection(ctx context.Context) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     d.dims,
			"distance": "Cosine",
		},
	}

	status, respBody, err := d.do(ctx, http.MethodPut, "/collections/"+d.collection, body)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		d.log.Debug("collection exists", "collection", d.collection)
		return nil
	}
	if status < 200 || status >= 300 {
		if strings.Contains(strings.ToLower(string(respBody)), "already exists") {
			return nil
		}
		return fmt.Errorf("create collection %s: status %d: %s", d.collection, status, truncateBody(respBody))
	}
	return nil
}

// Upsert writes one chunk's vector and payload.
func (d *DenseStore) Upsert(ctx context.Context, chunk corpus.DocumentChunk, vector []float32) error {
	if chunk.ID == "" {
		return fmt.Errorf("chunk id is required")
	}
	if len(vector) == 0 {
		return fmt.Errorf("chunk %s has an empty vector", chunk.ID)
	}
	if d.dims > 0 && len(vector) != d.dims {
		return fmt.Errorf("chunk %s dimension mismatch: expected=%d got=%d", chunk.ID, d.dims, len(vector))
	}

	body := map[string]any{
		"points": []map[string]any{
			{
				"id":     pointID(chunk.ID),
				"vector": vector,
				"payload": map[string]any{
					payloadChunkIDKey:   chunk.ID,
					payloadTextKey:      chunk.Text,
					payloadSourceKey:    chunk.Source,
					payloadSpanStartKey: chunk.Span.Start(),
					payloadSpanEndKey:   chunk.Span.End(),
				},
			},
		},
	}

	status, respBody, err := d.do(ctx, http.MethodPut, "/collections/"+d.collection+"/points?wait=true", body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("upsert chunk %s: status %d: %s", chunk.ID, status, truncateBody(respBody))
	}
	return nil
}

// Search returns the closest chunks for a query vector, best first.
func (d *DenseStore) Search(ctx context.Context, vector []float32, limit int) ([]corpus.RetrievalResult, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}

	status, respBody, err := d.do(ctx, http.MethodPost, "/collections/"+d.collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("vector search: status %d: %s", status, truncateBody(respBody))
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("decode search envelope: %w", err)
	}
	var items []qdrantSearchResultItem
	if err := json.Unmarshal(envelope.Result, &items); err != nil {
		return nil, fmt.Errorf("decode search result: %w", err)
	}

	results := make([]corpus.RetrievalResult, 0, len(items))
	for _, item := range items {
		if item.Payload == nil {
			continue
		}
		r := corpus.RetrievalResult{Score: item.Score}
		r.ID, _ = item.Payload[payloadChunkIDKey].(string)
		if r.ID == "" {
			continue
		}
		r.Text, _ = item.Payload[payloadTextKey].(string)
		r.Source, _ = item.Payload[payloadSourceKey].(string)
		if start, ok := item.Payload[payloadSpanStartKey].(float64); ok {
			r.Span[0] = int(start)
		}
		if end, ok := item.Payload[payloadSpanEndKey].(float64); ok {
			r.Span[1] = int(end)
		}
		results = append(results, r)
	}
	return results, nil
}

func (d *DenseStore) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("api-key", d.apiKey)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("qdrant request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func pointID(chunkID string) string {
	return uuid.NewSHA1(pointIDNamespace, []byte(chunkID)).String()
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return string(body)
}
