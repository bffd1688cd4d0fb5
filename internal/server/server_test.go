package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skylark-labs/callpilot/internal/bus"
	"github.com/skylark-labs/callpilot/internal/config"
	"github.com/skylark-labs/callpilot/internal/corpus"
	"github.com/skylark-labs/callpilot/internal/embedding"
	"github.com/skylark-labs/callpilot/internal/generation"
	"github.com/skylark-labs/callpilot/internal/index"
	"github.com/skylark-labs/callpilot/internal/ingest"
	"github.com/skylark-labs/callpilot/internal/logger"
	"github.com/skylark-labs/callpilot/internal/orchestrator"
	"github.com/skylark-labs/callpilot/internal/retrieval"
	"github.com/skylark-labs/callpilot/internal/telemetry"
)

type nullVectorWriter struct{}

func (nullVectorWriter) EnsureCollection(ctx context.Context) error { return nil }
func (nullVectorWriter) Upsert(ctx context.Context, chunk corpus.DocumentChunk, vector []float32) error {
	return nil
}

type nullDense struct{}

func (nullDense) Search(ctx context.Context, vector []float32, limit int) ([]corpus.RetrievalResult, error) {
	return nil, errors.New("dense retrieval disabled")
}

type scriptedStreamer struct {
	chunks []generation.Chunk
}

func (s *scriptedStreamer) Stream(ctx context.Context, prompt string) <-chan generation.Chunk {
	out := make(chan generation.Chunk, len(s.chunks))
	for _, c := range s.chunks {
		out <- c
	}
	close(out)
	return out
}

// newTestServer wires the full pipeline with an in-memory lexical index, a
// disabled dense path, and a scripted generator.
func newTestServer(t *testing.T, streamer *scriptedStreamer) (*Server, *bus.Hub) {
	t.Helper()
	log := logger.NewNop()

	embedder, err := embedding.NewService(&config.EmbeddingConfig{Provider: "hash", Dimensions: 64})
	if err != nil {
		t.Fatalf("embedding service: %v", err)
	}
	sparse := index.NewSparseIndex(log, "")
	t.Cleanup(func() { sparse.Close() })

	retriever := retrieval.NewRetriever(log, embedder, nullDense{}, sparse, 200)
	ingester := ingest.NewIngestor(log, embedder, sparse, nullVectorWriter{}, nil, 0, nil)

	hub := bus.NewHub(log)
	broadcaster := bus.NewBroadcaster(log, hub, nil)
	orch := orchestrator.New(log, retriever, streamer, broadcaster)

	srv := New(log, Options{
		Config:    &config.ServerConfig{Addr: ":0"},
		Searcher:  retriever,
		Ingester:  ingester,
		Suggester: orch,
		Overlay:   broadcaster,
		Recorder:  telemetry.NewRecorder(),
		EmbedMode: embedder.Provider(),
	})
	return srv, hub
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedStreamer{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["embedding"] != "hash" {
		t.Errorf("body = %v, want status ok with hash embedding", body)
	}
}

func TestServer_SearchValidation(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedStreamer{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"empty query", map[string]any{"query": ""}, http.StatusBadRequest},
		{"limit zero", map[string]any{"query": "x", "limit": 0}, http.StatusBadRequest},
		{"limit too high", map[string]any{"query": "x", "limit": 11}, http.StatusBadRequest},
		{"limit ten", map[string]any{"query": "x", "limit": 10}, http.StatusOK},
		{"no limit", map[string]any{"query": "x"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, srv, "/search", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestServer_IngestThenSearch(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedStreamer{})

	dir := t.TempDir()
	content := "billing integration requires the partner gateway and a sandbox account"
	if err := os.WriteFile(filepath.Join(dir, "handbook.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	rec := postJSON(t, srv, "/ingest", map[string]any{"dir": dir})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d: %s", rec.Code, rec.Body.String())
	}
	var ingestResp struct {
		Status string        `json:"status"`
		Result ingest.Result `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ingestResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ingestResp.Result.Sources != 1 || ingestResp.Result.Processed != 1 {
		t.Errorf("ingest result = %+v, want 1 source and 1 chunk", ingestResp.Result)
	}

	rec = postJSON(t, srv, "/search", map[string]any{"query": "partner gateway sandbox"})
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", rec.Code, rec.Body.String())
	}
	var searchResp struct {
		Status      string                 `json:"status"`
		Results     []corpus.RerankResult  `json:"results"`
		Diagnostics retrieval.Diagnostics  `json:"diagnostics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &searchResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(searchResp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(searchResp.Results))
	}
	if searchResp.Results[0].Text != content {
		t.Errorf("result text = %q, want the ingested chunk", searchResp.Results[0].Text)
	}
	if searchResp.Diagnostics.SparseCount != 1 || searchResp.Diagnostics.DenseCount != 0 {
		t.Errorf("diagnostics = %+v, want sparse-only hit", searchResp.Diagnostics)
	}
}

func TestServer_IngestValidation(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedStreamer{})

	if rec := postJSON(t, srv, "/ingest", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing dir: status = %d, want 400", rec.Code)
	}
	if rec := postJSON(t, srv, "/ingest", map[string]any{"dir": "/does/not/exist"}); rec.Code != http.StatusInternalServerError {
		t.Errorf("bad dir: status = %d, want 500", rec.Code)
	}
}

func parseSSEEvents(t *testing.T, body string) []orchestrator.Event {
	t.Helper()
	var events []orchestrator.Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev orchestrator.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestServer_SuggestStreams(t *testing.T) {
	streamer := &scriptedStreamer{chunks: []generation.Chunk{
		{Token: "Check the "},
		{Token: "integration handbook."},
		{Done: true},
	}}
	srv, _ := newTestServer(t, streamer)

	rec := postJSON(t, srv, "/suggest", map[string]any{"transcript": "We need integration guidance"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}

	events := parseSSEEvents(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Intent != "integration" {
		t.Errorf("intent = %q, want integration", events[0].Intent)
	}
	if !events[2].Done || events[2].Token != "" {
		t.Errorf("terminal event = %+v, want empty done event", events[2])
	}
	if events[0].Done || events[1].Done {
		t.Error("done flag set before the terminal event")
	}
}

func TestServer_SuggestValidation(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedStreamer{})

	rec := postJSON(t, srv, "/suggest", map[string]any{"transcript": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("rejection Content-Type = %q, want JSON (not a stream)", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invalid_request" {
		t.Errorf("error = %v, want invalid_request", body["error"])
	}

	rec = postJSON(t, srv, "/suggest", map[string]any{"transcript": "hello", "limit": 6})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit 6: status = %d, want 400", rec.Code)
	}
}

func TestServer_Telemetry(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedStreamer{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"valid", map[string]any{"accepted": true, "latency": 420.0}, http.StatusOK},
		{"missing accepted", map[string]any{"latency": 420.0}, http.StatusBadRequest},
		{"missing latency", map[string]any{"accepted": true}, http.StatusBadRequest},
		{"negative latency", map[string]any{"accepted": true, "latency": -1.0}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, srv, "/telemetry", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "assistant_acceptance_rate") {
		t.Error("/metrics missing acceptance gauge")
	}
}

func TestServer_OverlayStreamReceivesBroadcast(t *testing.T) {
	srv, hub := newTestServer(t, &scriptedStreamer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/overlay/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Handler().ServeHTTP(rec, req)
	}()

	// Wait for the subscriber to register, publish, then close the stream.
	deadline := time.After(2 * time.Second)
	for hub.SubscriberCount(orchestrator.OverlayTopic) == 0 {
		select {
		case <-deadline:
			t.Fatal("overlay subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	hub.Publish(bus.Message{
		Topic: orchestrator.OverlayTopic,
		Event: "suggestion",
		Data:  []byte(`{"suggestions":[]}`),
	})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-served

	body := rec.Body.String()
	if !strings.Contains(body, "event: suggestion") {
		t.Errorf("stream missing event name:\n%s", body)
	}
	if !strings.Contains(body, `data: {"suggestions":[]}`) {
		t.Errorf("stream missing payload:\n%s", body)
	}
}
