package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/skylark-labs/callpilot/internal/config"
	"github.com/skylark-labs/callpilot/internal/logger"
)

func clientFor(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(logger.NewNop(), &config.GenerationConfig{
		BaseURL:       srv.URL,
		PrimaryModel:  "qwen2.5:14b-instruct",
		FallbackModel: "llama3.2:8b",
		TimeoutMS:     2000,
	})
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}

func writeLines(w http.ResponseWriter, lines ...any) {
	enc := json.NewEncoder(w)
	for _, line := range lines {
		_ = enc.Encode(line)
	}
}

func requireOneTerminal(t *testing.T, chunks []Chunk) Chunk {
	t.Helper()
	if len(chunks) == 0 {
		t.Fatal("stream produced no chunks")
	}
	done := 0
	for _, c := range chunks {
		if c.Done {
			done++
		}
	}
	if done != 1 {
		t.Fatalf("stream carried %d done chunks, want exactly 1: %+v", done, chunks)
	}
	last := chunks[len(chunks)-1]
	if !last.Done {
		t.Fatalf("done chunk is not last: %+v", chunks)
	}
	return last
}

func TestClient_StreamPrimary(t *testing.T) {
	var gotModel string
	client := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		writeLines(w,
			map[string]any{"response": "Hello", "done": false},
			map[string]any{"response": " world", "done": false},
			map[string]any{"response": "", "done": true},
		)
	})

	chunks := collect(t, client.Stream(context.Background(), "prompt"))

	if gotModel != "qwen2.5:14b-instruct" {
		t.Errorf("model = %q, want primary", gotModel)
	}
	last := requireOneTerminal(t, chunks)
	if last.Token != "" {
		t.Errorf("healthy terminal token = %q, want empty", last.Token)
	}
	if len(chunks) != 3 || chunks[0].Token != "Hello" || chunks[1].Token != " world" {
		t.Errorf("tokens = %+v, want Hello, world, terminal", chunks)
	}
}

func TestClient_FallsBackToSecondary(t *testing.T) {
	client := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] == "qwen2.5:14b-instruct" {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
			return
		}
		writeLines(w,
			map[string]any{"response": "fallback answer", "done": false},
			map[string]any{"response": "", "done": true},
		)
	})

	chunks := collect(t, client.Stream(context.Background(), "prompt"))

	last := requireOneTerminal(t, chunks)
	if last.Token != "" {
		t.Errorf("terminal token = %q, want empty (fallback succeeded)", last.Token)
	}
	if chunks[0].Token != "fallback answer" {
		t.Errorf("first token = %q, want fallback answer", chunks[0].Token)
	}
}

func TestClient_AllModelsExhausted(t *testing.T) {
	client := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	chunks := collect(t, client.Stream(context.Background(), "prompt"))

	last := requireOneTerminal(t, chunks)
	if last.Token != FallbackNotice {
		t.Errorf("terminal token = %q, want fallback notice", last.Token)
	}
	if len(chunks) != 1 {
		t.Errorf("chunks = %+v, want only the notice", chunks)
	}
}

func TestClient_UnreachableEndpoint(t *testing.T) {
	client := NewClient(logger.NewNop(), &config.GenerationConfig{
		BaseURL:       "http://127.0.0.1:1",
		PrimaryModel:  "a",
		FallbackModel: "b",
		TimeoutMS:     500,
	})

	chunks := collect(t, client.Stream(context.Background(), "prompt"))
	last := requireOneTerminal(t, chunks)
	if last.Token != FallbackNotice {
		t.Errorf("terminal token = %q, want fallback notice", last.Token)
	}
}

func TestClient_StreamWithoutDoneLineCompletes(t *testing.T) {
	client := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, map[string]any{"response": "partial", "done": false})
	})

	chunks := collect(t, client.Stream(context.Background(), "prompt"))
	last := requireOneTerminal(t, chunks)
	if last.Token != "" {
		t.Errorf("terminal token = %q, want empty", last.Token)
	}
	if chunks[0].Token != "partial" {
		t.Errorf("first token = %q, want partial", chunks[0].Token)
	}
}
