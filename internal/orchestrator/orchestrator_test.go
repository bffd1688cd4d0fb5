package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/skylark-labs/callpilot/internal/bus"
	"github.com/skylark-labs/callpilot/internal/corpus"
	"github.com/skylark-labs/callpilot/internal/generation"
	"github.com/skylark-labs/callpilot/internal/logger"
	"github.com/skylark-labs/callpilot/internal/prompt"
	"github.com/skylark-labs/callpilot/internal/retrieval"
)

type fakeSearcher struct {
	results []corpus.RerankResult
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, limit int) ([]corpus.RerankResult, retrieval.Diagnostics, error) {
	return f.results, retrieval.Diagnostics{Reranked: len(f.results)}, f.err
}

type fakeStreamer struct {
	chunks []generation.Chunk
}

func (f *fakeStreamer) Stream(ctx context.Context, prompt string) <-chan generation.Chunk {
	out := make(chan generation.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out
}

type memBroadcaster struct {
	messages []bus.Message
}

func (m *memBroadcaster) Publish(ctx context.Context, msg bus.Message) {
	m.messages = append(m.messages, msg)
}

func rerankResult(id, text string) corpus.RerankResult {
	return corpus.RerankResult{
		RetrievalResult: corpus.RetrievalResult{
			DocumentChunk: corpus.DocumentChunk{ID: id, Text: text, Source: "/docs/a.md", Span: corpus.Span{0, 512}},
			Score:         0.9,
		},
		RerankScore: 0.7,
	}
}

func intPtr(n int) *int { return &n }

func lastUpdate(t *testing.T, bc *memBroadcaster) corpus.Suggestion {
	t.Helper()
	if len(bc.messages) == 0 {
		t.Fatal("nothing broadcast")
	}
	var update struct {
		Suggestions []corpus.Suggestion `json:"suggestions"`
	}
	last := bc.messages[len(bc.messages)-1]
	if err := json.Unmarshal(last.Data, &update); err != nil {
		t.Fatalf("decode overlay update: %v", err)
	}
	if len(update.Suggestions) != 1 {
		t.Fatalf("update carries %d suggestions, want 1", len(update.Suggestions))
	}
	return update.Suggestions[0]
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		req       Request
		wantLimit int
		wantErr   bool
	}{
		{"defaults limit", Request{Transcript: "hello"}, 3, false},
		{"explicit limit", Request{Transcript: "hello", Limit: intPtr(5)}, 5, false},
		{"limit one", Request{Transcript: "hello", Limit: intPtr(1)}, 1, false},
		{"empty transcript", Request{}, 0, true},
		{"limit zero", Request{Transcript: "hello", Limit: intPtr(0)}, 0, true},
		{"limit too high", Request{Transcript: "hello", Limit: intPtr(6)}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.wantLimit {
				t.Errorf("limit = %d, want %d", got, tt.wantLimit)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("error is %T, want *ValidationError", err)
				}
			}
		})
	}
}

func TestOrchestrator_StreamsWithEvidence(t *testing.T) {
	searcher := &fakeSearcher{results: []corpus.RerankResult{rerankResult("doc-0", "integration notes")}}
	streamer := &fakeStreamer{chunks: []generation.Chunk{
		{Token: "Suggest "},
		{Token: "checking the docs."},
		{Done: true},
	}}
	bc := &memBroadcaster{}
	o := New(logger.NewNop(), searcher, streamer, bc)

	var events []Event
	err := o.Suggest(context.Background(), &Request{Transcript: "How do we integrate?"}, func(e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Suggest() error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	first := events[0]
	if first.Intent != prompt.IntentIntegration {
		t.Errorf("intent = %v, want integration", first.Intent)
	}
	if len(first.Evidence) != 1 || first.Evidence[0].ID != "doc-0" {
		t.Errorf("evidence = %+v, want doc-0", first.Evidence)
	}
	last := events[len(events)-1]
	if !last.Done {
		t.Error("final event not marked done")
	}
	for i := 0; i < len(events)-1; i++ {
		if events[i].Done {
			t.Errorf("event %d marked done before the terminal event", i)
		}
	}

	if len(bc.messages) != 3 {
		t.Fatalf("broadcasts = %d, want one per chunk", len(bc.messages))
	}
	s := lastUpdate(t, bc)
	if s.ID != "doc-0" {
		t.Errorf("suggestion id = %q, want doc-0", s.ID)
	}
	if s.Text != "Suggest checking the docs." {
		t.Errorf("suggestion text = %q, want accumulated tokens", s.Text)
	}
	if s.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8 with evidence", s.Confidence)
	}
	if len(s.Evidence) != 1 || s.Evidence[0] != "doc-0" {
		t.Errorf("evidence ids = %v, want [doc-0]", s.Evidence)
	}
}

func TestOrchestrator_NoEvidenceUsesTemplateIdentity(t *testing.T) {
	searcher := &fakeSearcher{}
	streamer := &fakeStreamer{chunks: []generation.Chunk{
		{Token: generation.FallbackNotice, Done: true},
	}}
	bc := &memBroadcaster{}
	o := New(logger.NewNop(), searcher, streamer, bc)

	var events []Event
	err := o.Suggest(context.Background(), &Request{Transcript: "hello there"}, func(e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Suggest() error: %v", err)
	}

	s := lastUpdate(t, bc)
	if s.ID != "template" {
		t.Errorf("suggestion id = %q, want template", s.ID)
	}
	if s.Confidence != 0.4 {
		t.Errorf("confidence = %v, want 0.4 without evidence", s.Confidence)
	}
	if len(events) != 1 || !events[0].Done {
		t.Errorf("events = %+v, want a single done event", events)
	}
}

func TestOrchestrator_PlaceholderBeforeFirstToken(t *testing.T) {
	searcher := &fakeSearcher{}
	streamer := &fakeStreamer{chunks: []generation.Chunk{
		{Token: ""},
		{Token: "real text", Done: true},
	}}
	bc := &memBroadcaster{}
	o := New(logger.NewNop(), searcher, streamer, bc)

	err := o.Suggest(context.Background(), &Request{Transcript: "hello"}, func(Event) error { return nil })
	if err != nil {
		t.Fatalf("Suggest() error: %v", err)
	}

	var first struct {
		Suggestions []corpus.Suggestion `json:"suggestions"`
	}
	if err := json.Unmarshal(bc.messages[0].Data, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Suggestions[0].Text != "Template suggestion pending evidence" {
		t.Errorf("empty accumulation text = %q, want placeholder", first.Suggestions[0].Text)
	}
	if got := lastUpdate(t, bc).Text; got != "real text" {
		t.Errorf("final text = %q, want real text", got)
	}
}

func TestOrchestrator_RetrievalFailureDegrades(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("indexes offline")}
	streamer := &fakeStreamer{chunks: []generation.Chunk{
		{Token: "still answering"},
		{Done: true},
	}}
	bc := &memBroadcaster{}
	o := New(logger.NewNop(), searcher, streamer, bc)

	var events []Event
	err := o.Suggest(context.Background(), &Request{Transcript: "hello"}, func(e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Suggest() must degrade on retrieval failure, got error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if len(events[0].Evidence) != 0 {
		t.Errorf("evidence = %+v, want none", events[0].Evidence)
	}
	if got := lastUpdate(t, bc); got.Confidence != 0.4 {
		t.Errorf("confidence = %v, want 0.4 after degrade", got.Confidence)
	}
}

func TestOrchestrator_CallerGoneKeepsBroadcasting(t *testing.T) {
	searcher := &fakeSearcher{results: []corpus.RerankResult{rerankResult("doc-0", "notes")}}
	streamer := &fakeStreamer{chunks: []generation.Chunk{
		{Token: "a"},
		{Token: "b"},
		{Token: "c"},
		{Done: true},
	}}
	bc := &memBroadcaster{}
	o := New(logger.NewNop(), searcher, streamer, bc)

	emits := 0
	err := o.Suggest(context.Background(), &Request{Transcript: "hello"}, func(Event) error {
		emits++
		if emits >= 2 {
			return errors.New("client disconnected")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Suggest() error: %v", err)
	}

	if emits != 2 {
		t.Errorf("emit calls = %d, want 2 (writes stop after first failure)", emits)
	}
	if len(bc.messages) != 4 {
		t.Errorf("broadcasts = %d, want 4 (overlay sees the full stream)", len(bc.messages))
	}
	if got := lastUpdate(t, bc).Text; got != "abc" {
		t.Errorf("final overlay text = %q, want abc", got)
	}
}

func TestOrchestrator_InvalidRequestNeverStreams(t *testing.T) {
	bc := &memBroadcaster{}
	o := New(logger.NewNop(), &fakeSearcher{}, &fakeStreamer{}, bc)

	err := o.Suggest(context.Background(), &Request{Transcript: ""}, func(Event) error {
		t.Fatal("emit called for invalid request")
		return nil
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(bc.messages) != 0 {
		t.Error("invalid request reached the overlay bus")
	}
}
