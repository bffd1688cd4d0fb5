package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skylark-labs/callpilot/internal/bus"
	"github.com/skylark-labs/callpilot/internal/corpus"
	"github.com/skylark-labs/callpilot/internal/generation"
	"github.com/skylark-labs/callpilot/internal/logger"
	"github.com/skylark-labs/callpilot/internal/prompt"
	"github.com/skylark-labs/callpilot/internal/retrieval"
)

const (
	// OverlayTopic is the hub topic suggestion updates are broadcast on.
	OverlayTopic = "overlay"

	// placeholderText stands in for the suggestion body until the first
	// token arrives.
	placeholderText = "Template suggestion pending evidence"

	defaultLimit = 3
	maxLimit     = 5

	confidenceWithEvidence = 0.8
	confidenceNoEvidence   = 0.4
)

// Request is one suggestion request. Limit distinguishes absent from zero:
// nil means default, an out-of-range value is rejected.
type Request struct {
	Transcript string `json:"transcript"`
	Limit      *int   `json:"limit"`
}

// ValidationError describes why a request was rejected.
type ValidationError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// Validate checks the request and resolves the effective evidence limit.
func (r *Request) Validate() (int, error) {
	if r.Transcript == "" {
		return 0, &ValidationError{Field: "transcript", Detail: "must not be empty"}
	}
	if r.Limit == nil {
		return defaultLimit, nil
	}
	if *r.Limit < 1 || *r.Limit > maxLimit {
		return 0, &ValidationError{Field: "limit", Detail: fmt.Sprintf("must be between 1 and %d", maxLimit)}
	}
	return *r.Limit, nil
}

// Event is one unit of the caller-facing suggestion stream.
type Event struct {
	Token    string            `json:"token"`
	Done     bool              `json:"done"`
	Intent   prompt.Intent     `json:"intent"`
	Evidence []corpus.Evidence `json:"evidence"`
	Latency  int64             `json:"latency"`
}

// overlayUpdate is the broadcast payload mirroring the stream for overlay
// subscribers.
type overlayUpdate struct {
	Suggestions []corpus.Suggestion `json:"suggestions"`
}

// EvidenceSearcher supplies reranked evidence for a transcript.
type EvidenceSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]corpus.RerankResult, retrieval.Diagnostics, error)
}

// TokenStreamer supplies generation tokens for a prompt.
type TokenStreamer interface {
	Stream(ctx context.Context, prompt string) <-chan generation.Chunk
}

// Broadcaster fans suggestion updates out to overlay subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, msg bus.Message)
}

// Orchestrator drives one suggestion request end to end: classify intent,
// retrieve evidence, stream generation, and mirror every update to the
// overlay bus.
type Orchestrator struct {
	log       *logger.Logger
	retriever EvidenceSearcher
	generator TokenStreamer
	bus       Broadcaster
	now       func() time.Time
}

// New wires an orchestrator.
func New(log *logger.Logger, retriever EvidenceSearcher, generator TokenStreamer, broadcaster Broadcaster) *Orchestrator {
	return &Orchestrator{
		log:       log.With("component", "Orchestrator"),
		retriever: retriever,
		generator: generator,
		bus:       broadcaster,
		now:       time.Now,
	}
}

// Suggest runs the request, calling emit for every stream event. Retrieval
// failure degrades to an evidence-free prompt. If emit fails, the caller is
// considered gone: caller writes stop, but generation is drained and overlay
// broadcasts continue so overlay subscribers still see the full suggestion.
func (o *Orchestrator) Suggest(ctx context.Context, req *Request, emit func(Event) error) error {
	limit, err := req.Validate()
	if err != nil {
		return err
	}

	intent := prompt.DetectIntent(req.Transcript)

	var evidence []corpus.Evidence
	results, _, err := o.retriever.Search(ctx, req.Transcript, limit)
	if err != nil {
		o.log.Warn("retrieval failed, generating without evidence", "error", err)
	} else {
		evidence = make([]corpus.Evidence, len(results))
		for i, r := range results {
			evidence[i] = r.Evidence()
		}
	}

	p := prompt.BuildPrompt(intent, evidence, req.Transcript)

	suggestionID := "template"
	confidence := confidenceNoEvidence
	if len(evidence) > 0 {
		suggestionID = evidence[0].ID
		confidence = confidenceWithEvidence
	}

	start := o.now()
	accumulated := ""
	callerGone := false

	for chunk := range o.generator.Stream(ctx, p) {
		accumulated += chunk.Token
		latency := o.now().Sub(start).Milliseconds()

		if !callerGone {
			event := Event{
				Token:    chunk.Token,
				Done:     chunk.Done,
				Intent:   intent,
				Evidence: evidence,
				Latency:  latency,
			}
			if err := emit(event); err != nil {
				callerGone = true
				// TODO: cancel generation instead of draining it once the
				// overlay can resubscribe to an in-flight suggestion.
				o.log.Warn("caller disconnected mid-stream, continuing for overlay", "error", err)
			}
		}

		o.broadcast(ctx, corpus.Suggestion{
			ID:         suggestionID,
			Text:       textOrPlaceholder(accumulated),
			Confidence: confidence,
			Evidence:   corpus.EvidenceIDs(evidence),
		})

		if chunk.Done {
			break
		}
	}
	return nil
}

func (o *Orchestrator) broadcast(ctx context.Context, s corpus.Suggestion) {
	data, err := json.Marshal(overlayUpdate{Suggestions: []corpus.Suggestion{s}})
	if err != nil {
		o.log.Error("encode overlay update", "error", err)
		return
	}
	o.bus.Publish(ctx, bus.Message{
		Topic: OverlayTopic,
		Event: "suggestion",
		Data:  data,
	})
}

func textOrPlaceholder(accumulated string) string {
	if accumulated == "" {
		return placeholderText
	}
	return accumulated
}
