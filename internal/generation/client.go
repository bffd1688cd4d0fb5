package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/skylark-labs/callpilot/internal/config"
	"github.com/skylark-labs/callpilot/internal/logger"
)

// FallbackNotice is emitted as the terminal token when every configured
// model fails.
const FallbackNotice = "LLM unavailable, using template response."

// Chunk is one unit of a generation stream. Exactly one chunk per stream has
// Done set; a healthy completion carries an empty terminal token, total
// model exhaustion carries the fallback notice.
type Chunk struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
}

// Client streams completions from an ollama-compatible endpoint, trying the
// primary model first and falling back to the secondary on any failure.
type Client struct {
	log     *logger.Logger
	baseURL string
	models  []string
	http    *http.Client
}

// ollamaLine is one ndjson line of an /api/generate response.
type ollamaLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewClient builds a generation client from config. The timeout bounds
// connection and first-response latency per model attempt, not total stream
// duration.
func NewClient(log *logger.Logger, cfg *config.GenerationConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		log:     log.With("component", "GenerationClient"),
		baseURL: cfg.BaseURL,
		models:  []string{cfg.PrimaryModel, cfg.FallbackModel},
		http: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// Stream generates tokens for the prompt on a channel. The channel always
// ends with exactly one Done chunk and is then closed; callers can range
// over it without further bookkeeping.
func (c *Client) Stream(ctx context.Context, prompt string) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, model := range c.models {
			streamed, err := c.streamModel(ctx, model, prompt, out)
			if err == nil {
				emit(ctx, out, Chunk{Done: true})
				return
			}
			c.log.Warn("model attempt failed", "model", model, "error", err, "tokensStreamed", streamed)
			// Tokens already emitted from a mid-stream failure stand; the
			// next model appends after them rather than restarting.
		}
		_ = emit(ctx, out, Chunk{Token: FallbackNotice, Done: true})
	}()
	return out
}

// streamModel runs one model attempt, emitting token chunks as ndjson lines
// arrive. It returns the number of tokens emitted and an error if the
// attempt did not reach a clean completion.
func (c *Client) streamModel(ctx context.Context, model, prompt string, out chan<- Chunk) (int, error) {
	reqBody, err := json.Marshal(map[string]any{
		"model":  model,
		"prompt": prompt,
		"stream": true,
	})
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call model %s: %w", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("model %s returned status %d", model, resp.StatusCode)
	}

	streamed := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed ollamaLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return streamed, fmt.Errorf("decode stream line: %w", err)
		}
		if parsed.Response != "" {
			if !emit(ctx, out, Chunk{Token: parsed.Response}) {
				return streamed, ctx.Err()
			}
			streamed++
		}
		if parsed.Done {
			return streamed, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return streamed, fmt.Errorf("read stream: %w", err)
	}
	// Stream ended without a done line; treat as complete.
	return streamed, nil
}

// emit sends a chunk unless the context has been cancelled.
func emit(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
