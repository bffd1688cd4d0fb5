package retrieval

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skylark-labs/callpilot/internal/corpus"
	"github.com/skylark-labs/callpilot/internal/embedding"
	"github.com/skylark-labs/callpilot/internal/logger"
)

// DenseSearcher is the vector side of hybrid retrieval.
type DenseSearcher interface {
	Search(ctx context.Context, vector []float32, limit int) ([]corpus.RetrievalResult, error)
}

// SparseSearcher is the lexical side of hybrid retrieval.
type SparseSearcher interface {
	Search(query string, limit int) ([]corpus.RetrievalResult, error)
}

// Diagnostics reports how many candidates each retrieval path contributed
// before fusion, and how many survived reranking.
type Diagnostics struct {
	DenseCount  int `json:"denseCount"`
	SparseCount int `json:"sparseCount"`
	Reranked    int `json:"reranked"`
}

// Retriever runs dense and sparse retrieval concurrently, fuses the
// candidates, and reranks the union. Either path failing degrades that path
// to zero candidates instead of failing the query; only query embedding
// failure is a hard error.
type Retriever struct {
	log          *logger.Logger
	embedder     *embedding.Service
	dense        DenseSearcher
	sparse       SparseSearcher
	denseTimeout time.Duration
}

// NewRetriever wires the hybrid retrieval pipeline.
func NewRetriever(log *logger.Logger, embedder *embedding.Service, dense DenseSearcher, sparse SparseSearcher, denseTimeoutMS int) *Retriever {
	if denseTimeoutMS <= 0 {
		denseTimeoutMS = 200
	}
	return &Retriever{
		log:          log.With("component", "Retriever"),
		embedder:     embedder,
		dense:        dense,
		sparse:       sparse,
		denseTimeout: time.Duration(denseTimeoutMS) * time.Millisecond,
	}
}

// Search retrieves, fuses and reranks candidates for the query. Results are
// ordered best first and truncated to limit.
func (r *Retriever) Search(ctx context.Context, query string, limit int) ([]corpus.RerankResult, Diagnostics, error) {
	var diag Diagnostics

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, diag, fmt.Errorf("embed query: %w", err)
	}

	var denseResults, sparseResults []corpus.RetrievalResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseCtx, cancel := context.WithTimeout(gctx, r.denseTimeout)
		defer cancel()
		results, err := r.dense.Search(denseCtx, queryVec, limit)
		if err != nil {
			r.log.Warn("dense retrieval degraded", "error", err)
			return nil
		}
		denseResults = results
		return nil
	})
	g.Go(func() error {
		results, err := r.sparse.Search(query, limit)
		if err != nil {
			r.log.Warn("sparse retrieval degraded", "error", err)
			return nil
		}
		sparseResults = results
		return nil
	})
	_ = g.Wait()

	diag.DenseCount = len(denseResults)
	diag.SparseCount = len(sparseResults)

	fused := Fuse(denseResults, sparseResults)
	reranked := Rerank(query, fused, limit)
	diag.Reranked = len(reranked)

	return reranked, diag, nil
}

// Fuse unions candidate lists by chunk id. A chunk seen by both paths keeps
// the higher score, and empty fields are filled in from the later sighting.
// Output order is first-sighting order across the inputs.
func Fuse(lists ...[]corpus.RetrievalResult) []corpus.RetrievalResult {
	byID := make(map[string]int)
	var fused []corpus.RetrievalResult

	for _, list := range lists {
		for _, cand := range list {
			i, seen := byID[cand.ID]
			if !seen {
				byID[cand.ID] = len(fused)
				fused = append(fused, cand)
				continue
			}
			cur := &fused[i]
			if cand.Score > cur.Score {
				cur.Score = cand.Score
			}
			if cur.Text == "" {
				cur.Text = cand.Text
			}
			if cur.Source == "" {
				cur.Source = cand.Source
			}
			if cur.Span == (corpus.Span{}) {
				cur.Span = cand.Span
			}
		}
	}
	return fused
}
