package retrieval

import (
	"crypto/sha256"
	"sort"

	"github.com/skylark-labs/callpilot/internal/corpus"
)

// fingerprintDims is the width of the rerank fingerprint vector.
const fingerprintDims = 32

// Fingerprint projects a text into a fixed-width vector derived from its
// sha256 digest. The projection is deterministic, so identical inputs always
// rerank identically.
func Fingerprint(text string) []float64 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float64, fingerprintDims)
	for i := 0; i < fingerprintDims; i++ {
		vec[i] = float64(digest[i]) / 255
	}
	return vec
}

// dot computes the inner product of two equal-width fingerprints.
func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Rerank scores fused candidates against the query fingerprint and returns
// them best first, truncated to limit. The sort is stable: candidates with
// equal scores keep their fused order.
func Rerank(query string, candidates []corpus.RetrievalResult, limit int) []corpus.RerankResult {
	queryVec := Fingerprint(query)

	reranked := make([]corpus.RerankResult, len(candidates))
	for i, cand := range candidates {
		reranked[i] = corpus.RerankResult{
			RetrievalResult: cand,
			RerankScore:     dot(queryVec, Fingerprint(cand.Text)),
		}
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].RerankScore > reranked[j].RerankScore
	})

	if limit > 0 && len(reranked) > limit {
		reranked = reranked[:limit]
	}
	return reranked
}
