package embedding

import (
	"context"
	"crypto/sha512"
)

// DefaultDimensions is the output size of the hash projection.
const DefaultDimensions = 64

// HashClient is a content-addressed, fully deterministic embedding provider.
// It hashes the text and projects the digest bytes into [-1, 1]. The vectors
// carry no semantic signal; relevance discrimination happens in the rerank
// stage, which recomputes its own score independently of the embedding model.
type HashClient struct {
	dimensions int
}

// NewHashClient creates a hash-projection client with the given output size.
// A sha512 digest provides 64 bytes, so dimensions are capped at 64.
func NewHashClient(dimensions int) *HashClient {
	if dimensions <= 0 || dimensions > sha512.Size {
		dimensions = DefaultDimensions
	}
	return &HashClient{dimensions: dimensions}
}

// Embed projects the text's digest into a vector.
func (c *HashClient) Embed(_ context.Context, text string) ([]float32, error) {
	digest := sha512.Sum512([]byte(text))
	vector := make([]float32, c.dimensions)
	for i := 0; i < c.dimensions; i++ {
		vector[i] = (float32(digest[i])/255)*2 - 1
	}
	return vector, nil
}

// EmbedBatch projects each text independently.
func (c *HashClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

// Dimensions returns the dimension of the embeddings
func (c *HashClient) Dimensions() int {
	return c.dimensions
}
