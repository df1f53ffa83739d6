// Package embedding provides the text-to-vector providers behind the
// memory index: an Ollama HTTP client, a local TF-IDF embedder, an LRU
// cache wrapper, and a fallback wrapper that degrades from the primary
// to the local embedder after repeated failures.
package embedding

import (
	"context"
	"math"
)

// Provider turns text into vectors. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	IsAvailable() bool
}

// CosineSimilarity computes similarity between two embeddings (-1 to 1).
// Mismatched or empty dimensions return 0 rather than an error so that
// mixed-provider vectors degrade instead of failing retrieval.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Average computes the centroid of multiple embeddings, skipping any
// with mismatched dimensions.
func Average(embeddings [][]float64) []float64 {
	if len(embeddings) == 0 {
		return nil
	}

	dims := len(embeddings[0])
	result := make([]float64, dims)
	var used int

	for _, emb := range embeddings {
		if len(emb) != dims {
			continue
		}
		for i, v := range emb {
			result[i] += v
		}
		used++
	}
	if used == 0 {
		return nil
	}

	for i := range result {
		result[i] /= float64(used)
	}
	return result
}
