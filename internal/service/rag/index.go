package rag

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/schema"
)

// Index is an immutable in-memory nearest-neighbor index over embedded
// profile chunks. Once built it is safe for concurrent readers; rebuilds
// swap in a fresh Index rather than mutating an existing one.
type Index struct {
	docs    []*schema.Document
	vectors [][]float64
}

// BuildIndex embeds every chunk and assembles the index.
func BuildIndex(ctx context.Context, embedder embedding.Embedder, chunks []string) (*Index, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to index")
	}

	vectors, err := embedder.EmbedStrings(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embed profile chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: %d vectors for %d chunks", len(vectors), len(chunks))
	}

	docs := make([]*schema.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = &schema.Document{
			ID:      fmt.Sprintf("chunk-%d", i),
			Content: chunk,
		}
	}

	return &Index{docs: docs, vectors: vectors}, nil
}

// Len returns the number of indexed chunks.
func (idx *Index) Len() int {
	return len(idx.docs)
}

// Search returns the k chunks nearest to the query vector, ranked by cosine
// similarity. Results are fresh Document values so concurrent searches never
// share score metadata.
func (idx *Index) Search(query []float64, k int) []*schema.Document {
	if k <= 0 || len(idx.docs) == 0 {
		return nil
	}

	type scored struct {
		pos   int
		score float64
	}

	ranked := make([]scored, len(idx.vectors))
	for i, vec := range idx.vectors {
		ranked[i] = scored{pos: i, score: cosineSimilarity(query, vec)}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})

	if k > len(ranked) {
		k = len(ranked)
	}

	results := make([]*schema.Document, 0, k)
	for _, entry := range ranked[:k] {
		doc := &schema.Document{
			ID:      idx.docs[entry.pos].ID,
			Content: idx.docs[entry.pos].Content,
		}
		results = append(results, doc.WithScore(entry.score))
	}
	return results
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
