package rag_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/embedding"

	"github.com/zhouzirui/flow/backend/internal/service/rag"
)

// fakeEmbedder answers EmbedStrings via a caller-supplied function.
type fakeEmbedder struct {
	mu    sync.Mutex
	fn    func(texts []string) ([][]float64, error)
	calls int
}

func (f *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(texts)
}

// oneHot returns a vector with 1.0 at position i.
func oneHot(dim, i int) []float64 {
	vec := make([]float64, dim)
	vec[i] = 1.0
	return vec
}

func TestBuildIndexAndSearchRanking(t *testing.T) {
	chunks := []string{"alpha", "beta", "gamma", "delta"}
	embedder := &fakeEmbedder{fn: func(texts []string) ([][]float64, error) {
		vectors := make([][]float64, len(texts))
		for i := range texts {
			vectors[i] = oneHot(len(chunks), i)
		}
		return vectors, nil
	}}

	index, err := rag.BuildIndex(context.Background(), embedder, chunks)
	if err != nil {
		t.Fatalf("BuildIndex err: %v", err)
	}
	if index.Len() != 4 {
		t.Fatalf("expected 4 indexed chunks, got %d", index.Len())
	}

	// query leans heavily toward chunk 2, slightly toward chunk 3
	query := []float64{0, 0, 0.9, 0.3}
	results := index.Search(query, 3)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Content != "gamma" {
		t.Fatalf("expected gamma ranked first, got %q", results[0].Content)
	}
	if results[1].Content != "delta" {
		t.Fatalf("expected delta ranked second, got %q", results[1].Content)
	}
	if results[0].Score() <= results[1].Score() {
		t.Fatalf("scores not descending: %f then %f", results[0].Score(), results[1].Score())
	}
}

func TestBuildIndexEmbedFailure(t *testing.T) {
	embedder := &fakeEmbedder{fn: func([]string) ([][]float64, error) {
		return nil, errors.New("invalid api key")
	}}

	if _, err := rag.BuildIndex(context.Background(), embedder, []string{"chunk"}); err == nil {
		t.Fatal("expected error from failing embedder")
	}
}

func TestSearchCapsAtIndexSize(t *testing.T) {
	chunks := []string{"one", "two"}
	embedder := &fakeEmbedder{fn: func(texts []string) ([][]float64, error) {
		vectors := make([][]float64, len(texts))
		for i := range texts {
			vectors[i] = oneHot(2, i)
		}
		return vectors, nil
	}}

	index, err := rag.BuildIndex(context.Background(), embedder, chunks)
	if err != nil {
		t.Fatalf("BuildIndex err: %v", err)
	}

	if results := index.Search([]float64{1, 0}, 5); len(results) != 2 {
		t.Fatalf("expected results capped at 2, got %d", len(results))
	}
}
