package rag

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/flow/backend/internal/model/chat"
)

// Sentinel contexts returned when no profile material is usable.
const (
	NoProfileContext = "User profile is not provided."
	noMatchContext   = "No specific relevant information found."
)

var ErrAPIKeyRequired = errors.New("api key is required")

// EmbedderFactory builds an embedding client bound to the supplied API key.
type EmbedderFactory func(ctx context.Context, apiKey string) (embedding.Embedder, error)

// RetrieverConfig tunes chunking geometry and result count. Zero values fall
// back to the package defaults.
type RetrieverConfig struct {
	ChunkSize    int
	ChunkOverlap int
	TopK         int
}

// Retriever serves nearest-neighbor profile context lookups. Built indexes
// are cached by configuration identity (api key + profile hash) and shared
// across sessions with identical configuration; a config change rebuilds.
type Retriever struct {
	factory      EmbedderFactory
	chunkSize    int
	chunkOverlap int
	topK         int

	mu      sync.Mutex
	entries map[indexKey]*indexEntry
}

type indexKey struct {
	apiKey      string
	profileHash [sha256.Size]byte
}

// indexEntry is installed in the cache before its index is built; the once
// gate makes concurrent callers for the same key share one build while other
// keys proceed untouched.
type indexEntry struct {
	once     sync.Once
	embedder embedding.Embedder
	index    *Index
	err      error
}

// NewRetriever creates a retriever backed by the supplied embedder factory.
func NewRetriever(factory EmbedderFactory, cfg RetrieverConfig) *Retriever {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}

	return &Retriever{
		factory:      factory,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		topK:         cfg.TopK,
		entries:      make(map[indexKey]*indexEntry),
	}
}

// Retrieve embeds the query and returns the concatenated nearest profile
// chunks plus the ranked chunk list. An empty profile is a soft condition:
// the sentinel context is returned without building an index.
func (r *Retriever) Retrieve(ctx context.Context, cfg chat.TurnConfig, query string) (string, []*schema.Document, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return "", nil, ErrAPIKeyRequired
	}
	if strings.TrimSpace(cfg.Profile) == "" {
		return NoProfileContext, nil, nil
	}

	entry, err := r.getOrBuild(ctx, cfg)
	if err != nil {
		return "", nil, err
	}

	vectors, err := entry.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return "", nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return "", nil, fmt.Errorf("embed query: empty result")
	}

	ranked := entry.index.Search(vectors[0], r.topK)
	if len(ranked) == 0 {
		return noMatchContext, nil, nil
	}

	contents := make([]string, len(ranked))
	for i, doc := range ranked {
		contents[i] = doc.Content
	}
	return strings.Join(contents, "\n\n"), ranked, nil
}

// Warm eagerly builds the index for the supplied configuration. Callers use
// it after a reset so the first turn under a new config does not pay the
// build latency; failures leave the cache untouched and the next turn
// retries lazily.
func (r *Retriever) Warm(ctx context.Context, cfg chat.TurnConfig) error {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.Profile) == "" {
		return nil
	}
	_, err := r.getOrBuild(ctx, cfg)
	return err
}

// Invalidate drops the cached index for the supplied configuration, if any.
func (r *Retriever) Invalidate(cfg chat.TurnConfig) {
	key := keyFor(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		delete(r.entries, key)
		log.Printf("[rag] invalidated index for profile hash %x", key.profileHash[:4])
	}
}

// getOrBuild returns the cached entry for the configuration or builds one.
// The cache lock only covers the map; the embedding calls run behind the
// entry's once gate, so a slow build for one configuration never delays
// lookups for another. A failed entry is dropped so the next turn retries.
func (r *Retriever) getOrBuild(ctx context.Context, cfg chat.TurnConfig) (*indexEntry, error) {
	key := keyFor(cfg)

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &indexEntry{}
		r.entries[key] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.build(ctx, r, cfg, key)
	})

	if entry.err != nil {
		r.mu.Lock()
		if r.entries[key] == entry {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		return nil, entry.err
	}
	return entry, nil
}

func (e *indexEntry) build(ctx context.Context, r *Retriever, cfg chat.TurnConfig, key indexKey) {
	chunks := ChunkProfile(cfg.Profile, r.chunkSize, r.chunkOverlap)
	if len(chunks) == 0 {
		e.err = fmt.Errorf("profile text produced no chunks")
		return
	}

	embedder, err := r.factory(ctx, cfg.APIKey)
	if err != nil {
		e.err = fmt.Errorf("create embedder: %w", err)
		return
	}

	index, err := BuildIndex(ctx, embedder, chunks)
	if err != nil {
		e.err = fmt.Errorf("build index: %w", err)
		return
	}

	e.embedder = embedder
	e.index = index
	log.Printf("[rag] built index with %d chunks for profile hash %x", index.Len(), key.profileHash[:4])
}

func keyFor(cfg chat.TurnConfig) indexKey {
	return indexKey{
		apiKey:      cfg.APIKey,
		profileHash: sha256.Sum256([]byte(cfg.Profile)),
	}
}
