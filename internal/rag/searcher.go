package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"blacksky.com/maurice/internal/llm"
	"blacksky.com/maurice/internal/store"
)

// Result is one ranked chunk returned by a Searcher.
type Result struct {
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id"`
}

// Searcher finds the k chunks most relevant to query, best first.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Result, error)
}

type ChunkSource interface {
	GetAllDataChunks(ctx context.Context) ([]store.DataChunk, error)
}

// EmbeddingSearcher ranks an in-memory copy of the stored chunks by cosine
// similarity to the query embedding.
type EmbeddingSearcher struct {
	source        ChunkSource
	embedder      llm.Embedder
	minSimilarity float64
	log           zerolog.Logger

	mu     sync.RWMutex
	chunks []store.DataChunk // In-memory cache of data chunks and their embeddings
}

func NewEmbeddingSearcher(ctx context.Context, source ChunkSource, embedder llm.Embedder, minSimilarity float64, log zerolog.Logger) (*EmbeddingSearcher, error) {
	s := &EmbeddingSearcher{
		source:        source,
		embedder:      embedder,
		minSimilarity: minSimilarity,
		log:           log,
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload refreshes the cache after documents were ingested.
func (s *EmbeddingSearcher) Reload(ctx context.Context) error {
	chunks, err := s.source.GetAllDataChunks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load data chunks: %w", err)
	}
	if len(chunks) == 0 {
		s.log.Warn().Msg("no data chunks loaded, answers will not be grounded until documents are ingested")
	} else {
		s.log.Info().Int("chunks", len(chunks)).Msg("data chunks loaded")
	}
	s.mu.Lock()
	s.chunks = chunks
	s.mu.Unlock()
	return nil
}

func (s *EmbeddingSearcher) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *EmbeddingSearcher) Search(ctx context.Context, query string, k int) ([]Result, error) {
	s.mu.RLock()
	chunks := s.chunks
	s.mu.RUnlock()
	if len(chunks) == 0 || k <= 0 {
		return nil, nil
	}

	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}

	results := make([]Result, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			continue
		}
		similarity, err := CosineSimilarity(queryEmbedding, chunk.Embedding)
		if err != nil {
			s.log.Debug().Err(err).Int64("chunk_id", chunk.ID).Msg("skipping chunk")
			continue
		}
		if similarity >= s.minSimilarity {
			results = append(results, Result{Text: chunk.Content, Score: similarity, SourceID: chunk.SourceID})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("vectors cannot be empty")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same dimension")
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
