package rag

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	contextHeader = "Reference information (use naturally, do not copy formatting):"
	chunkSep      = "\n\n"
)

// ContextBuilder turns search results into a reference block for the prompt
// that never exceeds budget characters.
type ContextBuilder struct {
	searcher Searcher
	k        int
	budget   int
	log      zerolog.Logger
}

func NewContextBuilder(searcher Searcher, k, budget int, log zerolog.Logger) *ContextBuilder {
	return &ContextBuilder{searcher: searcher, k: k, budget: budget, log: log}
}

// Build returns the reference block for query, or "" when nothing relevant
// fits or search is unavailable. Chunks are taken whole in descending
// relevance; one that does not fit is skipped and smaller ones after it are
// still tried.
func (b *ContextBuilder) Build(ctx context.Context, query string) string {
	block, _ := b.BuildCounted(ctx, query)
	return block
}

// BuildCounted is Build that also reports how many chunks made it in.
func (b *ContextBuilder) BuildCounted(ctx context.Context, query string) (string, int) {
	if b == nil || b.searcher == nil || b.budget <= 0 {
		return "", 0
	}
	results, err := b.searcher.Search(ctx, query, b.k)
	if err != nil {
		b.log.Warn().Err(err).Msg("context search failed, answering without references")
		return "", 0
	}
	return assemble(results, b.budget)
}

func assemble(results []Result, budget int) (string, int) {
	if len(results) == 0 {
		return "", 0
	}
	ranked := make([]Result, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	used := utf8.RuneCountInString(contextHeader)
	sepLen := utf8.RuneCountInString(chunkSep)
	parts := []string{contextHeader}
	for _, r := range ranked {
		text := cleanChunk(r.Text)
		if text == "" {
			continue
		}
		cost := sepLen + utf8.RuneCountInString(text)
		if used+cost > budget {
			continue
		}
		parts = append(parts, text)
		used += cost
	}
	if len(parts) == 1 {
		return "", 0
	}
	return strings.Join(parts, chunkSep), len(parts) - 1
}

var markdownNoise = strings.NewReplacer("---", "", "###", "", "##", "", "#", "")

func cleanChunk(text string) string {
	return strings.TrimSpace(markdownNoise.Replace(text))
}
