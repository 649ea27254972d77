package rag

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"blacksky.com/maurice/internal/llm"
	"blacksky.com/maurice/internal/store"
)

// DefaultEmbedInterval keeps ingestion under the embedding rate limit
// (1500/min).
const DefaultEmbedInterval = 40 * time.Millisecond

type ChunkWriter interface {
	ReplaceDocumentChunks(ctx context.Context, sourceID string, chunks []store.DataChunk) error
}

// Ingester chunks documents, embeds each chunk and stores the result.
type Ingester struct {
	writer   ChunkWriter
	embedder llm.Embedder
	size     int
	overlap  int
	interval time.Duration
	log      zerolog.Logger
}

func NewIngester(writer ChunkWriter, embedder llm.Embedder, size, overlap int, log zerolog.Logger) *Ingester {
	return &Ingester{
		writer:   writer,
		embedder: embedder,
		size:     size,
		overlap:  overlap,
		interval: DefaultEmbedInterval,
		log:      log,
	}
}

// IngestDir loads every .md and .txt file under dir. Files whose name starts
// with an underscore are templates and are skipped. The source id of a
// document is its path relative to dir.
func (in *Ingester) IngestDir(ctx context.Context, dir string) (int, error) {
	total := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), "_") {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read document %s: %w", path, err)
		}
		sourceID, err := filepath.Rel(dir, path)
		if err != nil {
			sourceID = d.Name()
		}
		n, err := in.IngestDocument(ctx, filepath.ToSlash(sourceID), string(content))
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return total, err
	}
	return total, nil
}

// IngestDocument replaces the stored chunks of sourceID with freshly embedded
// chunks of text. Chunks whose embedding fails are skipped.
func (in *Ingester) IngestDocument(ctx context.Context, sourceID, text string) (int, error) {
	raw := SplitIntoChunks(text, in.size, in.overlap)
	if len(raw) == 0 {
		in.log.Warn().Str("source_id", sourceID).Msg("document produced no chunks")
		return 0, nil
	}
	in.log.Info().Str("source_id", sourceID).Int("chunks", len(raw)).Msg("embedding document")

	var tick <-chan time.Time
	if in.interval > 0 {
		ticker := time.NewTicker(in.interval) // delay to not hit rate limit
		defer ticker.Stop()
		tick = ticker.C
	}

	chunks := make([]store.DataChunk, 0, len(raw))
	for i, content := range raw {
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		embedding, err := in.embedder.Embed(ctx, content)
		if err != nil {
			in.log.Warn().Err(err).Str("source_id", sourceID).Int("chunk", i+1).Msg("failed to embed chunk, skipping")
			continue
		}
		chunks = append(chunks, store.DataChunk{Content: content, Embedding: embedding})
	}

	if len(chunks) == 0 {
		// keep whatever was stored before rather than wiping the document
		return 0, fmt.Errorf("no chunk of %s could be embedded", sourceID)
	}
	if err := in.writer.ReplaceDocumentChunks(ctx, sourceID, chunks); err != nil {
		return 0, fmt.Errorf("failed to store chunks for %s: %w", sourceID, err)
	}
	return len(chunks), nil
}
