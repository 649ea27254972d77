package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ReplaceDocumentChunks swaps every stored chunk of sourceID for chunks in
// one transaction, so a re-ingested document never appears half written.
func (s *SQLiteStore) ReplaceDocumentChunks(ctx context.Context, sourceID string, chunks []DataChunk) error {
	return s.withTx(ctx, "replace_document_chunks", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM data_chunks WHERE source_id = ?", sourceID); err != nil {
			return fmt.Errorf("failed to delete data_chunks: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO data_chunks (source_id, content, embedding_json) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("failed to prepare data_chunk insert: %w", err)
		}
		defer stmt.Close()

		for i := range chunks {
			embeddingBytes, err := json.Marshal(chunks[i].Embedding)
			if err != nil {
				return fmt.Errorf("failed to marshal embedding: %w", err)
			}
			chunks[i].SourceID = sourceID
			chunks[i].EmbeddingJSON = string(embeddingBytes)
			res, err := stmt.ExecContext(ctx, sourceID, chunks[i].Content, chunks[i].EmbeddingJSON)
			if err != nil {
				return fmt.Errorf("failed to execute data_chunk insert: %w", err)
			}
			chunks[i].ID, _ = res.LastInsertId()
		}
		return nil
	})
}

func (s *SQLiteStore) GetAllDataChunks(ctx context.Context) ([]DataChunk, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, source_id, content, COALESCE(embedding_json, '') FROM data_chunks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query data_chunks: %w", err)
	}
	defer rows.Close()

	var chunks []DataChunk
	for rows.Next() {
		var chunk DataChunk
		if err := rows.Scan(&chunk.ID, &chunk.SourceID, &chunk.Content, &chunk.EmbeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan data_chunk row: %w", err)
		}
		if chunk.EmbeddingJSON == "" {
			s.log.Warn().Int64("chunk_id", chunk.ID).Msg("empty embedding_json, chunk will not be searchable")
		} else if err := json.Unmarshal([]byte(chunk.EmbeddingJSON), &chunk.Embedding); err != nil {
			s.log.Warn().Err(err).Int64("chunk_id", chunk.ID).Msg("failed to unmarshal embedding, chunk will not be searchable")
			chunk.Embedding = nil
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// ListDocumentSources returns every ingested document with its chunk count.
func (s *SQLiteStore) ListDocumentSources(ctx context.Context) ([]DocumentSource, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source_id, COUNT(*) FROM data_chunks GROUP BY source_id ORDER BY source_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query document sources: %w", err)
	}
	defer rows.Close()

	sources := []DocumentSource{}
	for rows.Next() {
		var d DocumentSource
		if err := rows.Scan(&d.SourceID, &d.Chunks); err != nil {
			return nil, fmt.Errorf("failed to scan document source: %w", err)
		}
		sources = append(sources, d)
	}
	return sources, rows.Err()
}
