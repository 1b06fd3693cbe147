package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UpsertEmbedding stores a chunk and its vector. An empty ID gets a fresh UUID;
// an existing ID is overwritten.
func (q *Queries) UpsertEmbedding(ctx context.Context, e *Embedding) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	vectorJSON, err := json.Marshal(e.Vector)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding metadata: %w", err)
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err = q.db.ExecContext(ctx, `
        INSERT INTO embeddings (id, content, embedding_json, metadata, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            content = excluded.content,
            embedding_json = excluded.embedding_json,
            metadata = excluded.metadata,
            updated_at = excluded.updated_at`,
		e.ID, e.Content, string(vectorJSON), string(metadataJSON), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute embedding upsert: %w", err)
	}
	return nil
}

// ListEmbeddings loads stored chunks. A non-empty ownerID restricts the result
// to chunks ingested for that user.
func (q *Queries) ListEmbeddings(ctx context.Context, ownerID string) ([]Embedding, error) {
	if ownerID == "" {
		return q.queryEmbeddings(ctx, "")
	}
	return q.queryEmbeddings(ctx, "WHERE json_extract(metadata, '$.user_id') = ?", ownerID)
}

// ListVisibleEmbeddings loads the shared chunks, those stored without an
// owner, plus the chunks owned by ownerID. An empty ownerID yields only the
// shared chunks.
func (q *Queries) ListVisibleEmbeddings(ctx context.Context, ownerID string) ([]Embedding, error) {
	if ownerID == "" {
		return q.queryEmbeddings(ctx, "WHERE json_extract(metadata, '$.user_id') IS NULL")
	}
	return q.queryEmbeddings(ctx,
		"WHERE json_extract(metadata, '$.user_id') IS NULL OR json_extract(metadata, '$.user_id') = ?", ownerID)
}

// Rows whose vector cannot be decoded are returned with a nil Vector.
func (q *Queries) queryEmbeddings(ctx context.Context, where string, args ...any) ([]Embedding, error) {
	query := "SELECT id, content, embedding_json, metadata, created_at, updated_at FROM embeddings"
	if where != "" {
		query += " " + where
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var e Embedding
		var vectorJSON, metadataJSON string
		if err := rows.Scan(&e.ID, &e.Content, &vectorJSON, &metadataJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		if vectorJSON != "" {
			if err := json.Unmarshal([]byte(vectorJSON), &e.Vector); err != nil {
				e.Vector = nil
			}
		}
		if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil || e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// deleteBatchSize keeps each statement well under SQLite's bound-variable
// limit.
const deleteBatchSize = 500

// DeleteEmbeddings removes the given ids. A non-empty ownerID restricts the
// delete to chunks ingested for that owner. Unknown ids are ignored; the
// number of removed rows is returned.
func (q *Queries) DeleteEmbeddings(ctx context.Context, ownerID string, ids []string) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		n, err := q.deleteEmbeddingBatch(ctx, ownerID, ids[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (q *Queries) deleteEmbeddingBatch(ctx context.Context, ownerID string, ids []string) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	query := "DELETE FROM embeddings WHERE id IN (" + placeholders + ")"
	if ownerID != "" {
		query += " AND json_extract(metadata, '$.user_id') = ?"
		args = append(args, ownerID)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete embeddings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func (q *Queries) CountEmbeddings(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}
