package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// Chunk is one retrieved text unit with its document context and
// similarity score (1 - cosine distance, higher is closer).
type Chunk struct {
	ID         string
	DocumentID string
	Filename   string
	Text       string
	DocMeta    map[string]any
	ChunkMeta  map[string]any
	Score      float64
}

// Image is one retrieved image reference. The binary payload stays in
// object storage; only metadata travels through the loop.
type Image struct {
	ID         string
	DocumentID string
	StorageKey string
	Page       int
	ImageIndex int
	Meta       map[string]any
	Score      float64
}

// Store runs similarity queries against the pgvector-backed tables.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const defaultTopK = 5

// Search returns the topK chunks nearest to the query embedding for the
// tenant, restricted by the already-resolved filter conditions. Ties on
// distance break toward the most recently ingested chunk. An empty result
// is not an error.
func (s *Store) Search(ctx context.Context, tenantID string, embedding []float32, conds []resolvedCondition, topK int) ([]Chunk, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if len(embedding) == 0 {
		return nil, errors.New("embedding is required")
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT c.id,
			d.id,
			d.filename,
			c.chunk_text,
			d.meta,
			c.meta,
			1 - (c.embedding <=> $2) AS similarity
		FROM iat_chunks c
		JOIN iat_documents d ON c.document_id = d.id
		WHERE c.tenant_id = $1`)
	args := []interface{}{tenantID, pgvector.NewVector(embedding)}

	filterSQL, filterArgs, err := buildSQL(conds, map[string]string{
		"doc":   "d.meta",
		"chunk": "c.meta",
	}, len(args)+1)
	if err != nil {
		return nil, err
	}
	sb.WriteString(filterSQL)
	args = append(args, filterArgs...)

	args = append(args, topK)
	sb.WriteString(fmt.Sprintf(`
		ORDER BY c.embedding <=> $2, c.ingested_at DESC, c.id DESC
		LIMIT $%d`, len(args)))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var chunk Chunk
		var docMeta, chunkMeta []byte
		if err := rows.Scan(
			&chunk.ID,
			&chunk.DocumentID,
			&chunk.Filename,
			&chunk.Text,
			&docMeta,
			&chunkMeta,
			&chunk.Score,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if chunk.DocMeta, err = decodeMeta(docMeta); err != nil {
			return nil, err
		}
		if chunk.ChunkMeta, err = decodeMeta(chunkMeta); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

// SearchImages is the image-mode counterpart of Search.
func (s *Store) SearchImages(ctx context.Context, tenantID string, embedding []float32, conds []resolvedCondition, topK int) ([]Image, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if len(embedding) == 0 {
		return nil, errors.New("embedding is required")
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT i.id,
			r.document_id,
			r.storage_key,
			r.page,
			r.image_index,
			r.meta,
			1 - (i.embedding <=> $2) AS similarity
		FROM iat_image_vectors i
		JOIN iat_document_images r ON i.document_image_id = r.id
		WHERE i.tenant_id = $1`)
	args := []interface{}{tenantID, pgvector.NewVector(embedding)}

	filterSQL, filterArgs, err := buildSQL(conds, map[string]string{
		"doc":   "r.doc_meta",
		"image": "r.meta",
	}, len(args)+1)
	if err != nil {
		return nil, err
	}
	sb.WriteString(filterSQL)
	args = append(args, filterArgs...)

	args = append(args, topK)
	sb.WriteString(fmt.Sprintf(`
		ORDER BY i.embedding <=> $2, i.ingested_at DESC, i.id DESC
		LIMIT $%d`, len(args)))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		var meta []byte
		if err := rows.Scan(
			&img.ID,
			&img.DocumentID,
			&img.StorageKey,
			&img.Page,
			&img.ImageIndex,
			&meta,
			&img.Score,
		); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		if img.Meta, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return images, nil
}

// Insert writes freshly embedded chunks inside one transaction.
func (s *Store) Insert(ctx context.Context, tenantID string, chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(embeddings) {
		return errors.New("chunk and embedding counts differ")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO iat_chunks (tenant_id, document_id, chunk_text, embedding, meta)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, chunk := range chunks {
		meta, err := json.Marshal(chunk.ChunkMeta)
		if err != nil {
			return fmt.Errorf("encode chunk meta: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, tenantID, chunk.DocumentID, chunk.Text, pgvector.NewVector(embeddings[i]), meta); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

func decodeMeta(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
