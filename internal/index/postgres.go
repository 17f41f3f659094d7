package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"doc-chat/internal/embeddings"
)

// PostgresIndex stores records in a pgvector-enabled Postgres table.
type PostgresIndex struct {
	db       *sql.DB
	embedder embeddings.Embedder
}

func NewPostgres(dsn string, embedder embeddings.Embedder) (*PostgresIndex, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresIndex{db: db, embedder: embedder}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Ping checks the database connection.
func (s *PostgresIndex) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresIndex) Close() error {
	return s.db.Close()
}

func (s *PostgresIndex) migrate(ctx context.Context) error {
	// Advisory lock keeps concurrently starting services from racing on DDL.
	const lockID = 723451901

	var acquired bool
	err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		// Another service is running migrations; wait briefly and skip
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = s.db.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS index_documents (
			collection TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(1536),
			model TEXT,
			updated_at TIMESTAMPTZ DEFAULT now(),
			PRIMARY KEY (collection, doc_id)
		)`,
		`CREATE INDEX IF NOT EXISTS index_documents_embedding_idx
			ON index_documents USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Upsert inserts or overwrites the single record docID.
func (s *PostgresIndex) Upsert(ctx context.Context, collection, docID, text string, metadata Metadata) error {
	return s.write(ctx, collection, []Record{{DocID: docID, Text: text, Metadata: metadata}}, false)
}

// ReplaceFiles replaces every previous record sharing a filename with the batch, in
// one transaction holding a per-collection advisory lock.
func (s *PostgresIndex) ReplaceFiles(ctx context.Context, collection string, records []Record) error {
	return s.write(ctx, collection, records, true)
}

func (s *PostgresIndex) write(ctx context.Context, collection string, records []Record, replace bool) error {
	if collection == "" {
		return ErrEmptyCollection
	}
	vectors := make([]string, len(records))
	for i, r := range records {
		vec, err := s.embedder.Embed(ctx, r.Text)
		if err != nil {
			return fmt.Errorf("embed %s: %w", r.DocID, err)
		}
		vectors[i] = vectorToString(vec)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, collection); err != nil {
		return fmt.Errorf("lock collection %s: %w", collection, err)
	}
	if names := filenames(records); replace && len(names) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM index_documents WHERE collection=$1 AND metadata->>'filename' = ANY($2)`,
			collection, pq.Array(names)); err != nil {
			return fmt.Errorf("clear previous chunks: %w", err)
		}
	}
	for i, r := range records {
		meta, err := json.Marshal(metadataOrEmpty(r.Metadata))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO index_documents(collection, doc_id, text, metadata, embedding, model, updated_at)
			VALUES($1,$2,$3,$4,$5::vector,$6,now())
			ON CONFLICT (collection, doc_id) DO UPDATE
			SET text=excluded.text, metadata=excluded.metadata, embedding=excluded.embedding,
				model=excluded.model, updated_at=excluded.updated_at`,
			collection, r.DocID, r.Text, meta, vectors[i], s.embedder.Model())
		if err != nil {
			return fmt.Errorf("upsert %s: %w", r.DocID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresIndex) Query(ctx context.Context, collection, text string, k int) ([]Hit, error) {
	if collection == "" {
		return nil, ErrEmptyCollection
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, text, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM index_documents
		WHERE collection = $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3
	`, vectorToString(vec), collection, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h    Hit
			meta []byte
		)
		if err := rows.Scan(&h.DocID, &h.Text, &meta, &h.Score); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &h.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", h.DocID, err)
			}
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func filenames(records []Record) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		name := r.Metadata[MetaFilename]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func metadataOrEmpty(m Metadata) Metadata {
	if m == nil {
		return Metadata{}
	}
	return m
}

// vectorToString converts a Vector to pgvector literal format: "[0.1,0.2,0.3,...]".
func vectorToString(v embeddings.Vector) string {
	if len(v) == 0 {
		return "[]"
	}
	parts := make([]string, len(v))
	for i, val := range v {
		parts[i] = strconv.FormatFloat(float64(val), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
