// Package postgres provides the PostgreSQL-backed conversation store and
// semantic recall index for Stagehand, built on pgx with pgvector for
// nearest-neighbour search over exchange embeddings.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/vtuberkit/stagehand/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.Store         = (*Store)(nil)
	_ memory.SemanticIndex = (*Store)(nil)
)

// Store implements [memory.Store] and [memory.SemanticIndex] over a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// New connects to the database at dsn, registers pgvector types on every
// connection, and ensures the required tables exist.
//
// embeddingDims is the vector dimension of the semantic index column; it must
// match the embedding model used by the caller. Pass 0 to skip creating the
// semantic index table.
func New(ctx context.Context, dsn string, embeddingDims int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory postgres: ping: %w", err)
	}

	s := &Store{pool: pool, dims: embeddingDims}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_log (
			id BIGSERIAL PRIMARY KEY,
			role TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	if s.dims > 0 {
		stmts = append(stmts,
			`CREATE EXTENSION IF NOT EXISTS vector`,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS exchange_index (
				id BIGSERIAL PRIMARY KEY,
				role TEXT NOT NULL,
				user_id TEXT NOT NULL DEFAULT '',
				text TEXT NOT NULL,
				source TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				embedding vector(%d) NOT NULL
			)`, s.dims),
			`CREATE INDEX IF NOT EXISTS exchange_index_embedding_idx
				ON exchange_index USING hnsw (embedding vector_cosine_ops)`,
		)
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append records one conversation entry.
func (s *Store) Append(ctx context.Context, e memory.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_log (role, user_id, text, source, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(e.Role), e.UserID, e.Text, e.Source, e.Timestamp)
	if err != nil {
		return fmt.Errorf("memory postgres: append: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]memory.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT role, user_id, text, source, created_at
		 FROM (
			SELECT role, user_id, text, source, created_at, id
			FROM conversation_log ORDER BY id DESC LIMIT $1
		 ) sub ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: recent: %w", err)
	}
	defer rows.Close()

	var out []memory.Entry
	for rows.Next() {
		var e memory.Entry
		var role string
		if err := rows.Scan(&role, &e.UserID, &e.Text, &e.Source, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("memory postgres: scan: %w", err)
		}
		e.Role = memory.Role(role)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Index stores e under its embedding in the semantic recall table.
func (s *Store) Index(ctx context.Context, e memory.Entry, embedding []float32) error {
	if s.dims == 0 {
		return fmt.Errorf("memory postgres: semantic index disabled (embedding dims not configured)")
	}
	if len(embedding) != s.dims {
		return fmt.Errorf("memory postgres: embedding has %d dims, index expects %d", len(embedding), s.dims)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exchange_index (role, user_id, text, source, created_at, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.Role), e.UserID, e.Text, e.Source, e.Timestamp, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("memory postgres: index: %w", err)
	}
	return nil
}

// Search returns up to limit entries nearest to the query embedding by cosine
// distance, most similar first.
func (s *Store) Search(ctx context.Context, embedding []float32, limit int) ([]memory.Entry, error) {
	if s.dims == 0 {
		return nil, fmt.Errorf("memory postgres: semantic index disabled (embedding dims not configured)")
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT role, user_id, text, source, created_at
		 FROM exchange_index
		 ORDER BY embedding <=> $1
		 LIMIT $2`, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: search: %w", err)
	}
	defer rows.Close()

	var out []memory.Entry
	for rows.Next() {
		var e memory.Entry
		var role string
		if err := rows.Scan(&role, &e.UserID, &e.Text, &e.Source, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("memory postgres: scan: %w", err)
		}
		e.Role = memory.Role(role)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
