// Package memory defines the conversation/context store used by decision
// providers: recent exchange history for prompt building plus an optional
// semantic recall index over past exchanges.
//
// Implementations are provided by the memstore (in-process ring) and
// postgres (pgx + pgvector) packages.
package memory

import (
	"context"
	"time"
)

// Role tags one side of an exchange entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one line of conversation history.
type Entry struct {
	// Role is who produced the text.
	Role Role

	// UserID identifies the chat participant for user entries; empty for
	// assistant entries.
	UserID string

	// Text is the exchange content.
	Text string

	// Source names the input provider that carried the user message.
	Source string

	// Timestamp marks when the entry was recorded.
	Timestamp time.Time
}

// Store records exchanges and serves recent history.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append records one entry.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, oldest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Close releases the store's resources.
	Close() error
}

// SemanticIndex recalls past exchanges similar to a query vector. Embedding
// computation is the caller's concern; the index only stores and searches
// vectors.
type SemanticIndex interface {
	// Index stores entry under its embedding vector.
	Index(ctx context.Context, e Entry, embedding []float32) error

	// Search returns up to limit entries nearest to the query vector,
	// most similar first.
	Search(ctx context.Context, embedding []float32, limit int) ([]Entry, error)
}
