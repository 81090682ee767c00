// Package reconcile persists work that failed after an external side effect
// already happened, so a background job can repair it instead of rolling
// money back.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chaptr/pkg/models"
)

const (
	KindLedgerCredit = "ledger_credit"
	KindCachePersist = "cache_persist"
)

// Item is one pending repair.
type Item struct {
	ID        string
	Kind      string
	Payload   models.JSONB
	Attempts  int
	LastError *string
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue records a failed operation for later repair.
func (s *Store) Enqueue(ctx context.Context, kind string, payload models.JSONB, cause error) error {
	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_queue (kind, payload, last_error)
		VALUES ($1, $2, $3)`,
		kind, payload, lastError)
	if err != nil {
		return fmt.Errorf("enqueue reconciliation item: %w", err)
	}
	return nil
}

// Pending returns unresolved items, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, attempts, last_error, created_at
		FROM reconciliation_queue
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation queue: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.Kind, &item.Payload, &item.Attempts, &item.LastError, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// PendingCounts returns the number of unresolved items per kind.
func (s *Store) PendingCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*)
		FROM reconciliation_queue
		WHERE resolved_at IS NULL
		GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count reconciliation queue: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan reconciliation count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// MarkResolved closes out a repaired item.
func (s *Store) MarkResolved(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reconciliation_queue SET resolved_at = NOW() WHERE id = $1", id)
	return err
}

// MarkFailedAttempt bumps the attempt counter and records the latest error.
func (s *Store) MarkFailedAttempt(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE reconciliation_queue SET attempts = attempts + 1, last_error = $1 WHERE id = $2",
		msg, id)
	return err
}
