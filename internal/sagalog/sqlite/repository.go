// Package sqlite provides a SQLite-backed implementation of sagalog.Repository.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/sagalog"

	// Pure-Go driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_journal (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id       TEXT NOT NULL,
    step           TEXT NOT NULL,
    detail         TEXT NOT NULL DEFAULT '',
    error_messages TEXT NOT NULL DEFAULT '[]',
    trace_id       TEXT NOT NULL DEFAULT '',
    span_id        TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_journal_order ON saga_journal(order_id, id);
CREATE INDEX IF NOT EXISTS idx_saga_journal_trace ON saga_journal(trace_id);
`

type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path in WAL mode and applies the schema.
// Pass ":memory:" for a throwaway journal.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Save(ctx context.Context, e *sagalog.Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO saga_journal (order_id, step, detail, error_messages, trace_id, span_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.OrderID, string(e.Step), e.Detail, e.Errors, e.TraceID, e.SpanID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save journal entry for %q: %w", e.OrderID, err)
	}
	return nil
}

// List returns the journal of orderID in insertion order.
func (r *Repository) List(ctx context.Context, orderID string) ([]sagalog.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, step, detail, error_messages, trace_id, span_id, created_at
		FROM saga_journal WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list journal for %q: %w", orderID, err)
	}
	defer rows.Close()

	var entries []sagalog.Entry
	for rows.Next() {
		var (
			e         sagalog.Entry
			createdAt string
		)
		if err := rows.Scan(&e.OrderID, &e.Step, &e.Detail, &e.Errors, &e.TraceID, &e.SpanID, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan journal entry: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse time %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
