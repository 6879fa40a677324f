package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/outbox"
)

// OutboxStore is the Postgres implementation of outbox.Store.
type OutboxStore struct {
	db         *sql.DB
	maxRetries int
}

func NewOutboxStore(db *sql.DB, maxRetries int) *OutboxStore {
	return &OutboxStore{db: db, maxRetries: maxRetries}
}

func (s *OutboxStore) Insert(ctx context.Context, e outbox.Event) error {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, topic, type, payload, headers, traceparent, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')`,
		e.AggregateType, e.AggregateID, e.Topic, e.Type, e.Payload, string(headers), e.Traceparent,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// LockBatch leases up to batchSize pending rows, plus rows whose lease expired
// under a relay that died mid-batch.
func (s *OutboxStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]outbox.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, topic, type, payload, headers, traceparent, retry_count, created_at
		FROM outbox
		WHERE status = 'pending' OR (status = 'in_progress' AND lease_until < now())
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select outbox batch: %w", err)
	}

	var events []outbox.Event
	for rows.Next() {
		var (
			e       outbox.Event
			headers []byte
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.Topic, &e.Type, &e.Payload,
			&headers, &e.Traceparent, &e.RetryCount, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if err := json.Unmarshal(headers, &e.Headers); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode outbox headers of %d: %w", e.ID, err)
		}
		e.Status = outbox.StatusInProgress
		e.RelayID = relayID
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	if len(events) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE outbox SET status = 'in_progress', relay_id = $1, lease_until = now() + make_interval(secs => $2)
		WHERE id = ANY($3)`,
		relayID, lease.Seconds(), pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lease outbox batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outbox lease: %w", err)
	}
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET status = 'sent', lease_until = NULL WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to mark outbox events sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("no outbox rows updated")
	}
	return nil
}

// MarkFailed returns the row to pending until it has failed maxRetries times.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
			last_error = $2,
			retry_count = retry_count + 1,
			relay_id = NULL,
			lease_until = NULL
		WHERE id = $1`,
		id, errMsg, s.maxRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %d failed: %w", id, err)
	}
	return nil
}

func (s *OutboxStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET lease_until = now() + make_interval(secs => $1) WHERE id = ANY($2) AND relay_id = $3",
		lease.Seconds(), pq.Array(ids), relayID,
	)
	if err != nil {
		return fmt.Errorf("failed to extend outbox lease: %w", err)
	}
	return nil
}
