package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository creates a new OrderRepository backed by Postgres.
func NewOrderRepository(db *sql.DB) repository.OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *entity.Order) error {
	snap := order.Snapshot()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// ON CONFLICT keeps a redelivered create from failing on the primary key.
	var inserted bool
	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (id, buyer_id, email, phone, full_name, address, city, postal_code,
			total_price, status, cancellation_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
		RETURNING true`,
		snap.ID, snap.BuyerID, snap.Contact.Email, snap.Contact.Phone, snap.Contact.FullName,
		snap.Contact.Address, snap.Contact.City, snap.Contact.PostalCode,
		snap.TotalPrice, snap.Status, snap.CancellationReason, snap.CreatedAt, snap.UpdatedAt,
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range snap.Items {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, product_id, name, price, quantity) VALUES ($1, $2, $3, $4, $5)",
			snap.ID, item.ProductID, item.Name, item.Price, item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	for _, h := range snap.StatusHistory {
		if err := insertHistory(ctx, tx, snap.ID, h); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (*entity.Order, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, email, phone, full_name, address, city, postal_code,
			total_price, status, cancellation_reason, created_at, updated_at
		FROM orders WHERE id = $1`, id)

	snap, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order %s: %w", id, err)
	}

	if err := r.loadChildren(ctx, &snap); err != nil {
		return nil, err
	}
	return entity.RestoreOrder(snap), nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, change entity.StatusChange) error {
	if !entity.IsValidTransition(change.OldStatus, change.NewStatus) {
		return fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, change.OldStatus, change.NewStatus)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Compare-and-set on the expected current status.
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
			updated_at = $2,
			cancellation_reason = CASE WHEN $1 = 'CANCELLED' THEN $3 ELSE cancellation_reason END
		WHERE id = $4 AND status = $5`,
		change.NewStatus, change.ChangedAt, change.Reason, change.OrderID, change.OldStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)", change.OrderID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check order existence: %w", err)
		}
		if !exists {
			return entity.ErrOrderNotFound
		}
		return entity.ErrStatusConflict
	}

	if err := insertHistory(ctx, tx, change.OrderID, entity.StatusHistory{Status: change.NewStatus, ChangedAt: change.ChangedAt}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *orderRepository) ListByBuyer(ctx context.Context, buyerID string, filter repository.OrderFilter) ([]*entity.Order, error) {
	query := `
		SELECT id, buyer_id, email, phone, full_name, address, city, postal_code,
			total_price, status, cancellation_reason, created_at, updated_at
		FROM orders WHERE buyer_id = $1`
	args := []any{buyerID}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var snaps []entity.OrderSnapshot
	for rows.Next() {
		snap, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}

	orders := make([]*entity.Order, 0, len(snaps))
	for i := range snaps {
		if err := r.loadChildren(ctx, &snaps[i]); err != nil {
			return nil, err
		}
		orders = append(orders, entity.RestoreOrder(snaps[i]))
	}
	return orders, nil
}

func (r *orderRepository) loadChildren(ctx context.Context, snap *entity.OrderSnapshot) error {
	itemRows, err := r.db.QueryContext(ctx,
		"SELECT product_id, name, price, quantity FROM order_items WHERE order_id = $1 ORDER BY id",
		snap.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to query order items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var item entity.OrderItem
		if err := itemRows.Scan(&item.ProductID, &item.Name, &item.Price, &item.Quantity); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		snap.Items = append(snap.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return fmt.Errorf("error iterating order item rows: %w", err)
	}

	historyRows, err := r.db.QueryContext(ctx,
		"SELECT status, changed_at FROM order_status_history WHERE order_id = $1 ORDER BY id",
		snap.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to query status history: %w", err)
	}
	defer historyRows.Close()

	for historyRows.Next() {
		var h entity.StatusHistory
		if err := historyRows.Scan(&h.Status, &h.ChangedAt); err != nil {
			return fmt.Errorf("failed to scan status history: %w", err)
		}
		snap.StatusHistory = append(snap.StatusHistory, h)
	}
	return historyRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (entity.OrderSnapshot, error) {
	var s entity.OrderSnapshot
	err := row.Scan(&s.ID, &s.BuyerID, &s.Contact.Email, &s.Contact.Phone, &s.Contact.FullName,
		&s.Contact.Address, &s.Contact.City, &s.Contact.PostalCode,
		&s.TotalPrice, &s.Status, &s.CancellationReason, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func insertHistory(ctx context.Context, tx *sql.Tx, orderID string, h entity.StatusHistory) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO order_status_history (order_id, status, changed_at) VALUES ($1, $2, $3)",
		orderID, h.Status, h.ChangedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}
	return nil
}
