package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
)

const (
	reservationReserved = "RESERVED"
	reservationReleased = "RELEASED"
	reservationFailed   = "FAILED"
)

type inventoryRepository struct {
	pool *pgxpool.Pool
}

// NewInventoryRepository creates an InventoryRepository backed by Postgres.
func NewInventoryRepository(pool *pgxpool.Pool) repository.InventoryRepository {
	return &inventoryRepository{pool: pool}
}

func (r *inventoryRepository) Get(ctx context.Context, productID string) (entity.Product, error) {
	var (
		p     entity.Product
		price string
	)
	err := r.pool.QueryRow(ctx,
		"SELECT id, seller_id, name, price::text, quantity FROM products WHERE id = $1", productID,
	).Scan(&p.ID, &p.SellerID, &p.Name, &price, &p.Quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Product{}, entity.ErrProductNotFound
	}
	if err != nil {
		return entity.Product{}, fmt.Errorf("failed to query product %s: %w", productID, err)
	}

	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return entity.Product{}, fmt.Errorf("failed to parse price of product %s: %w", productID, err)
	}
	return p, nil
}

func (r *inventoryRepository) ListIDsBySeller(ctx context.Context, sellerID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT id FROM products WHERE seller_id = $1 ORDER BY id", sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query seller products: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan seller products: %w", err)
	}
	return ids, nil
}

func (r *inventoryRepository) Upsert(ctx context.Context, p entity.Product) error {
	if p.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", entity.ErrValidation)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products (id, seller_id, name, price, quantity, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET seller_id = EXCLUDED.seller_id, name = EXCLUDED.name, price = EXCLUDED.price,
			quantity = EXCLUDED.quantity, updated_at = now()`,
		p.ID, p.SellerID, p.Name, p.Price.String(), p.Quantity,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
	}
	return nil
}

func (r *inventoryRepository) ReserveBatch(ctx context.Context, orderID string, lines []entity.StockLine) (entity.ReservationResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return entity.ReservationResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		existing string
		recorded []byte
	)
	err = tx.QueryRow(ctx, "SELECT status, shortages FROM reservations WHERE order_id = $1 FOR UPDATE", orderID).Scan(&existing, &recorded)
	switch {
	case err == nil:
		return recordedResult(orderID, existing, recorded)
	case !errors.Is(err, pgx.ErrNoRows):
		return entity.ReservationResult{}, fmt.Errorf("failed to query reservation: %w", err)
	}

	// Row locks are taken in product id order so concurrent batches cannot deadlock.
	rows, err := tx.Query(ctx,
		"SELECT id, quantity FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		productIDs(lines),
	)
	if err != nil {
		return entity.ReservationResult{}, fmt.Errorf("failed to lock products: %w", err)
	}
	available := make(map[string]int, len(lines))
	for rows.Next() {
		var (
			id  string
			qty int
		)
		if err := rows.Scan(&id, &qty); err != nil {
			rows.Close()
			return entity.ReservationResult{}, fmt.Errorf("failed to scan product stock: %w", err)
		}
		available[id] = qty
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return entity.ReservationResult{}, fmt.Errorf("error iterating product rows: %w", err)
	}

	var shortages []entity.Shortage
	for _, line := range lines {
		qty, ok := available[line.ProductID]
		switch {
		case !ok:
			shortages = append(shortages, entity.Shortage{ProductID: line.ProductID, Requested: line.Quantity, Missing: true})
		case qty < line.Quantity:
			shortages = append(shortages, entity.Shortage{ProductID: line.ProductID, Requested: line.Quantity, Available: qty})
		}
	}
	if len(shortages) > 0 {
		if err := insertReservation(ctx, tx, orderID, reservationFailed, lines, shortages); err != nil {
			return entity.ReservationResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return entity.ReservationResult{}, fmt.Errorf("failed to commit failed reservation: %w", err)
		}
		return entity.ReservationResult{Shortages: shortages}, nil
	}

	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue("UPDATE products SET quantity = quantity - $1, updated_at = now() WHERE id = $2 AND quantity >= $1",
			line.Quantity, line.ProductID)
	}
	results := tx.SendBatch(ctx, batch)
	for _, line := range lines {
		tag, err := results.Exec()
		if err == nil && tag.RowsAffected() != 1 {
			err = fmt.Errorf("%w: %s", entity.ErrInsufficientStock, line.ProductID)
		}
		if err != nil {
			_ = results.Close()
			// Returning before commit rolls back every decrement already applied.
			return entity.ReservationResult{}, fmt.Errorf("%w: order %s: %w", entity.ErrConsistencyViolation, orderID, err)
		}
	}
	if err := results.Close(); err != nil {
		return entity.ReservationResult{}, fmt.Errorf("%w: order %s: %w", entity.ErrConsistencyViolation, orderID, err)
	}

	if err := insertReservation(ctx, tx, orderID, reservationReserved, lines, nil); err != nil {
		return entity.ReservationResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return entity.ReservationResult{}, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return entity.ReservationResult{Reserved: true}, nil
}

// ReleaseBatch puts back the items stored with the order's held reservation.
func (r *inventoryRepository) ReleaseBatch(ctx context.Context, orderID string) ([]entity.StockLine, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		status string
		items  []byte
	)
	err = tx.QueryRow(ctx, "SELECT status, items FROM reservations WHERE order_id = $1 FOR UPDATE", orderID).Scan(&status, &items)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", entity.ErrReservationNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reservation: %w", err)
	}
	switch status {
	case reservationReleased:
		return nil, nil
	case reservationFailed:
		return nil, fmt.Errorf("%w: order %s failed to reserve", entity.ErrReservationNotFound, orderID)
	}

	var lines []entity.StockLine
	if err := json.Unmarshal(items, &lines); err != nil {
		return nil, fmt.Errorf("%w: order %s: unreadable reservation items: %w", entity.ErrConsistencyViolation, orderID, err)
	}

	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue("UPDATE products SET quantity = quantity + $1, updated_at = now() WHERE id = $2",
			line.Quantity, line.ProductID)
	}
	results := tx.SendBatch(ctx, batch)
	for _, line := range lines {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return nil, fmt.Errorf("failed to release %s: %w", line.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			_ = results.Close()
			return nil, fmt.Errorf("failed to release order %s: %w: %s", orderID, entity.ErrProductNotFound, line.ProductID)
		}
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("failed to release order %s: %w", orderID, err)
	}

	_, err = tx.Exec(ctx, "UPDATE reservations SET status = $1, updated_at = $2 WHERE order_id = $3",
		reservationReleased, time.Now().UTC(), orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark reservation released: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}
	return lines, nil
}

func insertReservation(ctx context.Context, tx pgx.Tx, orderID, status string, lines []entity.StockLine, shortages []entity.Shortage) error {
	items, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation items: %w", err)
	}
	var missing []byte
	if len(shortages) > 0 {
		if missing, err = json.Marshal(shortages); err != nil {
			return fmt.Errorf("failed to marshal reservation shortages: %w", err)
		}
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		"INSERT INTO reservations (order_id, status, items, shortages, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5)",
		orderID, status, items, missing, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record reservation: %w", err)
	}
	return nil
}

// recordedResult rebuilds the result of an order that was already reserved or refused.
func recordedResult(orderID, status string, shortages []byte) (entity.ReservationResult, error) {
	if status != reservationFailed {
		return entity.ReservationResult{Reserved: true}, nil
	}
	var result entity.ReservationResult
	if len(shortages) > 0 {
		if err := json.Unmarshal(shortages, &result.Shortages); err != nil {
			return entity.ReservationResult{}, fmt.Errorf("failed to decode shortages of order %s: %w", orderID, err)
		}
	}
	return result, nil
}

func productIDs(lines []entity.StockLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}
