package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
)

type reservationState int

const (
	reservationHeld reservationState = iota
	reservationReleased
	reservationFailed
)

type reservation struct {
	lines     []entity.StockLine
	shortages []entity.Shortage
	state     reservationState
}

func (r *reservation) result() entity.ReservationResult {
	if r.state == reservationFailed {
		return entity.ReservationResult{Shortages: slices.Clone(r.shortages)}
	}
	return entity.ReservationResult{Reserved: true}
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

// InventoryRepository keeps product quantities in memory. Batches lock the products
// they touch in sorted id order, so two batches never deadlock and a batch never
// observes another batch half applied.
type InventoryRepository struct {
	mu           sync.RWMutex
	products     map[string]entity.Product
	reservations map[string]*reservation

	locksMu    sync.Mutex
	locks      map[string]*sync.Mutex
	orderLocks map[string]*orderLock
}

func NewInventoryRepository() *InventoryRepository {
	return &InventoryRepository{
		products:     make(map[string]entity.Product),
		reservations: make(map[string]*reservation),
		locks:        make(map[string]*sync.Mutex),
		orderLocks:   make(map[string]*orderLock),
	}
}

func (r *InventoryRepository) Get(_ context.Context, productID string) (entity.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[productID]
	if !ok {
		return entity.Product{}, entity.ErrProductNotFound
	}
	return p, nil
}

func (r *InventoryRepository) ListIDsBySeller(_ context.Context, sellerID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := []string{}
	for id, p := range r.products {
		if p.SellerID == sellerID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *InventoryRepository) Upsert(_ context.Context, product entity.Product) error {
	if product.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", entity.ErrValidation)
	}
	unlock := r.lockProducts([]string{product.ID})
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[product.ID] = product
	return nil
}

// Remove deletes a product from the catalog.
func (r *InventoryRepository) Remove(productID string) {
	unlock := r.lockProducts([]string{productID})
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.products, productID)
}

// ReserveBatch records the outcome per order, failed ones included, and returns the
// recorded result when the same order is reserved again.
func (r *InventoryRepository) ReserveBatch(_ context.Context, orderID string, lines []entity.StockLine) (entity.ReservationResult, error) {
	unlockOrder := r.lockOrder(orderID)
	defer unlockOrder()

	if res, ok := r.reservation(orderID); ok {
		return res.result(), nil
	}

	unlock := r.lockProducts(productIDs(lines))
	defer unlock()

	if shortages := r.shortages(lines); len(shortages) > 0 {
		r.mu.Lock()
		r.reservations[orderID] = &reservation{lines: slices.Clone(lines), shortages: shortages, state: reservationFailed}
		r.mu.Unlock()
		return entity.ReservationResult{Shortages: shortages}, nil
	}

	if err := applyBatch(lines, -1, r.adjust); err != nil {
		return entity.ReservationResult{}, fmt.Errorf("%w: order %s: %w", entity.ErrConsistencyViolation, orderID, err)
	}

	r.mu.Lock()
	r.reservations[orderID] = &reservation{lines: slices.Clone(lines), state: reservationHeld}
	r.mu.Unlock()
	return entity.ReservationResult{Reserved: true}, nil
}

// ReleaseBatch puts back the lines recorded when the order was reserved.
func (r *InventoryRepository) ReleaseBatch(_ context.Context, orderID string) ([]entity.StockLine, error) {
	unlockOrder := r.lockOrder(orderID)
	defer unlockOrder()

	res, ok := r.reservation(orderID)
	if !ok || res.state == reservationFailed {
		return nil, fmt.Errorf("%w: order %s", entity.ErrReservationNotFound, orderID)
	}
	if res.state == reservationReleased {
		return nil, nil
	}

	unlock := r.lockProducts(productIDs(res.lines))
	defer unlock()

	if err := applyBatch(res.lines, 1, r.adjust); err != nil {
		return nil, fmt.Errorf("failed to release order %s: %w", orderID, err)
	}
	r.mu.Lock()
	res.state = reservationReleased
	r.mu.Unlock()
	return slices.Clone(res.lines), nil
}

func (r *InventoryRepository) reservation(orderID string) (*reservation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.reservations[orderID]
	return res, ok
}

func (r *InventoryRepository) shortages(lines []entity.StockLine) []entity.Shortage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shortages []entity.Shortage
	for _, line := range lines {
		p, ok := r.products[line.ProductID]
		switch {
		case !ok:
			shortages = append(shortages, entity.Shortage{ProductID: line.ProductID, Requested: line.Quantity, Missing: true})
		case p.Quantity < line.Quantity:
			shortages = append(shortages, entity.Shortage{ProductID: line.ProductID, Requested: line.Quantity, Available: p.Quantity})
		}
	}
	return shortages
}

func (r *InventoryRepository) adjust(productID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", entity.ErrProductNotFound, productID)
	}
	if p.Quantity+delta < 0 {
		return fmt.Errorf("%w: %s has %d, needs %d", entity.ErrInsufficientStock, productID, p.Quantity, -delta)
	}
	p.Quantity += delta
	r.products[productID] = p
	return nil
}

// lockProducts acquires the per-product locks in sorted order and returns the release.
func (r *InventoryRepository) lockProducts(ids []string) func() {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		m := r.productLock(id)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (r *InventoryRepository) productLock(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	return m
}

// applyBatch applies sign*quantity for every line. When a line fails, the lines already
// applied are compensated in reverse order and the original error is returned.
func applyBatch(lines []entity.StockLine, sign int, apply func(productID string, delta int) error) error {
	for i, line := range lines {
		if err := apply(line.ProductID, sign*line.Quantity); err != nil {
			var rollbackErrs []error
			for j := i - 1; j >= 0; j-- {
				if rerr := apply(lines[j].ProductID, -sign*lines[j].Quantity); rerr != nil {
					rollbackErrs = append(rollbackErrs, fmt.Errorf("rollback %s: %w", lines[j].ProductID, rerr))
				}
			}
			return errors.Join(append([]error{err}, rollbackErrs...)...)
		}
	}
	return nil
}

// lockOrder serializes batches of one order. Order locks are always taken before
// product locks, and an entry is dropped once nobody holds or waits for it.
func (r *InventoryRepository) lockOrder(orderID string) func() {
	r.locksMu.Lock()
	l, ok := r.orderLocks[orderID]
	if !ok {
		l = &orderLock{}
		r.orderLocks[orderID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.locksMu.Lock()
		defer r.locksMu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(r.orderLocks, orderID)
		}
	}
}

func productIDs(lines []entity.StockLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}
