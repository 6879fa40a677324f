package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/sagalog"
)

const (
	// maxTransitionAttempts bounds the re-read loop after a lost compare-and-set.
	maxTransitionAttempts = 3

	defaultCatalogTimeout = 3 * time.Second
	defaultListLimit      = 20
	maxListLimit          = 100
)

// errOrderMoved is returned by a transition decision when the order is no longer in a
// state the caller expects and the transition must be skipped.
var errOrderMoved = errors.New("order moved on")

// OrderSaga orchestrates the order lifecycle: it creates orders, requests inventory
// reservation, applies reservation outcomes and compensates cancellations.
type OrderSaga struct {
	orders    repository.OrderRepository
	catalog   Catalog
	publisher messaging.Publisher
	journal   sagalog.Repository

	catalogTimeout time.Duration
	now            func() time.Time
	newID          func() string
	tracer         trace.Tracer
}

type SagaOption func(*OrderSaga)

// WithJournal records every saga step in journal.
func WithJournal(journal sagalog.Repository) SagaOption {
	return func(s *OrderSaga) { s.journal = journal }
}

func WithCatalogTimeout(d time.Duration) SagaOption {
	return func(s *OrderSaga) { s.catalogTimeout = d }
}

func WithClock(now func() time.Time) SagaOption {
	return func(s *OrderSaga) { s.now = now }
}

func WithIDGenerator(newID func() string) SagaOption {
	return func(s *OrderSaga) { s.newID = newID }
}

func NewOrderSaga(
	orders repository.OrderRepository,
	catalog Catalog,
	publisher messaging.Publisher,
	opts ...SagaOption,
) *OrderSaga {
	s := &OrderSaga{
		orders:         orders,
		catalog:        catalog,
		publisher:      publisher,
		catalogTimeout: defaultCatalogTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.New().String() },
		tracer:         otel.Tracer("order-saga"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartOrderSaga snapshots product prices and names from the catalog, persists the
// order as PENDING and requests the reservation. It does not wait for the outcome.
func (s *OrderSaga) StartOrderSaga(ctx context.Context, caller entity.Identity, req entity.OrderCreateRequest) (*entity.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderSaga.StartOrderSaga")
	defer span.End()

	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if caller.Role != entity.RoleBuyer {
		return nil, fmt.Errorf("%w: only buyers can place orders", entity.ErrUnauthorized)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Service: Starting order saga", "buyer_id", caller.UserID, "items", len(req.Items))

	items, err := s.snapshotItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	order, err := entity.NewOrder(s.newID(), caller.UserID, req.Contact(), items, s.now())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to save order: %w", err)
	}
	s.record(ctx, order.ID, sagalog.StepStarted, order.Total().String())

	request := entity.ReservationRequest{
		OrderID:           order.ID,
		ProductQuantities: order.ProductQuantities(),
		Status:            entity.ReservationPending,
	}
	// The order is committed; a failed publish leaves it PENDING for reconciliation.
	if err := s.publisher.PublishEvent(ctx, messaging.TopicReservationRequested, order.ID, request); err != nil {
		slog.ErrorContext(ctx, "Failed to publish reservation request, order stays PENDING", "order_id", order.ID, "err", err)
		s.record(ctx, order.ID, sagalog.StepPublishFailed, messaging.TopicReservationRequested, err.Error())
	} else {
		s.record(ctx, order.ID, sagalog.StepReservationRequested, "")
	}

	slog.InfoContext(ctx, "Order created", "order_id", order.ID, "total", order.Total().String())
	return order, nil
}

func (s *OrderSaga) snapshotItems(ctx context.Context, lines []entity.LineRequest) ([]entity.OrderItem, error) {
	products := make(map[string]entity.Product, len(lines))
	items := make([]entity.OrderItem, 0, len(lines))

	for _, line := range lines {
		p, ok := products[line.ProductID]
		if !ok {
			var err error
			if p, err = s.lookupProduct(ctx, line.ProductID); err != nil {
				return nil, err
			}
			products[line.ProductID] = p
		}
		items = append(items, entity.OrderItem{
			ProductID: p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Quantity:  line.Quantity,
		})
	}
	return items, nil
}

func (s *OrderSaga) lookupProduct(ctx context.Context, productID string) (entity.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
	defer cancel()

	p, err := s.catalog.LookupProduct(ctx, productID)
	switch {
	case errors.Is(err, entity.ErrProductNotFound):
		return entity.Product{}, fmt.Errorf("%w: unknown product %s", entity.ErrValidation, productID)
	case err != nil:
		return entity.Product{}, catalogUnavailable(err)
	}

	if p.ID == "" {
		p.ID = productID
	}
	if p.Name == "" || p.Price.IsNegative() {
		return entity.Product{}, fmt.Errorf("%w: product %s has no name or price to snapshot", entity.ErrValidation, productID)
	}
	return p, nil
}

func catalogUnavailable(err error) error {
	if errors.Is(err, entity.ErrServiceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: catalog: %w", entity.ErrServiceUnavailable, err)
}

// HandleReservationOutcome moves a PENDING order to PROCESSING or FAILED. Outcomes for
// orders that are unknown or no longer PENDING are logged and dropped.
func (s *OrderSaga) HandleReservationOutcome(ctx context.Context, msg entity.ReservationOutcome) error {
	ctx, span := s.tracer.Start(ctx, "OrderSaga.HandleReservationOutcome",
		trace.WithAttributes(attribute.String("order.id", msg.OrderID), attribute.String("reservation.status", string(msg.Status))))
	defer span.End()

	var target entity.Status
	switch msg.Status {
	case entity.ReservationReserved:
		target = entity.StatusProcessing
	case entity.ReservationFailed:
		target = entity.StatusFailed
	default:
		slog.WarnContext(ctx, "Ignoring reservation outcome with unexpected status", "order_id", msg.OrderID, "status", msg.Status)
		return nil
	}

	slog.InfoContext(ctx, "Service: Applying reservation outcome", "order_id", msg.OrderID, "status", msg.Status)

	order, change, err := s.applyTransition(ctx, msg.OrderID, func(o *entity.Order) (entity.Status, string, error) {
		if o.Status() != entity.StatusPending {
			return entity.Status{}, "", errOrderMoved
		}
		return target, msg.Reason, nil
	})
	switch {
	case errors.Is(err, entity.ErrOrderNotFound):
		slog.WarnContext(ctx, "Reservation outcome for unknown order, dropping", "order_id", msg.OrderID)
		return nil
	case errors.Is(err, errOrderMoved):
		if msg.Status == entity.ReservationReserved && cancelledWhilePending(order) {
			slog.WarnContext(ctx, "Reservation succeeded for an order cancelled while pending, stock stays held",
				"order_id", msg.OrderID, "products", msg.ProductQuantities)
			s.record(ctx, msg.OrderID, sagalog.StepReservationStranded, "reserved after cancellation")
			return nil
		}
		slog.InfoContext(ctx, "Order no longer pending, outcome ignored", "order_id", msg.OrderID, "status", msg.Status)
		return nil
	case err != nil:
		return fmt.Errorf("failed to apply reservation outcome for %s: %w", msg.OrderID, err)
	}

	step := sagalog.StepProcessing
	if target == entity.StatusFailed {
		step = sagalog.StepFailed
	}
	s.record(ctx, msg.OrderID, step, msg.Reason)
	slog.InfoContext(ctx, "Order status updated", "order_id", msg.OrderID, "old_status", change.OldStatus, "new_status", change.NewStatus)
	return nil
}

// cancelledWhilePending reports whether order was cancelled without ever reaching
// PROCESSING, so no release was requested for it.
func cancelledWhilePending(order *entity.Order) bool {
	if order.Status() != entity.StatusCancelled {
		return false
	}
	for _, h := range order.History() {
		if h.Status == entity.StatusProcessing {
			return false
		}
	}
	return true
}

// CancelOrder cancels a PENDING or PROCESSING order. Cancelling a PROCESSING order
// emits an inventory release for its original line items.
func (s *OrderSaga) CancelOrder(ctx context.Context, caller entity.Identity, orderID, reason string) (entity.StatusChange, error) {
	ctx, span := s.tracer.Start(ctx, "OrderSaga.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	if err := caller.Validate(); err != nil {
		return entity.StatusChange{}, err
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return entity.StatusChange{}, err
	}
	if err := s.authorize(ctx, caller, order); err != nil {
		return entity.StatusChange{}, err
	}

	slog.InfoContext(ctx, "Service: Cancelling order", "order_id", orderID, "user_id", caller.UserID, "role", caller.Role)

	order, change, err := s.applyTransition(ctx, orderID, func(o *entity.Order) (entity.Status, string, error) {
		if !o.Status().Cancellable() {
			return entity.Status{}, "", fmt.Errorf("%w: order %s is %s", entity.ErrNotCancellable, o.ID, o.Status())
		}
		return entity.StatusCancelled, reason, nil
	})
	if err != nil {
		return entity.StatusChange{}, err
	}
	s.record(ctx, orderID, sagalog.StepCancelled, reason)

	if change.OldStatus == entity.StatusProcessing {
		s.requestRelease(ctx, order)
	}
	return change, nil
}

func (s *OrderSaga) requestRelease(ctx context.Context, order *entity.Order) {
	release := entity.NewReleaseEvent(order)
	if err := s.publisher.PublishEvent(ctx, messaging.TopicInventoryRelease, order.ID, release); err != nil {
		slog.ErrorContext(ctx, "Failed to publish inventory release", "order_id", order.ID, "err", err)
		s.record(ctx, order.ID, sagalog.StepPublishFailed, messaging.TopicInventoryRelease, err.Error())
		return
	}
	s.record(ctx, order.ID, sagalog.StepReleaseRequested, "")
	slog.InfoContext(ctx, "Inventory release requested", "order_id", order.ID, "items", len(release.Items))
}

// UpdateOrderStatus lets a seller move an order forward (SHIPPED, DELIVERED). A
// CANCELLED target goes through CancelOrder so reserved stock is released.
func (s *OrderSaga) UpdateOrderStatus(ctx context.Context, caller entity.Identity, orderID string, target entity.Status) (entity.StatusChange, error) {
	ctx, span := s.tracer.Start(ctx, "OrderSaga.UpdateOrderStatus",
		trace.WithAttributes(attribute.String("order.id", orderID), attribute.String("order.target_status", target.String())))
	defer span.End()

	if err := caller.Validate(); err != nil {
		return entity.StatusChange{}, err
	}
	if caller.Role != entity.RoleSeller {
		return entity.StatusChange{}, fmt.Errorf("%w: only sellers can update order status", entity.ErrUnauthorized)
	}

	switch target {
	case entity.StatusCancelled:
		return s.CancelOrder(ctx, caller, orderID, "cancelled by seller")
	case entity.StatusProcessing, entity.StatusFailed, entity.StatusPending:
		return entity.StatusChange{}, fmt.Errorf("%w: %s is set by the reservation saga", entity.ErrInvalidTransition, target)
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return entity.StatusChange{}, err
	}
	if err := s.authorize(ctx, caller, order); err != nil {
		return entity.StatusChange{}, err
	}

	_, change, err := s.applyTransition(ctx, orderID, func(*entity.Order) (entity.Status, string, error) {
		return target, "", nil
	})
	if err != nil {
		return entity.StatusChange{}, err
	}

	s.record(ctx, orderID, sagalog.StepStatusUpdated, change.Message)
	slog.InfoContext(ctx, "Order status updated", "order_id", orderID, "old_status", change.OldStatus, "new_status", change.NewStatus)
	return change, nil
}

// GetOrder returns an order visible to caller.
func (s *OrderSaga) GetOrder(ctx context.Context, caller entity.Identity, orderID string) (*entity.Order, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListOrders returns the caller's own orders, newest first.
func (s *OrderSaga) ListOrders(ctx context.Context, caller entity.Identity, filter repository.OrderFilter) ([]*entity.Order, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if caller.Role != entity.RoleBuyer {
		return nil, fmt.Errorf("%w: only buyers have an order history", entity.ErrUnauthorized)
	}

	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit < 1 || filter.Limit > maxListLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", entity.ErrValidation, maxListLimit)
	}
	if filter.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", entity.ErrValidation)
	}

	orders, err := s.orders.ListByBuyer(ctx, caller.UserID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// authorize allows the buyer who owns the order and sellers owning at least one of
// its products.
func (s *OrderSaga) authorize(ctx context.Context, caller entity.Identity, order *entity.Order) error {
	switch caller.Role {
	case entity.RoleBuyer:
		if order.BuyerID == caller.UserID {
			return nil
		}
	case entity.RoleSeller:
		lookupCtx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
		defer cancel()

		ids, err := s.catalog.ListSellerProductIDs(lookupCtx, caller.UserID)
		if err != nil {
			return catalogUnavailable(err)
		}
		if order.ContainsAnyProduct(ids) {
			return nil
		}
	}
	return fmt.Errorf("%w: user %s on order %s", entity.ErrUnauthorized, caller.UserID, order.ID)
}

// transitionDecision picks the target status for the freshly read order.
type transitionDecision func(o *entity.Order) (target entity.Status, reason string, err error)

// applyTransition reads the order, lets decide choose the target and stores the change
// with a compare-and-set on the status it read. A lost race re-reads the order.
func (s *OrderSaga) applyTransition(ctx context.Context, orderID string, decide transitionDecision) (*entity.Order, entity.StatusChange, error) {
	for attempt := 1; ; attempt++ {
		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return nil, entity.StatusChange{}, err
		}

		target, reason, err := decide(order)
		if err != nil {
			return order, entity.StatusChange{}, err
		}

		change, err := order.TransitionTo(target, reason, s.now())
		if err != nil {
			return order, entity.StatusChange{}, err
		}

		err = s.orders.UpdateStatus(ctx, change)
		if err == nil {
			return order, change, nil
		}
		if !errors.Is(err, entity.ErrStatusConflict) || attempt == maxTransitionAttempts {
			return order, entity.StatusChange{}, err
		}
		slog.DebugContext(ctx, "Order status changed concurrently, retrying", "order_id", orderID, "attempt", attempt)
	}
}

func (s *OrderSaga) record(ctx context.Context, orderID string, step sagalog.Step, detail string, errs ...string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Save(ctx, sagalog.NewEntry(ctx, orderID, step, detail, errs...)); err != nil {
		slog.WarnContext(ctx, "Failed to write saga journal", "order_id", orderID, "step", step, "err", err)
	}
}
