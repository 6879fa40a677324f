package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/messaging"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
)

const releaseApplied = "RELEASED"

// ReservationProcessor owns inventory. It reserves stock for new orders and returns
// it when the orchestrator compensates a cancellation.
type ReservationProcessor struct {
	inventory repository.InventoryRepository
	dedup     repository.DedupStore
	publisher messaging.Publisher
	tracer    trace.Tracer
}

func NewReservationProcessor(
	inventory repository.InventoryRepository,
	dedup repository.DedupStore,
	publisher messaging.Publisher,
) *ReservationProcessor {
	return &ReservationProcessor{
		inventory: inventory,
		dedup:     dedup,
		publisher: publisher,
		tracer:    otel.Tracer("reservation-processor"),
	}
}

// HandleOrderCreated reserves every line of the order or none of them and publishes
// the outcome. A redelivered request re-publishes the outcome recorded the first time.
func (p *ReservationProcessor) HandleOrderCreated(ctx context.Context, msg entity.OrderCreated) error {
	ctx, span := p.tracer.Start(ctx, "ReservationProcessor.HandleOrderCreated",
		trace.WithAttributes(attribute.String("order.id", msg.OrderID)))
	defer span.End()

	if msg.OrderID == "" {
		return messaging.Permanent(fmt.Errorf("%w: reservation request without order id", entity.ErrValidation))
	}

	key := repository.DedupKey(msg.OrderID, repository.KindOrderCreated)
	first, err := p.dedup.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to record reservation request: %w", err)
	}
	if !first {
		replayed, err := p.replayOutcome(ctx, key)
		if err != nil || replayed {
			return err
		}
		// Claimed before but never completed: the store recognizes a reservation it
		// already holds, so running it again is safe.
		slog.InfoContext(ctx, "Resuming unfinished reservation", "order_id", msg.OrderID)
	}

	slog.InfoContext(ctx, "Service: Reserving inventory", "order_id", msg.OrderID, "products", len(msg.ProductQuantities))

	outcome, err := p.reserve(ctx, msg)
	if err != nil {
		if errors.Is(err, entity.ErrConsistencyViolation) {
			// The claim stays so the batch is never blindly re-applied.
			slog.ErrorContext(ctx, "ALERT: inventory consistency violation, manual intervention required",
				"order_id", msg.OrderID, "err", err)
			span.RecordError(err)
			return messaging.Permanent(err)
		}
		if forgetErr := p.dedup.Forget(ctx, key); forgetErr != nil {
			slog.WarnContext(ctx, "Failed to drop reservation claim", "order_id", msg.OrderID, "err", forgetErr)
		}
		return fmt.Errorf("failed to reserve inventory for %s: %w", msg.OrderID, err)
	}

	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation outcome: %w", err)
	}
	if err := p.dedup.Complete(ctx, key, string(raw)); err != nil {
		slog.WarnContext(ctx, "Failed to store reservation outcome", "order_id", msg.OrderID, "err", err)
	}

	return p.publishOutcome(ctx, outcome)
}

func (p *ReservationProcessor) reserve(ctx context.Context, msg entity.OrderCreated) (entity.ReservationOutcome, error) {
	outcome := entity.ReservationOutcome{
		OrderID:           msg.OrderID,
		ProductQuantities: msg.ProductQuantities,
		Status:            entity.ReservationFailed,
	}

	if len(msg.ProductQuantities) == 0 {
		outcome.Reason = "no items to reserve"
		return outcome, nil
	}
	for id, qty := range msg.ProductQuantities {
		if qty <= 0 {
			outcome.Reason = fmt.Sprintf("invalid quantity %d for product %s", qty, id)
			return outcome, nil
		}
	}

	result, err := p.inventory.ReserveBatch(ctx, msg.OrderID, entity.LinesFromQuantities(msg.ProductQuantities))
	if err != nil {
		return entity.ReservationOutcome{}, err
	}
	if !result.Reserved {
		outcome.Reason = shortageReason(result.Shortages)
		return outcome, nil
	}

	outcome.Status = entity.ReservationReserved
	return outcome, nil
}

func shortageReason(shortages []entity.Shortage) string {
	parts := make([]string, 0, len(shortages))
	for _, s := range shortages {
		if s.Missing {
			parts = append(parts, fmt.Sprintf("product %s not found", s.ProductID))
			continue
		}
		parts = append(parts, fmt.Sprintf("insufficient stock for %s (requested %d, available %d)", s.ProductID, s.Requested, s.Available))
	}
	return strings.Join(parts, "; ")
}

// replayOutcome re-publishes a completed outcome and reports whether there was one.
func (p *ReservationProcessor) replayOutcome(ctx context.Context, key string) (bool, error) {
	raw, err := p.dedup.Outcome(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read reservation outcome: %w", err)
	}
	if raw == "" {
		return false, nil
	}

	var outcome entity.ReservationOutcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return false, messaging.Permanent(fmt.Errorf("failed to decode stored outcome %s: %w", key, err))
	}
	slog.InfoContext(ctx, "Duplicate reservation request, replaying outcome", "order_id", outcome.OrderID, "status", outcome.Status)
	return true, p.publishOutcome(ctx, outcome)
}

func (p *ReservationProcessor) publishOutcome(ctx context.Context, outcome entity.ReservationOutcome) error {
	topic := messaging.TopicReservationSucceeded
	if outcome.Status == entity.ReservationFailed {
		topic = messaging.TopicReservationFailed
	}
	if err := p.publisher.PublishEvent(ctx, topic, outcome.OrderID, outcome); err != nil {
		return fmt.Errorf("failed to publish reservation outcome for %s: %w", outcome.OrderID, err)
	}
	slog.InfoContext(ctx, "Reservation outcome published", "order_id", outcome.OrderID, "status", outcome.Status, "reason", outcome.Reason)
	return nil
}

// HandleInventoryRelease returns the stock of a cancelled order. Only RELEASE actions
// for orders with a held reservation change inventory, and only by the lines that
// reservation took; the event's own lines are checked against them.
func (p *ReservationProcessor) HandleInventoryRelease(ctx context.Context, msg entity.InventoryReleaseEvent) error {
	ctx, span := p.tracer.Start(ctx, "ReservationProcessor.HandleInventoryRelease",
		trace.WithAttributes(attribute.String("order.id", msg.OrderID)))
	defer span.End()

	if msg.Action != entity.ReleaseAction {
		slog.WarnContext(ctx, "Ignoring inventory message with unknown action", "order_id", msg.OrderID, "action", msg.Action)
		return nil
	}
	if msg.OrderID == "" {
		return messaging.Permanent(fmt.Errorf("%w: release without order id", entity.ErrValidation))
	}
	for _, item := range msg.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return messaging.Permanent(fmt.Errorf("%w: invalid release line %+v for order %s", entity.ErrValidation, item, msg.OrderID))
		}
	}

	key := repository.DedupKey(msg.OrderID, repository.KindInventoryRelease)
	first, err := p.dedup.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to record release: %w", err)
	}
	if !first {
		done, err := p.dedup.Outcome(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read release outcome: %w", err)
		}
		if done != "" {
			slog.InfoContext(ctx, "Duplicate inventory release skipped", "order_id", msg.OrderID)
			return nil
		}
	}

	slog.InfoContext(ctx, "Service: Releasing inventory", "order_id", msg.OrderID, "items", len(msg.Items))

	released, err := p.inventory.ReleaseBatch(ctx, msg.OrderID)
	switch {
	case errors.Is(err, entity.ErrReservationNotFound):
		slog.WarnContext(ctx, "No held reservation for order, release dropped", "order_id", msg.OrderID)
		p.complete(ctx, key, "NO_RESERVATION")
		return nil
	case errors.Is(err, entity.ErrProductNotFound):
		p.forget(ctx, key)
		slog.ErrorContext(ctx, "ALERT: released product no longer exists", "order_id", msg.OrderID, "err", err)
		span.RecordError(err)
		return messaging.Permanent(fmt.Errorf("failed to release inventory for %s: %w", msg.OrderID, err))
	case err != nil:
		p.forget(ctx, key)
		return fmt.Errorf("failed to release inventory for %s: %w", msg.OrderID, err)
	}

	if released != nil && !entity.SameLines(released, msg.Lines()) {
		slog.WarnContext(ctx, "Release lines differ from the held reservation, reserved lines were restored",
			"order_id", msg.OrderID, "reserved", released, "requested", msg.Lines())
	}

	p.complete(ctx, key, releaseApplied)
	slog.InfoContext(ctx, "Inventory released", "order_id", msg.OrderID, "lines", len(released))
	return nil
}

func (p *ReservationProcessor) complete(ctx context.Context, key, outcome string) {
	if err := p.dedup.Complete(ctx, key, outcome); err != nil {
		slog.WarnContext(ctx, "Failed to store release outcome", "key", key, "err", err)
	}
}

func (p *ReservationProcessor) forget(ctx context.Context, key string) {
	if err := p.dedup.Forget(ctx, key); err != nil {
		slog.WarnContext(ctx, "Failed to drop release claim", "key", key, "err", err)
	}
}
