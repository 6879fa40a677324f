package entity

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Contact holds the buyer's shipping and contact details.
type Contact struct {
	Email      string `json:"email"`
	Phone      string `json:"internationalPhone"`
	FullName   string `json:"fullName"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
}

// OrderItem is a line item with the product's price and name captured at order time.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"productName"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// StatusHistory records when an order entered a status.
type StatusHistory struct {
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
}

// StatusChange is the result of an accepted transition.
type StatusChange struct {
	OrderID   string    `json:"orderId"`
	OldStatus Status    `json:"oldStatus"`
	NewStatus Status    `json:"newStatus"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message"`
	ChangedAt time.Time `json:"changedAt"`
}

// Order is the order aggregate. Line items and total are fixed at creation and the
// status only moves through TransitionTo.
type Order struct {
	ID                 string
	BuyerID            string
	Contact            Contact
	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time

	items   []OrderItem
	total   decimal.Decimal
	status  Status
	history []StatusHistory
}

// NewOrder creates a PENDING order from snapshotted line items.
func NewOrder(id, buyerID string, contact Contact, items []OrderItem, now time.Time) (*Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order must have at least one item", ErrValidation)
	}
	for _, item := range items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: item without product id", ErrValidation)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for product %s must be positive", ErrValidation, item.ProductID)
		}
		if item.Price.IsNegative() {
			return nil, fmt.Errorf("%w: negative price for product %s", ErrValidation, item.ProductID)
		}
	}

	o := &Order{
		ID:        id,
		BuyerID:   buyerID,
		Contact:   contact,
		CreatedAt: now,
		UpdatedAt: now,
		items:     slices.Clone(items),
		status:    StatusPending,
		history:   []StatusHistory{{Status: StatusPending, ChangedAt: now}},
	}
	o.total = sumItems(o.items)
	return o, nil
}

// OrderSnapshot is the flat, serializable form of an Order.
type OrderSnapshot struct {
	ID                 string          `json:"id"`
	BuyerID            string          `json:"buyerId"`
	Contact            Contact         `json:"contact"`
	Items              []OrderItem     `json:"orderItems"`
	TotalPrice         decimal.Decimal `json:"totalPrice"`
	Status             Status          `json:"status"`
	StatusHistory      []StatusHistory `json:"statusHistory"`
	CancellationReason string          `json:"cancellationReason,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// RestoreOrder rebuilds an order loaded from storage. The total is recomputed from the
// snapshotted items.
func RestoreOrder(s OrderSnapshot) *Order {
	o := &Order{
		ID:                 s.ID,
		BuyerID:            s.BuyerID,
		Contact:            s.Contact,
		CancellationReason: s.CancellationReason,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		items:              slices.Clone(s.Items),
		status:             s.Status,
		history:            slices.Clone(s.StatusHistory),
	}
	o.total = sumItems(o.items)
	return o
}

func (o *Order) Snapshot() OrderSnapshot {
	return OrderSnapshot{
		ID:                 o.ID,
		BuyerID:            o.BuyerID,
		Contact:            o.Contact,
		Items:              o.Items(),
		TotalPrice:         o.total,
		Status:             o.status,
		StatusHistory:      o.History(),
		CancellationReason: o.CancellationReason,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

func (o *Order) Items() []OrderItem {
	return slices.Clone(o.items)
}

func (o *Order) Total() decimal.Decimal {
	return o.total
}

func (o *Order) Status() Status {
	return o.status
}

func (o *Order) History() []StatusHistory {
	return slices.Clone(o.history)
}

// ProductQuantities sums the ordered quantity per product.
func (o *Order) ProductQuantities() map[string]int {
	m := make(map[string]int, len(o.items))
	for _, item := range o.items {
		m[item.ProductID] += item.Quantity
	}
	return m
}

// ContainsAnyProduct reports whether at least one line item is for a product in ids.
func (o *Order) ContainsAnyProduct(ids []string) bool {
	for _, item := range o.items {
		if slices.Contains(ids, item.ProductID) {
			return true
		}
	}
	return false
}

// TransitionTo moves the order to target if the state machine allows it.
func (o *Order) TransitionTo(target Status, reason string, at time.Time) (StatusChange, error) {
	if !IsValidTransition(o.status, target) {
		return StatusChange{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.status, target)
	}

	change := StatusChange{
		OrderID:   o.ID,
		OldStatus: o.status,
		NewStatus: target,
		Reason:    reason,
		Message:   fmt.Sprintf("order status updated from %s to %s", o.status, target),
		ChangedAt: at,
	}

	o.status = target
	o.UpdatedAt = at
	o.history = append(o.history, StatusHistory{Status: target, ChangedAt: at})
	if target == StatusCancelled {
		o.CancellationReason = reason
	}
	return change, nil
}

func sumItems(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}
