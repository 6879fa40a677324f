package entity

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// Event is a message published to the broker.
type Event interface {
	EventType() string
}

var (
	_ Event = ReservationRequest{}
	_ Event = InventoryReleaseEvent{}
)

// --- Commands ---

// OrderCreateRequest is the buyer's request to place an order.
type OrderCreateRequest struct {
	Email      string        `json:"email"`
	Phone      string        `json:"internationalPhone"`
	FullName   string        `json:"fullName"`
	Address    string        `json:"address"`
	City       string        `json:"city"`
	PostalCode string        `json:"postalCode"`
	Items      []LineRequest `json:"orderItems"`
}

// LineRequest is a requested product and quantity, before price snapshotting.
type LineRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

var (
	e164Pattern       = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	postalCodePattern = regexp.MustCompile(`^\d{4,10}$`)
)

// Validate checks the request shape. Product existence is checked by the orchestrator.
func (r OrderCreateRequest) Validate() error {
	var problems []string

	if _, err := mail.ParseAddress(r.Email); strings.TrimSpace(r.Email) == "" || err != nil {
		problems = append(problems, "email: must be a valid address")
	}
	if !e164Pattern.MatchString(r.Phone) {
		problems = append(problems, "internationalPhone: must be E.164")
	}
	if name := strings.TrimSpace(r.FullName); name == "" || len(name) > 100 {
		problems = append(problems, "fullName: required, at most 100 characters")
	}
	if strings.TrimSpace(r.Address) == "" {
		problems = append(problems, "address: required")
	}
	if strings.TrimSpace(r.City) == "" {
		problems = append(problems, "city: required")
	}
	if !postalCodePattern.MatchString(r.PostalCode) {
		problems = append(problems, "postalCode: must be 4 to 10 digits")
	}
	if len(r.Items) == 0 {
		problems = append(problems, "orderItems: at least one item is required")
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			problems = append(problems, fmt.Sprintf("orderItems[%d].productId: required", i))
		}
		if item.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("orderItems[%d].quantity: must be positive", i))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, ", "))
	}
	return nil
}

func (r OrderCreateRequest) Contact() Contact {
	return Contact{
		Email:      strings.TrimSpace(r.Email),
		Phone:      r.Phone,
		FullName:   strings.TrimSpace(r.FullName),
		Address:    strings.TrimSpace(r.Address),
		City:       strings.TrimSpace(r.City),
		PostalCode: r.PostalCode,
	}
}

// --- Events ---

type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "PENDING"
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationFailed   ReservationStatus = "FAILED"
)

// ReservationRequest asks the inventory side to reserve stock for an order. The
// processor sends the same message back with status RESERVED or FAILED.
type ReservationRequest struct {
	OrderID           string            `json:"orderId"`
	ProductQuantities map[string]int    `json:"productIdToQuantityMap"`
	Status            ReservationStatus `json:"status"`
	Reason            string            `json:"reason,omitempty"`
}

func (e ReservationRequest) EventType() string {
	switch e.Status {
	case ReservationReserved:
		return "ProductsReserved"
	case ReservationFailed:
		return "ProductReservationFailed"
	default:
		return "ProductReservationRequested"
	}
}

// OrderCreated is the reservation processor's name for an inbound PENDING request.
type OrderCreated = ReservationRequest

// ReservationOutcome is a ReservationRequest carrying RESERVED or FAILED.
type ReservationOutcome = ReservationRequest

// ReleaseAction is the only action the reservation processor applies.
const ReleaseAction = "RELEASE"

// ReleaseItem is one product/quantity to return to stock.
type ReleaseItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// InventoryReleaseEvent is the compensating action emitted when a PROCESSING order is
// cancelled.
type InventoryReleaseEvent struct {
	OrderID string        `json:"orderId"`
	Action  string        `json:"action"`
	Items   []ReleaseItem `json:"orderItems"`
}

func (e InventoryReleaseEvent) EventType() string { return "InventoryReleaseRequested" }

// NewReleaseEvent builds the release for an order's original line items.
func NewReleaseEvent(o *Order) InventoryReleaseEvent {
	items := o.Items()
	release := InventoryReleaseEvent{
		OrderID: o.ID,
		Action:  ReleaseAction,
		Items:   make([]ReleaseItem, 0, len(items)),
	}
	for _, item := range items {
		release.Items = append(release.Items, ReleaseItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return release
}

// Lines merges release items per product into sorted stock lines.
func (e InventoryReleaseEvent) Lines() []StockLine {
	m := make(map[string]int, len(e.Items))
	for _, item := range e.Items {
		m[item.ProductID] += item.Quantity
	}
	return LinesFromQuantities(m)
}
