package entity

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Status is an order lifecycle state. It is a value object: the zero value is not a
// valid status and the only way an order's status changes is Order.TransitionTo, which
// consults IsValidTransition.
type Status struct {
	name string
}

var (
	StatusPending    = Status{"PENDING"}
	StatusProcessing = Status{"PROCESSING"}
	StatusShipped    = Status{"SHIPPED"}
	StatusDelivered  = Status{"DELIVERED"}
	StatusCancelled  = Status{"CANCELLED"}
	StatusFailed     = Status{"FAILED"}
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusFailed,
}

// transitions is the single adjacency table for the order state machine.
// Statuses without an entry are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
}

// IsValidTransition reports whether an order may move from current to target.
func IsValidTransition(current, target Status) bool {
	for _, next := range transitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// ParseStatus converts a status name (case-insensitive) into a Status.
func ParseStatus(s string) (Status, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, st := range AllStatuses {
		if st.name == name {
			return st, nil
		}
	}
	return Status{}, fmt.Errorf("%w: invalid status %q, allowed values: PENDING, PROCESSING, SHIPPED, DELIVERED, FAILED, CANCELLED", ErrValidation, s)
}

func (s Status) String() string {
	return s.name
}

func (s Status) IsZero() bool {
	return s.name == ""
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return !s.IsZero() && len(transitions[s]) == 0
}

// Cancellable reports whether an order in s may still be cancelled.
func (s Status) Cancellable() bool {
	return IsValidTransition(s, StatusCancelled)
}

func (s Status) MarshalText() ([]byte, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("cannot marshal empty status")
	}
	return []byte(s.name), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s Status) Value() (driver.Value, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("cannot store empty status")
	}
	return s.name, nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into Status", src)
	}
}
