package entity

import "errors"

var (
	// ErrValidation marks bad caller input: unknown product, non-positive quantity,
	// malformed contact fields.
	ErrValidation = errors.New("validation error")
	// ErrAuth means the caller identity could not be resolved.
	ErrAuth = errors.New("caller identity could not be resolved")
	// ErrUnauthorized means the caller is known but may not act on the order.
	ErrUnauthorized      = errors.New("not authorized for this order")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCancellable    = errors.New("order cannot be cancelled")
	// ErrServiceUnavailable is returned when the catalog cannot be reached in time.
	// Retryable.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrConsistencyViolation means inventory changed between validation and
	// decrement. It must alert an operator and is never retried.
	ErrConsistencyViolation = errors.New("inventory consistency violation")

	ErrOrderNotFound       = errors.New("order not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrStatusConflict      = errors.New("order status changed concurrently")
	ErrReservationNotFound = errors.New("reservation not found")
)
