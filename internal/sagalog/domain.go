// Package sagalog keeps an append-only journal of order saga steps, each tagged
// with the trace that produced it.
package sagalog

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Step names one recorded saga event.
type Step string

const (
	StepStarted              Step = "STARTED"
	StepReservationRequested Step = "RESERVATION_REQUESTED"
	StepProcessing           Step = "PROCESSING"
	StepFailed               Step = "FAILED"
	StepCancelled            Step = "CANCELLED"
	StepReleaseRequested     Step = "RELEASE_REQUESTED"
	StepStatusUpdated        Step = "STATUS_UPDATED"
	StepPublishFailed        Step = "PUBLISH_FAILED"
	// StepReservationStranded marks stock held for an order cancelled before its
	// reservation outcome arrived. Nothing releases it automatically.
	StepReservationStranded Step = "RESERVATION_STRANDED"
)

// Entry is one row of the journal.
type Entry struct {
	OrderID   string
	Step      Step
	Detail    string
	Errors    string
	TraceID   string
	SpanID    string
	CreatedAt time.Time
}

// Repository persists journal entries. Save only appends.
type Repository interface {
	Save(ctx context.Context, entry *Entry) error
	List(ctx context.Context, orderID string) ([]Entry, error)
}

// NewEntry builds an entry with the trace ids of the active span in ctx.
func NewEntry(ctx context.Context, orderID string, step Step, detail string, errs ...string) *Entry {
	sc := trace.SpanFromContext(ctx).SpanContext()

	errJSON := "[]"
	if len(errs) > 0 {
		if b, err := json.Marshal(errs); err == nil {
			errJSON = string(b)
		}
	}

	e := &Entry{
		OrderID:   orderID,
		Step:      step,
		Detail:    detail,
		Errors:    errJSON,
		CreatedAt: time.Now().UTC(),
	}
	if sc.IsValid() {
		e.TraceID = sc.TraceID().String()
		e.SpanID = sc.SpanID().String()
	}
	return e
}
