package entity

import "time"

const (
	EventPaymentCreated    = "payment_created"
	EventPushRejected      = "push_rejected"
	EventPushIndeterminate = "push_indeterminate"
	EventPaymentResolved   = "payment_resolved"
	EventOrderFinalized    = "order_finalized"
	EventFinalizeFailed    = "order_finalize_failed"
)

type PaymentEvent struct {
	ID uint64

	CorrelationID  *string
	IdempotencyKey *string

	EventType string

	OldStatus *string
	NewStatus string

	PayloadJSON *string

	CreatedAt time.Time
}
