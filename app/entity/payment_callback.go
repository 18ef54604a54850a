package entity

import "time"

const (
	CallbackStatusProcessed        = "processed"
	CallbackStatusDuplicate        = "duplicate"
	CallbackStatusHeld             = "held"
	CallbackStatusUnknownReference = "unknown_reference"
	CallbackStatusRejected         = "rejected"
)

type PaymentCallback struct {
	ID uint64

	CorrelationID *string

	ResultCode  *string
	PayloadJSON string
	Status      string
	Error       *string

	CreatedAt time.Time
}
