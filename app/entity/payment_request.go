package entity

import (
	"encoding/json"
	"regexp"
	"time"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	// StatusUnknown is only ever returned for correlation ids the store has
	// never seen. It is never persisted.
	StatusUnknown = "unknown"
)

const (
	FinalizeNone      int32 = 0
	FinalizePending   int32 = 1
	FinalizeDelivered int32 = 10
	FinalizeFailed    int32 = 20
	FinalizeSkipped   int32 = 30
)

const (
	ResolvedViaCallback = "callback"
	ResolvedViaPoll     = "poll"
)

var correlationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

// ValidCorrelationID reports whether id has the shape of a gateway-issued
// checkout id.
func ValidCorrelationID(id string) bool {
	return correlationIDPattern.MatchString(id)
}

type PaymentRequest struct {
	ID uint64

	CorrelationID    string
	SecondaryID      string
	IdempotencyKey   *string
	AccountReference string

	Amount    int64
	Phone     string
	Narrative string

	OrderSnapshot json.RawMessage

	Status               string
	ReceiptReference     *string
	TransactionTimestamp *time.Time
	FailureCode          *string
	FailureReason        *string
	ResolvedVia          *string

	FinalizeStatus   int32
	FinalizeAttempts int32
	FinalizeNextAt   *time.Time
	FinalizeLastErr  *string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

func (r *PaymentRequest) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Outcome is the terminal result applied to a pending request.
type Outcome struct {
	Status               string
	ReceiptReference     string
	TransactionTimestamp *time.Time
	ReasonCode           string
	ReasonText           string
	Via                  string
}

func Completed(receipt string, transactionAt *time.Time, via string) Outcome {
	return Outcome{
		Status:               StatusCompleted,
		ReceiptReference:     receipt,
		TransactionTimestamp: transactionAt,
		Via:                  via,
	}
}

func Failed(code, reason, via string) Outcome {
	return Outcome{
		Status:     StatusFailed,
		ReasonCode: code,
		ReasonText: reason,
		Via:        via,
	}
}

// Receiptless reports a success without the receipt a completed request
// must carry. Such an outcome cannot be applied.
func (o Outcome) Receiptless() bool {
	return o.Status == StatusCompleted && o.ReceiptReference == ""
}

// Apply moves a pending request into the outcome's terminal state and queues
// the order for finalization. Callers must hold whatever lock serializes
// transitions for the correlation id.
func (o Outcome) Apply(r *PaymentRequest, now time.Time) {
	r.Status = o.Status
	r.ReceiptReference = nil
	r.FailureCode = nil
	r.FailureReason = nil
	switch o.Status {
	case StatusCompleted:
		if o.ReceiptReference != "" {
			receipt := o.ReceiptReference
			r.ReceiptReference = &receipt
		}
		r.TransactionTimestamp = o.TransactionTimestamp
	case StatusFailed:
		code, reason := o.ReasonCode, o.ReasonText
		r.FailureCode = &code
		r.FailureReason = &reason
	}
	if o.Via != "" {
		via := o.Via
		r.ResolvedVia = &via
	}
	resolvedAt := now
	r.ResolvedAt = &resolvedAt
	r.FinalizeStatus = FinalizePending
	r.FinalizeAttempts = 0
	next := now
	r.FinalizeNextAt = &next
	r.FinalizeLastErr = nil
	r.UpdatedAt = now
}

// Matches reports whether a stored terminal request agrees with the outcome.
func (o Outcome) Matches(r *PaymentRequest) bool {
	if r.Status != o.Status {
		return false
	}
	if o.Status == StatusCompleted && r.ReceiptReference != nil && o.ReceiptReference != "" {
		return *r.ReceiptReference == o.ReceiptReference
	}
	return true
}
