package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIndeterminate means the push may or may not have reached the gateway.
	// The customer could already be looking at a prompt, so it must never be
	// treated as a failure or retried blindly.
	ErrIndeterminate        = errors.New("payment push result is indeterminate")
	ErrUnsupportedOperation = errors.New("operation is not supported by the gateway")
	ErrInvalidCallback      = errors.New("invalid gateway callback payload")
)

type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// GatewayRejectedError is a business-level refusal from the gateway, such as
// an invalid subscriber or a duplicate request.
type GatewayRejectedError struct {
	Code    string
	Message string
}

func (e *GatewayRejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request: code=%s message=%s", e.Code, e.Message)
}

type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

type PushInput struct {
	Amount           int64
	Phone            string
	Narrative        string
	AccountReference string
}

type PushOutput struct {
	CorrelationID       string
	SecondaryID         string
	ResponseDescription string
	CustomerMessage     string
}

// RawStatus is the gateway's view of a push, as returned by a status query.
type RawStatus struct {
	Resolved         bool
	ResultCode       string
	ResultDesc       string
	ReceiptReference string
	TransactionAt    *time.Time
}

func (s *RawStatus) Succeeded() bool {
	return s != nil && s.Resolved && s.ResultCode == ResultCodeSuccess
}

type CallbackEvent struct {
	CorrelationID    string
	SecondaryID      string
	ResultCode       string
	ResultDesc       string
	Amount           *int64
	ReceiptReference string
	TransactionAt    *time.Time
	Phone            string
}

func (e *CallbackEvent) Succeeded() bool {
	return e.ResultCode == ResultCodeSuccess
}

type Gateway interface {
	Name() string
	Authenticate(ctx context.Context) (*AccessToken, error)
	PushPayment(ctx context.Context, token *AccessToken, input *PushInput) (*PushOutput, error)
	QueryStatus(ctx context.Context, token *AccessToken, correlationID string) (*RawStatus, error)
	ParseCallback(payload []byte) (*CallbackEvent, error)
}
