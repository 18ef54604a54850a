package service

import (
	"errors"

	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidAmount        = errors.New("amount is outside the allowed range")
	ErrInvalidPhone         = errors.New("phone number must be in format 254XXXXXXXXX")
	ErrInvalidCorrelationID = errors.New("invalid correlation id")
	ErrPaymentNotFound      = errors.New("payment request not found")
	ErrCallbackRejected     = errors.New("callback rejected")
	ErrInvalidStatusFilter  = errors.New("status must be pending, completed or failed")

	// ErrIndeterminate is the provider sentinel, re-exported so callers of
	// this package do not need to import the provider.
	ErrIndeterminate = provider.ErrIndeterminate
)
