package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/repository"
)

type applyResult struct {
	Request *entity.PaymentRequest
	// Applied is true only for the writer whose outcome was stored.
	Applied bool
	// Conflict is set when the request was already resolved with a
	// different outcome than the one being applied.
	Conflict bool
	// Held is set when a success without a receipt left the request pending.
	Held bool
}

// outcomeApplier is the single path through which callbacks and polls write a
// terminal state.
type outcomeApplier struct {
	store  paymentRequestStore
	events paymentEventRepository
	logger logrus.FieldLogger
	now    func() time.Time
}

func (a *outcomeApplier) apply(ctx context.Context, correlationID string, outcome entity.Outcome) (*applyResult, error) {
	if outcome.Receiptless() {
		return a.hold(ctx, correlationID, outcome)
	}

	now := a.now().UTC()
	request, err := a.store.Transition(ctx, correlationID, outcome, now)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrAlreadyResolved):
		conflict := !outcome.Matches(request)
		entry := a.logger.WithFields(logrus.Fields{
			"correlation_id":  correlationID,
			"stored_status":   request.Status,
			"incoming_status": outcome.Status,
			"incoming_via":    outcome.Via,
		})
		if conflict {
			entry.Error("Conflicting outcome for an already resolved payment request")
		} else {
			entry.Warn("Payment request already resolved, ignoring duplicate outcome")
		}
		return &applyResult{Request: request, Conflict: conflict}, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrPaymentNotFound
	default:
		return nil, err
	}

	oldStatus := entity.StatusPending
	payload := outcomePayload(outcome)
	if err := a.events.Create(ctx, &entity.PaymentEvent{
		CorrelationID:  &request.CorrelationID,
		IdempotencyKey: request.IdempotencyKey,
		EventType:      entity.EventPaymentResolved,
		OldStatus:      &oldStatus,
		NewStatus:      request.Status,
		PayloadJSON:    payload,
		CreatedAt:      now,
	}); err != nil {
		a.logger.WithError(err).WithField("correlation_id", correlationID).Warn("Failed to record payment resolved event")
	}

	a.logger.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"status":         request.Status,
		"via":            outcome.Via,
	}).Info("Payment request resolved")

	return &applyResult{Request: request, Applied: true}, nil
}

// hold handles a gateway success that carries no receipt. A completed request
// always has a receipt, so the request stays pending until one arrives.
func (a *outcomeApplier) hold(ctx context.Context, correlationID string, outcome entity.Outcome) (*applyResult, error) {
	request, err := a.store.Get(ctx, correlationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}

	if request.Terminal() {
		return &applyResult{Request: request, Conflict: !outcome.Matches(request)}, nil
	}

	a.logger.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"incoming_via":   outcome.Via,
	}).Warn("Gateway confirmed payment without a receipt, keeping request pending")
	return &applyResult{Request: request, Held: true}, nil
}

func outcomePayload(outcome entity.Outcome) *string {
	body := map[string]interface{}{
		"status": outcome.Status,
		"via":    outcome.Via,
	}
	if outcome.ReceiptReference != "" {
		body["receipt_reference"] = outcome.ReceiptReference
	}
	if outcome.ReasonCode != "" {
		body["reason_code"] = outcome.ReasonCode
		body["reason_text"] = outcome.ReasonText
	}
	return marshalPayload(body)
}

func marshalPayload(body interface{}) *string {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	s := string(encoded)
	return &s
}
