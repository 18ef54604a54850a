package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/factory"
	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
)

type CallbackResult struct {
	CorrelationID string
	// Disposition is the audit status recorded for this delivery.
	Disposition string
	Request     *entity.PaymentRequest
}

type CallbackReconciler struct {
	gateway   provider.Gateway
	applier   *outcomeApplier
	callbacks paymentCallbackRepository
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewCallbackReconciler(
	gateway provider.Gateway,
	store paymentRequestStore,
	events paymentEventRepository,
	callbacks paymentCallbackRepository,
) *CallbackReconciler {
	logger := factory.NewModuleLogger("callback-reconciler")
	return &CallbackReconciler{
		gateway:   gateway,
		applier:   &outcomeApplier{store: store, events: events, logger: logger, now: time.Now},
		callbacks: callbacks,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle applies a gateway callback. Only an unparseable payload is an error
// the transport should report; every parsed callback is acknowledged, even
// for unknown or already resolved requests, so the gateway stops redelivering.
func (r *CallbackReconciler) Handle(ctx context.Context, payload []byte) (*CallbackResult, error) {
	event, err := r.gateway.ParseCallback(payload)
	if err != nil {
		r.audit(ctx, nil, nil, payload, entity.CallbackStatusRejected, err.Error())
		r.logger.WithError(err).Warn("Rejected unparseable callback")
		return nil, fmt.Errorf("%w: %v", ErrCallbackRejected, err)
	}

	logger := r.logger.WithFields(logrus.Fields{
		"correlation_id": event.CorrelationID,
		"result_code":    event.ResultCode,
	})

	applied, err := r.applier.apply(ctx, event.CorrelationID, outcomeFromCallback(event))
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		r.audit(ctx, &event.CorrelationID, &event.ResultCode, payload, entity.CallbackStatusUnknownReference, "correlation id is not tracked")
		logger.WithField("operator_attention", true).Error("Callback for an unknown correlation id")
		return &CallbackResult{CorrelationID: event.CorrelationID, Disposition: entity.CallbackStatusUnknownReference}, nil
	case err != nil:
		logger.WithError(err).Error("Failed to apply callback outcome")
		return nil, err
	}

	disposition := entity.CallbackStatusProcessed
	var auditErr string
	switch {
	case applied.Held:
		disposition = entity.CallbackStatusHeld
		auditErr = "success callback without a receipt number"
		logger.WithField("operator_attention", true).Error("Success callback without a receipt number, request left pending")
	case !applied.Applied:
		disposition = entity.CallbackStatusDuplicate
		if applied.Conflict {
			auditErr = "stored outcome differs from redelivered callback"
		}
	}
	if applied.Applied && event.Amount != nil && *event.Amount != applied.Request.Amount {
		logger.WithFields(logrus.Fields{
			"expected_amount": applied.Request.Amount,
			"callback_amount": *event.Amount,
		}).Error("Callback amount does not match the requested amount")
	}

	r.audit(ctx, &event.CorrelationID, &event.ResultCode, payload, disposition, auditErr)

	return &CallbackResult{
		CorrelationID: event.CorrelationID,
		Disposition:   disposition,
		Request:       applied.Request,
	}, nil
}

func outcomeFromCallback(event *provider.CallbackEvent) entity.Outcome {
	if event.Succeeded() {
		return entity.Completed(event.ReceiptReference, event.TransactionAt, entity.ResolvedViaCallback)
	}
	return entity.Failed(event.ResultCode, event.ResultDesc, entity.ResolvedViaCallback)
}

func (r *CallbackReconciler) audit(ctx context.Context, correlationID, resultCode *string, payload []byte, status, reason string) {
	callback := &entity.PaymentCallback{
		CorrelationID: correlationID,
		ResultCode:    resultCode,
		PayloadJSON:   string(payload),
		Status:        status,
		CreatedAt:     r.now().UTC(),
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		trimmed := truncate(reason, 1024)
		callback.Error = &trimmed
	}
	if err := r.callbacks.Create(ctx, callback); err != nil {
		r.logger.WithError(err).Warn("Failed to record callback")
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
