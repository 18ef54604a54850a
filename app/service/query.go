package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/factory"
	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
	"github.com/vibast-solutions/ms-go-mpesa/app/repository"
)

const defaultListLimit int32 = 50

type QueryResult struct {
	CorrelationID string
	Status        string
	Request       *entity.PaymentRequest
	// AwaitCallback tells the caller the gateway could not be asked right
	// now; rely on the callback or poll again later.
	AwaitCallback bool
	// GatewayConfirmed means the gateway reported success but the receipt
	// has not arrived yet.
	GatewayConfirmed  bool
	GatewayResultCode string
	GatewayResultDesc string
}

type StatusQueryService struct {
	gateway provider.Gateway
	store   paymentRequestStore
	events  paymentEventRepository
	applier *outcomeApplier
	logger  logrus.FieldLogger
}

func NewStatusQueryService(gateway provider.Gateway, store paymentRequestStore, events paymentEventRepository) *StatusQueryService {
	logger := factory.NewModuleLogger("status-query-service")
	return &StatusQueryService{
		gateway: gateway,
		store:   store,
		events:  events,
		applier: &outcomeApplier{store: store, events: events, logger: logger, now: time.Now},
		logger:  logger,
	}
}

func ValidCorrelationID(correlationID string) bool {
	return entity.ValidCorrelationID(correlationID)
}

// Poll returns the current status of a request, asking the gateway when the
// store still has it pending. It never invents a terminal state.
func (s *StatusQueryService) Poll(ctx context.Context, correlationID string) (*QueryResult, error) {
	correlationID = strings.TrimSpace(correlationID)
	if !ValidCorrelationID(correlationID) {
		return nil, ErrInvalidCorrelationID
	}

	logger := s.logger.WithField("correlation_id", correlationID)

	request, err := s.store.Get(ctx, correlationID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("Status query for an unknown correlation id")
		return &QueryResult{CorrelationID: correlationID, Status: entity.StatusUnknown}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &QueryResult{CorrelationID: correlationID, Status: request.Status, Request: request}
	if request.Terminal() {
		return result, nil
	}

	token, err := s.gateway.Authenticate(ctx)
	if err != nil {
		logger.WithError(err).Warn("Gateway authentication failed during status query")
		result.AwaitCallback = true
		return result, nil
	}

	raw, err := s.gateway.QueryStatus(ctx, token, correlationID)
	if err != nil {
		var rejected *provider.GatewayRejectedError
		switch {
		case errors.Is(err, provider.ErrUnsupportedOperation):
			logger.Debug("Gateway does not support status queries")
		case errors.As(err, &rejected):
			result.GatewayResultCode = rejected.Code
			result.GatewayResultDesc = rejected.Message
			logger.WithField("code", rejected.Code).Warn("Gateway refused status query")
		default:
			logger.WithError(err).Warn("Status query failed")
		}
		result.AwaitCallback = true
		return result, nil
	}

	result.GatewayResultCode = raw.ResultCode
	result.GatewayResultDesc = raw.ResultDesc
	if !raw.Resolved {
		return result, nil
	}

	outcome := entity.Failed(raw.ResultCode, raw.ResultDesc, entity.ResolvedViaPoll)
	if raw.Succeeded() {
		outcome = entity.Completed(raw.ReceiptReference, raw.TransactionAt, entity.ResolvedViaPoll)
	}

	applied, err := s.applier.apply(ctx, correlationID, outcome)
	if err != nil {
		return nil, err
	}
	result.GatewayConfirmed = applied.Held
	result.Request = applied.Request
	result.Status = applied.Request.Status
	return result, nil
}

// Get returns the stored request with its event history, without asking the
// gateway.
func (s *StatusQueryService) Get(ctx context.Context, correlationID string) (*entity.PaymentRequest, []*entity.PaymentEvent, error) {
	correlationID = strings.TrimSpace(correlationID)
	if !ValidCorrelationID(correlationID) {
		return nil, nil, ErrInvalidCorrelationID
	}

	request, err := s.store.Get(ctx, correlationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	events, err := s.events.ListByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, nil, err
	}
	return request, events, nil
}

type ListInput struct {
	Status string
	Phone  string
	Limit  int32
	Offset int32
}

// List returns tracked requests, newest first. Nothing is asked of the
// gateway.
func (s *StatusQueryService) List(ctx context.Context, input ListInput) ([]*entity.PaymentRequest, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	switch input.Status {
	case "", entity.StatusPending, entity.StatusCompleted, entity.StatusFailed:
	default:
		return nil, ErrInvalidStatusFilter
	}

	return s.store.List(ctx, repository.PaymentRequestFilter{
		Status: input.Status,
		Phone:  strings.TrimSpace(input.Phone),
		Limit:  limit,
		Offset: input.Offset,
	})
}
