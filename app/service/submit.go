package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/factory"
	"github.com/vibast-solutions/ms-go-mpesa/app/provider"
	"github.com/vibast-solutions/ms-go-mpesa/app/repository"
	"github.com/vibast-solutions/ms-go-mpesa/config"
	"golang.org/x/sync/singleflight"
)

const (
	testFailCode    = "400.002.02"
	testFailMessage = "STK Push failed"
	maxNarrativeLen = 100
)

var msisdnPattern = regexp.MustCompile(`^254\d{9}$`)

type SubmitInput struct {
	IdempotencyKey string
	Amount         int64
	Phone          string
	Narrative      string
	OrderSnapshot  json.RawMessage
}

type SubmitResult struct {
	Request         *entity.PaymentRequest
	CustomerMessage string
	// Replayed is set when an earlier request with the same idempotency key
	// was returned instead of pushing again.
	Replayed bool
	// InputMismatch is set on a replay whose amount or phone differs from
	// the stored request.
	InputMismatch bool
}

type PaymentRequestService struct {
	gateway  provider.Gateway
	store    paymentRequestStore
	events   paymentEventRepository
	cfg      config.MpesaConfig
	logger   logrus.FieldLogger
	now      func() time.Time
	inflight singleflight.Group

	// indeterminate holds idempotency keys whose push result is unknown, so
	// retries stay blocked in this process even if the event write failed.
	indeterminate sync.Map
}

func NewPaymentRequestService(
	gateway provider.Gateway,
	store paymentRequestStore,
	events paymentEventRepository,
	cfg config.MpesaConfig,
) *PaymentRequestService {
	return &PaymentRequestService{
		gateway: gateway,
		store:   store,
		events:  events,
		cfg:     cfg,
		logger:  factory.NewModuleLogger("payment-request-service"),
		now:     time.Now,
	}
}

// Submit validates a checkout and pushes the payment prompt to the customer's
// phone. A PaymentRequest is stored only when the gateway accepted the push.
func (s *PaymentRequestService) Submit(ctx context.Context, input *SubmitInput) (*SubmitResult, error) {
	if input == nil {
		return nil, ErrInvalidRequest
	}
	if err := s.validate(input); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		return s.push(ctx, input, nil)
	}

	result, err, _ := s.inflight.Do(key, func() (interface{}, error) {
		return s.submitOnce(ctx, input, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(*SubmitResult), nil
}

func (s *PaymentRequestService) validate(input *SubmitInput) error {
	if input.Amount < s.cfg.MinAmount || input.Amount > s.cfg.MaxAmount {
		return fmt.Errorf("%w: must be between %d and %d", ErrInvalidAmount, s.cfg.MinAmount, s.cfg.MaxAmount)
	}
	if !msisdnPattern.MatchString(input.Phone) {
		return ErrInvalidPhone
	}
	input.Narrative = strings.TrimSpace(input.Narrative)
	if input.Narrative == "" || len(input.Narrative) > maxNarrativeLen {
		return fmt.Errorf("%w: description must be 1 to %d characters", ErrInvalidRequest, maxNarrativeLen)
	}
	return nil
}

func (s *PaymentRequestService) submitOnce(ctx context.Context, input *SubmitInput, key string) (*SubmitResult, error) {
	existing, err := s.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.replay(existing, input, key), nil
	}

	if _, blocked := s.indeterminate.Load(key); blocked {
		s.logger.WithField("idempotency_key", key).Warn("Refusing to push again for a key with an indeterminate push")
		return nil, fmt.Errorf("%w: an earlier push for this checkout may still reach the customer", ErrIndeterminate)
	}

	unresolved, err := s.events.CountByIdempotencyKey(ctx, key, entity.EventPushIndeterminate)
	if err != nil {
		return nil, err
	}
	if unresolved > 0 {
		s.logger.WithField("idempotency_key", key).Warn("Refusing to push again for a key with an indeterminate push")
		return nil, fmt.Errorf("%w: an earlier push for this checkout may still reach the customer", ErrIndeterminate)
	}

	return s.push(ctx, input, &key)
}

func (s *PaymentRequestService) push(ctx context.Context, input *SubmitInput, key *string) (*SubmitResult, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"amount": input.Amount,
		"phone":  maskPhone(input.Phone),
	})

	if s.cfg.TestFailPhone != "" && input.Phone == s.cfg.TestFailPhone {
		rejected := &provider.GatewayRejectedError{Code: testFailCode, Message: testFailMessage}
		s.recordPushFailure(ctx, key, entity.EventPushRejected, rejected)
		logger.Info("Test fail phone used, rejecting without gateway call")
		return nil, rejected
	}

	token, err := s.gateway.Authenticate(ctx)
	if err != nil {
		logger.WithError(err).Error("Gateway authentication failed")
		return nil, err
	}

	now := s.now().UTC()
	accountRef := fmt.Sprintf("%s-%d", s.cfg.AccountRefPrefix, now.UnixMilli())
	output, err := s.gateway.PushPayment(ctx, token, &provider.PushInput{
		Amount:           input.Amount,
		Phone:            input.Phone,
		Narrative:        input.Narrative,
		AccountReference: accountRef,
	})
	if err != nil {
		var rejected *provider.GatewayRejectedError
		switch {
		case errors.As(err, &rejected):
			s.recordPushFailure(ctx, key, entity.EventPushRejected, err)
			logger.WithField("code", rejected.Code).Warn("Gateway rejected push")
		case errors.Is(err, provider.ErrIndeterminate):
			if key != nil {
				s.indeterminate.Store(*key, struct{}{})
			}
			s.recordPushFailure(ctx, key, entity.EventPushIndeterminate, err)
			logger.WithError(err).Error("Push result is indeterminate")
		default:
			logger.WithError(err).Error("Push failed before reaching the gateway")
		}
		return nil, err
	}

	// The prompt is on the customer's phone now. Recording it must not be
	// abandoned because the caller went away.
	persistCtx := context.WithoutCancel(ctx)

	request := &entity.PaymentRequest{
		CorrelationID:    output.CorrelationID,
		SecondaryID:      output.SecondaryID,
		IdempotencyKey:   key,
		AccountReference: accountRef,
		Amount:           input.Amount,
		Phone:            input.Phone,
		Narrative:        input.Narrative,
		OrderSnapshot:    input.OrderSnapshot,
		Status:           entity.StatusPending,
		FinalizeStatus:   entity.FinalizeNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(persistCtx, request); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) && key != nil {
			existing, findErr := s.store.FindByIdempotencyKey(persistCtx, *key)
			if findErr == nil && existing != nil {
				logger.WithField("correlation_id", output.CorrelationID).Error("Concurrent push for the same idempotency key")
				return s.replay(existing, input, *key), nil
			}
		}
		if errors.Is(err, repository.ErrDuplicateCorrelationID) {
			logger.WithField("correlation_id", output.CorrelationID).Error("Gateway issued a correlation id that is already tracked")
		}
		return nil, err
	}

	if err := s.events.Create(persistCtx, &entity.PaymentEvent{
		CorrelationID:  &request.CorrelationID,
		IdempotencyKey: key,
		EventType:      entity.EventPaymentCreated,
		NewStatus:      entity.StatusPending,
		PayloadJSON: marshalPayload(map[string]interface{}{
			"secondary_id":      output.SecondaryID,
			"account_reference": accountRef,
			"gateway":           s.gateway.Name(),
		}),
		CreatedAt: now,
	}); err != nil {
		logger.WithError(err).WithField("correlation_id", request.CorrelationID).Warn("Failed to record payment created event")
	}

	logger.WithField("correlation_id", request.CorrelationID).Info("Payment request created")

	return &SubmitResult{Request: request, CustomerMessage: output.CustomerMessage}, nil
}

func (s *PaymentRequestService) recordPushFailure(ctx context.Context, key *string, eventType string, cause error) {
	body := map[string]interface{}{"error": cause.Error()}
	var rejected *provider.GatewayRejectedError
	if errors.As(cause, &rejected) {
		body = map[string]interface{}{"code": rejected.Code, "message": rejected.Message}
	}
	newStatus := entity.StatusFailed
	if eventType == entity.EventPushIndeterminate {
		newStatus = entity.StatusUnknown
	}
	err := s.events.Create(context.WithoutCancel(ctx), &entity.PaymentEvent{
		IdempotencyKey: key,
		EventType:      eventType,
		NewStatus:      newStatus,
		PayloadJSON:    marshalPayload(body),
		CreatedAt:      s.now().UTC(),
	})
	if err == nil {
		return
	}

	entry := s.logger.WithError(err).WithField("event_type", eventType)
	if key != nil {
		entry = entry.WithField("idempotency_key", *key)
	}
	if eventType == entity.EventPushIndeterminate {
		// Other instances rely on this event to refuse a second push.
		entry.WithField("operator_attention", true).Error("Failed to record indeterminate push")
		return
	}
	entry.Warn("Failed to record push failure")
}

func (s *PaymentRequestService) replay(existing *entity.PaymentRequest, input *SubmitInput, key string) *SubmitResult {
	result := &SubmitResult{Request: existing, Replayed: true}
	if existing.Amount != input.Amount || existing.Phone != input.Phone {
		result.InputMismatch = true
		s.logger.WithFields(logrus.Fields{
			"idempotency_key": key,
			"correlation_id":  existing.CorrelationID,
			"stored_amount":   existing.Amount,
			"request_amount":  input.Amount,
			"stored_phone":    maskPhone(existing.Phone),
			"request_phone":   maskPhone(input.Phone),
		}).Warn("Idempotent replay with different amount or phone, returning the stored request")
	}
	return result
}

func maskPhone(phone string) string {
	if len(phone) < 9 {
		return phone
	}
	return phone[:6] + strings.Repeat("*", len(phone)-9) + phone[len(phone)-3:]
}
