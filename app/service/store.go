package service

import (
	"context"
	"time"

	"github.com/vibast-solutions/ms-go-mpesa/app/entity"
	"github.com/vibast-solutions/ms-go-mpesa/app/repository"
)

type paymentRequestStore interface {
	Create(ctx context.Context, request *entity.PaymentRequest) error
	Transition(ctx context.Context, correlationID string, outcome entity.Outcome, now time.Time) (*entity.PaymentRequest, error)
	Get(ctx context.Context, correlationID string) (*entity.PaymentRequest, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*entity.PaymentRequest, error)
	List(ctx context.Context, filter repository.PaymentRequestFilter) ([]*entity.PaymentRequest, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentRequest, error)
	ListDueFinalization(ctx context.Context, now time.Time, limit int32) ([]*entity.PaymentRequest, error)
	UpdateFinalization(ctx context.Context, request *entity.PaymentRequest) error
}

type paymentEventRepository interface {
	Create(ctx context.Context, event *entity.PaymentEvent) error
	CountByIdempotencyKey(ctx context.Context, key, eventType string) (int, error)
	ListByCorrelationID(ctx context.Context, correlationID string) ([]*entity.PaymentEvent, error)
}

type paymentCallbackRepository interface {
	Create(ctx context.Context, callback *entity.PaymentCallback) error
}
